package cow

import (
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// Duplication modes reported in PageDuplicated events.
const (
	ModeCOW    = "cow"
	ModeShared = "shared"
)

// duppage maps page vpn of p into child at the same address. Writable and
// copy-on-write pages become copy-on-write on both sides: the child's
// mapping is installed before p downgrades its own. Read-only pages are
// shared with their existing permissions. Absent pages are skipped.
func (p *Proc) duppage(child kernel.EnvID, vpn mmu.VPN) error {
	perm := p.as.PermissionsOf(vpn)
	if !perm.Has(mmu.Present) {
		return nil
	}
	va := vpn.Addr()
	if !perm.Shareable() {
		if err := p.sys.PageMap(p.id, kernel.Self, va, child, va, perm&mmu.SyscallMask); err != nil {
			return &PageError{VA: va, Op: "share read-only page", Err: err}
		}
		p.duplicated(child, va, ModeShared)
		return nil
	}

	const cow = mmu.Present | mmu.User | mmu.COW
	if err := p.sys.PageMap(p.id, kernel.Self, va, child, va, cow); err != nil {
		return &PageError{VA: va, Op: "map copy-on-write into child", Err: err}
	}
	if err := p.sys.PageMap(p.id, kernel.Self, va, kernel.Self, va, cow); err != nil {
		return &PageError{VA: va, Op: "remap copy-on-write in parent", Err: err}
	}
	p.duplicated(child, va, ModeCOW)
	return nil
}

// sharepage maps page vpn of p into child with identical permissions, so
// writes by either side are visible to both.
func (p *Proc) sharepage(child kernel.EnvID, vpn mmu.VPN) error {
	perm := p.as.PermissionsOf(vpn)
	if !perm.Has(mmu.Present) {
		return nil
	}
	va := vpn.Addr()
	if err := p.sys.PageMap(p.id, kernel.Self, va, child, va, perm&mmu.SyscallMask); err != nil {
		return &PageError{VA: va, Op: "share page", Err: err}
	}
	p.duplicated(child, va, ModeShared)
	return nil
}

func (p *Proc) duplicated(child kernel.EnvID, va mmu.Addr, mode string) {
	p.publish(events.PageDuplicated, map[string]string{
		"env":   p.id.String(),
		"child": child.String(),
		"va":    va.String(),
		"mode":  mode,
	})
}
