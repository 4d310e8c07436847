package cow

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// pgfault gives p a private writable copy of a copy-on-write page after a
// write fault. Any other fault is a contract violation and is returned as
// an error.
func pgfault(p *Proc, utf kernel.UTrapframe) error {
	va := utf.FaultVA.RoundDown()
	if utf.Err&kernel.FaultWrite == 0 {
		return fmt.Errorf("fault at %s (%s): %w", utf.FaultVA, utf.Err, ErrNotWrite)
	}
	if !p.as.TablePresent(va.Page().Table()) || !p.as.PermissionsOf(va.Page()).Has(mmu.Present|mmu.COW) {
		return fmt.Errorf("fault at %s (%s): %w", utf.FaultVA, utf.Err, ErrNotCOW)
	}

	tmp := p.layout.PFTemp
	if err := p.sys.PageAlloc(p.id, kernel.Self, tmp, mmu.Present|mmu.User|mmu.Writable); err != nil {
		return &PageError{VA: va, Op: "allocate scratch page", Err: err}
	}
	buf := make([]byte, mmu.PageSize)
	if err := p.sys.Load(p.id, va, buf); err != nil {
		return &PageError{VA: va, Op: "read shared page", Err: err}
	}
	if err := p.sys.Store(p.id, tmp, buf); err != nil {
		return &PageError{VA: va, Op: "fill scratch page", Err: err}
	}
	if err := p.sys.PageMap(p.id, kernel.Self, tmp, kernel.Self, va, mmu.Present|mmu.User|mmu.Writable); err != nil {
		return &PageError{VA: va, Op: "map private copy", Err: err}
	}
	if err := p.sys.PageUnmap(p.id, kernel.Self, tmp); err != nil {
		return &PageError{VA: va, Op: "unmap scratch page", Err: err}
	}

	p.logger.Debug("page copied", "va", va.String())
	p.publish(events.PageCopied, map[string]string{
		"env": p.id.String(),
		"va":  va.String(),
	})
	return nil
}
