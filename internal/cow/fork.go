package cow

import (
	"fmt"
	"strconv"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// Fork kinds reported in ForkCompleted events.
const (
	KindFork  = "fork"
	KindSFork = "sfork"
)

// Fork creates a child whose address space is a copy-on-write snapshot
// of p's and returns its id. The child runs child with its own context
// once the scheduler dispatches it.
//
// Errors are returned as *ForkError. A failed fork leaves any pages it
// already duplicated in place.
func (p *Proc) Fork(child Entry) (kernel.EnvID, error) {
	return p.fork(KindFork, child, p.duppage)
}

// SFork creates a child that shares every page of p with identical
// permissions, so writes by either side are visible to both. Only the
// top page of the normal stack is duplicated copy-on-write; the
// exception stack is private.
func (p *Proc) SFork(child Entry) (kernel.EnvID, error) {
	stack := p.layout.StackPage()
	return p.fork(KindSFork, child, func(c kernel.EnvID, vpn mmu.VPN) error {
		if vpn == stack {
			return p.duppage(c, vpn)
		}
		return p.sharepage(c, vpn)
	})
}

// MustFork forks like Fork and ends p if the fork fails.
func (p *Proc) MustFork(child Entry) kernel.EnvID {
	id, err := p.Fork(child)
	if err != nil {
		p.logger.Error("fork failed", "error", err)
		p.Exit(err)
	}
	return id
}

func (p *Proc) fork(kind string, child Entry, dup func(kernel.EnvID, mmu.VPN) error) (kernel.EnvID, error) {
	if err := p.InstallCOW(); err != nil {
		return 0, &ForkError{Step: StepInstall, Err: err}
	}

	var cp *Proc
	id, err := p.sys.Exofork(p.id, func(kernel.EnvID) error {
		if err := cp.checkSelf(); err != nil {
			return err
		}
		return child(cp)
	})
	if err != nil {
		return 0, &ForkError{Step: StepExofork, Err: err}
	}
	cp = p.derive(id)

	pages := 0
	err = p.walk(func(vpn mmu.VPN) error {
		pages++
		return dup(id, vpn)
	})
	if err != nil {
		return 0, &ForkError{Step: StepDuplicate, Err: err}
	}

	xstack := p.layout.XStackPage().Addr()
	if err := p.sys.PageAlloc(p.id, id, xstack, mmu.Present|mmu.User|mmu.Writable); err != nil {
		return 0, &ForkError{Step: StepXStack, Err: err}
	}
	if err := p.sys.SetPgfaultUpcall(p.id, id, cp.upcall); err != nil {
		return 0, &ForkError{Step: StepUpcall, Err: err}
	}
	if err := p.sys.SetStatus(p.id, id, kernel.Runnable); err != nil {
		return 0, &ForkError{Step: StepRunnable, Err: err}
	}

	p.logger.Info("forked", "child", id.String(), "kind", kind, "pages", pages)
	p.publish(events.ForkCompleted, map[string]string{
		"env":   p.id.String(),
		"child": id.String(),
		"kind":  kind,
		"pages": strconv.Itoa(pages),
	})
	return id, nil
}

// checkSelf asks the kernel which environment is running and compares it
// with the context Fork built for the child.
func (p *Proc) checkSelf() error {
	self, err := p.sys.GetEnvID(kernel.Self)
	if err != nil {
		return err
	}
	if self != p.id {
		return fmt.Errorf("%w: running %s, context %s", ErrWrongEnv, self, p.id)
	}
	return nil
}

// walk calls fn for every present page below UTop that is not excluded,
// skipping page tables with no present entries.
func (p *Proc) walk(fn func(mmu.VPN) error) error {
	top := p.layout.TopPage()
	for vpn := mmu.VPN(0); vpn < top; {
		t := vpn.Table()
		if !p.as.TablePresent(t) {
			vpn = mmu.VPN((t + 1) * mmu.PageTablePages)
			continue
		}
		if !p.exclude.Contains(vpn) && p.as.PermissionsOf(vpn).Has(mmu.Present) {
			if err := fn(vpn); err != nil {
				return err
			}
		}
		vpn++
	}
	return nil
}
