package cow

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// SetPgfaultHandler registers h as p's page fault handler. The first call
// allocates p's exception stack and points the kernel upcall at p's
// trampoline; later calls only replace the handler.
func (p *Proc) SetPgfaultHandler(h Handler) error {
	if !p.installed {
		xstack := p.layout.XStackPage().Addr()
		if err := p.sys.PageAlloc(p.id, kernel.Self, xstack, mmu.Present|mmu.User|mmu.Writable); err != nil {
			return fmt.Errorf("allocate exception stack: %w", err)
		}
		if err := p.sys.SetPgfaultUpcall(p.id, kernel.Self, p.upcall); err != nil {
			return fmt.Errorf("set pgfault upcall: %w", err)
		}
		p.installed = true
	}
	p.handler = h
	return nil
}

// InstallCOW registers the copy-on-write fault handler that Fork relies on.
func (p *Proc) InstallCOW() error { return p.SetPgfaultHandler(pgfault) }

// upcall is the fault entry point the kernel calls for p. It reads the
// fault frame from p's exception stack, runs the registered handler and
// returns so that the kernel replays the faulting access.
func (p *Proc) upcall(frame mmu.Addr) error {
	if frame.Page() != p.layout.XStackPage() {
		return fmt.Errorf("fault frame %s outside the exception stack", frame)
	}
	b := make([]byte, kernel.UTrapframeSize)
	if err := p.sys.Load(p.id, frame, b); err != nil {
		return fmt.Errorf("read fault frame: %w", err)
	}
	var utf kernel.UTrapframe
	if err := utf.UnmarshalBinary(b); err != nil {
		return err
	}
	if p.handler == nil {
		return ErrNoHandler
	}
	p.upcalls++
	if err := p.handler(p, utf); err != nil {
		p.logger.Error("page fault handler failed", "va", utf.FaultVA.String(), "code", utf.Err.String(), "error", err)
		return fmt.Errorf("page fault handler: %w", err)
	}
	return nil
}
