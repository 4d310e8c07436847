// Package cow implements user-level copy-on-write fork over the kernel's
// page mapping system calls.
//
// A Proc is the explicit context of one running environment. Fork shares
// every writable page of the caller with a new child, marking both sides
// copy-on-write, and the page fault handler installed by Fork gives
// whichever side writes first a private copy.
package cow

import (
	"log/slog"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// Sys is the set of kernel services a process uses. *kernel.Kernel
// implements it.
type Sys interface {
	PageAlloc(caller, env kernel.EnvID, va mmu.Addr, perm mmu.Perm) error
	PageMap(caller, srcEnv kernel.EnvID, srcVA mmu.Addr, dstEnv kernel.EnvID, dstVA mmu.Addr, perm mmu.Perm) error
	PageUnmap(caller, env kernel.EnvID, va mmu.Addr) error
	Exofork(caller kernel.EnvID, entry kernel.Entry) (kernel.EnvID, error)
	SetPgfaultUpcall(caller, env kernel.EnvID, upcall kernel.Upcall) error
	SetStatus(caller, env kernel.EnvID, s kernel.Status) error
	GetEnvID(caller kernel.EnvID) (kernel.EnvID, error)
	Yield(caller kernel.EnvID) error
	Exit(caller kernel.EnvID, cause error)
	Load(caller kernel.EnvID, va mmu.Addr, buf []byte) error
	Store(caller kernel.EnvID, va mmu.Addr, data []byte) error
	EnvAlive(id kernel.EnvID) bool
	AddressSpace(id kernel.EnvID) *kernel.AddressSpace
	Layout() mmu.Layout
}

// Handler services a page fault delivered to p. Returning an error
// terminates the environment.
type Handler func(p *Proc, utf kernel.UTrapframe) error

// Entry is the body of a process. A forked child starts here with its
// own context.
type Entry func(p *Proc) error

// Options configure a Proc.
type Options struct {
	// Exclude lists extra addresses whose pages Fork never duplicates.
	// The exception stack page is always excluded.
	Exclude []mmu.Addr
	Logger  *slog.Logger
	Bus     *events.Bus
}

// Proc is the context of one environment. It is not safe for concurrent
// use; each environment runs on a single logical thread.
type Proc struct {
	sys     Sys
	id      kernel.EnvID
	parent  kernel.EnvID
	layout  mmu.Layout
	as      *kernel.AddressSpace
	exclude ExclusionSet
	base    *slog.Logger
	logger  *slog.Logger
	bus     *events.Bus

	handler   Handler
	installed bool
	upcalls   int
}

// New returns the context for environment id.
func New(sys Sys, id kernel.EnvID, opts Options) *Proc {
	layout := sys.Layout()
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Proc{
		sys:     sys,
		id:      id,
		layout:  layout,
		as:      sys.AddressSpace(id),
		exclude: NewExclusionSet(layout, opts.Exclude...),
		base:    logger,
		logger:  logger.With("env", id.String()),
		bus:     opts.Bus,
	}
}

// derive builds the context of a freshly created child. The child
// inherits the handler registration; Fork provisions its exception
// stack and upcall before it runs.
func (p *Proc) derive(child kernel.EnvID) *Proc {
	return &Proc{
		sys:       p.sys,
		id:        child,
		parent:    p.id,
		layout:    p.layout,
		as:        p.sys.AddressSpace(child),
		exclude:   p.exclude,
		base:      p.base,
		logger:    p.base.With("env", child.String()),
		bus:       p.bus,
		handler:   p.handler,
		installed: true,
	}
}

// ID returns the environment id.
func (p *Proc) ID() kernel.EnvID { return p.id }

// Parent returns the id of the environment that forked p, or zero.
func (p *Proc) Parent() kernel.EnvID { return p.parent }

// Layout returns the address-space layout.
func (p *Proc) Layout() mmu.Layout { return p.layout }

// AddressSpace returns the read-only view of p's page table.
func (p *Proc) AddressSpace() *kernel.AddressSpace { return p.as }

// Logger returns p's logger.
func (p *Proc) Logger() *slog.Logger { return p.logger }

// Upcalls returns how many faults the trampoline has dispatched in p.
func (p *Proc) Upcalls() int { return p.upcalls }

// Load reads memory at va.
func (p *Proc) Load(va mmu.Addr, buf []byte) error { return p.sys.Load(p.id, va, buf) }

// Store writes memory at va.
func (p *Proc) Store(va mmu.Addr, data []byte) error { return p.sys.Store(p.id, va, data) }

// LoadByte returns the byte at va.
func (p *Proc) LoadByte(va mmu.Addr) (byte, error) {
	var b [1]byte
	err := p.sys.Load(p.id, va, b[:])
	return b[0], err
}

// StoreByte stores v at va.
func (p *Proc) StoreByte(va mmu.Addr, v byte) error {
	return p.sys.Store(p.id, va, []byte{v})
}

// Yield gives up the CPU.
func (p *Proc) Yield() error { return p.sys.Yield(p.id) }

// Wait yields until env has exited.
func (p *Proc) Wait(env kernel.EnvID) error {
	for p.sys.EnvAlive(env) {
		if err := p.sys.Yield(p.id); err != nil {
			return err
		}
	}
	return nil
}

// Exit ends p with cause as its exit status.
func (p *Proc) Exit(cause error) { p.sys.Exit(p.id, cause) }

func (p *Proc) publish(t events.EventType, data map[string]string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Type: t, Data: data})
}
