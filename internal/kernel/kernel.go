// Package kernel simulates the microkernel that user-level fork runs on:
// reference-counted physical frames, per-environment page tables, the
// page mapping system calls, fault delivery to a user upcall on a
// dedicated exception stack, and a cooperative scheduler.
package kernel

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// Config configures a kernel instance.
type Config struct {
	Frames  int // physical frames available
	MaxEnvs int // live environments allowed at once
	History int // exit records kept for inspection
	Layout  mmu.Layout
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Kernel owns physical memory and every environment.
type Kernel struct {
	mu      sync.Mutex
	mem     *physmem
	envs    map[EnvID]*Env
	nextID  EnvID
	maxEnvs int
	layout  mmu.Layout
	hist    *history
	bus     *events.Bus
	logger  *slog.Logger

	runMu sync.Mutex
	cpu   chan struct{}
	last  EnvID
}

// firstEnvID is the id of the first environment created.
const firstEnvID EnvID = 0x1000

// New creates a kernel with no environments.
func New(cfg Config) (*Kernel, error) {
	if cfg.Frames <= 0 {
		return nil, fmt.Errorf("frames must be > 0, got %d", cfg.Frames)
	}
	if cfg.MaxEnvs <= 0 {
		return nil, fmt.Errorf("max envs must be > 0, got %d", cfg.MaxEnvs)
	}
	if cfg.Layout == (mmu.Layout{}) {
		cfg.Layout = mmu.DefaultLayout()
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Kernel{
		mem:     newPhysmem(cfg.Frames),
		envs:    make(map[EnvID]*Env),
		nextID:  firstEnvID,
		maxEnvs: cfg.MaxEnvs,
		layout:  cfg.Layout,
		hist:    newHistory(cfg.History),
		bus:     cfg.Bus,
		logger:  logger,
		cpu:     make(chan struct{}),
	}, nil
}

// Layout returns the user address-space layout.
func (k *Kernel) Layout() mmu.Layout { return k.layout }

// Segment is a region of a boot image.
type Segment struct {
	VA   mmu.Addr
	Data []byte
	Size uint64 // bytes to map; zero means len(Data)
	Perm mmu.Perm
}

// Image describes the initial memory of a root environment.
type Image struct {
	Segments   []Segment
	StackPages int // writable pages below UStackTop; zero means one
}

// Spawn creates a runnable root environment loaded with img. The entry
// continuation runs when the scheduler first dispatches it.
func (k *Kernel) Spawn(img Image, entry Entry) (EnvID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.allocEnvLocked(0, entry)
	if err != nil {
		return 0, err
	}
	if err := k.loadLocked(e, img); err != nil {
		k.teardownLocked(e)
		delete(k.envs, e.id)
		return 0, fmt.Errorf("load image: %w", err)
	}
	if err := k.setStatusLocked(e, Runnable); err != nil {
		return 0, err
	}
	return e.id, nil
}

func (k *Kernel) allocEnvLocked(parent EnvID, entry Entry) (*Env, error) {
	if len(k.envs) >= k.maxEnvs {
		return nil, ErrNoFreeEnv
	}
	e := &Env{
		id:     k.nextID,
		parent: parent,
		status: Free,
		as:     newAddrSpace(),
		entry:  entry,
		resume: make(chan struct{}),
	}
	k.nextID++
	k.envs[e.id] = e
	k.logger.Debug("env created", "env", e.id.String(), "parent", parent.String())
	k.publish(events.EnvCreated, map[string]string{
		"env":    e.id.String(),
		"parent": parent.String(),
	})
	return e, nil
}

func (k *Kernel) loadLocked(e *Env, img Image) error {
	for _, seg := range img.Segments {
		size := seg.Size
		if size == 0 {
			size = uint64(len(seg.Data))
		}
		if !seg.VA.Aligned() || seg.VA+mmu.Addr(size) > k.layout.UTop {
			return fmt.Errorf("segment at %s: %w", seg.VA, ErrInval)
		}
		perm := (seg.Perm & mmu.SyscallMask) | mmu.Present | mmu.User
		for i := uint64(0); i < mmu.Pages(size); i++ {
			va := seg.VA + mmu.Addr(i*mmu.PageSize)
			f, err := k.allocFrameLocked()
			if err != nil {
				return err
			}
			lo := i * mmu.PageSize
			if lo < uint64(len(seg.Data)) {
				copy(k.mem.page(f)[:], seg.Data[lo:])
			}
			k.mapLocked(e, va.Page(), f, perm)
		}
	}
	stack := img.StackPages
	if stack <= 0 {
		stack = 1
	}
	for i := 1; i <= stack; i++ {
		f, err := k.allocFrameLocked()
		if err != nil {
			return err
		}
		va := k.layout.UStackTop - mmu.Addr(i*mmu.PageSize)
		k.mapLocked(e, va.Page(), f, mmu.Present|mmu.User|mmu.Writable)
	}
	return nil
}

func (k *Kernel) allocFrameLocked() (FrameID, error) {
	f, err := k.mem.alloc()
	if err != nil {
		return 0, err
	}
	k.publish(events.FrameAllocated, map[string]string{"frame": f.String()})
	return f, nil
}

// mapLocked installs f at vpn in e, taking a reference on f and dropping
// the reference held by any mapping it replaces.
func (k *Kernel) mapLocked(e *Env, vpn mmu.VPN, f FrameID, perm mmu.Perm) {
	k.mem.incref(f)
	if old, ok := e.as.insert(pte{vpn: vpn, frame: f, perm: perm}); ok {
		k.releaseLocked(old.frame)
	}
}

func (k *Kernel) unmapLocked(e *Env, vpn mmu.VPN) {
	if old, ok := e.as.remove(vpn); ok {
		k.releaseLocked(old.frame)
	}
}

func (k *Kernel) releaseLocked(f FrameID) {
	if k.mem.decref(f) {
		k.publish(events.FrameFreed, map[string]string{"frame": f.String()})
	}
}

func (k *Kernel) teardownLocked(e *Env) {
	var vpns []mmu.VPN
	e.as.ascend(func(p pte) bool {
		vpns = append(vpns, p.vpn)
		return true
	})
	for _, vpn := range vpns {
		k.unmapLocked(e, vpn)
	}
}

func (k *Kernel) setStatusLocked(e *Env, s Status) error {
	from := e.status
	if err := e.transition(s); err != nil {
		return err
	}
	k.publish(events.EnvStatusChanged, map[string]string{
		"env":  e.id.String(),
		"from": from.String(),
		"to":   s.String(),
	})
	return nil
}

// killLocked destroys e because of cause and returns the error its
// continuation observes from then on.
func (k *Kernel) killLocked(e *Env, cause error) error {
	if !e.alive() {
		return &killedError{env: e.id, cause: e.exitCause}
	}
	k.recordExitLocked(e, true, cause)
	k.teardownLocked(e)
	_ = k.setStatusLocked(e, Dying)
	e.killed = true
	e.exitCause = cause
	k.logger.Warn("env killed", "env", e.id.String(), "cause", errString(cause))
	k.publish(events.EnvKilled, map[string]string{
		"env":   e.id.String(),
		"cause": errString(cause),
	})
	return &killedError{env: e.id, cause: cause}
}

// exitLocked retires an environment whose continuation has returned.
func (k *Kernel) exitLocked(e *Env, err error) {
	if e.alive() {
		k.recordExitLocked(e, false, err)
		k.teardownLocked(e)
		_ = k.setStatusLocked(e, Dying)
		e.exitCause = err
		k.logger.Info("env exited", "env", e.id.String(), "error", errString(err))
		k.publish(events.EnvExited, map[string]string{
			"env":   e.id.String(),
			"error": errString(err),
		})
	}
	_ = k.setStatusLocked(e, Free)
	delete(k.envs, e.id)
}

func (k *Kernel) recordExitLocked(e *Env, killed bool, cause error) {
	k.hist.add(ExitRecord{
		ID:       e.id,
		Parent:   e.parent,
		Killed:   killed,
		Cause:    errString(cause),
		Faults:   e.faults,
		Mappings: mappingsOf(e),
		ExitedAt: time.Now(),
	})
}

func (k *Kernel) publish(t events.EventType, data map[string]string) {
	if k.bus == nil {
		return
	}
	k.bus.Publish(events.Event{Type: t, Data: data})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Mapping is one present page in an address space.
type Mapping struct {
	VA    mmu.Addr `json:"va"`
	Frame FrameID  `json:"frame"`
	Perm  mmu.Perm `json:"perm"`
	Refs  int      `json:"refs,omitempty"`
}

func mappingsOf(e *Env) []Mapping {
	out := make([]Mapping, 0, e.as.len())
	e.as.ascend(func(p pte) bool {
		out = append(out, Mapping{VA: p.vpn.Addr(), Frame: p.frame, Perm: p.perm})
		return true
	})
	return out
}

// EnvInfo is a snapshot of one live environment.
type EnvInfo struct {
	ID     EnvID  `json:"id"`
	Parent EnvID  `json:"parent"`
	Status string `json:"status"`
	Pages  int    `json:"pages"`
	Faults int    `json:"faults"`
}

// Envs returns a snapshot of every live environment ordered by id.
func (k *Kernel) Envs() []EnvInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]EnvInfo, 0, len(k.envs))
	for _, e := range k.envs {
		out = append(out, EnvInfo{
			ID:     e.id,
			Parent: e.parent,
			Status: e.status.String(),
			Pages:  e.as.len(),
			Faults: e.faults,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mappings returns the present pages of env with frame reference counts.
func (k *Kernel) Mappings(id EnvID) ([]Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.envs[id]
	if !ok {
		return nil, ErrBadEnv
	}
	return k.withRefsLocked(mappingsOf(e)), nil
}

// MappingsIn is Mappings restricted to page numbers in [from, to).
func (k *Kernel) MappingsIn(id EnvID, from, to mmu.VPN) ([]Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.envs[id]
	if !ok {
		return nil, ErrBadEnv
	}
	var ms []Mapping
	e.as.ascendRange(from, to, func(p pte) bool {
		ms = append(ms, Mapping{VA: p.vpn.Addr(), Frame: p.frame, Perm: p.perm})
		return true
	})
	return k.withRefsLocked(ms), nil
}

func (k *Kernel) withRefsLocked(ms []Mapping) []Mapping {
	for i := range ms {
		ms[i].Refs = k.mem.refs(ms[i].Frame)
	}
	return ms
}

// FrameRefs returns the number of mappings referencing f.
func (k *Kernel) FrameRefs(f FrameID) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.refs(f)
}

// MemStats reports physical frame usage.
func (k *Kernel) MemStats() MemStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.stats()
}

// History returns recorded exits, oldest first.
func (k *Kernel) History() []ExitRecord {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.hist.records()
}

// AddressSpace returns a read-only view of env's page table.
func (k *Kernel) AddressSpace(id EnvID) *AddressSpace {
	return &AddressSpace{k: k, env: id}
}

// AddressSpace lets an environment inspect its own page-table entries
// without a system call.
type AddressSpace struct {
	k   *Kernel
	env EnvID
}

// PermissionsOf returns the permission bits mapped at vpn, or zero.
func (as *AddressSpace) PermissionsOf(vpn mmu.VPN) mmu.Perm {
	as.k.mu.Lock()
	defer as.k.mu.Unlock()
	e, ok := as.k.envs[as.env]
	if !ok {
		return 0
	}
	p, ok := e.as.lookup(vpn)
	if !ok {
		return 0
	}
	return p.perm
}

// TablePresent reports whether any page in page-directory slot t is mapped.
func (as *AddressSpace) TablePresent(t uint64) bool {
	as.k.mu.Lock()
	defer as.k.mu.Unlock()
	e, ok := as.k.envs[as.env]
	if !ok {
		return false
	}
	return e.as.tablePresent(t)
}

// FrameOf returns the frame mapped at vpn.
func (as *AddressSpace) FrameOf(vpn mmu.VPN) (FrameID, bool) {
	as.k.mu.Lock()
	defer as.k.mu.Unlock()
	e, ok := as.k.envs[as.env]
	if !ok {
		return 0, false
	}
	p, ok := e.as.lookup(vpn)
	if !ok {
		return 0, false
	}
	return p.frame, true
}

func formatCount(n int) string { return strconv.Itoa(n) }
