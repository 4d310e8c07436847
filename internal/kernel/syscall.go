package kernel

import (
	"errors"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// envLocked resolves id on behalf of caller. With checkperm set, the
// target must be the caller itself or one of its immediate children.
func (k *Kernel) envLocked(caller, id EnvID, checkperm bool) (*Env, error) {
	c, ok := k.envs[caller]
	if !ok {
		return nil, ErrBadEnv
	}
	if !c.alive() {
		return nil, &killedError{env: caller, cause: c.exitCause}
	}
	if c.status != Running {
		return nil, ErrBadEnv
	}
	if id == Self || id == caller {
		return c, nil
	}
	e, ok := k.envs[id]
	if !ok || !e.alive() {
		return nil, ErrBadEnv
	}
	if checkperm && e.parent != caller {
		return nil, ErrBadEnv
	}
	return e, nil
}

// errName returns a short, bounded label for a system call result.
func errName(err error) string {
	var ke *killedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ke):
		return "killed"
	case errors.Is(err, ErrNoMem):
		return "no_mem"
	case errors.Is(err, ErrInval):
		return "inval"
	case errors.Is(err, ErrBadEnv):
		return "bad_env"
	case errors.Is(err, ErrNoFreeEnv):
		return "no_free_env"
	default:
		return "error"
	}
}

func (k *Kernel) checkVA(va mmu.Addr) error {
	if !va.Aligned() || !k.layout.User(va) {
		return ErrInval
	}
	return nil
}

func checkPerm(perm mmu.Perm) error {
	if !perm.Has(mmu.Present|mmu.User) || perm&^mmu.SyscallMask != 0 {
		return ErrInval
	}
	return nil
}

func (k *Kernel) traceLocked(name string, caller EnvID, err error) {
	result := errName(err)
	k.logger.Debug("syscall", "name", name, "env", caller.String(), "result", result)
	k.publish(events.Syscall, map[string]string{
		"name":   name,
		"env":    caller.String(),
		"result": result,
	})
}

// PageAlloc allocates a zeroed frame and maps it at va in env with perm,
// replacing any existing mapping.
func (k *Kernel) PageAlloc(caller, env EnvID, va mmu.Addr, perm mmu.Perm) (err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer func() { k.traceLocked("page_alloc", caller, err) }()

	e, err := k.envLocked(caller, env, true)
	if err != nil {
		return err
	}
	if err := k.checkVA(va); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	f, err := k.allocFrameLocked()
	if err != nil {
		return err
	}
	k.mapLocked(e, va.Page(), f, perm)
	return nil
}

// PageMap maps the frame at srcVA in srcEnv into dstEnv at dstVA with
// perm. Asking for a writable mapping of a read-only source is an error.
func (k *Kernel) PageMap(caller, srcEnv EnvID, srcVA mmu.Addr, dstEnv EnvID, dstVA mmu.Addr, perm mmu.Perm) (err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer func() { k.traceLocked("page_map", caller, err) }()

	src, err := k.envLocked(caller, srcEnv, true)
	if err != nil {
		return err
	}
	dst, err := k.envLocked(caller, dstEnv, true)
	if err != nil {
		return err
	}
	if err := k.checkVA(srcVA); err != nil {
		return err
	}
	if err := k.checkVA(dstVA); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	p, ok := src.as.lookup(srcVA.Page())
	if !ok {
		return ErrInval
	}
	if perm.Has(mmu.Writable) && !p.perm.Has(mmu.Writable) {
		return ErrInval
	}
	k.mapLocked(dst, dstVA.Page(), p.frame, perm)
	return nil
}

// PageUnmap removes the mapping at va in env. Unmapping an empty slot
// succeeds.
func (k *Kernel) PageUnmap(caller, env EnvID, va mmu.Addr) (err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer func() { k.traceLocked("page_unmap", caller, err) }()

	e, err := k.envLocked(caller, env, true)
	if err != nil {
		return err
	}
	if err := k.checkVA(va); err != nil {
		return err
	}
	k.unmapLocked(e, va.Page())
	return nil
}

// Exofork creates a child of caller with an empty address space. The
// child is not runnable until its parent marks it so; when first
// dispatched it resumes in entry rather than returning from Exofork.
func (k *Kernel) Exofork(caller EnvID, entry Entry) (id EnvID, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer func() { k.traceLocked("exofork", caller, err) }()

	p, err := k.envLocked(caller, Self, false)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return 0, ErrInval
	}
	e, err := k.allocEnvLocked(p.id, entry)
	if err != nil {
		return 0, err
	}
	if err := k.setStatusLocked(e, NotRunnable); err != nil {
		return 0, err
	}
	return e.id, nil
}

// SetPgfaultUpcall registers the page fault entry point for env.
func (k *Kernel) SetPgfaultUpcall(caller, env EnvID, upcall Upcall) (err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer func() { k.traceLocked("set_pgfault_upcall", caller, err) }()

	e, err := k.envLocked(caller, env, true)
	if err != nil {
		return err
	}
	e.upcall = upcall
	return nil
}

// SetStatus sets env to Runnable or NotRunnable.
func (k *Kernel) SetStatus(caller, env EnvID, s Status) (err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer func() { k.traceLocked("set_status", caller, err) }()

	if s != Runnable && s != NotRunnable {
		return ErrInval
	}
	e, err := k.envLocked(caller, env, true)
	if err != nil {
		return err
	}
	if e.status == s {
		return nil
	}
	if e.id == caller {
		// The caller keeps running; the new status takes effect when it
		// next yields.
		e.pendingStatus = s
		return nil
	}
	return k.setStatusLocked(e, s)
}

// GetEnvID returns the id of the calling environment. Passing Self asks
// for whichever environment currently holds the CPU.
func (k *Kernel) GetEnvID(caller EnvID) (id EnvID, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if caller == Self {
		caller = k.last
	}
	defer func() { k.traceLocked("get_env_id", caller, err) }()

	e, err := k.envLocked(caller, Self, false)
	if err != nil {
		return 0, err
	}
	return e.id, nil
}
