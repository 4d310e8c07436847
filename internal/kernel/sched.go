package kernel

import (
	"context"
	"fmt"
	"runtime"
	"sort"
)

// Run dispatches runnable environments round-robin until none remain or
// ctx is done. Scheduling is cooperative: one environment owns the CPU
// until it yields or its continuation returns, so cancellation is only
// observed between dispatches. Environments still alive when Run returns
// are destroyed.
func (k *Kernel) Run(ctx context.Context) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	defer k.reap()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := k.pickNext()
		if e == nil {
			return nil
		}
		k.dispatch(e)
	}
}

// pickNext chooses the first runnable environment after the one that ran
// last, wrapping around, and marks it running.
func (k *Kernel) pickNext() *Env {
	k.mu.Lock()
	defer k.mu.Unlock()

	var ids []EnvID
	for id, e := range k.envs {
		if e.status == Runnable {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	next := ids[0]
	for _, id := range ids {
		if id > k.last {
			next = id
			break
		}
	}
	e := k.envs[next]
	_ = k.setStatusLocked(e, Running)
	k.last = next
	return e
}

// dispatch hands the CPU to e and waits for it to come back.
func (k *Kernel) dispatch(e *Env) {
	if !e.started {
		e.started = true
		go k.runEnv(e)
	}
	e.resume <- struct{}{}
	<-k.cpu
}

func (k *Kernel) runEnv(e *Env) {
	<-e.resume

	var err error
	defer func() {
		k.mu.Lock()
		if e.exiting {
			err = e.exitCause
		}
		k.exitLocked(e, err)
		k.mu.Unlock()
		k.cpu <- struct{}{}
	}()

	k.mu.Lock()
	killed := e.killed
	k.mu.Unlock()
	if !killed {
		err = callEntry(e)
	}
}

func callEntry(e *Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("env %s panicked: %v", e.id, r)
		}
	}()
	return e.entry(e.id)
}

// Yield gives up the CPU. It returns once the scheduler dispatches the
// caller again, or with an error wrapping ErrKilled if the caller was
// destroyed while it waited.
func (k *Kernel) Yield(caller EnvID) error {
	k.mu.Lock()
	e, err := k.envLocked(caller, Self, false)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	next := Runnable
	if e.pendingStatus != Free {
		next = e.pendingStatus
		e.pendingStatus = Free
	}
	_ = k.setStatusLocked(e, next)
	k.mu.Unlock()

	k.cpu <- struct{}{}
	<-e.resume

	k.mu.Lock()
	defer k.mu.Unlock()
	if e.killed {
		return &killedError{env: e.id, cause: e.exitCause}
	}
	return nil
}

// Exit ends the calling environment with cause as its exit status. It
// must be called from the environment's own continuation; it returns
// only if caller does not name a dispatched environment.
func (k *Kernel) Exit(caller EnvID, cause error) {
	k.mu.Lock()
	e, ok := k.envs[caller]
	if ok && e.started {
		e.exiting = true
		if e.alive() {
			e.exitCause = cause
		}
	}
	k.mu.Unlock()
	if !ok || !e.started {
		return
	}
	runtime.Goexit()
}

// EnvAlive reports whether id names a live environment. Like a read of
// the kernel's environment table, it needs no system call.
func (k *Kernel) EnvAlive(id EnvID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.envs[id]
	return ok && e.alive()
}

// reap destroys every environment left when Run stops. Parked
// continuations are resumed one at a time so they observe ErrKilled and
// unwind.
func (k *Kernel) reap() {
	k.mu.Lock()
	var parked []*Env
	for _, e := range k.envs {
		if e.alive() {
			k.killLocked(e, errReaped)
		}
		if e.started {
			parked = append(parked, e)
		} else {
			k.exitLocked(e, nil)
		}
	}
	k.mu.Unlock()

	sort.Slice(parked, func(i, j int) bool { return parked[i].id < parked[j].id })
	for _, e := range parked {
		e.resume <- struct{}{}
		<-k.cpu
	}
}

var errReaped = fmt.Errorf("scheduler stopped")
