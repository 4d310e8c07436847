package kernel

import (
	"fmt"
	"strconv"

	"github.com/kahiteam/cowfork/internal/mmu"
)

// EnvID identifies an environment. Zero means "the calling environment"
// when passed to a system call.
type EnvID uint32

// Self is the EnvID that names the caller in system calls.
const Self EnvID = 0

func (id EnvID) String() string { return fmt.Sprintf("%08x", uint32(id)) }

// ParseEnvID parses the hexadecimal form produced by String.
func ParseEnvID(s string) (EnvID, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid env id %q: %w", s, err)
	}
	return EnvID(v), nil
}

// Status is an environment's scheduling status.
type Status int

const (
	Free        Status = iota // FREE: slot unused
	Dying                     // DYING: destroyed, waiting for its continuation to unwind
	Runnable                  // RUNNABLE: waiting to be dispatched
	Running                   // RUNNING: owns the CPU
	NotRunnable               // NOT_RUNNABLE: exists but is not schedulable
)

var statusNames = [...]string{
	"FREE", "DYING", "RUNNABLE", "RUNNING", "NOT_RUNNABLE",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// validTransitions defines allowed status transitions.
var validTransitions = map[Status][]Status{
	Free:        {NotRunnable, Runnable},
	NotRunnable: {Runnable, Dying},
	Runnable:    {Running, NotRunnable, Dying},
	Running:     {Runnable, NotRunnable, Dying},
	Dying:       {Free},
}

// Entry is an environment's continuation. It runs on the environment's
// own goroutine when the scheduler first dispatches it; returning ends
// the environment. A non-nil error is recorded as the exit cause.
type Entry func(id EnvID) error

// Upcall is a user-level page fault entry point. It receives the address
// of the fault frame the kernel pushed onto the exception stack.
type Upcall func(frame mmu.Addr) error

// Env is one environment: an address space plus scheduling state.
type Env struct {
	id     EnvID
	parent EnvID
	status Status
	as     *addrSpace
	upcall Upcall
	entry  Entry

	// exception stack state for nested fault delivery
	xdepth int
	xsp    []mmu.Addr

	// pendingStatus is applied when a running env changes its own
	// status and then yields; Free means none.
	pendingStatus Status

	faults    int
	accesses  uint64
	started   bool
	killed    bool
	exiting   bool
	resume    chan struct{}
	exitCause error
}

func (e *Env) transition(target Status) error {
	for _, a := range validTransitions[e.status] {
		if a == target {
			e.status = target
			return nil
		}
	}
	return fmt.Errorf("env %s: cannot transition from %s to %s", e.id, e.status, target)
}

// alive reports whether the environment may still issue system calls.
func (e *Env) alive() bool {
	return e.status != Free && e.status != Dying
}
