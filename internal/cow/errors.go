package cow

import (
	"errors"
	"fmt"

	"github.com/kahiteam/cowfork/internal/mmu"
)

// Fault handler contract violations.
var (
	ErrNotWrite = errors.New("faulting access is not a write")
	ErrNotCOW   = errors.New("faulting page is not copy-on-write")
)

// ErrWrongEnv is returned when a forked child resumes as an environment
// other than the one Fork created.
var ErrWrongEnv = errors.New("child resumed in the wrong environment")

// ErrNoHandler is returned by the trampoline when no handler is registered.
var ErrNoHandler = errors.New("no page fault handler registered")

// PageError reports a failed mapping step for one page.
type PageError struct {
	VA  mmu.Addr
	Op  string
	Err error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %s: %s: %v", e.VA, e.Op, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Fork steps, as reported in ForkError.Step.
const (
	StepInstall   = "install"
	StepExofork   = "exofork"
	StepDuplicate = "duplicate"
	StepXStack    = "xstack"
	StepUpcall    = "upcall"
	StepRunnable  = "runnable"
)

// ForkError reports the fork step that failed. Pages duplicated before
// the failure are not rolled back.
type ForkError struct {
	Step string
	Err  error
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("fork: %s: %v", e.Step, e.Err)
}

func (e *ForkError) Unwrap() error { return e.Err }
