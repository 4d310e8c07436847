package kernel

import (
	"errors"
	"fmt"

	"github.com/kahiteam/cowfork/internal/mmu"
)

// System call errors.
var (
	ErrNoMem     = errors.New("out of memory")
	ErrInval     = errors.New("invalid parameter")
	ErrBadEnv    = errors.New("bad environment")
	ErrNoFreeEnv = errors.New("out of environments")
	ErrKilled    = errors.New("environment killed")
)

// Fault delivery errors, carried inside a FaultError.
var (
	ErrNoUpcall        = errors.New("no page fault upcall")
	ErrNoXStack        = errors.New("exception stack not mapped writable")
	ErrXStackOverflow  = errors.New("exception stack overflow")
	ErrFaultNotHandled = errors.New("fault persists after upcall returned")
)

// FaultError describes a page fault that terminated an environment.
type FaultError struct {
	Env  EnvID
	VA   mmu.Addr
	Code FaultCode
	Err  error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("env %s: unhandled page fault at %s (%s): %v", e.Env, e.VA, e.Code, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// killedError is returned to code running in an environment that the
// kernel has destroyed.
type killedError struct {
	env   EnvID
	cause error
}

func (e *killedError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("env %s: %v", e.env, ErrKilled)
	}
	return fmt.Sprintf("env %s: %v: %v", e.env, ErrKilled, e.cause)
}

func (e *killedError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrKilled}
	}
	return []error{ErrKilled, e.cause}
}
