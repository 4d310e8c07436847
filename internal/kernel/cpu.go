package kernel

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// FaultCode holds page fault error flags.
type FaultCode uint32

const (
	FaultPresent FaultCode = 1 << 0 // protection violation on a present page
	FaultWrite   FaultCode = 1 << 1 // the access was a write
	FaultUser    FaultCode = 1 << 2 // the access came from user mode
)

func (c FaultCode) String() string {
	var parts []string
	if c&FaultPresent != 0 {
		parts = append(parts, "protection")
	} else {
		parts = append(parts, "not-present")
	}
	if c&FaultWrite != 0 {
		parts = append(parts, "write")
	} else {
		parts = append(parts, "read")
	}
	if c&FaultUser != 0 {
		parts = append(parts, "user")
	}
	return strings.Join(parts, "|")
}

// UTrapframe is the fault record pushed onto the exception stack.
// Seq identifies the interrupted access, which the kernel replays once
// the upcall returns.
type UTrapframe struct {
	FaultVA mmu.Addr
	Err     FaultCode
	Depth   uint32
	Seq     uint64
}

// UTrapframeSize is the encoded size of a UTrapframe.
const UTrapframeSize = 24

// MarshalBinary encodes tf in little-endian order.
func (tf UTrapframe) MarshalBinary() ([]byte, error) {
	b := make([]byte, UTrapframeSize)
	binary.LittleEndian.PutUint64(b[0:], uint64(tf.FaultVA))
	binary.LittleEndian.PutUint32(b[8:], uint32(tf.Err))
	binary.LittleEndian.PutUint32(b[12:], tf.Depth)
	binary.LittleEndian.PutUint64(b[16:], tf.Seq)
	return b, nil
}

// UnmarshalBinary decodes a frame produced by MarshalBinary.
func (tf *UTrapframe) UnmarshalBinary(b []byte) error {
	if len(b) < UTrapframeSize {
		return fmt.Errorf("utrapframe: short buffer (%d bytes)", len(b))
	}
	tf.FaultVA = mmu.Addr(binary.LittleEndian.Uint64(b[0:]))
	tf.Err = FaultCode(binary.LittleEndian.Uint32(b[8:]))
	tf.Depth = binary.LittleEndian.Uint32(b[12:])
	tf.Seq = binary.LittleEndian.Uint64(b[16:])
	return nil
}

// xstackGap is the scratch word left between nested fault frames.
const xstackGap = 8

// Load copies memory at va in the caller's address space into buf.
func (k *Kernel) Load(caller EnvID, va mmu.Addr, buf []byte) error {
	return k.access(caller, va, buf, false)
}

// Store copies data into the caller's address space at va.
func (k *Kernel) Store(caller EnvID, va mmu.Addr, data []byte) error {
	return k.access(caller, va, data, true)
}

func (k *Kernel) access(caller EnvID, va mmu.Addr, buf []byte, write bool) error {
	for len(buf) > 0 {
		n := mmu.PageSize - va.PageOffset()
		if n > len(buf) {
			n = len(buf)
		}
		if err := k.accessPage(caller, va, buf[:n], write); err != nil {
			return err
		}
		va += mmu.Addr(n)
		buf = buf[n:]
	}
	return nil
}

// accessPage performs an access confined to one page. A faulting access
// is delivered to the caller's upcall and retried once.
func (k *Kernel) accessPage(caller EnvID, va mmu.Addr, buf []byte, write bool) error {
	for attempt := 0; ; attempt++ {
		code, seq, faulted, err := k.tryAccess(caller, va, buf, write)
		if err != nil || !faulted {
			return err
		}
		if attempt > 0 {
			return k.fatalFault(caller, va, code, ErrFaultNotHandled)
		}
		if err := k.deliverFault(caller, va, code, seq); err != nil {
			return err
		}
	}
}

func (k *Kernel) tryAccess(caller EnvID, va mmu.Addr, buf []byte, write bool) (code FaultCode, seq uint64, faulted bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.envLocked(caller, Self, false)
	if err != nil {
		return 0, 0, false, err
	}
	e.accesses++
	seq = e.accesses

	code = FaultUser
	if write {
		code |= FaultWrite
	}
	if !k.layout.User(va) {
		return 0, 0, false, k.killLocked(e, &FaultError{Env: e.id, VA: va, Code: code, Err: ErrInval})
	}
	p, ok := e.as.lookup(va.Page())
	if !ok {
		return code, seq, true, nil
	}
	if !p.perm.Has(mmu.Present | mmu.User) {
		return code | FaultPresent, seq, true, nil
	}
	if write && !p.perm.Has(mmu.Writable) {
		return code | FaultPresent, seq, true, nil
	}

	page := k.mem.page(p.frame)
	off := va.PageOffset()
	if write {
		copy(page[off:], buf)
		e.as.setPerm(p.vpn, mmu.Accessed|mmu.Dirty)
	} else {
		copy(buf, page[off:])
		e.as.setPerm(p.vpn, mmu.Accessed)
	}
	return 0, seq, false, nil
}

// deliverFault pushes a UTrapframe onto the caller's exception stack and
// runs its upcall. The environment is destroyed if the fault cannot be
// delivered or the upcall fails.
func (k *Kernel) deliverFault(caller EnvID, va mmu.Addr, code FaultCode, seq uint64) error {
	k.mu.Lock()
	e, err := k.envLocked(caller, Self, false)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	if e.upcall == nil {
		err := k.fatalFaultLocked(e, va, code, ErrNoUpcall)
		k.mu.Unlock()
		return err
	}
	xpage := k.layout.XStackPage()
	xp, ok := e.as.lookup(xpage)
	if !ok || !xp.perm.Has(mmu.Present|mmu.User|mmu.Writable) {
		err := k.fatalFaultLocked(e, va, code, ErrNoXStack)
		k.mu.Unlock()
		return err
	}

	sp := k.layout.UXStackTop
	if e.xdepth > 0 {
		sp = e.xsp[len(e.xsp)-1] - xstackGap
	}
	frame := sp - UTrapframeSize
	if frame < xpage.Addr() {
		err := k.fatalFaultLocked(e, va, code, ErrXStackOverflow)
		k.mu.Unlock()
		return err
	}
	tf := UTrapframe{FaultVA: va, Err: code, Depth: uint32(e.xdepth), Seq: seq}
	b, _ := tf.MarshalBinary()
	copy(k.mem.page(xp.frame)[frame.PageOffset():], b)
	e.as.setPerm(xpage, mmu.Accessed|mmu.Dirty)

	e.xdepth++
	e.xsp = append(e.xsp, frame)
	e.faults++
	upcall := e.upcall
	k.logger.Debug("page fault", "env", e.id.String(), "va", va.String(), "code", code.String(), "depth", tf.Depth)
	k.publish(events.PageFault, map[string]string{
		"env":   e.id.String(),
		"va":    va.String(),
		"code":  code.String(),
		"depth": formatCount(int(tf.Depth)),
	})
	k.mu.Unlock()

	uerr := upcall(frame)

	k.mu.Lock()
	defer k.mu.Unlock()
	e.xdepth--
	e.xsp = e.xsp[:len(e.xsp)-1]
	if uerr != nil {
		return k.fatalFaultLocked(e, va, code, uerr)
	}
	if !e.alive() {
		return &killedError{env: e.id, cause: e.exitCause}
	}
	return nil
}

func (k *Kernel) fatalFault(caller EnvID, va mmu.Addr, code FaultCode, cause error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.envs[caller]
	if !ok {
		return ErrBadEnv
	}
	return k.fatalFaultLocked(e, va, code, cause)
}

func (k *Kernel) fatalFaultLocked(e *Env, va mmu.Addr, code FaultCode, cause error) error {
	if !e.alive() {
		return &killedError{env: e.id, cause: e.exitCause}
	}
	fe := &FaultError{Env: e.id, VA: va, Code: code, Err: cause}
	k.publish(events.PageFaultFatal, map[string]string{
		"env":   e.id.String(),
		"va":    va.String(),
		"code":  code.String(),
		"cause": errString(cause),
	})
	return k.killLocked(e, fe)
}
