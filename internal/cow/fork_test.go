package cow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/mmu"
)

const (
	textVA mmu.Addr = 0x00800000
	dataVA mmu.Addr = 0x00801000
)

func newKernel(t *testing.T, frames int, bus *events.Bus) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(kernel.Config{Frames: frames, MaxEnvs: 8, History: 16, Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// run boots a root environment with a read-only text page, a writable
// data page and one stack page, and runs fn in it over sys.
func run(t *testing.T, k *kernel.Kernel, sys Sys, opts Options, fn Entry) error {
	t.Helper()
	img := kernel.Image{Segments: []kernel.Segment{
		{VA: textVA, Data: []byte("cowfork text"), Perm: mmu.Present | mmu.User},
		{VA: dataVA, Size: mmu.PageSize, Perm: mmu.Present | mmu.User | mmu.Writable},
	}}
	var got error
	_, err := k.Spawn(img, func(id kernel.EnvID) error {
		got = fn(New(sys, id, opts))
		return got
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return got
}

type page struct {
	VA    mmu.Addr
	Frame kernel.FrameID
}

func framesOf(t *testing.T, k *kernel.Kernel, id kernel.EnvID, skip mmu.VPN) []page {
	t.Helper()
	ms, err := k.Mappings(id)
	if err != nil {
		t.Fatal(err)
	}
	var out []page
	for _, m := range ms {
		if m.VA.Page() == skip {
			continue
		}
		out = append(out, page{VA: m.VA, Frame: m.Frame})
	}
	return out
}

func TestForkSnapshotEquivalence(t *testing.T) {
	k := newKernel(t, 32, nil)
	xstack := k.Layout().XStackPage()
	err := run(t, k, k, Options{}, func(p *Proc) error {
		if err := p.StoreByte(dataVA+10, 0xAA); err != nil {
			return err
		}
		child, err := p.Fork(func(*Proc) error { return nil })
		if err != nil {
			return err
		}

		parent := framesOf(t, k, p.ID(), xstack)
		kid := framesOf(t, k, child, xstack)
		if diff := cmp.Diff(parent, kid); diff != "" {
			t.Errorf("child frames differ from parent (-parent +child):\n%s", diff)
		}

		for _, id := range []kernel.EnvID{p.ID(), child} {
			as := k.AddressSpace(id)
			if perm := as.PermissionsOf(dataVA.Page()); !perm.Has(mmu.COW) || perm.Has(mmu.Writable) {
				t.Errorf("env %s data perm = %s, want COW without W", id, perm)
			}
			if perm := as.PermissionsOf(k.Layout().StackPage()); !perm.Has(mmu.COW) {
				t.Errorf("env %s stack perm = %s, want COW", id, perm)
			}
		}
		return p.Wait(child)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestForkByteScenario(t *testing.T) {
	k := newKernel(t, 32, nil)
	var childSaw, childAfter byte
	var parentAfter byte
	err := run(t, k, k, Options{}, func(p *Proc) error {
		if err := p.StoreByte(dataVA+10, 0xAA); err != nil {
			return err
		}
		child, err := p.Fork(func(c *Proc) error {
			var err error
			if childSaw, err = c.LoadByte(dataVA + 10); err != nil {
				return err
			}
			if err := c.StoreByte(dataVA+10, 0xBB); err != nil {
				return err
			}
			childAfter, err = c.LoadByte(dataVA + 10)
			return err
		})
		if err != nil {
			return err
		}
		if err := p.Wait(child); err != nil {
			return err
		}
		parentAfter, err = p.LoadByte(dataVA + 10)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if childSaw != 0xAA {
		t.Errorf("child read %#x before writing, want 0xaa", childSaw)
	}
	if childAfter != 0xBB {
		t.Errorf("child read %#x after writing, want 0xbb", childAfter)
	}
	if parentAfter != 0xAA {
		t.Errorf("parent read %#x after child wrote, want 0xaa", parentAfter)
	}
}

func TestParentWriteNotSeenByChild(t *testing.T) {
	k := newKernel(t, 32, nil)
	var childSaw byte
	err := run(t, k, k, Options{}, func(p *Proc) error {
		if err := p.StoreByte(dataVA, 1); err != nil {
			return err
		}
		child, err := p.Fork(func(c *Proc) error {
			var err error
			childSaw, err = c.LoadByte(dataVA)
			return err
		})
		if err != nil {
			return err
		}
		if err := p.StoreByte(dataVA, 2); err != nil {
			return err
		}
		return p.Wait(child)
	})
	if err != nil {
		t.Fatal(err)
	}
	if childSaw != 1 {
		t.Fatalf("child read %d, want 1", childSaw)
	}
}

func TestSinglePrivatizationPerPage(t *testing.T) {
	k := newKernel(t, 32, nil)
	var upcalls int
	var perm mmu.Perm
	err := run(t, k, k, Options{}, func(p *Proc) error {
		child, err := p.Fork(func(c *Proc) error {
			for i := 0; i < 3; i++ {
				if err := c.StoreByte(dataVA+mmu.Addr(i), byte(i)); err != nil {
					return err
				}
			}
			upcalls = c.Upcalls()
			perm = c.AddressSpace().PermissionsOf(dataVA.Page())
			return nil
		})
		if err != nil {
			return err
		}
		return p.Wait(child)
	})
	if err != nil {
		t.Fatal(err)
	}
	if upcalls != 1 {
		t.Errorf("upcalls = %d, want 1", upcalls)
	}
	if !perm.Has(mmu.Writable) || perm.Has(mmu.COW) {
		t.Errorf("perm after copy = %s, want W without COW", perm)
	}
}

func TestExceptionStackIsolation(t *testing.T) {
	k := newKernel(t, 32, nil)
	xstack := k.Layout().XStackPage()
	err := run(t, k, k, Options{}, func(p *Proc) error {
		child, err := p.Fork(func(*Proc) error { return nil })
		if err != nil {
			return err
		}
		pf, ok := k.AddressSpace(p.ID()).FrameOf(xstack)
		if !ok {
			t.Fatal("parent has no exception stack")
		}
		cf, ok := k.AddressSpace(child).FrameOf(xstack)
		if !ok {
			t.Fatal("child has no exception stack")
		}
		if pf == cf {
			t.Errorf("parent and child share exception stack frame %s", pf)
		}
		for _, id := range []kernel.EnvID{p.ID(), child} {
			perm := k.AddressSpace(id).PermissionsOf(xstack)
			if !perm.Has(mmu.Writable) || perm.Has(mmu.COW) {
				t.Errorf("env %s exception stack perm = %s, want W without COW", id, perm)
			}
		}
		return p.Wait(child)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSetPgfaultHandlerIdempotent(t *testing.T) {
	k := newKernel(t, 32, nil)
	xstack := k.Layout().XStackPage()
	var childSaw byte
	err := run(t, k, k, Options{}, func(p *Proc) error {
		if err := p.SetPgfaultHandler(pgfault); err != nil {
			return err
		}
		first, _ := p.AddressSpace().FrameOf(xstack)
		if err := p.SetPgfaultHandler(pgfault); err != nil {
			return err
		}
		second, _ := p.AddressSpace().FrameOf(xstack)
		if first != second {
			t.Errorf("exception stack reallocated: %s then %s", first, second)
		}

		if err := p.StoreByte(dataVA, 7); err != nil {
			return err
		}
		child, err := p.Fork(func(c *Proc) error {
			var err error
			childSaw, err = c.LoadByte(dataVA)
			return err
		})
		if err != nil {
			return err
		}
		// Installed three times now; the fault must still be serviced.
		if err := p.StoreByte(dataVA, 8); err != nil {
			return err
		}
		if p.Upcalls() != 1 {
			t.Errorf("parent upcalls = %d, want 1", p.Upcalls())
		}
		return p.Wait(child)
	})
	if err != nil {
		t.Fatal(err)
	}
	if childSaw != 7 {
		t.Fatalf("child read %d, want 7", childSaw)
	}
}

func TestReadOnlyPageNeverCOW(t *testing.T) {
	k := newKernel(t, 32, nil)
	var readErr, writeErr error
	var upcallsAfterRead int
	var text string
	err := run(t, k, k, Options{}, func(p *Proc) error {
		child, err := p.Fork(func(c *Proc) error {
			buf := make([]byte, 7)
			readErr = c.Load(textVA, buf)
			text = string(buf)
			upcallsAfterRead = c.Upcalls()
			writeErr = c.StoreByte(textVA, 'X')
			return writeErr
		})
		if err != nil {
			return err
		}
		for _, id := range []kernel.EnvID{p.ID(), child} {
			if perm := k.AddressSpace(id).PermissionsOf(textVA.Page()); perm.Any(mmu.COW | mmu.Writable) {
				t.Errorf("env %s text perm = %s, want read-only", id, perm)
			}
		}
		return p.Wait(child)
	})
	if err != nil {
		t.Fatal(err)
	}
	if readErr != nil || text != "cowfork" {
		t.Errorf("child read %q, %v", text, readErr)
	}
	if upcallsAfterRead != 0 {
		t.Errorf("read of text faulted %d times", upcallsAfterRead)
	}
	if !errors.Is(writeErr, ErrNotCOW) || !errors.Is(writeErr, kernel.ErrKilled) {
		t.Errorf("write to text: err = %v, want killed with ErrNotCOW", writeErr)
	}
}

func TestTwoSequentialForks(t *testing.T) {
	k := newKernel(t, 32, nil)
	seen := map[string]byte{}
	err := run(t, k, k, Options{}, func(p *Proc) error {
		if err := p.StoreByte(dataVA, 'P'); err != nil {
			return err
		}
		body := func(name string, v byte) Entry {
			return func(c *Proc) error {
				if err := c.StoreByte(dataVA, v); err != nil {
					return err
				}
				// Let the sibling write before reading back.
				if err := c.Yield(); err != nil {
					return err
				}
				b, err := c.LoadByte(dataVA)
				seen[name] = b
				return err
			}
		}
		a, err := p.Fork(body("a", 'A'))
		if err != nil {
			return err
		}
		b, err := p.Fork(body("b", 'B'))
		if err != nil {
			return err
		}
		if err := p.Wait(a); err != nil {
			return err
		}
		if err := p.Wait(b); err != nil {
			return err
		}
		seen["parent"], err = p.LoadByte(dataVA)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]byte{"a": 'A', "b": 'B', "parent": 'P'}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
	if got := k.MemStats().InUse; got != 0 {
		t.Fatalf("frames in use after run = %d, want 0", got)
	}
}

func TestPgfaultContract(t *testing.T) {
	k := newKernel(t, 32, nil)
	err := run(t, k, k, Options{}, func(p *Proc) error {
		tests := []struct {
			name string
			utf  kernel.UTrapframe
			want error
		}{
			{"read fault", kernel.UTrapframe{FaultVA: dataVA, Err: kernel.FaultUser}, ErrNotWrite},
			{"writable page", kernel.UTrapframe{FaultVA: dataVA, Err: kernel.FaultUser | kernel.FaultWrite}, ErrNotCOW},
			{"read-only page", kernel.UTrapframe{FaultVA: textVA, Err: kernel.FaultUser | kernel.FaultWrite | kernel.FaultPresent}, ErrNotCOW},
			{"unmapped table", kernel.UTrapframe{FaultVA: 0x40000000, Err: kernel.FaultUser | kernel.FaultWrite}, ErrNotCOW},
		}
		for _, tt := range tests {
			if err := pgfault(p, tt.utf); !errors.Is(err, tt.want) {
				t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPgfaultCopiesPage(t *testing.T) {
	k := newKernel(t, 32, nil)
	err := run(t, k, k, Options{}, func(p *Proc) error {
		if err := p.Store(dataVA, []byte("payload")); err != nil {
			return err
		}
		// Downgrade the page by hand the way duppage leaves it.
		if err := k.PageMap(p.ID(), kernel.Self, dataVA, kernel.Self, dataVA, mmu.Present|mmu.User|mmu.COW); err != nil {
			return err
		}
		before, _ := p.AddressSpace().FrameOf(dataVA.Page())
		utf := kernel.UTrapframe{FaultVA: dataVA + 3, Err: kernel.FaultUser | kernel.FaultWrite | kernel.FaultPresent}
		if err := pgfault(p, utf); err != nil {
			return err
		}
		after, _ := p.AddressSpace().FrameOf(dataVA.Page())
		if before == after {
			t.Error("pgfault kept the shared frame")
		}
		if perm := p.AddressSpace().PermissionsOf(dataVA.Page()); !perm.Has(mmu.Writable) || perm.Has(mmu.COW) {
			t.Errorf("perm = %s, want W without COW", perm)
		}
		if perm := p.AddressSpace().PermissionsOf(p.Layout().PFTemp.Page()); perm != 0 {
			t.Errorf("scratch page still mapped with %s", perm)
		}
		buf := make([]byte, 7)
		if err := p.Load(dataVA, buf); err != nil {
			return err
		}
		if string(buf) != "payload" {
			t.Errorf("copied contents = %q, want %q", buf, "payload")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// faultySys fails selected system calls.
type faultySys struct {
	*kernel.Kernel
	mapErr    error
	statusErr error
	selfShift kernel.EnvID
}

func (s *faultySys) GetEnvID(caller kernel.EnvID) (kernel.EnvID, error) {
	id, err := s.Kernel.GetEnvID(caller)
	return id + s.selfShift, err
}

func (s *faultySys) PageMap(caller, srcEnv kernel.EnvID, srcVA mmu.Addr, dstEnv kernel.EnvID, dstVA mmu.Addr, perm mmu.Perm) error {
	if s.mapErr != nil && dstEnv != kernel.Self {
		return s.mapErr
	}
	return s.Kernel.PageMap(caller, srcEnv, srcVA, dstEnv, dstVA, perm)
}

func (s *faultySys) SetStatus(caller, env kernel.EnvID, st kernel.Status) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	return s.Kernel.SetStatus(caller, env, st)
}

func TestForkErrorSteps(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		frames int
		sys    func(k *kernel.Kernel) Sys
		step   string
		target error
	}{
		{"no memory for child exception stack", 4, func(k *kernel.Kernel) Sys { return k }, StepXStack, kernel.ErrNoMem},
		{"no memory for handler install", 3, func(k *kernel.Kernel) Sys { return k }, StepInstall, kernel.ErrNoMem},
		{"mapping refused", 32, func(k *kernel.Kernel) Sys { return &faultySys{Kernel: k, mapErr: boom} }, StepDuplicate, boom},
		{"status refused", 32, func(k *kernel.Kernel) Sys { return &faultySys{Kernel: k, statusErr: boom} }, StepRunnable, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newKernel(t, tt.frames, nil)
			err := run(t, k, tt.sys(k), Options{}, func(p *Proc) error {
				_, err := p.Fork(func(*Proc) error { return nil })
				return err
			})
			var fe *ForkError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *ForkError", err)
			}
			if fe.Step != tt.step {
				t.Errorf("step = %q, want %q", fe.Step, tt.step)
			}
			if !errors.Is(err, tt.target) {
				t.Errorf("err = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestForkChildChecksIdentity(t *testing.T) {
	k := newKernel(t, 32, nil)
	sys := &faultySys{Kernel: k, selfShift: 1}
	ran := false
	var child kernel.EnvID
	err := run(t, k, sys, Options{}, func(p *Proc) error {
		var err error
		child, err = p.Fork(func(*Proc) error {
			ran = true
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if ran {
		t.Fatal("child body ran under a mismatched identity")
	}
	for _, r := range k.History() {
		if r.ID != child {
			continue
		}
		if !strings.Contains(r.Cause, ErrWrongEnv.Error()) {
			t.Errorf("child cause = %q, want %q", r.Cause, ErrWrongEnv)
		}
		return
	}
	t.Fatal("no exit record for child")
}

func TestForkDuplicateErrorNamesPage(t *testing.T) {
	k := newKernel(t, 32, nil)
	sys := &faultySys{Kernel: k, mapErr: kernel.ErrNoMem}
	err := run(t, k, sys, Options{}, func(p *Proc) error {
		_, err := p.Fork(func(*Proc) error { return nil })
		return err
	})
	var pe *PageError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PageError", err)
	}
	if pe.VA != textVA {
		t.Errorf("failed page = %s, want first mapped page %s", pe.VA, textVA)
	}
}

func TestMustForkExitsOnFailure(t *testing.T) {
	k := newKernel(t, 4, nil)
	reached := false
	var root kernel.EnvID
	run(t, k, k, Options{}, func(p *Proc) error {
		root = p.ID()
		p.MustFork(func(*Proc) error { return nil })
		reached = true
		return nil
	})
	if reached {
		t.Fatal("MustFork returned after a failed fork")
	}
	var found bool
	for _, r := range k.History() {
		if r.ID != root {
			continue
		}
		found = true
		if r.Killed || r.Cause == "" {
			t.Errorf("root exit record = %+v, want exit with fork error", r)
		}
	}
	if !found {
		t.Fatal("no exit record for root")
	}
}

func TestForkHonoursExclusions(t *testing.T) {
	k := newKernel(t, 32, nil)
	err := run(t, k, k, Options{Exclude: []mmu.Addr{dataVA + 5}}, func(p *Proc) error {
		child, err := p.Fork(func(*Proc) error { return nil })
		if err != nil {
			return err
		}
		if perm := k.AddressSpace(child).PermissionsOf(dataVA.Page()); perm != 0 {
			t.Errorf("excluded page mapped in child with %s", perm)
		}
		if perm := p.AddressSpace().PermissionsOf(dataVA.Page()); !perm.Has(mmu.Writable) {
			t.Errorf("excluded page downgraded in parent to %s", perm)
		}
		return p.Wait(child)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExclusionSet(t *testing.T) {
	l := mmu.DefaultLayout()
	s := NewExclusionSet(l, 0x00802010, 0x00802fff)
	want := []mmu.VPN{0x802, l.XStackPage()}
	if diff := cmp.Diff(want, s.Pages()); diff != "" {
		t.Fatalf("pages (-want +got):\n%s", diff)
	}
	if !s.Contains(l.XStackPage()) {
		t.Fatal("exception stack not excluded")
	}
}

func TestSForkSharesMemory(t *testing.T) {
	k := newKernel(t, 32, nil)
	stack := k.Layout().UStackTop - mmu.PageSize
	var data, stackByte byte
	err := run(t, k, k, Options{}, func(p *Proc) error {
		if err := p.StoreByte(stack, 's'); err != nil {
			return err
		}
		child, err := p.SFork(func(c *Proc) error {
			if err := c.StoreByte(dataVA, 'c'); err != nil {
				return err
			}
			return c.StoreByte(stack, 'c')
		})
		if err != nil {
			return err
		}
		pf, _ := p.AddressSpace().FrameOf(dataVA.Page())
		cf, _ := k.AddressSpace(child).FrameOf(dataVA.Page())
		if pf != cf {
			t.Error("data page not shared")
		}
		if perm := k.AddressSpace(child).PermissionsOf(dataVA.Page()); !perm.Has(mmu.Writable) {
			t.Errorf("shared data perm = %s, want W", perm)
		}
		if err := p.Wait(child); err != nil {
			return err
		}
		if data, err = p.LoadByte(dataVA); err != nil {
			return err
		}
		stackByte, err = p.LoadByte(stack)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if data != 'c' {
		t.Errorf("parent data = %q, want the child's write", data)
	}
	if stackByte != 's' {
		t.Errorf("parent stack = %q, want its own value", stackByte)
	}
}

func TestForkEvents(t *testing.T) {
	bus := events.NewBus(nil)
	var forks []events.Event
	modes := map[string]int{}
	copies := 0
	bus.Subscribe(events.ForkCompleted, func(e events.Event) { forks = append(forks, e) })
	bus.Subscribe(events.PageDuplicated, func(e events.Event) { modes[e.Data["mode"]]++ })
	bus.Subscribe(events.PageCopied, func(events.Event) { copies++ })

	k := newKernel(t, 32, bus)
	err := run(t, k, k, Options{Bus: bus}, func(p *Proc) error {
		child, err := p.Fork(func(c *Proc) error { return c.StoreByte(dataVA, 1) })
		if err != nil {
			return err
		}
		return p.Wait(child)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(forks) != 1 {
		t.Fatalf("fork events = %d, want 1", len(forks))
	}
	if got := forks[0].Data["pages"]; got != strconv.Itoa(3) {
		t.Errorf("pages = %s, want 3", got)
	}
	if diff := cmp.Diff(map[string]int{ModeShared: 1, ModeCOW: 2}, modes); diff != "" {
		t.Errorf("duplication modes (-want +got):\n%s", diff)
	}
	if copies != 1 {
		t.Errorf("copies = %d, want 1", copies)
	}
}
