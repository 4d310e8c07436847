package scenario

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kahiteam/cowfork/internal/cow"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// Program is a built-in workload run as the root environment.
type Program struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	run         func(c *Context) error
}

// Context is handed to a running program. Checks may be recorded from
// the root or from any forked child.
type Context struct {
	*cow.Proc
	k      *kernel.Kernel
	checks []Check
}

// Check records an assertion.
func (c *Context) Check(name string, ok bool, format string, args ...any) {
	ch := Check{Name: name, Passed: ok}
	if format != "" {
		ch.Detail = fmt.Sprintf(format, args...)
	}
	c.checks = append(c.checks, ch)
}

// Text returns the address of the program's read-only text page.
func (c *Context) Text() mmu.Addr { return c.Layout().UText }

// Data returns the address of the program's writable data page.
func (c *Context) Data() mmu.Addr { return c.Layout().UText + mmu.PageSize }

func (c *Context) frame(env kernel.EnvID, vpn mmu.VPN) kernel.FrameID {
	f, _ := c.k.AddressSpace(env).FrameOf(vpn)
	return f
}

func (c *Context) perm(env kernel.EnvID, vpn mmu.VPN) mmu.Perm {
	return c.k.AddressSpace(env).PermissionsOf(vpn)
}

var programs = map[string]Program{}

func register(p Program) { programs[p.Name] = p }

// Programs returns every built-in program ordered by name.
func Programs() []Program {
	out := make([]Program, 0, len(programs))
	for _, p := range programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the program called name.
func Lookup(name string) (Program, bool) {
	p, ok := programs[name]
	return p, ok
}

func init() {
	register(Program{
		Name:        "snapshot",
		Description: "child starts from the parent's frames; 0xAA written before fork survives the child's 0xBB",
		run:         runSnapshot,
	})
	register(Program{
		Name:        "readonly",
		Description: "read-only text is shared without COW; a write to it is fatal",
		run:         runReadOnly,
	})
	register(Program{
		Name:        "twice",
		Description: "two sequential forks privatize independently",
		run:         runTwice,
	})
	register(Program{
		Name:        "rewrite",
		Description: "one fault per page and side; later writes go straight through",
		run:         runRewrite,
	})
	register(Program{
		Name:        "xstack",
		Description: "parent and child never share an exception stack frame",
		run:         runXStack,
	})
	register(Program{
		Name:        "reinstall",
		Description: "installing the fault handler repeatedly keeps fault delivery intact",
		run:         runReinstall,
	})
	register(Program{
		Name:        "sfork",
		Description: "shared-memory fork: data is shared, the stack is copy-on-write",
		run:         runSFork,
	})
}

func runSnapshot(c *Context) error {
	data := c.Data() + 10
	if err := c.StoreByte(data, 0xAA); err != nil {
		return err
	}
	xstack := c.Layout().XStackPage()

	var saw, after byte
	child, err := c.Fork(func(p *cow.Proc) error {
		var err error
		if saw, err = p.LoadByte(data); err != nil {
			return err
		}
		if err := p.StoreByte(data, 0xBB); err != nil {
			return err
		}
		after, err = p.LoadByte(data)
		return err
	})
	if err != nil {
		return err
	}

	parent, err := c.k.MappingsIn(c.ID(), 0, xstack)
	if err != nil {
		return err
	}
	same := true
	for _, m := range parent {
		if f := c.frame(child, m.VA.Page()); f != m.Frame {
			same = false
			c.Check("frame shared", false, "%s: parent %s, child %s", m.VA, m.Frame, f)
		}
	}
	c.Check("child frames equal parent frames", same, "%d pages", len(parent))

	if err := c.Wait(child); err != nil {
		return err
	}
	mine, err := c.LoadByte(data)
	if err != nil {
		return err
	}
	c.Check("child reads parent's write", saw == 0xAA, "read %#x", saw)
	c.Check("child reads its own write", after == 0xBB, "read %#x", after)
	c.Check("parent keeps its value", mine == 0xAA, "read %#x", mine)
	return nil
}

func runReadOnly(c *Context) error {
	text := c.Text()
	var readErr, writeErr error
	var upcalls int
	child, err := c.Fork(func(p *cow.Proc) error {
		buf := make([]byte, 8)
		readErr = p.Load(text, buf)
		upcalls = p.Upcalls()
		writeErr = p.StoreByte(text, 0)
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range []kernel.EnvID{c.ID(), child} {
		perm := c.perm(id, text.Page())
		c.Check("text stays read-only in "+id.String(), !perm.Any(mmu.COW|mmu.Writable), "perm %s", perm)
	}
	if err := c.Wait(child); err != nil {
		return err
	}
	c.Check("read of text does not fault", readErr == nil && upcalls == 0, "err %v, upcalls %d", readErr, upcalls)
	c.Check("write to text is fatal", errors.Is(writeErr, cow.ErrNotCOW) && errors.Is(writeErr, kernel.ErrKilled), "%v", writeErr)
	return nil
}

func runTwice(c *Context) error {
	data := c.Data()
	if err := c.StoreByte(data, 'P'); err != nil {
		return err
	}
	got := map[byte]byte{}
	body := func(v byte) cow.Entry {
		return func(p *cow.Proc) error {
			if err := p.StoreByte(data, v); err != nil {
				return err
			}
			if err := p.Yield(); err != nil {
				return err
			}
			b, err := p.LoadByte(data)
			got[v] = b
			return err
		}
	}
	a, err := c.Fork(body('A'))
	if err != nil {
		return err
	}
	b, err := c.Fork(body('B'))
	if err != nil {
		return err
	}
	if err := c.Wait(a); err != nil {
		return err
	}
	if err := c.Wait(b); err != nil {
		return err
	}
	mine, err := c.LoadByte(data)
	if err != nil {
		return err
	}
	c.Check("first child keeps its copy", got['A'] == 'A', "read %q", got['A'])
	c.Check("second child keeps its copy", got['B'] == 'B', "read %q", got['B'])
	c.Check("parent unaffected", mine == 'P', "read %q", mine)
	return nil
}

func runRewrite(c *Context) error {
	data := c.Data()
	var childUpcalls int
	var perm mmu.Perm
	child, err := c.Fork(func(p *cow.Proc) error {
		for i := 0; i < 4; i++ {
			if err := p.StoreByte(data+mmu.Addr(i), byte(i)); err != nil {
				return err
			}
		}
		childUpcalls = p.Upcalls()
		perm = p.AddressSpace().PermissionsOf(data.Page())
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.Wait(child); err != nil {
		return err
	}
	before := c.Upcalls()
	for i := 0; i < 4; i++ {
		if err := c.StoreByte(data+mmu.Addr(i), 0xFF); err != nil {
			return err
		}
	}
	c.Check("child faults once", childUpcalls == 1, "%d upcalls", childUpcalls)
	c.Check("child page writable after copy", perm.Has(mmu.Writable) && !perm.Has(mmu.COW), "perm %s", perm)
	c.Check("parent faults once", c.Upcalls()-before == 1, "%d upcalls", c.Upcalls()-before)
	return nil
}

func runXStack(c *Context) error {
	xstack := c.Layout().XStackPage()
	var inChild kernel.FrameID
	child, err := c.Fork(func(p *cow.Proc) error {
		inChild, _ = p.AddressSpace().FrameOf(xstack)
		// Fault once so the child's own exception stack is used.
		return p.StoreByte(c.Data(), 1)
	})
	if err != nil {
		return err
	}
	pf := c.frame(c.ID(), xstack)
	cf := c.frame(child, xstack)
	c.Check("exception stacks differ after fork", pf != cf, "parent %s, child %s", pf, cf)
	for _, id := range []kernel.EnvID{c.ID(), child} {
		perm := c.perm(id, xstack)
		c.Check("exception stack private in "+id.String(), perm.Has(mmu.Writable) && !perm.Has(mmu.COW), "perm %s", perm)
	}
	if err := c.Wait(child); err != nil {
		return err
	}
	c.Check("child ran on its own exception stack", inChild != pf, "child %s", inChild)
	return nil
}

func runReinstall(c *Context) error {
	xstack := c.Layout().XStackPage()
	for i := 0; i < 3; i++ {
		if err := c.InstallCOW(); err != nil {
			return err
		}
	}
	first := c.frame(c.ID(), xstack)
	var saw byte
	child, err := c.Fork(func(p *cow.Proc) error {
		if err := p.StoreByte(c.Data(), 'c'); err != nil {
			return err
		}
		var err error
		saw, err = p.LoadByte(c.Data())
		return err
	})
	if err != nil {
		return err
	}
	c.Check("exception stack allocated once", c.frame(c.ID(), xstack) == first, "")
	if err := c.StoreByte(c.Data(), 'p'); err != nil {
		return err
	}
	if err := c.Wait(child); err != nil {
		return err
	}
	c.Check("child fault serviced", saw == 'c', "read %q", saw)
	c.Check("parent fault serviced", c.Upcalls() == 1, "%d upcalls", c.Upcalls())
	return nil
}

func runSFork(c *Context) error {
	data := c.Data()
	stack := c.Layout().StackPage().Addr()
	if err := c.StoreByte(stack, 's'); err != nil {
		return err
	}
	child, err := c.SFork(func(p *cow.Proc) error {
		if err := p.StoreByte(data, 'c'); err != nil {
			return err
		}
		return p.StoreByte(stack, 'c')
	})
	if err != nil {
		return err
	}
	c.Check("data frame shared", c.frame(c.ID(), data.Page()) == c.frame(child, data.Page()), "")
	if err := c.Wait(child); err != nil {
		return err
	}
	d, err := c.LoadByte(data)
	if err != nil {
		return err
	}
	s, err := c.LoadByte(stack)
	if err != nil {
		return err
	}
	c.Check("child write to data visible", d == 'c', "read %q", d)
	c.Check("child write to stack private", s == 's', "read %q", s)
	return nil
}
