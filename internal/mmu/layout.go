package mmu

import "fmt"

// Layout fixes the user portion of every address space.
//
//	UTop        ----------------------------  end of user-mappable memory
//	            exception stack (one page)
//	UXStackTop  = UTop
//	            empty guard page
//	UStackTop   ----------------------------  normal user stack grows down
//	...
//	UText       ----------------------------  program text and data
//	PFTemp      scratch page for the fault handler
//	UTemp       ----------------------------
type Layout struct {
	UTop       Addr
	UXStackTop Addr
	UStackTop  Addr
	UText      Addr
	UTemp      Addr
	PFTemp     Addr
}

// DefaultLayout returns the classic 32-bit layout.
func DefaultLayout() Layout {
	const utop = 0xeec00000
	return Layout{
		UTop:       utop,
		UXStackTop: utop,
		UStackTop:  utop - 2*PageSize,
		UText:      2 * TableSize,
		UTemp:      TableSize,
		PFTemp:     TableSize + TableSize - PageSize,
	}
}

// XStackPage returns the page number of the exception stack.
func (l Layout) XStackPage() VPN { return (l.UXStackTop - PageSize).Page() }

// StackPage returns the page number of the top page of the normal stack.
func (l Layout) StackPage() VPN { return (l.UStackTop - PageSize).Page() }

// TopPage returns the first page number at or above UTop.
func (l Layout) TopPage() VPN { return l.UTop.Page() }

// User reports whether va lies in user-mappable memory.
func (l Layout) User(va Addr) bool { return va < l.UTop }

// Validate checks that the layout regions are page aligned and ordered.
func (l Layout) Validate() error {
	for _, a := range []struct {
		name string
		addr Addr
	}{
		{"utop", l.UTop},
		{"uxstacktop", l.UXStackTop},
		{"ustacktop", l.UStackTop},
		{"utext", l.UText},
		{"utemp", l.UTemp},
		{"pftemp", l.PFTemp},
	} {
		if !a.addr.Aligned() {
			return fmt.Errorf("%s %s is not page aligned", a.name, a.addr)
		}
	}
	if l.UXStackTop > l.UTop {
		return fmt.Errorf("uxstacktop %s above utop %s", l.UXStackTop, l.UTop)
	}
	if l.UStackTop >= l.UXStackTop-PageSize {
		return fmt.Errorf("ustacktop %s overlaps the exception stack", l.UStackTop)
	}
	if l.PFTemp >= l.UText || l.PFTemp < l.UTemp {
		return fmt.Errorf("pftemp %s outside [utemp, utext)", l.PFTemp)
	}
	return nil
}
