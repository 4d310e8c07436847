package mmu

import "testing"

func TestAddrPageArithmetic(t *testing.T) {
	a := Addr(0x00801234)
	if a.Page() != 0x801 {
		t.Errorf("Page() = %#x, want 0x801", a.Page())
	}
	if a.RoundDown() != 0x00801000 {
		t.Errorf("RoundDown() = %s", a.RoundDown())
	}
	if a.PageOffset() != 0x234 {
		t.Errorf("PageOffset() = %#x", a.PageOffset())
	}
	if a.Aligned() {
		t.Error("unaligned address reported aligned")
	}
	if VPN(0x801).Addr() != 0x00801000 {
		t.Errorf("VPN.Addr() = %s", VPN(0x801).Addr())
	}
	if VPN(0x801).Table() != 2 {
		t.Errorf("Table() = %d, want 2", VPN(0x801).Table())
	}
}

func TestPages(t *testing.T) {
	tests := []struct {
		size uint64
		want uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
	}
	for _, tt := range tests {
		if got := Pages(tt.size); got != tt.want {
			t.Errorf("Pages(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestPermString(t *testing.T) {
	tests := []struct {
		perm Perm
		want string
	}{
		{0, "-"},
		{Present | User, "P U"},
		{Present | User | COW, "P U COW"},
		{Present | Writable | User | Accessed | Dirty, "P W U A D"},
	}
	for _, tt := range tests {
		if got := tt.perm.String(); got != tt.want {
			t.Errorf("Perm(%#x).String() = %q, want %q", uint32(tt.perm), got, tt.want)
		}
	}
}

func TestPermShareable(t *testing.T) {
	if !(Present | User | Writable).Shareable() {
		t.Error("writable page should be shareable copy-on-write")
	}
	if !(Present | User | COW).Shareable() {
		t.Error("cow page should stay copy-on-write")
	}
	if (Present | User).Shareable() {
		t.Error("read-only page must not be shared copy-on-write")
	}
	if SyscallMask.Any(Accessed | Dirty) {
		t.Error("hardware-managed bits must not be in the syscall mask")
	}
}

func TestDefaultLayout(t *testing.T) {
	l := DefaultLayout()
	if err := l.Validate(); err != nil {
		t.Fatalf("default layout invalid: %v", err)
	}
	if l.XStackPage() != 0xeebff {
		t.Errorf("XStackPage() = %#x, want 0xeebff", l.XStackPage())
	}
	if l.StackPage() != 0xeebfd {
		t.Errorf("StackPage() = %#x, want 0xeebfd", l.StackPage())
	}
	if l.PFTemp != 0x007ff000 {
		t.Errorf("PFTemp = %s, want 0x007ff000", l.PFTemp)
	}
	if l.User(l.UTop) {
		t.Error("utop itself must not be user memory")
	}
}

func TestLayoutValidateRejectsOverlap(t *testing.T) {
	l := DefaultLayout()
	l.UStackTop = l.UXStackTop - PageSize
	if err := l.Validate(); err == nil {
		t.Fatal("expected overlap error")
	}

	l = DefaultLayout()
	l.PFTemp += 1
	if err := l.Validate(); err == nil {
		t.Fatal("expected alignment error")
	}
}
