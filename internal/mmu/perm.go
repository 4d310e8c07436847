package mmu

import "strings"

// Perm is a set of page-table entry permission bits.
type Perm uint32

const (
	Present  Perm = 0x001
	Writable Perm = 0x002
	User     Perm = 0x004
	Accessed Perm = 0x020
	Dirty    Perm = 0x040

	// Avail is the set of bits the hardware ignores and leaves to software.
	Avail Perm = 0xe00

	// COW marks a mapping whose frame must be cloned before it is written.
	COW Perm = 0x800
)

// SyscallMask is the set of bits user code may pass to a mapping call.
const SyscallMask = Present | Writable | User | Avail

// Has reports whether all bits in q are set in p.
func (p Perm) Has(q Perm) bool { return p&q == q }

// Any reports whether any bit in q is set in p.
func (p Perm) Any(q Perm) bool { return p&q != 0 }

// Shareable reports whether a mapping with these bits must be shared
// copy-on-write rather than as-is.
func (p Perm) Shareable() bool { return p.Any(Writable | COW) }

var permNames = []struct {
	bit  Perm
	name string
}{
	{Present, "P"},
	{Writable, "W"},
	{User, "U"},
	{Accessed, "A"},
	{Dirty, "D"},
	{COW, "COW"},
}

// String renders the set bits as space separated flag names, e.g. "P U COW".
func (p Perm) String() string {
	var names []string
	for _, pn := range permNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, " ")
}
