// Package mmu describes page geometry, page permission bits and the user
// address-space layout shared by the kernel and user-level fork code.
package mmu

import "fmt"

const (
	PageShift      = 12
	PageSize       = 1 << PageShift
	PageTablePages = 1024 // pages covered by one page-directory entry
	TableSize      = PageSize * PageTablePages
)

// Addr is a user virtual address.
type Addr uint64

// VPN is a virtual page number.
type VPN uint64

// Page returns the page number containing a.
func (a Addr) Page() VPN { return VPN(a >> PageShift) }

// RoundDown returns a rounded down to its page boundary.
func (a Addr) RoundDown() Addr { return a &^ (PageSize - 1) }

// PageOffset returns the offset of a within its page.
func (a Addr) PageOffset() int { return int(a & (PageSize - 1)) }

// Aligned reports whether a is page aligned.
func (a Addr) Aligned() bool { return a&(PageSize-1) == 0 }

func (a Addr) String() string { return fmt.Sprintf("0x%08x", uint64(a)) }

// Addr returns the first address of page n.
func (n VPN) Addr() Addr { return Addr(n) << PageShift }

// Table returns the page-directory index covering page n.
func (n VPN) Table() uint64 { return uint64(n) / PageTablePages }

// Pages returns the number of pages needed to hold size bytes.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}
