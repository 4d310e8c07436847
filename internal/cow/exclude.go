package cow

import (
	"sort"

	"github.com/kahiteam/cowfork/internal/mmu"
)

// ExclusionSet is the set of pages Fork never duplicates into a child.
type ExclusionSet map[mmu.VPN]struct{}

// NewExclusionSet returns a set holding the exception stack page of
// layout and the pages containing extra.
func NewExclusionSet(layout mmu.Layout, extra ...mmu.Addr) ExclusionSet {
	s := ExclusionSet{layout.XStackPage(): {}}
	for _, va := range extra {
		s.Add(va.Page())
	}
	return s
}

// Add excludes vpn.
func (s ExclusionSet) Add(vpn mmu.VPN) { s[vpn] = struct{}{} }

// Contains reports whether vpn is excluded.
func (s ExclusionSet) Contains(vpn mmu.VPN) bool {
	_, ok := s[vpn]
	return ok
}

// Pages returns the excluded page numbers in ascending order.
func (s ExclusionSet) Pages() []mmu.VPN {
	out := make([]mmu.VPN, 0, len(s))
	for vpn := range s {
		out = append(out, vpn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
