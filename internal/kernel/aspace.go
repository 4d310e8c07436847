package kernel

import (
	"github.com/google/btree"

	"github.com/kahiteam/cowfork/internal/mmu"
)

// pte is one page-table entry.
type pte struct {
	vpn   mmu.VPN
	frame FrameID
	perm  mmu.Perm
}

func pteLess(a, b pte) bool { return a.vpn < b.vpn }

// addrSpace maps virtual page numbers to frames, ordered by page number.
// tables counts present entries per page-directory slot so that callers
// can skip whole unmapped tables the way a two-level walk would.
type addrSpace struct {
	tree   *btree.BTreeG[pte]
	tables map[uint64]int
}

func newAddrSpace() *addrSpace {
	return &addrSpace{
		tree:   btree.NewG(16, pteLess),
		tables: make(map[uint64]int),
	}
}

func (as *addrSpace) lookup(vpn mmu.VPN) (pte, bool) {
	return as.tree.Get(pte{vpn: vpn})
}

// insert installs e, returning the entry it replaced, if any.
func (as *addrSpace) insert(e pte) (pte, bool) {
	old, replaced := as.tree.ReplaceOrInsert(e)
	if !replaced {
		as.tables[e.vpn.Table()]++
	}
	return old, replaced
}

func (as *addrSpace) remove(vpn mmu.VPN) (pte, bool) {
	old, ok := as.tree.Delete(pte{vpn: vpn})
	if ok {
		t := vpn.Table()
		as.tables[t]--
		if as.tables[t] == 0 {
			delete(as.tables, t)
		}
	}
	return old, ok
}

// setPerm ORs bits into an existing entry.
func (as *addrSpace) setPerm(vpn mmu.VPN, bits mmu.Perm) {
	e, ok := as.tree.Get(pte{vpn: vpn})
	if !ok || e.perm.Has(bits) {
		return
	}
	e.perm |= bits
	as.tree.ReplaceOrInsert(e)
}

func (as *addrSpace) tablePresent(t uint64) bool { return as.tables[t] > 0 }

func (as *addrSpace) ascend(fn func(pte) bool) { as.tree.Ascend(fn) }

func (as *addrSpace) ascendRange(from, to mmu.VPN, fn func(pte) bool) {
	as.tree.AscendRange(pte{vpn: from}, pte{vpn: to}, fn)
}

func (as *addrSpace) len() int { return as.tree.Len() }
