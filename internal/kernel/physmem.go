package kernel

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/mmu"
)

// FrameID names a physical frame.
type FrameID uint32

func (f FrameID) String() string { return fmt.Sprintf("0x%08x", uint64(f)<<mmu.PageShift) }

type frame struct {
	data [mmu.PageSize]byte
	refs int
}

// physmem is a fixed pool of reference-counted frames. A frame returns to
// the free list when its last mapping goes away. Frame backing storage is
// allocated on first use.
type physmem struct {
	frames []*frame
	free   []FrameID
	inUse  int
}

func newPhysmem(n int) *physmem {
	pm := &physmem{
		frames: make([]*frame, n),
		free:   make([]FrameID, 0, n),
	}
	// Hand out low frames first.
	for i := n - 1; i >= 0; i-- {
		pm.free = append(pm.free, FrameID(i))
	}
	return pm
}

// alloc returns a zeroed frame with no references.
func (pm *physmem) alloc() (FrameID, error) {
	if len(pm.free) == 0 {
		return 0, ErrNoMem
	}
	f := pm.free[len(pm.free)-1]
	pm.free = pm.free[:len(pm.free)-1]
	if pm.frames[f] == nil {
		pm.frames[f] = &frame{}
	} else {
		clear(pm.frames[f].data[:])
	}
	pm.inUse++
	return f, nil
}

func (pm *physmem) incref(f FrameID) {
	pm.frames[f].refs++
}

// decref drops one reference and reports whether the frame was freed.
func (pm *physmem) decref(f FrameID) bool {
	fr := pm.frames[f]
	if fr.refs <= 0 {
		panic(fmt.Sprintf("decref of unreferenced frame %s", f))
	}
	fr.refs--
	if fr.refs > 0 {
		return false
	}
	pm.free = append(pm.free, f)
	pm.inUse--
	return true
}

func (pm *physmem) page(f FrameID) *[mmu.PageSize]byte {
	return &pm.frames[f].data
}

func (pm *physmem) refs(f FrameID) int {
	if int(f) >= len(pm.frames) || pm.frames[f] == nil {
		return 0
	}
	return pm.frames[f].refs
}

// MemStats reports physical frame usage.
type MemStats struct {
	Total int `json:"total"`
	InUse int `json:"in_use"`
	Free  int `json:"free"`
}

func (pm *physmem) stats() MemStats {
	return MemStats{Total: len(pm.frames), InUse: pm.inUse, Free: len(pm.free)}
}
