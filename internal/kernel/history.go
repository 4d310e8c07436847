package kernel

import "time"

// ExitRecord describes an environment after it exited or was killed.
type ExitRecord struct {
	ID       EnvID     `json:"id"`
	Parent   EnvID     `json:"parent"`
	Killed   bool      `json:"killed"`
	Cause    string    `json:"cause,omitempty"`
	Faults   int       `json:"faults"`
	Mappings []Mapping `json:"mappings"`
	ExitedAt time.Time `json:"exited_at"`
}

// history is a fixed-size circular buffer of exit records.
type history struct {
	buf  []ExitRecord
	pos  int
	full bool
}

func newHistory(size int) *history {
	return &history{buf: make([]ExitRecord, size)}
}

func (h *history) add(r ExitRecord) {
	if len(h.buf) == 0 {
		return
	}
	h.buf[h.pos] = r
	h.pos = (h.pos + 1) % len(h.buf)
	if h.pos == 0 {
		h.full = true
	}
}

// records returns the stored records, oldest first.
func (h *history) records() []ExitRecord {
	if !h.full {
		out := make([]ExitRecord, h.pos)
		copy(out, h.buf[:h.pos])
		return out
	}
	out := make([]ExitRecord, 0, len(h.buf))
	out = append(out, h.buf[h.pos:]...)
	return append(out, h.buf[:h.pos]...)
}
