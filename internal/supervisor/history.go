package supervisor

import "time"

// HistoryCapacity is one hour of samples at the default 1 Hz poll rate.
const HistoryCapacity = 3600

type Sample struct {
	Value float64   `json:"value"`
	Time  time.Time `json:"time"`
}

// History is a bounded FIFO of samples. Not safe for concurrent use; the
// supervisor guards it with its registry lock.
type History struct {
	buf   []Sample
	start int
	n     int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &History{buf: make([]Sample, capacity)}
}

// Append adds s, evicting the oldest sample when full.
func (h *History) Append(s Sample) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = s
		h.n++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

func (h *History) Len() int { return h.n }
func (h *History) Cap() int { return len(h.buf) }

// Samples returns a copy, oldest first.
func (h *History) Samples() []Sample {
	out := make([]Sample, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *History) Clear() {
	h.start, h.n = 0, 0
}
