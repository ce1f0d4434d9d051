package scoring

// HistoryCapacity is the number of samples kept for the trend display
const HistoryCapacity = 60

// History is a fixed-capacity FIFO ring of score samples. Appending past
// capacity evicts the oldest sample.
type History struct {
	buf   []float64
	start int
	count int
}

// NewHistory creates a ring holding at most capacity samples
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &History{buf: make([]float64, capacity)}
}

// Push appends a sample
func (h *History) Push(v float64) {
	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = v
		h.count++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

// Values returns the samples oldest first
func (h *History) Values() []float64 {
	out := make([]float64, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of stored samples
func (h *History) Len() int {
	return h.count
}

// Cap returns the ring capacity
func (h *History) Cap() int {
	return len(h.buf)
}

// Reset drops every sample
func (h *History) Reset() {
	h.start = 0
	h.count = 0
}
