package ratelimit

// window is a fixed-size ring of recent request samples. It has no
// internal synchronization; callers (the Controller) serialize access.
type window struct {
	timestamps    []int64
	responseTimes []int
	errors        []bool
	head          int
	filled        int
	size          int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 100
	}
	return &window{
		timestamps:    make([]int64, size),
		responseTimes: make([]int, size),
		errors:        make([]bool, size),
		size:          size,
	}
}

// record writes one sample at head and advances modulo size.
func (w *window) record(timestampMs int64, responseTimeMs int, wasError bool) {
	w.timestamps[w.head] = timestampMs
	w.responseTimes[w.head] = responseTimeMs
	w.errors[w.head] = wasError
	w.head = (w.head + 1) % w.size
	if w.filled < w.size {
		w.filled++
	}
}

// count returns the number of filled slots, saturating at size.
func (w *window) count() int {
	return w.filled
}

// requestsSince sums entries with timestamp > sinceMs.
func (w *window) requestsSince(sinceMs int64) int {
	n := 0
	for i := 0; i < w.filled; i++ {
		if w.timestamps[i] > sinceMs {
			n++
		}
	}
	return n
}

// oldestTimestamp returns the timestamp of the oldest filled sample, or
// 0 if the window is empty. With a ring buffer, the oldest entry still
// present is either at index head (once full) or index 0 (while filling).
func (w *window) oldestTimestamp() int64 {
	if w.filled == 0 {
		return 0
	}
	if w.filled < w.size {
		return w.timestamps[0]
	}
	return w.timestamps[w.head]
}

// averageResponseTime averages the non-zero response-time entries.
func (w *window) averageResponseTime() float64 {
	sum := 0
	n := 0
	for i := 0; i < w.filled; i++ {
		if w.responseTimes[i] > 0 {
			sum += w.responseTimes[i]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// errorRate and successRate are computed over the filled portion of the
// window only (an empty window reports rate 0 for both).
func (w *window) errorRate() float64 {
	if w.filled == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < w.filled; i++ {
		if w.errors[i] {
			errs++
		}
	}
	return float64(errs) / float64(w.filled)
}

func (w *window) successRate() float64 {
	return 1 - w.errorRate()
}

// consecutiveFromHead counts trailing samples whose error flag equals
// wantError, ending at the most recently written entry (head-1, wrapping).
func (w *window) consecutiveFromHead(wantError bool) int {
	n := 0
	idx := (w.head - 1 + w.size) % w.size
	for i := 0; i < w.filled; i++ {
		if w.errors[idx] != wantError {
			break
		}
		n++
		idx = (idx - 1 + w.size) % w.size
	}
	return n
}
