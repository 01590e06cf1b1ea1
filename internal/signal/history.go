package signal

import (
	"sort"
	"sync"
	"time"
)

// History keeps recently accepted signals ordered by timestamp. It is bounded
// both by age and by length so the correlation window never grows unbounded.
type History struct {
	mu     sync.RWMutex
	items  []ThreatSignal
	maxAge time.Duration
	maxLen int
}

// NewHistory creates a history that keeps at most maxLen signals no older
// than maxAge relative to the newest signal.
func NewHistory(maxAge time.Duration, maxLen int) *History {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &History{
		maxAge: maxAge,
		maxLen: maxLen,
	}
}

// Add inserts a signal keeping timestamp order.
func (h *History) Add(s ThreatSignal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.items), func(i int) bool {
		return h.items[i].Timestamp.After(s.Timestamp)
	})
	h.items = append(h.items, ThreatSignal{})
	copy(h.items[i+1:], h.items[i:])
	h.items[i] = s

	h.trimLocked()
}

func (h *History) trimLocked() {
	if len(h.items) == 0 {
		return
	}
	if h.maxAge > 0 {
		cutoff := h.items[len(h.items)-1].Timestamp.Add(-h.maxAge)
		drop := sort.Search(len(h.items), func(i int) bool {
			return !h.items[i].Timestamp.Before(cutoff)
		})
		if drop > 0 {
			h.items = append(h.items[:0], h.items[drop:]...)
		}
	}
	if over := len(h.items) - h.maxLen; over > 0 {
		h.items = append(h.items[:0], h.items[over:]...)
	}
}

// Since returns a copy of the signals at or after t.
func (h *History) Since(t time.Time) []ThreatSignal {
	h.mu.RLock()
	defer h.mu.RUnlock()

	i := sort.Search(len(h.items), func(i int) bool {
		return !h.items[i].Timestamp.Before(t)
	})
	out := make([]ThreatSignal, len(h.items)-i)
	copy(out, h.items[i:])
	return out
}

// Snapshot returns a copy of every retained signal.
func (h *History) Snapshot() []ThreatSignal {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ThreatSignal, len(h.items))
	copy(out, h.items)
	return out
}

// Count returns how many signals since t satisfy match.
func (h *History) Count(t time.Time, match func(ThreatSignal) bool) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for i := len(h.items) - 1; i >= 0; i-- {
		if h.items[i].Timestamp.Before(t) {
			break
		}
		if match(h.items[i]) {
			n++
		}
	}
	return n
}

// Len returns the number of retained signals.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}
