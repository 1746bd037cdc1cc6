package prompts

import "sync"

// DefaultHistoryCapacity is the number of interactions kept.
const DefaultHistoryCapacity = 10

// Interaction is one question and the answer typed for it.
type Interaction struct {
	Event    string
	Question string
	Answer   string
}

// History is a bounded ring of recent interactions, oldest evicted first.
type History struct {
	mu       sync.Mutex
	capacity int
	items    []Interaction
}

// NewHistory returns an empty history. Non-positive capacity uses the default.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{capacity: capacity, items: make([]Interaction, 0, capacity)}
}

// Add appends item, evicting the oldest entry when full.
func (h *History) Add(item Interaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == h.capacity {
		copy(h.items, h.items[1:])
		h.items = h.items[:len(h.items)-1]
	}
	h.items = append(h.items, item)
}

// Last returns up to n most recent interactions, oldest first.
func (h *History) Last(n int) []Interaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(h.items) {
		n = len(h.items)
	}
	out := make([]Interaction, n)
	copy(out, h.items[len(h.items)-n:])
	return out
}

// Len returns the number of stored interactions.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
