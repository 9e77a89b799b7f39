package ledger

import "sync"

// RecencyWindow is a bounded FIFO of recently chosen ids with O(1) membership.
type RecencyWindow struct {
	mu      sync.Mutex
	ring    []int64
	next    int
	size    int
	members map[int64]int
}

// NewRecencyWindow creates a window holding at most capacity ids.
func NewRecencyWindow(capacity int) *RecencyWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &RecencyWindow{
		ring:    make([]int64, capacity),
		members: make(map[int64]int, capacity),
	}
}

// Push appends id, evicting the oldest id once the window is full.
func (w *RecencyWindow) Push(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size == len(w.ring) {
		w.forget(w.ring[w.next])
	} else {
		w.size++
	}
	w.ring[w.next] = id
	w.next = (w.next + 1) % len(w.ring)
	w.members[id]++
}

func (w *RecencyWindow) forget(id int64) {
	if w.members[id] <= 1 {
		delete(w.members, id)
		return
	}
	w.members[id]--
}

// Contains reports whether id is in the window.
func (w *RecencyWindow) Contains(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.members[id] > 0
}

// Len returns the number of ids in the window.
func (w *RecencyWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Cap returns the window capacity.
func (w *RecencyWindow) Cap() int {
	return len(w.ring)
}
