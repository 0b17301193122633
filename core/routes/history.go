package routes

import "sync"

// History is an in-memory navigator: it keeps the current location and every location visited.
type History struct {
	mu      sync.RWMutex
	entries []string
}

func NewHistory(start string) *History {
	if start == "" {
		start = Root
	}
	return &History{entries: []string{start}}
}

func (h *History) Location() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries[len(h.entries)-1]
}

func (h *History) Navigate(target string) {
	h.mu.Lock()
	h.entries = append(h.entries, target)
	h.mu.Unlock()
}

// Entries returns the visited locations, oldest first.
func (h *History) Entries() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.entries...)
}
