package state

import "sync"

const DefaultHistoryWindow = 100

// HistoryRing retains the most recent prior versions of the world as delta
// bases. Lookups of evicted versions simply miss.
type HistoryRing struct {
	window int

	mu       sync.RWMutex
	versions map[uint64]*WorldState
	oldest   uint64
	newest   uint64
}

func NewHistoryRing(window int) *HistoryRing {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &HistoryRing{
		window:   window,
		versions: make(map[uint64]*WorldState, window+1),
	}
}

func (h *HistoryRing) Window() int { return h.window }

// Put stores ws, which must already be an independent clone, and evicts
// anything that falls outside the window.
func (h *HistoryRing) Put(ws *WorldState) {
	if ws == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.versions[ws.Version] = ws
	if len(h.versions) == 1 || ws.Version < h.oldest {
		h.oldest = ws.Version
	}
	if ws.Version > h.newest {
		h.newest = ws.Version
	}
	if h.newest+1 > uint64(h.window) {
		h.evictLocked(h.newest + 1 - uint64(h.window))
	}
}

func (h *HistoryRing) Get(version uint64) (*WorldState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ws, ok := h.versions[version]
	return ws, ok
}

// EvictOlderThan drops every entry with a version below v.
func (h *HistoryRing) EvictOlderThan(v uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evictLocked(v)
}

func (h *HistoryRing) evictLocked(v uint64) int {
	n := 0
	for ver := range h.versions {
		if ver < v {
			delete(h.versions, ver)
			n++
		}
	}
	if len(h.versions) == 0 {
		h.oldest = 0
		return n
	}
	if h.oldest < v {
		h.oldest = v
		for h.oldest <= h.newest {
			if _, ok := h.versions[h.oldest]; ok {
				break
			}
			h.oldest++
		}
	}
	return n
}

func (h *HistoryRing) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.versions)
}

// Oldest reports the oldest retained version.
func (h *HistoryRing) Oldest() (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.versions) == 0 {
		return 0, false
	}
	return h.oldest, true
}

// Reset drops all entries, used when the world is replaced from a checkpoint.
func (h *HistoryRing) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versions = make(map[uint64]*WorldState, h.window+1)
	h.oldest, h.newest = 0, 0
}
