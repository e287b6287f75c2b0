package syncer

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"worldsync/internal/sim/interest"
)

// ClientSyncState is a point-in-time copy of one client's sync bookkeeping.
type ClientSyncState struct {
	ClientID                   string
	LastAcknowledgedVersion    uint64
	LastSnapshotVersion        uint64
	LastProcessedInputSequence uint64
	SnapshotRequested          bool
	InterestArea               interest.Area
	HasInterestArea            bool
	PendingAcks                map[uint64]time.Time
	EstimatedRTT               time.Duration
	RTTVariance                time.Duration
}

type client struct {
	id string

	// inputMu serializes one client's inputs from validation through the
	// correction check. It is taken before tickMu, worldMu and mu.
	inputMu sync.Mutex

	mu                sync.Mutex
	lastAck           uint64
	lastSnapshot      uint64
	lastInputSeq      uint64
	snapshotRequested bool
	pendingAcks       map[uint64]time.Time
	// views holds the sorted entity ids sent at each unacknowledged version
	// plus the last acknowledged one, so deltas diff like-for-like sets.
	views   map[uint64][]string
	rtt     rttEstimator
	limiter *rate.Limiter

	// sendMu orders sends against unregistration.
	sendMu  sync.Mutex
	removed bool
}

func newClient(id string, cfg Config) *client {
	c := &client{
		id:          id,
		pendingAcks: map[uint64]time.Time{},
		views:       map[uint64][]string{},
		rtt:         newRTTEstimator(cfg.RTTAlpha, cfg.RTTBeta),
	}
	if cfg.InputRate > 0 {
		burst := cfg.InputBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.InputRate), burst)
	}
	return c
}

func (c *client) snapshotLocked() ClientSyncState {
	pending := make(map[uint64]time.Time, len(c.pendingAcks))
	for v, t := range c.pendingAcks {
		pending[v] = t
	}
	return ClientSyncState{
		ClientID:                   c.id,
		LastAcknowledgedVersion:    c.lastAck,
		LastSnapshotVersion:        c.lastSnapshot,
		LastProcessedInputSequence: c.lastInputSeq,
		SnapshotRequested:          c.snapshotRequested,
		PendingAcks:                pending,
		EstimatedRTT:               c.rtt.Mean(),
		RTTVariance:                c.rtt.Variance(),
	}
}

// pruneLocked drops bookkeeping that can no longer serve as a delta base.
func (c *client) pruneLocked(floor uint64) {
	for v := range c.pendingAcks {
		if v < floor {
			delete(c.pendingAcks, v)
		}
	}
	for v := range c.views {
		if v < floor {
			delete(c.views, v)
		}
	}
}

// Registry is the thread-safe set of registered clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[string]*client{}}
}

// put stores c and returns the client it replaced, if any.
func (r *Registry) put(c *client) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.clients[c.id]
	r.clients[c.id] = c
	return old
}

func (r *Registry) get(id string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) remove(id string) (*client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	return c, ok
}

// snapshot copies the client list so callers never iterate the live map.
func (r *Registry) snapshot() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// IDs returns the registered client ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
