package interest

import (
	"sort"
	"sync"

	"worldsync/internal/sim/state"
)

const (
	DefaultRadius        = 5000.0
	DefaultPriorityScale = 1.5
	DefaultZoneSize      = 750.0
	DefaultMaxEntities   = 2048
)

type Config struct {
	DefaultRadius float64
	// PriorityScale extends the radius for entities with priority > 0.
	PriorityScale float64
	// ZoneSize is the grid cell edge used by Index.
	ZoneSize float64
	// MaxEntities caps a client's relevant set; 0 disables the cap.
	MaxEntities int
}

func (c Config) withDefaults() Config {
	if c.DefaultRadius <= 0 {
		c.DefaultRadius = DefaultRadius
	}
	if c.PriorityScale < 1 {
		c.PriorityScale = DefaultPriorityScale
	}
	if c.ZoneSize <= 0 {
		c.ZoneSize = DefaultZoneSize
	}
	if c.MaxEntities < 0 {
		c.MaxEntities = 0
	}
	return c
}

// Area is the spatial region a client cares about.
type Area struct {
	Center state.Vec3 `json:"center"`
	Radius float64    `json:"radius"`
}

// Manager keeps one interest area per client.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	areas map[string]Area
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg.withDefaults(),
		areas: map[string]Area{},
	}
}

func (m *Manager) Config() Config { return m.cfg }

// Register creates an area with the default radius around center.
func (m *Manager) Register(clientID string, center state.Vec3) Area {
	a := Area{Center: center, Radius: m.cfg.DefaultRadius}
	m.SetArea(clientID, a)
	return a
}

func (m *Manager) SetArea(clientID string, a Area) {
	m.mu.Lock()
	m.areas[clientID] = a
	m.mu.Unlock()
}

// UpdateClientInterest re-centers an existing area. It returns false when the
// client has no area.
func (m *Manager) UpdateClientInterest(clientID string, center state.Vec3) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.areas[clientID]
	if !ok {
		return false
	}
	a.Center = center
	m.areas[clientID] = a
	return true
}

func (m *Manager) Remove(clientID string) {
	m.mu.Lock()
	delete(m.areas, clientID)
	m.mu.Unlock()
}

func (m *Manager) Area(clientID string) (Area, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.areas[clientID]
	return a, ok
}

// RelevantEntities returns the sorted ids of the entities clientID should see.
// A client without an area sees everything.
func (m *Manager) RelevantEntities(clientID string, ws *state.WorldState) []string {
	if ws == nil {
		return nil
	}
	a, ok := m.Area(clientID)
	if !ok {
		return allIDs(ws)
	}
	out := make([]string, 0, len(ws.Entities))
	for id, e := range ws.Entities {
		if m.includes(clientID, a, e) {
			out = append(out, id)
		}
	}
	return m.finish(clientID, a, ws, out)
}

func (m *Manager) includes(clientID string, a Area, e *state.EntityState) bool {
	if e.ID == clientID {
		return true
	}
	d := e.Position.Distance(a.Center)
	if d <= a.Radius {
		return true
	}
	return e.Priority > 0 && d <= a.Radius*m.cfg.PriorityScale
}

// finish applies the entity cap and sorts ids.
func (m *Manager) finish(clientID string, a Area, ws *state.WorldState, ids []string) []string {
	if m.cfg.MaxEntities > 0 && len(ids) > m.cfg.MaxEntities {
		dist := make(map[string]float64, len(ids))
		for _, id := range ids {
			dist[id] = ws.Entities[id].Position.Distance(a.Center)
		}
		sort.Slice(ids, func(i, j int) bool {
			if (ids[i] == clientID) != (ids[j] == clientID) {
				return ids[i] == clientID
			}
			if dist[ids[i]] != dist[ids[j]] {
				return dist[ids[i]] < dist[ids[j]]
			}
			return ids[i] < ids[j]
		})
		ids = ids[:m.cfg.MaxEntities]
	}
	sort.Strings(ids)
	return ids
}

func allIDs(ws *state.WorldState) []string {
	out := make([]string, 0, len(ws.Entities))
	for id := range ws.Entities {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
