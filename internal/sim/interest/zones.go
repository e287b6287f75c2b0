package interest

import (
	"math"

	"worldsync/internal/sim/state"
)

// ZoneKey addresses one cell of the horizontal (X/Z) zone grid.
type ZoneKey struct {
	X int
	Z int
}

// Index buckets the entities of one committed WorldState by zone. It is built
// once per version and shared read-only across all clients of that cycle.
type Index struct {
	ws       *state.WorldState
	zoneSize float64
	zones    map[ZoneKey][]*state.EntityState
}

func ZoneOf(p state.Vec3, zoneSize float64) ZoneKey {
	return ZoneKey{
		X: int(math.Floor(p.X / zoneSize)),
		Z: int(math.Floor(p.Z / zoneSize)),
	}
}

func (m *Manager) BuildIndex(ws *state.WorldState) *Index {
	idx := &Index{
		ws:       ws,
		zoneSize: m.cfg.ZoneSize,
		zones:    map[ZoneKey][]*state.EntityState{},
	}
	if ws == nil {
		return idx
	}
	for _, e := range ws.Entities {
		k := ZoneOf(e.Position, idx.zoneSize)
		idx.zones[k] = append(idx.zones[k], e)
	}
	return idx
}

func (idx *Index) World() *state.WorldState { return idx.ws }

// RelevantFromIndex returns the same set as RelevantEntities for the indexed
// world, visiting only zones that can intersect the client's reach.
func (m *Manager) RelevantFromIndex(clientID string, idx *Index) []string {
	if idx == nil || idx.ws == nil {
		return nil
	}
	a, ok := m.Area(clientID)
	if !ok {
		return allIDs(idx.ws)
	}

	reach := a.Radius * m.cfg.PriorityScale
	lo := ZoneOf(state.Vec3{X: a.Center.X - reach, Z: a.Center.Z - reach}, idx.zoneSize)
	hi := ZoneOf(state.Vec3{X: a.Center.X + reach, Z: a.Center.Z + reach}, idx.zoneSize)

	cells := (float64(hi.X-lo.X) + 1) * (float64(hi.Z-lo.Z) + 1)
	if cells > float64(len(idx.zones)) || math.IsInf(reach, 0) || math.IsNaN(reach) {
		return m.RelevantEntities(clientID, idx.ws)
	}

	out := make([]string, 0, 16)
	ownSeen := false
	for x := lo.X; x <= hi.X; x++ {
		for z := lo.Z; z <= hi.Z; z++ {
			for _, e := range idx.zones[ZoneKey{X: x, Z: z}] {
				if m.includes(clientID, a, e) {
					out = append(out, e.ID)
					if e.ID == clientID {
						ownSeen = true
					}
				}
			}
		}
	}
	if !ownSeen {
		if _, ok := idx.ws.Entities[clientID]; ok {
			out = append(out, clientID)
		}
	}
	return m.finish(clientID, a, idx.ws, out)
}
