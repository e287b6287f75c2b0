package state

import "math"

type Vec3 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s} }
func (v Vec3) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }
func (v Vec3) Distance(o Vec3) float64 { return v.Sub(o).Len() }

// EntityState is one simulated entity. Each WorldState owns its entities;
// history entries never share an *EntityState with the live world.
type EntityState struct {
	ID                     string         `json:"id" msgpack:"id"`
	Position               Vec3           `json:"position" msgpack:"pos"`
	Velocity               Vec3           `json:"velocity" msgpack:"vel"`
	Health                 int            `json:"health" msgpack:"hp"`
	Inventory              map[string]int `json:"inventory,omitempty" msgpack:"inv,omitempty"`
	CurrentState           string         `json:"current_state" msgpack:"st"`
	CurrentAnimation       string         `json:"current_animation" msgpack:"anim"`
	LastPositionUpdateTime int64          `json:"last_position_update_time" msgpack:"lpt"`
	Priority               int            `json:"priority" msgpack:"prio"`
}

// GlobalState holds world facts that do not belong to an entity.
type GlobalState struct {
	GameTime         float64                   `json:"game_time" msgpack:"time"`
	Weather          string                    `json:"weather" msgpack:"weather"`
	FactionRelations map[string]map[string]int `json:"faction_relations,omitempty" msgpack:"factions,omitempty"`
}

// WorldState is the authoritative versioned world. Version 0 is the empty
// world every client implicitly holds.
type WorldState struct {
	Version   uint64                  `json:"version" msgpack:"v"`
	Timestamp int64                   `json:"timestamp" msgpack:"ts"`
	Entities  map[string]*EntityState `json:"entities" msgpack:"ents"`
	Global    GlobalState             `json:"global" msgpack:"global"`
}

func NewWorldState() *WorldState {
	return &WorldState{Entities: map[string]*EntityState{}}
}

func (w *WorldState) Entity(id string) (*EntityState, bool) {
	if w == nil {
		return nil, false
	}
	e, ok := w.Entities[id]
	return e, ok
}

// Filter returns a read-only view restricted to ids. Entity pointers are
// shared with w, so the view must not be mutated.
func (w *WorldState) Filter(ids []string) *WorldState {
	out := &WorldState{
		Version:   w.Version,
		Timestamp: w.Timestamp,
		Entities:  make(map[string]*EntityState, len(ids)),
		Global:    w.Global,
	}
	for _, id := range ids {
		if e, ok := w.Entities[id]; ok {
			out.Entities[id] = e
		}
	}
	return out
}
