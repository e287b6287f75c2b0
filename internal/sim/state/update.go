package state

type UpdateKind string

const (
	KindEntityUpdate  UpdateKind = "entity_update"
	KindEntitySpawn   UpdateKind = "entity_spawn"
	KindEntityDespawn UpdateKind = "entity_despawn"
	KindGlobalUpdate  UpdateKind = "global_update"
	KindFactionUpdate UpdateKind = "faction_update"
	KindWeatherUpdate UpdateKind = "weather_update"
)

// EntityPatch carries the fields an entity_update sets. Nil fields are left alone.
type EntityPatch struct {
	Position  *Vec3          `json:"position,omitempty" msgpack:"pos,omitempty"`
	Velocity  *Vec3          `json:"velocity,omitempty" msgpack:"vel,omitempty"`
	Health    *int           `json:"health,omitempty" msgpack:"hp,omitempty"`
	Inventory map[string]int `json:"inventory" msgpack:"inv"`
	State     *string        `json:"state,omitempty" msgpack:"st,omitempty"`
	Animation *string        `json:"animation,omitempty" msgpack:"anim,omitempty"`
	Priority  *int           `json:"priority,omitempty" msgpack:"prio,omitempty"`
}

// Update is one inbound mutation of the world.
type Update struct {
	Kind     UpdateKind   `json:"kind" msgpack:"kind"`
	EntityID string       `json:"entity_id,omitempty" msgpack:"eid,omitempty"`
	Entity   *EntityState `json:"entity,omitempty" msgpack:"ent,omitempty"`
	Patch    *EntityPatch `json:"patch,omitempty" msgpack:"patch,omitempty"`

	GameTime *float64 `json:"game_time,omitempty" msgpack:"time,omitempty"`
	Weather  string   `json:"weather,omitempty" msgpack:"weather,omitempty"`

	Faction  string `json:"faction,omitempty" msgpack:"faction,omitempty"`
	Other    string `json:"other,omitempty" msgpack:"other,omitempty"`
	Relation int    `json:"relation,omitempty" msgpack:"rel,omitempty"`

	// Server clock in unix milliseconds.
	Timestamp int64 `json:"timestamp" msgpack:"ts"`
}

// Apply mutates w according to u and reports whether anything was touched.
// Unknown kinds and updates for unknown entities are no-ops. The version is
// not changed here; the synchronizer owns version numbering.
func (w *WorldState) Apply(u Update) bool {
	if w.Entities == nil {
		w.Entities = map[string]*EntityState{}
	}
	applied := false
	switch u.Kind {
	case KindEntitySpawn:
		applied = w.spawn(u)
	case KindEntityUpdate:
		applied = w.patch(u)
	case KindEntityDespawn:
		if _, ok := w.Entities[u.EntityID]; ok {
			delete(w.Entities, u.EntityID)
			applied = true
		}
	case KindGlobalUpdate:
		if u.GameTime != nil {
			w.Global.GameTime = *u.GameTime
			applied = true
		}
		if u.Weather != "" {
			w.Global.Weather = u.Weather
			applied = true
		}
	case KindWeatherUpdate:
		w.Global.Weather = u.Weather
		applied = true
	case KindFactionUpdate:
		if u.Faction == "" || u.Other == "" {
			break
		}
		w.setRelation(u.Faction, u.Other, u.Relation)
		w.setRelation(u.Other, u.Faction, u.Relation)
		applied = true
	}
	if applied && u.Timestamp != 0 {
		w.Timestamp = u.Timestamp
	}
	return applied
}

func (w *WorldState) spawn(u Update) bool {
	if u.Entity == nil {
		return false
	}
	e := u.Entity.Clone()
	if e.ID == "" {
		e.ID = u.EntityID
	}
	if e.ID == "" {
		return false
	}
	if e.LastPositionUpdateTime == 0 {
		e.LastPositionUpdateTime = u.Timestamp
	}
	w.Entities[e.ID] = e
	return true
}

func (w *WorldState) patch(u Update) bool {
	e, ok := w.Entities[u.EntityID]
	if !ok || u.Patch == nil {
		return false
	}
	p := u.Patch
	if p.Position != nil {
		e.Position = *p.Position
		e.LastPositionUpdateTime = u.Timestamp
	}
	if p.Velocity != nil {
		e.Velocity = *p.Velocity
	}
	if p.Health != nil {
		e.Health = *p.Health
	}
	if p.Inventory != nil {
		e.Inventory = cloneCounts(p.Inventory)
	}
	if p.State != nil {
		e.CurrentState = *p.State
	}
	if p.Animation != nil {
		e.CurrentAnimation = *p.Animation
	}
	if p.Priority != nil {
		e.Priority = *p.Priority
	}
	return true
}

func (w *WorldState) setRelation(a, b string, v int) {
	if w.Global.FactionRelations == nil {
		w.Global.FactionRelations = map[string]map[string]int{}
	}
	row := w.Global.FactionRelations[a]
	if row == nil {
		row = map[string]int{}
		w.Global.FactionRelations[a] = row
	}
	row[b] = v
}
