package delta

import (
	"fmt"
	"sort"

	"worldsync/internal/sim/state"
)

// EntityDelta lists only the fields of one entity that changed between two versions.
type EntityDelta struct {
	ID        string                `msgpack:"id"`
	Position  Field[state.Vec3]     `msgpack:"pos"`
	Velocity  Field[state.Vec3]     `msgpack:"vel"`
	Health    Field[int]            `msgpack:"hp"`
	State     Field[string]         `msgpack:"st"`
	Animation Field[string]         `msgpack:"anim"`
	Priority  Field[int]            `msgpack:"prio"`
	Inventory Field[map[string]int] `msgpack:"inv"`
}

func (d EntityDelta) empty() bool {
	return !d.Position.IsChanged() && !d.Velocity.IsChanged() && !d.Health.IsChanged() &&
		!d.State.IsChanged() && !d.Animation.IsChanged() && !d.Priority.IsChanged() &&
		!d.Inventory.IsChanged()
}

// StateDelta transforms the world at BaseVersion into the world at TargetVersion.
// All lists are sorted by entity id so equal inputs encode to equal bytes.
type StateDelta struct {
	BaseVersion   uint64                   `msgpack:"base"`
	TargetVersion uint64                   `msgpack:"target"`
	Timestamp     int64                    `msgpack:"ts"`
	Added         []state.EntityState      `msgpack:"added"`
	Modified      []EntityDelta            `msgpack:"modified"`
	Removed       []string                 `msgpack:"removed"`
	Global        Field[state.GlobalState] `msgpack:"global"`

	// Payload is the serialized, compressed delta and Size its length. Both
	// are filled by Compressor and never serialized themselves.
	Payload []byte `msgpack:"-"`
	Size    int    `msgpack:"-"`
}

func (d *StateDelta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0 && !d.Global.IsChanged()
}

// Diff compares two worlds with exact equality. Neither input is modified and
// the result shares no maps with them.
func Diff(oldState, newState *state.WorldState) *StateDelta {
	d := &StateDelta{
		BaseVersion:   oldState.Version,
		TargetVersion: newState.Version,
		Timestamp:     newState.Timestamp,
	}

	for id, ne := range newState.Entities {
		oe, ok := oldState.Entities[id]
		if !ok {
			d.Added = append(d.Added, *ne.Clone())
			continue
		}
		if ed := diffEntity(oe, ne); !ed.empty() {
			d.Modified = append(d.Modified, ed)
		}
	}
	for id := range oldState.Entities {
		if _, ok := newState.Entities[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	if !oldState.Global.Equal(newState.Global) {
		d.Global = Changed(newState.Global.Clone())
	}

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].ID < d.Added[j].ID })
	sort.Slice(d.Modified, func(i, j int) bool { return d.Modified[i].ID < d.Modified[j].ID })
	sort.Strings(d.Removed)
	return d
}

func diffEntity(o, n *state.EntityState) EntityDelta {
	ed := EntityDelta{ID: n.ID}
	if o.Position != n.Position {
		ed.Position = Changed(n.Position)
	}
	if o.Velocity != n.Velocity {
		ed.Velocity = Changed(n.Velocity)
	}
	if o.Health != n.Health {
		ed.Health = Changed(n.Health)
	}
	if o.CurrentState != n.CurrentState {
		ed.State = Changed(n.CurrentState)
	}
	if o.CurrentAnimation != n.CurrentAnimation {
		ed.Animation = Changed(n.CurrentAnimation)
	}
	if o.Priority != n.Priority {
		ed.Priority = Changed(n.Priority)
	}
	if !state.CountsEqual(o.Inventory, n.Inventory) {
		inv := make(map[string]int, len(n.Inventory))
		for k, v := range n.Inventory {
			inv[k] = v
		}
		ed.Inventory = Changed(inv)
	}
	return ed
}

// Apply returns a new world equal to the delta's target, built from base.
// base is not modified.
func (d *StateDelta) Apply(base *state.WorldState) (*state.WorldState, error) {
	if base == nil {
		return nil, fmt.Errorf("apply delta %d->%d: nil base", d.BaseVersion, d.TargetVersion)
	}
	if base.Version != d.BaseVersion {
		return nil, fmt.Errorf("apply delta %d->%d: base version is %d", d.BaseVersion, d.TargetVersion, base.Version)
	}
	out := base.Clone()
	out.Version = d.TargetVersion
	out.Timestamp = d.Timestamp

	for _, id := range d.Removed {
		delete(out.Entities, id)
	}
	for i := range d.Added {
		out.Entities[d.Added[i].ID] = d.Added[i].Clone()
	}
	for _, ed := range d.Modified {
		e, ok := out.Entities[ed.ID]
		if !ok {
			return nil, fmt.Errorf("apply delta %d->%d: modified entity %q not in base", d.BaseVersion, d.TargetVersion, ed.ID)
		}
		if v, ok := ed.Position.Get(); ok {
			e.Position = v
		}
		if v, ok := ed.Velocity.Get(); ok {
			e.Velocity = v
		}
		if v, ok := ed.Health.Get(); ok {
			e.Health = v
		}
		if v, ok := ed.State.Get(); ok {
			e.CurrentState = v
		}
		if v, ok := ed.Animation.Get(); ok {
			e.CurrentAnimation = v
		}
		if v, ok := ed.Priority.Get(); ok {
			e.Priority = v
		}
		if v, ok := ed.Inventory.Get(); ok {
			e.Inventory = nil
			if len(v) > 0 {
				e.Inventory = make(map[string]int, len(v))
				for k, n := range v {
					e.Inventory[k] = n
				}
			}
		}
	}
	if g, ok := d.Global.Get(); ok {
		out.Global = g.Clone()
	}
	return out, nil
}
