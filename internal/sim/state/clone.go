package state

func (e *EntityState) Clone() *EntityState {
	if e == nil {
		return nil
	}
	out := *e
	out.Inventory = cloneCounts(e.Inventory)
	return &out
}

func (g GlobalState) Clone() GlobalState {
	out := g
	if g.FactionRelations != nil {
		out.FactionRelations = make(map[string]map[string]int, len(g.FactionRelations))
		for k, row := range g.FactionRelations {
			out.FactionRelations[k] = cloneCounts(row)
		}
	}
	return out
}

// Clone is a structural deep copy; the result shares no maps or entities with w.
func (w *WorldState) Clone() *WorldState {
	if w == nil {
		return nil
	}
	out := &WorldState{
		Version:   w.Version,
		Timestamp: w.Timestamp,
		Entities:  make(map[string]*EntityState, len(w.Entities)),
		Global:    w.Global.Clone(),
	}
	for id, e := range w.Entities {
		out.Entities[id] = e.Clone()
	}
	return out
}

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CountsEqual treats nil and empty maps as equal.
func CountsEqual(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func (g GlobalState) Equal(o GlobalState) bool {
	if g.GameTime != o.GameTime || g.Weather != o.Weather {
		return false
	}
	if len(g.FactionRelations) != len(o.FactionRelations) {
		return false
	}
	for k, row := range g.FactionRelations {
		orow, ok := o.FactionRelations[k]
		if !ok || !CountsEqual(row, orow) {
			return false
		}
	}
	return true
}
