package delta

import (
	"fmt"
	"sort"

	"worldsync/internal/sim/encoding"
	"worldsync/internal/sim/state"
)

// Snapshot is the wire form of a full (client-filtered) world.
type Snapshot struct {
	Version   uint64              `msgpack:"v"`
	Timestamp int64               `msgpack:"ts"`
	Entities  []state.EntityState `msgpack:"ents"`
	Global    state.GlobalState   `msgpack:"global"`
}

// Compressor turns world pairs into compressed delta payloads and worlds into
// compressed snapshot payloads. It holds no per-call state and is safe for
// concurrent use when its codec is.
type Compressor struct {
	codec encoding.Codec
}

func NewCompressor(codec encoding.Codec) *Compressor {
	if codec == nil {
		codec = encoding.NopCodec{}
	}
	return &Compressor{codec: codec}
}

func (c *Compressor) Codec() encoding.Codec { return c.codec }

// GenerateDelta diffs the two worlds and fills Payload and Size. The caller is
// responsible for restricting both worlds to the client's interest set.
func (c *Compressor) GenerateDelta(oldState, newState *state.WorldState) (*StateDelta, error) {
	if oldState == nil || newState == nil {
		return nil, fmt.Errorf("generate delta: nil state")
	}
	d := Diff(oldState, newState)
	payload, err := encoding.Pack(c.codec, d)
	if err != nil {
		return nil, fmt.Errorf("generate delta %d->%d: %w", d.BaseVersion, d.TargetVersion, err)
	}
	d.Payload = payload
	d.Size = len(payload)
	return d, nil
}

func (c *Compressor) DecodeDelta(payload []byte) (*StateDelta, error) {
	var d StateDelta
	if err := encoding.Unpack(c.codec, payload, &d); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	d.Payload = payload
	d.Size = len(payload)
	return &d, nil
}

func (c *Compressor) EncodeSnapshot(ws *state.WorldState) ([]byte, error) {
	snap := Snapshot{
		Version:   ws.Version,
		Timestamp: ws.Timestamp,
		Entities:  make([]state.EntityState, 0, len(ws.Entities)),
		Global:    ws.Global,
	}
	for _, e := range ws.Entities {
		snap.Entities = append(snap.Entities, *e)
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	payload, err := encoding.Pack(c.codec, snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %d: %w", ws.Version, err)
	}
	return payload, nil
}

func (c *Compressor) DecodeSnapshot(payload []byte) (*state.WorldState, error) {
	var snap Snapshot
	if err := encoding.Unpack(c.codec, payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	ws := &state.WorldState{
		Version:   snap.Version,
		Timestamp: snap.Timestamp,
		Entities:  make(map[string]*state.EntityState, len(snap.Entities)),
		Global:    snap.Global,
	}
	for i := range snap.Entities {
		e := snap.Entities[i]
		ws.Entities[e.ID] = &e
	}
	return ws, nil
}
