package main

import (
	"fmt"

	"worldsync/internal/protocol"
	"worldsync/internal/sim/delta"
	"worldsync/internal/sim/encoding"
	"worldsync/internal/sim/prediction"
	"worldsync/internal/sim/state"
)

// replica keeps the client-side worlds by version so deltas against any
// recently acked base can be applied.
type replica struct {
	c      *delta.Compressor
	keep   uint64
	states map[uint64]*state.WorldState
	latest uint64
}

func newReplica(c *delta.Compressor, keep uint64) *replica {
	r := &replica{c: c, keep: keep, states: map[uint64]*state.WorldState{}}
	r.states[0] = state.NewWorldState()
	return r
}

func (r *replica) Latest() *state.WorldState { return r.states[r.latest] }

// Handle applies a packet. Corrections are decoded and returned; they do not
// change the replica.
func (r *replica) Handle(p protocol.PacketMsg) (*prediction.Correction, error) {
	switch p.Kind {
	case "SNAPSHOT":
		ws, err := r.c.DecodeSnapshot(p.Payload)
		if err != nil {
			return nil, err
		}
		r.store(ws)
		return nil, nil
	case "DELTA":
		d, err := r.c.DecodeDelta(p.Payload)
		if err != nil {
			return nil, err
		}
		base, ok := r.states[d.BaseVersion]
		if !ok {
			return nil, fmt.Errorf("base %d not held", d.BaseVersion)
		}
		ws, err := d.Apply(base)
		if err != nil {
			return nil, err
		}
		r.store(ws)
		return nil, nil
	case "CORRECTION":
		var corr prediction.Correction
		if err := encoding.Unpack(r.c.Codec(), p.Payload, &corr); err != nil {
			return nil, err
		}
		return &corr, nil
	}
	return nil, fmt.Errorf("unknown packet kind %q", p.Kind)
}

func (r *replica) store(ws *state.WorldState) {
	r.states[ws.Version] = ws
	if ws.Version > r.latest {
		r.latest = ws.Version
	}
	if r.latest <= r.keep {
		return
	}
	floor := r.latest - r.keep
	for v := range r.states {
		if v < floor && v != 0 {
			delete(r.states, v)
		}
	}
}
