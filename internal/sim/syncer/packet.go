package syncer

import (
	"worldsync/internal/sim/prediction"
	"worldsync/internal/sim/state"
)

type PacketKind string

const (
	PacketSnapshot   PacketKind = "SNAPSHOT"
	PacketDelta      PacketKind = "DELTA"
	PacketCorrection PacketKind = "CORRECTION"
)

// Packet is one outbound unit handed to the transport. BaseVersion is only
// meaningful for deltas.
type Packet struct {
	Kind        PacketKind
	Version     uint64
	BaseVersion uint64
	Payload     []byte
	RequiresAck bool
}

// Transport delivers packets. SendToClient must not block and must not call
// back into UpdateWorldState or HandleClientInput on the same goroutine.
type Transport interface {
	SendToClient(clientID string, pkt Packet)
}

type TransportFunc func(clientID string, pkt Packet)

func (f TransportFunc) SendToClient(clientID string, pkt Packet) { f(clientID, pkt) }

// UpdateLogger records every committed update with the digest of the
// resulting world.
type UpdateLogger interface {
	LogUpdate(version uint64, u state.Update, digest string) error
}

// InputAuditor receives every rejected input.
type InputAuditor interface {
	AuditInput(clientID string, in prediction.Input, reason error)
}

// CheckpointSink receives an independent copy of the world every
// CheckpointEvery versions.
type CheckpointSink interface {
	Checkpoint(ws *state.WorldState)
}
