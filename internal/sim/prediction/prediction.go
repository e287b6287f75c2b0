package prediction

import (
	"errors"
	"time"

	"worldsync/internal/sim/state"
)

const (
	DefaultTickDuration        = 50 * time.Millisecond
	DefaultDivergenceThreshold = 0.5
	DefaultMaxSpeed            = 20.0
)

var (
	ErrStaleInput    = errors.New("stale or replayed input")
	ErrSpeedExceeded = errors.New("velocity exceeds max speed")
	ErrTeleport      = errors.New("position jump exceeds max speed")
)

// Input is one client-submitted movement sample.
type Input struct {
	Sequence  uint64          `json:"sequence" msgpack:"seq"`
	Timestamp int64           `json:"timestamp" msgpack:"ts"`
	Position  state.Vec3      `json:"position" msgpack:"pos"`
	Velocity  state.Vec3      `json:"velocity" msgpack:"vel"`
	Actions   map[string]bool `json:"actions,omitempty" msgpack:"actions,omitempty"`
}

// Correction tells a client to rewind to Sequence and resimulate from the
// authoritative position and velocity.
type Correction struct {
	Sequence   uint64     `json:"sequence" msgpack:"seq"`
	Position   state.Vec3 `json:"position" msgpack:"pos"`
	Velocity   state.Vec3 `json:"velocity" msgpack:"vel"`
	Divergence float64    `json:"divergence" msgpack:"div"`
}

type Checker struct {
	TickDuration        time.Duration
	DivergenceThreshold float64
	// MaxSpeed is in world units per second.
	MaxSpeed float64
}

func NewChecker(tick time.Duration, threshold, maxSpeed float64) Checker {
	c := Checker{TickDuration: tick, DivergenceThreshold: threshold, MaxSpeed: maxSpeed}
	if c.TickDuration <= 0 {
		c.TickDuration = DefaultTickDuration
	}
	if c.DivergenceThreshold <= 0 {
		c.DivergenceThreshold = DefaultDivergenceThreshold
	}
	if c.MaxSpeed <= 0 {
		c.MaxSpeed = DefaultMaxSpeed
	}
	return c
}

// Predict integrates the input's velocity over one tick.
func (c Checker) Predict(in Input) state.Vec3 {
	return in.Position.Add(in.Velocity.Scale(c.TickDuration.Seconds()))
}

// CheckPrediction returns a correction when the predicted position diverges
// from the authoritative entity by more than the threshold.
func (c Checker) CheckPrediction(clientID string, in Input, ws *state.WorldState) (*Correction, bool) {
	e, ok := ws.Entity(clientID)
	if !ok {
		return nil, false
	}
	return c.Compare(in, c.Predict(in), e)
}

// Compare is CheckPrediction with an explicit predicted position.
func (c Checker) Compare(in Input, predicted state.Vec3, e *state.EntityState) (*Correction, bool) {
	div := predicted.Distance(e.Position)
	if div <= c.DivergenceThreshold {
		return nil, false
	}
	return &Correction{
		Sequence:   in.Sequence,
		Position:   e.Position,
		Velocity:   e.Velocity,
		Divergence: div,
	}, true
}

// Validate checks an input against the last accepted sequence and the
// authoritative entity. Elapsed time shorter than one tick counts as one tick.
func (c Checker) Validate(in Input, lastSeq uint64, e *state.EntityState) error {
	if in.Sequence <= lastSeq {
		return ErrStaleInput
	}
	if in.Velocity.Len() > c.MaxSpeed {
		return ErrSpeedExceeded
	}
	if e == nil {
		return nil
	}
	elapsed := float64(in.Timestamp-e.LastPositionUpdateTime) / 1000
	if min := c.TickDuration.Seconds(); elapsed < min {
		elapsed = min
	}
	if e.Position.Distance(in.Position)/elapsed > c.MaxSpeed {
		return ErrTeleport
	}
	return nil
}
