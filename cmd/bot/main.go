package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"worldsync/internal/protocol"
	"worldsync/internal/sim/delta"
	"worldsync/internal/sim/encoding"
	"worldsync/internal/sim/prediction"
	"worldsync/internal/sim/state"
)

// bot is a reference client: it keeps a replica in sync, acks every applied
// version and walks its entity around a circle.
func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		id     = flag.String("id", "bot", "client id (must match an entity id to send inputs)")
		speed  = flag.Float64("speed", 5, "walking speed in units per second")
		radius = flag.Float64("radius", 20, "radius of the walked circle")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientID:        *id,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 64},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	msgs := make(chan []byte, 64)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs <- msg
		}
	}()

	var (
		rep   *replica
		mover *walker
		tick  = time.NewTicker(50 * time.Millisecond)
	)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if rep == nil || mover == nil {
				continue
			}
			in := mover.Next(time.Now())
			if err := conn.WriteJSON(inputMsg(in)); err != nil {
				return
			}
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeWelcome:
				var w protocol.WelcomeMsg
				if err := json.Unmarshal(msg, &w); err != nil {
					continue
				}
				codec, err := encoding.NewCodec(w.SyncParams.Codec)
				if err != nil {
					logger.Fatalf("codec %q: %v", w.SyncParams.Codec, err)
				}
				rep = newReplica(delta.NewCompressor(codec), 256)
				logger.Printf("WELCOME session=%s version=%d codec=%s", w.SessionID, w.CurrentVersion, codec.Name())

			case protocol.TypePacket:
				if rep == nil {
					continue
				}
				var p protocol.PacketMsg
				if err := json.Unmarshal(msg, &p); err != nil {
					continue
				}
				corr, err := rep.Handle(p)
				if err != nil {
					logger.Printf("packet %s v=%d base=%d: %v", p.Kind, p.Version, p.BaseVersion, err)
					continue
				}
				if corr != nil {
					logger.Printf("correction seq=%d divergence=%.3f", corr.Sequence, corr.Divergence)
					if mover != nil {
						mover.Correct(*corr)
					}
				}
				if p.RequiresAck {
					_ = conn.WriteJSON(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Version: p.Version})
				}
				if mover == nil {
					if e, ok := rep.Latest().Entity(*id); ok {
						mover = newWalker(e.Position, *speed, *radius)
					}
				}

			case protocol.TypeError:
				var e protocol.ErrorMsg
				if err := json.Unmarshal(msg, &e); err == nil {
					logger.Printf("ERROR code=%s seq=%d %s", e.Code, e.Sequence, e.Message)
				}
			}
		}
	}
}

func inputMsg(in prediction.Input) protocol.InputMsg {
	return protocol.InputMsg{
		Type:            protocol.TypeInput,
		ProtocolVersion: protocol.Version,
		Sequence:        in.Sequence,
		Timestamp:       in.Timestamp,
		Position:        [3]float64{in.Position.X, in.Position.Y, in.Position.Z},
		Velocity:        [3]float64{in.Velocity.X, in.Velocity.Y, in.Velocity.Z},
	}
}

// walker produces inputs that move along a circle around the spawn point.
type walker struct {
	center state.Vec3
	pos    state.Vec3
	speed  float64
	radius float64
	angle  float64
	seq    uint64
	last   time.Time
}

func newWalker(start state.Vec3, speed, radius float64) *walker {
	return &walker{
		center: state.Vec3{X: start.X - radius, Y: start.Y, Z: start.Z},
		pos:    start,
		speed:  speed,
		radius: radius,
	}
}

func (w *walker) Next(now time.Time) prediction.Input {
	dt := 0.05
	if !w.last.IsZero() {
		dt = now.Sub(w.last).Seconds()
	}
	w.last = now
	w.angle += w.speed * dt / w.radius
	next := state.Vec3{
		X: w.center.X + w.radius*math.Cos(w.angle),
		Y: w.center.Y,
		Z: w.center.Z + w.radius*math.Sin(w.angle),
	}
	vel := state.Vec3{X: -math.Sin(w.angle) * w.speed, Z: math.Cos(w.angle) * w.speed}
	w.pos = next
	w.seq++
	return prediction.Input{Sequence: w.seq, Timestamp: now.UnixMilli(), Position: next, Velocity: vel}
}

// Correct snaps the walker to the authoritative position.
func (w *walker) Correct(c prediction.Correction) {
	w.pos = c.Position
	w.angle = math.Atan2(c.Position.Z-w.center.Z, c.Position.X-w.center.X)
}
