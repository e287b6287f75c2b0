package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldsync/internal/protocol"
	"worldsync/internal/sim/prediction"
	"worldsync/internal/sim/state"
	"worldsync/internal/sim/syncer"
)

// Engine is the part of the synchronizer a connection drives.
type Engine interface {
	RegisterClient(clientID string, initialPosition state.Vec3) error
	UnregisterClient(clientID string)
	SyncClient(clientID string) error
	HandleClientAck(clientID string, version uint64) error
	HandleClientInput(clientID string, in prediction.Input) (*prediction.Correction, error)
	CurrentVersion() uint64
}

// Server adapts gorilla websocket connections to the synchronizer. It is
// also the synchronizer's Transport: packets are queued per session and a
// full queue drops the packet.
type Server struct {
	log    *log.Logger
	params protocol.SyncParams

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	dropped atomic.Uint64
}

type session struct {
	id       string
	clientID string
	out      chan []byte
}

func NewServer(params protocol.SyncParams, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log:    logger,
		params: params,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
	}
}

// Dropped counts packets discarded because a session queue was full.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) SendToClient(clientID string, pkt syncer.Packet) {
	s.mu.RLock()
	sess := s.sessions[clientID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}
	b, err := json.Marshal(protocol.PacketMsg{
		Type:            protocol.TypePacket,
		ProtocolVersion: protocol.Version,
		Kind:            string(pkt.Kind),
		Version:         pkt.Version,
		BaseVersion:     pkt.BaseVersion,
		RequiresAck:     pkt.RequiresAck,
		Payload:         pkt.Payload,
	})
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
		// Unacked versions are recovered by the next delta or snapshot.
		s.dropped.Add(1)
	}
}

func (s *Server) Handler(engine Engine) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn, engine)
		if sess == nil {
			return
		}
		defer func() {
			engine.UnregisterClient(sess.clientID)
			s.mu.Lock()
			if s.sessions[sess.clientID] == sess {
				delete(s.sessions, sess.clientID)
			}
			s.mu.Unlock()
			s.log.Printf("session %s closed client=%s", sess.id, sess.clientID)
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		if err := engine.SyncClient(sess.clientID); err != nil {
			s.log.Printf("initial sync client=%s: %v", sess.clientID, err)
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.ProtocolVersion != protocol.Version {
				s.reply(sess, protocol.ErrProtoBadRequest, "bad message", 0)
				continue
			}
			switch base.Type {
			case protocol.TypeAck:
				var ack protocol.AckMsg
				if err := json.Unmarshal(msg, &ack); err != nil {
					s.reply(sess, protocol.ErrBadRequest, "bad ACK", 0)
					continue
				}
				if err := engine.HandleClientAck(sess.clientID, ack.Version); err != nil {
					s.reply(sess, CodeFor(err), err.Error(), 0)
				}
			case protocol.TypeInput:
				var in protocol.InputMsg
				if err := json.Unmarshal(msg, &in); err != nil {
					s.reply(sess, protocol.ErrBadRequest, "bad INPUT", 0)
					continue
				}
				// Corrections reach the client through SendToClient.
				if _, err := engine.HandleClientInput(sess.clientID, inputFromMsg(in)); err != nil {
					s.reply(sess, CodeFor(err), err.Error(), in.Sequence)
				}
			default:
				s.reply(sess, protocol.ErrProtoBadRequest, "unexpected "+base.Type, 0)
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn, engine Engine) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return nil
	}
	hello.ClientID = strings.TrimSpace(hello.ClientID)
	if hello.ClientID == "" {
		closeWith(conn, "missing client_id")
		return nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 32
	}
	if maxQ > 256 {
		maxQ = 256
	}
	sess := &session{
		id:       uuid.NewString(),
		clientID: hello.ClientID,
		out:      make(chan []byte, maxQ),
	}

	s.mu.Lock()
	if _, taken := s.sessions[sess.clientID]; taken {
		s.mu.Unlock()
		_ = writeJSON(conn, protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Code:            protocol.ErrNoPermission,
			Message:         "client already connected",
		})
		closeWith(conn, "client already connected")
		return nil
	}
	s.sessions[sess.clientID] = sess
	s.mu.Unlock()

	pos := state.Vec3{X: hello.Position[0], Y: hello.Position[1], Z: hello.Position[2]}
	if err := engine.RegisterClient(sess.clientID, pos); err != nil {
		s.mu.Lock()
		delete(s.sessions, sess.clientID)
		s.mu.Unlock()
		closeWith(conn, err.Error())
		return nil
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		ClientID:        sess.clientID,
		CurrentVersion:  engine.CurrentVersion(),
		SyncParams:      s.params,
	}
	if err := writeJSON(conn, welcome); err != nil {
		engine.UnregisterClient(sess.clientID)
		s.mu.Lock()
		delete(s.sessions, sess.clientID)
		s.mu.Unlock()
		return nil
	}
	s.log.Printf("session %s open client=%s version=%d", sess.id, sess.clientID, welcome.CurrentVersion)
	return sess
}

func (s *Server) reply(sess *session, code, message string, seq uint64) {
	b, err := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
		Sequence:        seq,
	})
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	default:
		s.dropped.Add(1)
	}
}

// CodeFor maps synchronizer rejections to wire error codes.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, prediction.ErrStaleInput):
		return protocol.ErrStale
	case errors.Is(err, syncer.ErrRateLimited):
		return protocol.ErrRateLimit
	case errors.Is(err, prediction.ErrSpeedExceeded), errors.Is(err, prediction.ErrTeleport):
		return protocol.ErrInvalidTarget
	case errors.Is(err, syncer.ErrUnknownClient), errors.Is(err, syncer.ErrNoEntity):
		return protocol.ErrNoPermission
	}
	return protocol.ErrBadRequest
}

func inputFromMsg(m protocol.InputMsg) prediction.Input {
	return prediction.Input{
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
		Position:  state.Vec3{X: m.Position[0], Y: m.Position[1], Z: m.Position[2]},
		Velocity:  state.Vec3{X: m.Velocity[0], Y: m.Velocity[1], Z: m.Velocity[2]},
		Actions:   m.Actions,
	}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
