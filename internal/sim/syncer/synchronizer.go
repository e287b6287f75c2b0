package syncer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"worldsync/internal/sim/delta"
	"worldsync/internal/sim/encoding"
	"worldsync/internal/sim/interest"
	"worldsync/internal/sim/prediction"
	"worldsync/internal/sim/state"
	"worldsync/internal/sim/tuning"
)

var (
	ErrUnknownClient     = errors.New("unknown client")
	ErrInvalidClientID   = errors.New("invalid client id")
	ErrNoEntity          = errors.New("client has no entity")
	ErrRateLimited       = errors.New("input rate limited")
	ErrClientsRegistered = errors.New("clients are registered")
)

type Config struct {
	HistoryWindow         int
	StalenessVersions     uint64
	SnapshotEveryVersions uint64
	MaxDeltaBytes         int

	TickDuration        time.Duration
	DivergenceThreshold float64
	MaxSpeed            float64

	RTTAlpha float64
	RTTBeta  float64

	FanoutWorkers int

	// InputRate is inputs per second per client; 0 disables limiting.
	InputRate  float64
	InputBurst int

	// CheckpointEvery hands a world copy to the checkpoint sink every N
	// versions; 0 disables.
	CheckpointEvery uint64

	Interest interest.Config
	Codec    encoding.Codec
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow:         state.DefaultHistoryWindow,
		StalenessVersions:     30,
		SnapshotEveryVersions: 60,
		MaxDeltaBytes:         4096,
		TickDuration:          prediction.DefaultTickDuration,
		DivergenceThreshold:   prediction.DefaultDivergenceThreshold,
		MaxSpeed:              prediction.DefaultMaxSpeed,
		RTTAlpha:              DefaultRTTAlpha,
		RTTBeta:               DefaultRTTBeta,
		FanoutWorkers:         8,
		Interest: interest.Config{
			DefaultRadius: interest.DefaultRadius,
			PriorityScale: interest.DefaultPriorityScale,
			ZoneSize:      interest.DefaultZoneSize,
			MaxEntities:   interest.DefaultMaxEntities,
		},
	}
}

func ConfigFromTuning(t tuning.Tuning) (Config, error) {
	if err := t.Validate(); err != nil {
		return Config{}, err
	}
	codec, err := encoding.NewCodec(t.Delta.Codec)
	if err != nil {
		return Config{}, err
	}
	return Config{
		HistoryWindow:         t.History.Window,
		StalenessVersions:     uint64(t.History.StalenessVersions),
		SnapshotEveryVersions: uint64(t.History.SnapshotEveryVersions),
		MaxDeltaBytes:         t.Delta.MaxBytes,
		TickDuration:          t.TickDuration(),
		DivergenceThreshold:   t.Predict.DivergenceThreshold,
		MaxSpeed:              t.Predict.MaxSpeed,
		RTTAlpha:              t.RTT.Alpha,
		RTTBeta:               t.RTT.Beta,
		FanoutWorkers:         t.FanoutWorkers,
		InputRate:             t.RateLimits.InputsPerSecond,
		InputBurst:            t.RateLimits.InputBurst,
		CheckpointEvery:       uint64(t.CheckpointEveryVersions),
		Interest: interest.Config{
			DefaultRadius: t.Interest.DefaultRadius,
			PriorityScale: t.Interest.PriorityScale,
			ZoneSize:      t.Interest.ZoneSize,
			MaxEntities:   t.Interest.MaxEntities,
		},
		Codec: codec,
	}, nil
}

// Options carries the optional collaborators of a Synchronizer.
type Options struct {
	Logger      *log.Logger
	Metrics     *Metrics
	Updates     UpdateLogger
	Auditor     InputAuditor
	Checkpoints CheckpointSink
	Now         func() time.Time
}

// Synchronizer owns the authoritative world and keeps every registered client
// converged on it through snapshots and deltas.
//
// Lock order: tickMu, then worldMu or a client's mu. A client's sendMu is
// never held together with its mu.
type Synchronizer struct {
	cfg        Config
	transport  Transport
	logger     *log.Logger
	metrics    *Metrics
	updates    UpdateLogger
	auditor    InputAuditor
	checkpts   CheckpointSink
	now        func() time.Time
	interest   *interest.Manager
	compressor *delta.Compressor
	checker    prediction.Checker
	history    *state.HistoryRing
	clients    *Registry

	// tickMu serializes update cycles. Fan-out runs under it, so the world is
	// immutable for the duration of a cycle's generation.
	tickMu sync.Mutex
	closed bool

	worldMu sync.RWMutex
	world   *state.WorldState
}

func New(cfg Config, transport Transport, opts Options) *Synchronizer {
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.StalenessVersions == 0 {
		cfg.StalenessVersions = def.StalenessVersions
	}
	if cfg.SnapshotEveryVersions == 0 {
		cfg.SnapshotEveryVersions = def.SnapshotEveryVersions
	}
	if cfg.MaxDeltaBytes <= 0 {
		cfg.MaxDeltaBytes = def.MaxDeltaBytes
	}
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = def.FanoutWorkers
	}
	if cfg.Codec == nil {
		c, err := encoding.NewCodec(encoding.CodecZstd)
		if err != nil {
			cfg.Codec = encoding.NopCodec{}
		} else {
			cfg.Codec = c
		}
	}
	if transport == nil {
		transport = TransportFunc(func(string, Packet) {})
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	m := opts.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Synchronizer{
		cfg:        cfg,
		transport:  transport,
		logger:     logger,
		metrics:    m,
		updates:    opts.Updates,
		auditor:    opts.Auditor,
		checkpts:   opts.Checkpoints,
		now:        now,
		interest:   interest.NewManager(cfg.Interest),
		compressor: delta.NewCompressor(cfg.Codec),
		checker:    prediction.NewChecker(cfg.TickDuration, cfg.DivergenceThreshold, cfg.MaxSpeed),
		history:    state.NewHistoryRing(cfg.HistoryWindow),
		clients:    NewRegistry(),
		world:      state.NewWorldState(),
	}
}

func (s *Synchronizer) Config() Config                { return s.cfg }
func (s *Synchronizer) Compressor() *delta.Compressor { return s.compressor }
func (s *Synchronizer) Interest() *interest.Manager   { return s.interest }
func (s *Synchronizer) Clients() []string             { return s.clients.IDs() }

func (s *Synchronizer) CurrentVersion() uint64 {
	s.worldMu.RLock()
	defer s.worldMu.RUnlock()
	return s.world.Version
}

// WorldSnapshot returns an independent copy of the current world.
func (s *Synchronizer) WorldSnapshot() *state.WorldState {
	s.worldMu.RLock()
	defer s.worldMu.RUnlock()
	return s.world.Clone()
}

// Restore replaces the world, typically from a checkpoint at startup. History
// is cleared, so the first delta base after a restore is the restored version.
func (s *Synchronizer) Restore(ws *state.WorldState) error {
	if ws == nil {
		return fmt.Errorf("restore: nil world")
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.clients.Len() > 0 {
		return fmt.Errorf("restore: %w", ErrClientsRegistered)
	}
	s.worldMu.Lock()
	s.world = ws.Clone()
	if s.world.Entities == nil {
		s.world.Entities = map[string]*state.EntityState{}
	}
	s.worldMu.Unlock()
	s.history.Reset()
	s.metrics.Version.Set(float64(ws.Version))
	s.logger.Printf("restored world version=%d entities=%d", ws.Version, len(ws.Entities))
	return nil
}

// Close stops all outbound sends. Updates are still applied afterwards.
func (s *Synchronizer) Close() {
	s.tickMu.Lock()
	s.closed = true
	s.tickMu.Unlock()
	for _, c := range s.clients.snapshot() {
		c.sendMu.Lock()
		c.removed = true
		c.sendMu.Unlock()
	}
}

func (s *Synchronizer) RegisterClient(clientID string, initialPosition state.Vec3) error {
	if clientID == "" {
		return ErrInvalidClientID
	}
	// The area goes in before the client is published, so no fan-out ever
	// sees the client without one.
	s.interest.Register(clientID, initialPosition)
	c := newClient(clientID, s.cfg)
	if old := s.clients.put(c); old != nil {
		old.sendMu.Lock()
		old.removed = true
		old.sendMu.Unlock()
	}
	s.metrics.Clients.Set(float64(s.clients.Len()))
	return nil
}

// UnregisterClient removes the client. No packet is sent to it once this
// returns.
func (s *Synchronizer) UnregisterClient(clientID string) {
	c, ok := s.clients.remove(clientID)
	if !ok {
		return
	}
	c.sendMu.Lock()
	c.removed = true
	c.sendMu.Unlock()
	s.interest.Remove(clientID)
	s.metrics.Clients.Set(float64(s.clients.Len()))
}

// ClientState returns a copy of the client's sync bookkeeping.
func (s *Synchronizer) ClientState(clientID string) (ClientSyncState, bool) {
	c, ok := s.clients.get(clientID)
	if !ok {
		return ClientSyncState{}, false
	}
	c.mu.Lock()
	st := c.snapshotLocked()
	c.mu.Unlock()
	st.InterestArea, st.HasInterestArea = s.interest.Area(clientID)
	return st, true
}

// UpdateWorldState applies u as exactly one new version, records the previous
// version in history and runs one sync cycle for every registered client.
// Unknown update kinds still advance the version.
func (s *Synchronizer) UpdateWorldState(u state.Update) uint64 {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if u.Timestamp == 0 {
		u.Timestamp = s.now().UnixMilli()
	}

	s.worldMu.Lock()
	prev := s.world.Clone()
	if !s.world.Apply(u) {
		s.logger.Printf("ignored update kind=%q entity=%q version=%d", u.Kind, u.EntityID, prev.Version+1)
	}
	s.world.Version = prev.Version + 1
	cur := s.world
	s.worldMu.Unlock()

	s.history.Put(prev)
	s.metrics.Version.Set(float64(cur.Version))

	if s.updates != nil {
		digest, err := cur.Digest()
		if err != nil {
			s.logger.Printf("digest version=%d: %v", cur.Version, err)
		} else if err := s.updates.LogUpdate(cur.Version, u, digest); err != nil {
			s.logger.Printf("update log version=%d: %v", cur.Version, err)
		}
	}
	if s.checkpts != nil && s.cfg.CheckpointEvery > 0 && cur.Version%s.cfg.CheckpointEvery == 0 {
		s.checkpts.Checkpoint(cur.Clone())
	}

	if !s.closed {
		s.fanout(cur)
	}
	return cur.Version
}

// SyncClient runs a single-client cycle against the current version, so a
// freshly registered client gets its first snapshot without waiting for the
// next update.
func (s *Synchronizer) SyncClient(clientID string) error {
	c, ok := s.clients.get(clientID)
	if !ok {
		return ErrUnknownClient
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.closed || s.world.Version == 0 {
		return nil
	}
	s.syncClient(c, s.world, s.interest.BuildIndex(s.world))
	return nil
}

func (s *Synchronizer) fanout(cur *state.WorldState) {
	clients := s.clients.snapshot()
	if len(clients) == 0 {
		return
	}
	idx := s.interest.BuildIndex(cur)
	var g errgroup.Group
	g.SetLimit(s.cfg.FanoutWorkers)
	for _, c := range clients {
		g.Go(func() error {
			s.syncClient(c, cur, idx)
			return nil
		})
	}
	_ = g.Wait()
}

// syncClient decides between snapshot and delta for one client and sends at
// most one packet. cur must not change while it runs.
func (s *Synchronizer) syncClient(c *client, cur *state.WorldState, idx *interest.Index) {
	ids := s.interest.RelevantFromIndex(c.id, idx)
	view := cur.Filter(ids)
	now := s.now()

	c.mu.Lock()
	var (
		pkt  Packet
		send bool
	)
	if reason := s.snapshotReasonLocked(c, cur.Version); reason != "" {
		pkt, send = s.snapshotLocked(c, view, reason)
	} else {
		pkt, send = s.deltaLocked(c, cur, view)
	}
	if send {
		c.views[cur.Version] = ids
		c.pendingAcks[cur.Version] = now
	}
	if w := uint64(s.cfg.HistoryWindow); cur.Version > w {
		c.pruneLocked(cur.Version - w)
	}
	c.mu.Unlock()

	if send {
		s.send(c, pkt)
	}
}

func (s *Synchronizer) snapshotReasonLocked(c *client, current uint64) string {
	switch {
	case c.lastSnapshot == 0:
		return reasonInitial
	case current-c.lastAck > s.cfg.StalenessVersions:
		return reasonStale
	case current-c.lastSnapshot >= s.cfg.SnapshotEveryVersions:
		return reasonPeriodic
	case c.snapshotRequested:
		return reasonRequested
	}
	return ""
}

func (s *Synchronizer) snapshotLocked(c *client, view *state.WorldState, reason string) (Packet, bool) {
	payload, err := s.compressor.EncodeSnapshot(view)
	if err != nil {
		s.logger.Printf("snapshot client=%s version=%d: %v", c.id, view.Version, err)
		c.snapshotRequested = true
		s.metrics.ForcedResyncs.WithLabelValues(resyncEncodeError).Inc()
		return Packet{}, false
	}
	c.lastSnapshot = view.Version
	c.snapshotRequested = false
	s.metrics.Snapshots.WithLabelValues(reason).Inc()
	s.metrics.PayloadBytes.WithLabelValues(string(PacketSnapshot)).Observe(float64(len(payload)))
	return Packet{
		Kind:        PacketSnapshot,
		Version:     view.Version,
		Payload:     payload,
		RequiresAck: true,
	}, true
}

func (s *Synchronizer) deltaLocked(c *client, cur, view *state.WorldState) (Packet, bool) {
	base := c.lastAck
	if base >= cur.Version {
		return Packet{}, false
	}

	var (
		baseWorld *state.WorldState
		baseIDs   []string
	)
	if base == 0 {
		baseWorld = state.NewWorldState()
	} else {
		var ok bool
		if baseWorld, ok = s.history.Get(base); !ok {
			return s.forceResyncLocked(c, cur.Version, resyncMissingBase)
		}
		if baseIDs, ok = c.views[base]; !ok {
			return s.forceResyncLocked(c, cur.Version, resyncMissingView)
		}
	}

	d, err := s.compressor.GenerateDelta(baseWorld.Filter(baseIDs), view)
	if err != nil {
		s.logger.Printf("delta client=%s %d->%d: %v", c.id, base, cur.Version, err)
		return s.forceResyncLocked(c, cur.Version, resyncEncodeError)
	}
	if d.Size > s.cfg.MaxDeltaBytes {
		return s.forceResyncLocked(c, cur.Version, resyncOversized)
	}
	s.metrics.Deltas.Inc()
	s.metrics.PayloadBytes.WithLabelValues(string(PacketDelta)).Observe(float64(d.Size))
	return Packet{
		Kind:        PacketDelta,
		Version:     cur.Version,
		BaseVersion: base,
		Payload:     d.Payload,
		RequiresAck: true,
	}, true
}

func (s *Synchronizer) forceResyncLocked(c *client, version uint64, reason string) (Packet, bool) {
	c.snapshotRequested = true
	s.metrics.ForcedResyncs.WithLabelValues(reason).Inc()
	s.logger.Printf("resync client=%s base=%d version=%d reason=%s", c.id, c.lastAck, version, reason)
	return Packet{}, false
}

func (s *Synchronizer) send(c *client, pkt Packet) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.removed {
		return
	}
	s.transport.SendToClient(c.id, pkt)
}

// HandleClientAck records that the client holds version. Versions beyond the
// current one are ignored.
func (s *Synchronizer) HandleClientAck(clientID string, version uint64) error {
	c, ok := s.clients.get(clientID)
	if !ok {
		return ErrUnknownClient
	}
	if cur := s.CurrentVersion(); version > cur {
		s.logger.Printf("ack client=%s version=%d beyond current=%d", clientID, version, cur)
		return nil
	}
	now := s.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if sent, ok := c.pendingAcks[version]; ok {
		rtt := now.Sub(sent)
		c.rtt.Observe(rtt)
		s.metrics.RTTSeconds.Observe(rtt.Seconds())
	}
	if version > c.lastAck {
		c.lastAck = version
	}
	for v := range c.pendingAcks {
		if v <= version {
			delete(c.pendingAcks, v)
		}
	}
	for v := range c.views {
		if v < c.lastAck {
			delete(c.views, v)
		}
	}
	return nil
}

// HandleClientInput validates in, applies it as an entity_update for the
// client's own entity and returns a correction when the client's prediction
// diverged. Rejected inputs leave the world untouched.
func (s *Synchronizer) HandleClientInput(clientID string, in prediction.Input) (*prediction.Correction, error) {
	c, ok := s.clients.get(clientID)
	if !ok {
		return nil, ErrUnknownClient
	}
	c.inputMu.Lock()
	defer c.inputMu.Unlock()

	s.worldMu.RLock()
	var ent state.EntityState
	e, ok := s.world.Entity(clientID)
	if ok {
		ent = *e
	}
	s.worldMu.RUnlock()
	if !ok {
		return nil, s.rejectInput(clientID, in, ErrNoEntity)
	}

	c.mu.Lock()
	if c.limiter != nil && !c.limiter.AllowN(s.now(), 1) {
		c.mu.Unlock()
		return nil, s.rejectInput(clientID, in, ErrRateLimited)
	}
	if err := s.checker.Validate(in, c.lastInputSeq, &ent); err != nil {
		c.mu.Unlock()
		return nil, s.rejectInput(clientID, in, err)
	}
	c.lastInputSeq = in.Sequence
	c.mu.Unlock()

	pos, vel := in.Position, in.Velocity
	s.interest.UpdateClientInterest(clientID, pos)
	version := s.UpdateWorldState(state.Update{
		Kind:      state.KindEntityUpdate,
		EntityID:  clientID,
		Patch:     &state.EntityPatch{Position: &pos, Velocity: &vel},
		Timestamp: in.Timestamp,
	})

	s.worldMu.RLock()
	corr, diverged := s.checker.CheckPrediction(clientID, in, s.world)
	s.worldMu.RUnlock()
	if !diverged {
		return nil, nil
	}

	payload, err := encoding.Pack(s.compressor.Codec(), corr)
	if err != nil {
		s.logger.Printf("correction client=%s seq=%d: %v", clientID, in.Sequence, err)
		return corr, nil
	}
	s.metrics.Corrections.Inc()
	s.metrics.PayloadBytes.WithLabelValues(string(PacketCorrection)).Observe(float64(len(payload)))
	s.send(c, Packet{Kind: PacketCorrection, Version: version, Payload: payload})
	return corr, nil
}

func (s *Synchronizer) rejectInput(clientID string, in prediction.Input, reason error) error {
	s.metrics.RejectedInputs.WithLabelValues(rejectLabel(reason)).Inc()
	s.logger.Printf("drop input client=%s seq=%d: %v", clientID, in.Sequence, reason)
	if s.auditor != nil {
		s.auditor.AuditInput(clientID, in, reason)
	}
	return fmt.Errorf("input %d from %s: %w", in.Sequence, clientID, reason)
}

func rejectLabel(err error) string {
	switch {
	case errors.Is(err, prediction.ErrStaleInput):
		return "stale"
	case errors.Is(err, prediction.ErrSpeedExceeded):
		return "speed"
	case errors.Is(err, prediction.ErrTeleport):
		return "teleport"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNoEntity):
		return "no_entity"
	}
	return "other"
}
