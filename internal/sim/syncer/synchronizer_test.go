package syncer

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"worldsync/internal/sim/encoding"
	"worldsync/internal/sim/prediction"
	"worldsync/internal/sim/state"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Millis(offset time.Duration) int64 {
	return c.Now().Add(offset).UnixMilli()
}

type recorder struct {
	mu   sync.Mutex
	pkts map[string][]Packet
}

func newRecorder() *recorder { return &recorder{pkts: map[string][]Packet{}} }

func (r *recorder) SendToClient(clientID string, pkt Packet) {
	r.mu.Lock()
	r.pkts[clientID] = append(r.pkts[clientID], pkt)
	r.mu.Unlock()
}

func (r *recorder) all(clientID string) []Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Packet(nil), r.pkts[clientID]...)
}

func (r *recorder) last(t *testing.T, clientID string) Packet {
	t.Helper()
	p := r.all(clientID)
	if len(p) == 0 {
		t.Fatalf("no packets for %s", clientID)
	}
	return p[len(p)-1]
}

type fixture struct {
	sync    *Synchronizer
	out     *recorder
	clock   *fakeClock
	metrics *Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{out: newRecorder(), clock: newFakeClock(), metrics: NewMetrics(prometheus.NewRegistry())}
	f.sync = New(cfg, f.out, Options{Metrics: f.metrics, Now: f.clock.Now})
	return f
}

func (f *fixture) spawn(id string, pos state.Vec3) uint64 {
	return f.sync.UpdateWorldState(state.Update{
		Kind:   state.KindEntitySpawn,
		Entity: &state.EntityState{ID: id, Position: pos, Health: 100, CurrentState: "idle"},
	})
}

func (f *fixture) move(id string, pos state.Vec3) uint64 {
	return f.sync.UpdateWorldState(state.Update{
		Kind:     state.KindEntityUpdate,
		EntityID: id,
		Patch:    &state.EntityPatch{Position: &pos},
	})
}

func TestUpdateWorldState_VersionsAreContiguous(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	updates := []state.Update{
		{Kind: state.KindEntitySpawn, Entity: &state.EntityState{ID: "E1"}},
		{Kind: "teleport_everyone"},
		{Kind: state.KindEntityUpdate, EntityID: "nobody"},
		{Kind: state.KindWeatherUpdate, Weather: "fog"},
		{Kind: state.KindEntityDespawn, EntityID: "E1"},
		{Kind: state.KindEntityDespawn, EntityID: "E1"},
	}
	for i, u := range updates {
		if got := f.sync.UpdateWorldState(u); got != uint64(i+1) {
			t.Fatalf("update %d: version=%d want %d", i, got, i+1)
		}
	}
	if got := f.sync.CurrentVersion(); got != uint64(len(updates)) {
		t.Fatalf("current=%d want %d", got, len(updates))
	}
}

func TestUpdateWorldState_ConcurrentWritersNeverShareVersions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	const writers, each = 8, 25
	versions := make(chan uint64, writers*each)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				versions <- f.spawn(fmt.Sprintf("W%d-%d", w, i), state.Vec3{X: float64(i)})
			}
		}(w)
	}
	wg.Wait()
	close(versions)

	var got []uint64
	for v := range versions {
		got = append(got, v)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, v := range got {
		if v != uint64(i+1) {
			t.Fatalf("versions[%d]=%d want %d", i, v, i+1)
		}
	}
}

func TestEndToEnd_SnapshotThenRemovalDelta(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if err := f.sync.RegisterClient("A", state.Vec3{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	v1 := f.spawn("E", state.Vec3{X: 100})
	if v1 != 1 {
		t.Fatalf("spawn version=%d", v1)
	}
	pkt := f.out.last(t, "A")
	if pkt.Kind != PacketSnapshot || pkt.Version != 1 || !pkt.RequiresAck {
		t.Fatalf("first packet=%+v", pkt)
	}
	snap, err := f.sync.Compressor().DecodeSnapshot(pkt.Payload)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if e, ok := snap.Entity("E"); !ok || e.Position.X != 100 {
		t.Fatalf("snapshot entities=%v", snap.Entities)
	}
	if got := testutil.ToFloat64(f.metrics.Snapshots.WithLabelValues(reasonInitial)); got != 1 {
		t.Fatalf("initial snapshots=%v want 1", got)
	}

	if err := f.sync.HandleClientAck("A", 1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	f.move("E", state.Vec3{X: 50000})

	pkt = f.out.last(t, "A")
	if pkt.Kind != PacketDelta || pkt.Version != 2 || pkt.BaseVersion != 1 {
		t.Fatalf("second packet=%+v", pkt)
	}
	d, err := f.sync.Compressor().DecodeDelta(pkt.Payload)
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if len(d.Removed) != 1 || d.Removed[0] != "E" || len(d.Added) != 0 || len(d.Modified) != 0 {
		t.Fatalf("delta added=%v modified=%v removed=%v", d.Added, d.Modified, d.Removed)
	}
	if _, ok := f.sync.WorldSnapshot().Entity("E"); !ok {
		t.Fatalf("entity E left the world, want only out of view")
	}
}

func TestMissingBase_ForcesSnapshotNextCycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryWindow = 5
	cfg.StalenessVersions = 1000
	cfg.SnapshotEveryVersions = 1000
	f := newFixture(t, cfg)
	f.sync.RegisterClient("A", state.Vec3{})

	f.spawn("E", state.Vec3{X: 1})
	if err := f.sync.HandleClientAck("A", 1); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Version 1 stays in history until version 7 is committed.
	for v := uint64(2); v <= 6; v++ {
		f.move("E", state.Vec3{X: float64(v)})
		pkt := f.out.last(t, "A")
		if pkt.Kind != PacketDelta || pkt.Version != v || pkt.BaseVersion != 1 {
			t.Fatalf("v=%d packet=%+v", v, pkt)
		}
	}
	sent := len(f.out.all("A"))

	f.move("E", state.Vec3{X: 7})
	if got := len(f.out.all("A")); got != sent {
		t.Fatalf("packets=%d want %d: nothing may be sent when the base is gone", got, sent)
	}
	st, _ := f.sync.ClientState("A")
	if !st.SnapshotRequested {
		t.Fatalf("snapshotRequested=false after missing base")
	}
	if got := testutil.ToFloat64(f.metrics.ForcedResyncs.WithLabelValues(resyncMissingBase)); got != 1 {
		t.Fatalf("missing_base resyncs=%v want 1", got)
	}

	f.move("E", state.Vec3{X: 8})
	pkt := f.out.last(t, "A")
	if pkt.Kind != PacketSnapshot || pkt.Version != 8 {
		t.Fatalf("recovery packet=%+v", pkt)
	}
	st, _ = f.sync.ClientState("A")
	if st.SnapshotRequested || st.LastSnapshotVersion != 8 {
		t.Fatalf("state after recovery=%+v", st)
	}
}

func TestOversizedDelta_ForcesSnapshotNextCycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Codec = encoding.NopCodec{}
	cfg.MaxDeltaBytes = 16
	f := newFixture(t, cfg)
	f.sync.RegisterClient("A", state.Vec3{})

	f.spawn("E1", state.Vec3{X: 1})
	f.sync.HandleClientAck("A", 1)
	f.spawn("E2", state.Vec3{X: 2})

	if got := len(f.out.all("A")); got != 1 {
		t.Fatalf("packets=%d want 1", got)
	}
	st, _ := f.sync.ClientState("A")
	if !st.SnapshotRequested {
		t.Fatalf("oversized delta did not request a snapshot")
	}
	if got := testutil.ToFloat64(f.metrics.ForcedResyncs.WithLabelValues(resyncOversized)); got != 1 {
		t.Fatalf("oversized resyncs=%v want 1", got)
	}

	f.spawn("E3", state.Vec3{X: 3})
	pkt := f.out.last(t, "A")
	if pkt.Kind != PacketSnapshot || pkt.Version != 3 {
		t.Fatalf("packet=%+v", pkt)
	}
	if got := testutil.ToFloat64(f.metrics.Snapshots.WithLabelValues(reasonRequested)); got != 1 {
		t.Fatalf("requested snapshots=%v want 1", got)
	}
}

func TestSnapshotDecision_PeriodicAndStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotEveryVersions = 3
	cfg.StalenessVersions = 100
	f := newFixture(t, cfg)
	f.sync.RegisterClient("A", state.Vec3{})

	var kinds []PacketKind
	for i := 1; i <= 7; i++ {
		v := f.spawn(fmt.Sprintf("E%d", i), state.Vec3{X: float64(i)})
		kinds = append(kinds, f.out.last(t, "A").Kind)
		f.sync.HandleClientAck("A", v)
	}
	want := []PacketKind{PacketSnapshot, PacketDelta, PacketDelta, PacketSnapshot, PacketDelta, PacketDelta, PacketSnapshot}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v want %v", kinds, want)
		}
	}

	cfg = DefaultConfig()
	cfg.StalenessVersions = 2
	f = newFixture(t, cfg)
	f.sync.RegisterClient("B", state.Vec3{})
	kinds = kinds[:0]
	for i := 1; i <= 3; i++ {
		f.spawn(fmt.Sprintf("E%d", i), state.Vec3{})
		kinds = append(kinds, f.out.last(t, "B").Kind)
	}
	// No acks: version 3 is more than two versions ahead of version 0.
	want = []PacketKind{PacketSnapshot, PacketDelta, PacketSnapshot}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("stale kinds=%v want %v", kinds, want)
		}
	}
	if got := testutil.ToFloat64(f.metrics.Snapshots.WithLabelValues(reasonStale)); got != 1 {
		t.Fatalf("stale snapshots=%v want 1", got)
	}
}

func TestHandleClientAck_RTTAndMonotonic(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.sync.RegisterClient("A", state.Vec3{})

	f.spawn("E1", state.Vec3{})
	f.clock.Advance(100 * time.Millisecond)
	if err := f.sync.HandleClientAck("A", 1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	st, _ := f.sync.ClientState("A")
	if st.EstimatedRTT != 100*time.Millisecond || st.RTTVariance != 50*time.Millisecond {
		t.Fatalf("first sample rtt=%v var=%v", st.EstimatedRTT, st.RTTVariance)
	}

	f.spawn("E2", state.Vec3{})
	f.clock.Advance(200 * time.Millisecond)
	f.sync.HandleClientAck("A", 2)
	st, _ = f.sync.ClientState("A")
	if st.EstimatedRTT != 112500*time.Microsecond || st.RTTVariance != 62500*time.Microsecond {
		t.Fatalf("second sample rtt=%v var=%v", st.EstimatedRTT, st.RTTVariance)
	}
	if len(st.PendingAcks) != 0 {
		t.Fatalf("pending acks=%v", st.PendingAcks)
	}

	f.sync.HandleClientAck("A", 1)
	f.sync.HandleClientAck("A", 99)
	st, _ = f.sync.ClientState("A")
	if st.LastAcknowledgedVersion != 2 {
		t.Fatalf("lastAck=%d want 2", st.LastAcknowledgedVersion)
	}
	if got := testutil.CollectAndCount(f.metrics.RTTSeconds); got != 1 {
		t.Fatalf("rtt histogram series=%d want 1", got)
	}

	if err := f.sync.HandleClientAck("ghost", 1); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("unknown client err=%v", err)
	}
}

type auditLog struct {
	mu      sync.Mutex
	reasons []error
}

func (a *auditLog) AuditInput(clientID string, in prediction.Input, reason error) {
	a.mu.Lock()
	a.reasons = append(a.reasons, reason)
	a.mu.Unlock()
}

func TestHandleClientInput_StaleInputRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	audit := &auditLog{}
	f.sync.auditor = audit
	f.sync.RegisterClient("P1", state.Vec3{})
	f.spawn("P1", state.Vec3{})

	in := prediction.Input{Sequence: 5, Timestamp: f.clock.Millis(time.Second), Position: state.Vec3{X: 1}}
	if _, err := f.sync.HandleClientInput("P1", in); err != nil {
		t.Fatalf("input 5: %v", err)
	}
	st, _ := f.sync.ClientState("P1")
	if st.LastProcessedInputSequence != 5 {
		t.Fatalf("lastSeq=%d want 5", st.LastProcessedInputSequence)
	}
	version := f.sync.CurrentVersion()

	for _, seq := range []uint64{5, 4} {
		bad := prediction.Input{Sequence: seq, Timestamp: f.clock.Millis(2 * time.Second), Position: state.Vec3{X: 2}}
		if _, err := f.sync.HandleClientInput("P1", bad); !errors.Is(err, prediction.ErrStaleInput) {
			t.Fatalf("seq=%d err=%v want stale", seq, err)
		}
	}
	if got := f.sync.CurrentVersion(); got != version {
		t.Fatalf("version=%d want %d after rejected inputs", got, version)
	}
	e, _ := f.sync.WorldSnapshot().Entity("P1")
	if e.Position.X != 1 {
		t.Fatalf("position=%v mutated by rejected input", e.Position)
	}
	st, _ = f.sync.ClientState("P1")
	if st.LastProcessedInputSequence != 5 {
		t.Fatalf("lastSeq=%d want 5", st.LastProcessedInputSequence)
	}
	if len(audit.reasons) != 2 {
		t.Fatalf("audited=%d want 2", len(audit.reasons))
	}
	if got := testutil.ToFloat64(f.metrics.RejectedInputs.WithLabelValues("stale")); got != 2 {
		t.Fatalf("stale rejections=%v want 2", got)
	}
}

func TestHandleClientInput_SpeedAndTeleportScaleWithMaxSpeed(t *testing.T) {
	for _, maxSpeed := range []float64{10, 40} {
		cfg := DefaultConfig()
		cfg.MaxSpeed = maxSpeed
		f := newFixture(t, cfg)
		f.sync.RegisterClient("P1", state.Vec3{})
		f.spawn("P1", state.Vec3{})
		ts := f.clock.Millis(time.Second)

		fast := prediction.Input{Sequence: 1, Timestamp: ts, Velocity: state.Vec3{X: maxSpeed * 1.1}}
		if _, err := f.sync.HandleClientInput("P1", fast); !errors.Is(err, prediction.ErrSpeedExceeded) {
			t.Fatalf("max=%v: err=%v want speed", maxSpeed, err)
		}
		jump := prediction.Input{Sequence: 1, Timestamp: ts, Position: state.Vec3{Z: maxSpeed * 1.5}}
		if _, err := f.sync.HandleClientInput("P1", jump); !errors.Is(err, prediction.ErrTeleport) {
			t.Fatalf("max=%v: err=%v want teleport", maxSpeed, err)
		}
		walk := prediction.Input{Sequence: 1, Timestamp: ts, Position: state.Vec3{Z: maxSpeed * 0.5}}
		if _, err := f.sync.HandleClientInput("P1", walk); err != nil {
			t.Fatalf("max=%v: plausible input rejected: %v", maxSpeed, err)
		}
	}
}

func TestHandleClientInput_CorrectionFollowsThreshold(t *testing.T) {
	for _, threshold := range []float64{0.5, 2} {
		cfg := DefaultConfig()
		cfg.DivergenceThreshold = threshold
		cfg.MaxSpeed = 100
		f := newFixture(t, cfg)
		f.sync.RegisterClient("P1", state.Vec3{})
		f.spawn("P1", state.Vec3{})
		tick := cfg.TickDuration.Seconds()

		// The input's position becomes authoritative, so divergence is the
		// distance covered in one tick.
		over := prediction.Input{
			Sequence:  1,
			Timestamp: f.clock.Millis(time.Second),
			Position:  state.Vec3{X: 1},
			Velocity:  state.Vec3{X: threshold * 1.2 / tick},
		}
		corr, err := f.sync.HandleClientInput("P1", over)
		if err != nil || corr == nil {
			t.Fatalf("threshold=%v: corr=%v err=%v", threshold, corr, err)
		}
		if corr.Sequence != 1 || corr.Position != (state.Vec3{X: 1}) {
			t.Fatalf("correction=%+v", corr)
		}
		pkt := f.out.last(t, "P1")
		if pkt.Kind != PacketCorrection || pkt.RequiresAck {
			t.Fatalf("packet=%+v", pkt)
		}
		var wire prediction.Correction
		if err := encoding.Unpack(f.sync.Compressor().Codec(), pkt.Payload, &wire); err != nil {
			t.Fatalf("unpack correction: %v", err)
		}
		if wire.Sequence != 1 || wire.Divergence != corr.Divergence {
			t.Fatalf("wire=%+v", wire)
		}

		under := over
		under.Sequence = 2
		under.Timestamp = f.clock.Millis(2 * time.Second)
		under.Velocity = state.Vec3{X: threshold * 0.8 / tick}
		if corr, err := f.sync.HandleClientInput("P1", under); err != nil || corr != nil {
			t.Fatalf("threshold=%v: unexpected corr=%v err=%v", threshold, corr, err)
		}
	}
}

func TestHandleClientInput_UnknownClientNoEntityAndRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputRate = 1
	cfg.InputBurst = 2
	f := newFixture(t, cfg)

	if _, err := f.sync.HandleClientInput("ghost", prediction.Input{Sequence: 1}); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("err=%v want unknown client", err)
	}
	f.sync.RegisterClient("P1", state.Vec3{})
	if _, err := f.sync.HandleClientInput("P1", prediction.Input{Sequence: 1}); !errors.Is(err, ErrNoEntity) {
		t.Fatalf("err=%v want no entity", err)
	}

	f.spawn("P1", state.Vec3{})
	ts := f.clock.Millis(0)
	for seq := uint64(1); seq <= 2; seq++ {
		if _, err := f.sync.HandleClientInput("P1", prediction.Input{Sequence: seq, Timestamp: ts}); err != nil {
			t.Fatalf("seq=%d: %v", seq, err)
		}
	}
	if _, err := f.sync.HandleClientInput("P1", prediction.Input{Sequence: 3, Timestamp: ts}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err=%v want rate limited", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.sync.HandleClientInput("P1", prediction.Input{Sequence: 3, Timestamp: ts}); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestHandleClientInput_ConcurrentSameClientKeepsNewestPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputRate = 0
	cfg.MaxSpeed = 1000
	f := newFixture(t, cfg)
	f.sync.RegisterClient("P1", state.Vec3{})
	f.spawn("P1", state.Vec3{})
	base := f.clock.Millis(time.Second)

	for round := uint64(0); round < 300; round++ {
		var wg sync.WaitGroup
		for _, seq := range []uint64{2*round + 1, 2*round + 2} {
			wg.Add(1)
			go func(seq uint64) {
				defer wg.Done()
				in := prediction.Input{
					Sequence:  seq,
					Timestamp: base + int64(seq)*100,
					Position:  state.Vec3{X: float64(seq)},
				}
				_, err := f.sync.HandleClientInput("P1", in)
				if err != nil && !errors.Is(err, prediction.ErrStaleInput) {
					t.Errorf("seq=%d: %v", seq, err)
				}
			}(seq)
		}
		wg.Wait()

		st, _ := f.sync.ClientState("P1")
		e, _ := f.sync.WorldSnapshot().Entity("P1")
		if e.Position.X != float64(st.LastProcessedInputSequence) {
			t.Fatalf("round %d: position x=%v but last sequence=%d", round, e.Position.X, st.LastProcessedInputSequence)
		}
	}
}

func TestRegisterClient_NeverSeesWholeWorldDuringFanout(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.spawn("far", state.Vec3{X: 100_000})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			f.sync.UpdateWorldState(state.Update{Kind: state.KindWeatherUpdate, Weather: fmt.Sprintf("w%d", i%3)})
		}
	}()
	for i := 0; i < 200; i++ {
		f.sync.RegisterClient(fmt.Sprintf("C%d", i), state.Vec3{})
	}
	close(stop)
	<-done

	comp := f.sync.Compressor()
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("C%d", i)
		for _, pkt := range f.out.all(id) {
			switch pkt.Kind {
			case PacketSnapshot:
				ws, err := comp.DecodeSnapshot(pkt.Payload)
				if err != nil {
					t.Fatalf("%s: decode snapshot: %v", id, err)
				}
				if _, ok := ws.Entity("far"); ok {
					t.Fatalf("%s: snapshot v%d carries out-of-range entity", id, pkt.Version)
				}
			case PacketDelta:
				d, err := comp.DecodeDelta(pkt.Payload)
				if err != nil {
					t.Fatalf("%s: decode delta: %v", id, err)
				}
				for _, e := range d.Added {
					if e.ID == "far" {
						t.Fatalf("%s: delta v%d adds out-of-range entity", id, pkt.Version)
					}
				}
			}
		}
	}
}

func TestHandleClientInput_RecentersInterest(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.sync.RegisterClient("P1", state.Vec3{})
	f.spawn("P1", state.Vec3{})
	f.spawn("far", state.Vec3{X: 5015})

	in := prediction.Input{Sequence: 1, Timestamp: f.clock.Millis(time.Second), Position: state.Vec3{X: 15}}
	if _, err := f.sync.HandleClientInput("P1", in); err != nil {
		t.Fatalf("input: %v", err)
	}
	st, _ := f.sync.ClientState("P1")
	if !st.HasInterestArea || st.InterestArea.Center.X != 15 {
		t.Fatalf("area=%+v", st.InterestArea)
	}
	ids := f.sync.Interest().RelevantEntities("P1", f.sync.WorldSnapshot())
	if len(ids) != 2 {
		t.Fatalf("relevant=%v want P1 and far", ids)
	}
}

func TestUnregisterClient_StopsSends(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.sync.RegisterClient("A", state.Vec3{})
	f.sync.RegisterClient("B", state.Vec3{})
	f.spawn("E", state.Vec3{})

	f.sync.UnregisterClient("B")
	before := len(f.out.all("B"))
	f.spawn("F", state.Vec3{})
	if got := len(f.out.all("B")); got != before {
		t.Fatalf("B received %d packets after unregister", got-before)
	}
	if got := len(f.out.all("A")); got != 2 {
		t.Fatalf("A packets=%d want 2", got)
	}
	if _, ok := f.sync.ClientState("B"); ok {
		t.Fatalf("B still has state")
	}
	if got := f.sync.Clients(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("clients=%v", got)
	}
	if got := testutil.ToFloat64(f.metrics.Clients); got != 1 {
		t.Fatalf("clients gauge=%v want 1", got)
	}
}

func TestSyncClient_SendsSnapshotOfCurrentVersion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.spawn("E", state.Vec3{})
	f.spawn("F", state.Vec3{})

	f.sync.RegisterClient("late", state.Vec3{})
	if err := f.sync.SyncClient("late"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	pkt := f.out.last(t, "late")
	if pkt.Kind != PacketSnapshot || pkt.Version != 2 {
		t.Fatalf("packet=%+v", pkt)
	}
	if err := f.sync.SyncClient("ghost"); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("err=%v", err)
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	w := state.NewWorldState()
	w.Version = 41
	w.Entities["E"] = &state.EntityState{ID: "E", Health: 7}
	if err := f.sync.Restore(w); err != nil {
		t.Fatalf("restore: %v", err)
	}
	w.Entities["E"].Health = 0
	if e, _ := f.sync.WorldSnapshot().Entity("E"); e.Health != 7 {
		t.Fatalf("restore kept a reference to the caller's world")
	}
	if v := f.spawn("F", state.Vec3{}); v != 42 {
		t.Fatalf("version after restore=%d want 42", v)
	}

	f.sync.RegisterClient("A", state.Vec3{})
	if err := f.sync.Restore(w); !errors.Is(err, ErrClientsRegistered) {
		t.Fatalf("err=%v want clients registered", err)
	}
}

type memUpdateLog struct {
	versions []uint64
	updates  []state.Update
	digests  []string
}

func (m *memUpdateLog) LogUpdate(version uint64, u state.Update, digest string) error {
	m.versions = append(m.versions, version)
	m.updates = append(m.updates, u)
	m.digests = append(m.digests, digest)
	return nil
}

type memCheckpoints struct{ worlds []*state.WorldState }

func (m *memCheckpoints) Checkpoint(ws *state.WorldState) { m.worlds = append(m.worlds, ws) }

func TestUpdateLogAndCheckpoints_Replay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointEvery = 2
	logs := &memUpdateLog{}
	cps := &memCheckpoints{}
	clock := newFakeClock()
	s := New(cfg, nil, Options{Updates: logs, Checkpoints: cps, Now: clock.Now})

	s.UpdateWorldState(state.Update{Kind: state.KindEntitySpawn, Entity: &state.EntityState{ID: "E", Inventory: map[string]int{"ore": 2}}})
	clock.Advance(time.Second)
	s.UpdateWorldState(state.Update{Kind: state.KindFactionUpdate, Faction: "red", Other: "blue", Relation: -10})
	s.UpdateWorldState(state.Update{Kind: "unknown"})
	clock.Advance(time.Second)
	s.UpdateWorldState(state.Update{Kind: state.KindEntityDespawn, EntityID: "E"})
	s.UpdateWorldState(state.Update{Kind: state.KindGlobalUpdate, GameTime: ptr(12.5)})

	if len(logs.versions) != 5 {
		t.Fatalf("logged=%d want 5", len(logs.versions))
	}
	w := state.NewWorldState()
	for i, u := range logs.updates {
		w.Apply(u)
		w.Version = logs.versions[i]
		d, err := w.Digest()
		if err != nil {
			t.Fatalf("digest: %v", err)
		}
		if d != logs.digests[i] {
			t.Fatalf("replay digest mismatch at version %d", w.Version)
		}
	}

	if len(cps.worlds) != 2 || cps.worlds[0].Version != 2 || cps.worlds[1].Version != 4 {
		t.Fatalf("checkpoints=%d", len(cps.worlds))
	}
	if _, ok := cps.worlds[0].Entity("E"); !ok {
		t.Fatalf("checkpoint 2 lost entity E")
	}
}

func ptr[T any](v T) *T { return &v }

// modelClient applies every packet it receives the way a real client would
// and acknowledges each version.
type modelClient struct {
	t      *testing.T
	id     string
	sync   *Synchronizer
	held   map[uint64]*state.WorldState
	cur    *state.WorldState
	cursor int
}

func (m *modelClient) drain(out *recorder) {
	m.t.Helper()
	pkts := out.all(m.id)
	for ; m.cursor < len(pkts); m.cursor++ {
		p := pkts[m.cursor]
		var next *state.WorldState
		switch p.Kind {
		case PacketSnapshot:
			w, err := m.sync.Compressor().DecodeSnapshot(p.Payload)
			if err != nil {
				m.t.Fatalf("decode snapshot v%d: %v", p.Version, err)
			}
			next = w
		case PacketDelta:
			d, err := m.sync.Compressor().DecodeDelta(p.Payload)
			if err != nil {
				m.t.Fatalf("decode delta v%d: %v", p.Version, err)
			}
			base, ok := m.held[p.BaseVersion]
			if !ok && p.BaseVersion == 0 {
				base, ok = state.NewWorldState(), true
			}
			if !ok {
				m.t.Fatalf("delta v%d against unheld base %d", p.Version, p.BaseVersion)
			}
			w, err := d.Apply(base)
			if err != nil {
				m.t.Fatalf("apply delta v%d: %v", p.Version, err)
			}
			next = w
		default:
			continue
		}
		m.held[p.Version] = next
		m.cur = next
		if err := m.sync.HandleClientAck(m.id, p.Version); err != nil {
			m.t.Fatalf("ack: %v", err)
		}
	}
}

func TestDeltaChain_ClientConvergesOnRelevantView(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeltaBytes = 1 << 20
	cfg.Interest.DefaultRadius = 3000
	f := newFixture(t, cfg)
	f.sync.RegisterClient("A", state.Vec3{})
	client := &modelClient{t: t, id: "A", sync: f.sync, held: map[uint64]*state.WorldState{}}

	rng := rand.New(rand.NewSource(7))
	coord := func() float64 { return rng.Float64()*16000 - 8000 }
	for i := 0; i < 300; i++ {
		id := fmt.Sprintf("E%d", rng.Intn(25))
		var u state.Update
		switch r := rng.Intn(10); {
		case r < 2:
			u = state.Update{Kind: state.KindEntitySpawn, Entity: &state.EntityState{
				ID: id, Position: state.Vec3{X: coord(), Z: coord()}, Priority: rng.Intn(2),
			}}
		case r < 3:
			u = state.Update{Kind: state.KindEntityDespawn, EntityID: id}
		case r < 4:
			u = state.Update{Kind: state.KindWeatherUpdate, Weather: []string{"clear", "rain", "storm"}[rng.Intn(3)]}
		default:
			p := state.Vec3{X: coord(), Z: coord()}
			hp := rng.Intn(100)
			u = state.Update{Kind: state.KindEntityUpdate, EntityID: id, Patch: &state.EntityPatch{Position: &p, Health: &hp}}
		}
		f.sync.UpdateWorldState(u)
		client.drain(f.out)

		world := f.sync.WorldSnapshot()
		want := world.Filter(f.sync.Interest().RelevantEntities("A", world))
		if client.cur == nil || client.cur.Version != want.Version {
			t.Fatalf("step %d: client version behind world %d", i, want.Version)
		}
		if len(client.cur.Entities) != len(want.Entities) {
			t.Fatalf("step %d: client sees %d entities want %d", i, len(client.cur.Entities), len(want.Entities))
		}
		for id, we := range want.Entities {
			ce, ok := client.cur.Entities[id]
			if !ok || ce.Position != we.Position || ce.Health != we.Health || ce.Priority != we.Priority {
				t.Fatalf("step %d: entity %s client=%+v want %+v", i, id, ce, we)
			}
		}
		if !client.cur.Global.Equal(want.Global) {
			t.Fatalf("step %d: global=%+v want %+v", i, client.cur.Global, want.Global)
		}
	}
	if got := testutil.ToFloat64(f.metrics.Deltas); got == 0 {
		t.Fatalf("no deltas sent over 300 updates")
	}
}

func TestConcurrentRegistrationAcksAndUpdates(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				f.spawn(fmt.Sprintf("W%d", w), state.Vec3{X: float64(i)})
			}
		}(w)
	}
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("C%d-%d", c, i%5)
				f.sync.RegisterClient(id, state.Vec3{})
				f.sync.HandleClientAck(id, f.sync.CurrentVersion())
				f.sync.ClientState(id)
				if i%3 == 0 {
					f.sync.UnregisterClient(id)
				}
			}
		}(c)
	}
	wg.Wait()
	if got := f.sync.CurrentVersion(); got != 200 {
		t.Fatalf("version=%d want 200", got)
	}
}
