package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"worldsync/internal/sim/state"
)

func sampleWorld() *state.WorldState {
	w := state.NewWorldState()
	w.Version = 1200
	w.Timestamp = 1_700_000_000_000
	w.Entities["P1"] = &state.EntityState{
		ID:           "P1",
		Position:     state.Vec3{X: 1.5, Y: -2, Z: 3},
		Health:       80,
		Inventory:    map[string]int{"katana": 1, "rice": 4},
		CurrentState: "moving",
		Priority:     2,
	}
	w.Entities["N1"] = &state.EntityState{ID: "N1", CurrentState: "idle"}
	w.Global = state.GlobalState{
		GameTime:         42.25,
		Weather:          "rain",
		FactionRelations: map[string]map[string]int{"red": {"blue": -30}, "blue": {"red": -30}},
	}
	return w
}

func TestCheckpoint_RoundTripPreservesDigest(t *testing.T) {
	w := sampleWorld()
	want, err := w.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	cp, err := FromWorld(w)
	if err != nil {
		t.Fatalf("from world: %v", err)
	}
	if cp.Entities[0].ID != "N1" || cp.Header.Entities != 2 {
		t.Fatalf("entities not sorted or counted: %+v", cp.Header)
	}

	path := PathFor(t.TempDir(), w.Version)
	if err := WriteSnapshot(path, cp); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header != cp.Header {
		t.Fatalf("header=%+v want %+v", got.Header, cp.Header)
	}
	restored := got.World()
	d, err := restored.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d != want {
		t.Fatalf("digest after round trip differs")
	}

	w.Entities["P1"].Inventory["rice"] = 0
	if restored.Entities["P1"].Inventory["rice"] != 4 {
		t.Fatalf("restored world shares maps with the source")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if p, _, err := Latest(filepath.Join(dir, "missing")); err != nil || p != "" {
		t.Fatalf("missing dir: p=%q err=%v", p, err)
	}
	for _, v := range []uint64{60, 1200, 600} {
		w := state.NewWorldState()
		w.Version = v
		cp, _ := FromWorld(w)
		if err := WriteSnapshot(PathFor(dir, v), cp); err != nil {
			t.Fatalf("write %d: %v", v, err)
		}
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	p, v, err := Latest(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if v != 1200 || p != PathFor(dir, 1200) {
		t.Fatalf("latest=%s v=%d", p, v)
	}
}

func TestReadSnapshot_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap.zst")
	os.WriteFile(path, []byte("not zstd"), 0o644)
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected error")
	}
}
