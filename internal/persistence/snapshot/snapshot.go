package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"worldsync/internal/sim/state"
)

const FormatVersion = 1

type Header struct {
	Format    int    `json:"format"`
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Entities  int    `json:"entities"`
	Digest    string `json:"digest"`
}

// CheckpointV1 is the on-disk form of a WorldState. Entities are stored sorted
// by id.
type CheckpointV1 struct {
	Header Header `json:"header"`

	Entities []state.EntityState `json:"entities"`
	Global   state.GlobalState   `json:"global"`
}

func FromWorld(ws *state.WorldState) (CheckpointV1, error) {
	digest, err := ws.Digest()
	if err != nil {
		return CheckpointV1{}, err
	}
	cp := CheckpointV1{
		Header: Header{
			Format:    FormatVersion,
			Version:   ws.Version,
			Timestamp: ws.Timestamp,
			Entities:  len(ws.Entities),
			Digest:    digest,
		},
		Entities: make([]state.EntityState, 0, len(ws.Entities)),
		Global:   ws.Global.Clone(),
	}
	for _, e := range ws.Entities {
		cp.Entities = append(cp.Entities, *e.Clone())
	}
	sort.Slice(cp.Entities, func(i, j int) bool { return cp.Entities[i].ID < cp.Entities[j].ID })
	return cp, nil
}

func (cp CheckpointV1) World() *state.WorldState {
	ws := &state.WorldState{
		Version:   cp.Header.Version,
		Timestamp: cp.Header.Timestamp,
		Entities:  make(map[string]*state.EntityState, len(cp.Entities)),
		Global:    cp.Global.Clone(),
	}
	for i := range cp.Entities {
		ws.Entities[cp.Entities[i].ID] = cp.Entities[i].Clone()
	}
	return ws
}

// PathFor names the checkpoint of version under dir.
func PathFor(dir string, version uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.snap.zst", version))
}

func WriteSnapshot(path string, cp CheckpointV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, cp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, cp CheckpointV1) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(cp.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&cp); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (CheckpointV1, error) {
	var cp CheckpointV1
	f, err := os.Open(path)
	if err != nil {
		return cp, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return cp, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is for tools that only need the version; gob repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return cp, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&cp); err != nil {
		return cp, fmt.Errorf("gob decode: %w", err)
	}
	if cp.Header.Format != FormatVersion {
		return cp, fmt.Errorf("unsupported checkpoint format %d", cp.Header.Format)
	}
	return cp, nil
}

// Latest returns the newest checkpoint path in dir, or "" when there is none.
func Latest(dir string) (string, uint64, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, err
	}
	var (
		best    string
		bestVer uint64
	)
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || v > bestVer {
			best, bestVer = filepath.Join(dir, name), v
		}
	}
	return best, bestVer, nil
}
