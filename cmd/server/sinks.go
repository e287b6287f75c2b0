package main

import (
	"context"
	"log"

	"worldsync/internal/persistence/indexdb"
	"worldsync/internal/persistence/snapshot"
	"worldsync/internal/sim/prediction"
	"worldsync/internal/sim/state"
	"worldsync/internal/sim/syncer"
)

// indexSink is the subset of the sqlite index the sinks feed.
type indexSink interface {
	syncer.UpdateLogger
	syncer.InputAuditor
	RecordCheckpoint(path string, cp snapshot.CheckpointV1)
}

// indexOrNil keeps a nil *SQLiteIndex from becoming a non-nil interface.
func indexOrNil(idx *indexdb.SQLiteIndex) indexSink {
	if idx == nil {
		return nil
	}
	return idx
}

type multiUpdateLogger struct {
	a syncer.UpdateLogger
	b syncer.UpdateLogger
}

func (m multiUpdateLogger) LogUpdate(version uint64, u state.Update, digest string) error {
	var err error
	if m.a != nil {
		err = m.a.LogUpdate(version, u, digest)
	}
	if m.b != nil {
		_ = m.b.LogUpdate(version, u, digest)
	}
	return err
}

type multiInputAuditor struct {
	a syncer.InputAuditor
	b syncer.InputAuditor
}

func (m multiInputAuditor) AuditInput(clientID string, in prediction.Input, reason error) {
	if m.a != nil {
		m.a.AuditInput(clientID, in, reason)
	}
	if m.b != nil {
		m.b.AuditInput(clientID, in, reason)
	}
}

// checkpointWriter persists world checkpoints off the update path. When the
// writer falls behind, newer checkpoints replace queued ones.
type checkpointWriter struct {
	dir string
	idx indexSink
	log *log.Logger

	ch chan *state.WorldState
}

func newCheckpointWriter(dir string, idx *indexdb.SQLiteIndex, logger *log.Logger) *checkpointWriter {
	return &checkpointWriter{
		dir: dir,
		idx: indexOrNil(idx),
		log: logger,
		ch:  make(chan *state.WorldState, 2),
	}
}

func (w *checkpointWriter) Checkpoint(ws *state.WorldState) {
	for {
		select {
		case w.ch <- ws:
			return
		default:
		}
		select {
		case <-w.ch:
		default:
		}
	}
}

func (w *checkpointWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ws := <-w.ch:
			if _, err := w.write(ws); err != nil {
				w.log.Printf("checkpoint write: %v", err)
			}
		}
	}
}

func (w *checkpointWriter) write(ws *state.WorldState) (string, error) {
	cp, err := snapshot.FromWorld(ws)
	if err != nil {
		return "", err
	}
	path := snapshot.PathFor(w.dir, cp.Header.Version)
	if err := snapshot.WriteSnapshot(path, cp); err != nil {
		return "", err
	}
	if w.idx != nil {
		w.idx.RecordCheckpoint(path, cp)
	}
	return path, nil
}
