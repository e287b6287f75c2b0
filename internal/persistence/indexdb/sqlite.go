package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"worldsync/internal/persistence/snapshot"
	"worldsync/internal/sim/prediction"
	"worldsync/internal/sim/state"
	"worldsync/internal/sim/tuning"
)

// SQLiteIndex is a queryable read model fed from the sync loop. Writes are
// queued and applied by a single goroutine; a full queue drops the write.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropVersion    atomic.Uint64
	dropRejection  atomic.Uint64
	dropCheckpoint atomic.Uint64
}

type reqKind int

const (
	reqVersion reqKind = iota + 1
	reqRejection
	reqCheckpoint
	reqFlush
)

type req struct {
	kind reqKind

	version    versionRow
	rejection  rejectionRow
	checkpoint checkpointRow
	done       chan struct{}
}

type versionRow struct {
	Version   uint64
	Kind      string
	EntityID  string
	Digest    string
	Timestamp int64
	Raw       []byte
}

type rejectionRow struct {
	ClientID string
	Sequence uint64
	Reason   string
	At       int64
	Raw      []byte
}

type checkpointRow struct {
	Version  uint64
	Path     string
	Entities int
	Digest   string
	At       int64
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	DropVersionTotal    uint64
	DropRejectionTotal  uint64
	DropCheckpointTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS versions (
			version INTEGER PRIMARY KEY,
			kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			ts INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_versions_entity ON versions(entity_id, version);`,
		`CREATE TABLE IF NOT EXISTS rejected_inputs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			reason TEXT NOT NULL,
			at INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rejected_client ON rejected_inputs(client_id, at);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			version INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			entities INTEGER NOT NULL,
			digest TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropVersionTotal:    s.dropVersion.Load(),
		DropRejectionTotal:  s.dropRejection.Load(),
		DropCheckpointTotal: s.dropCheckpoint.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	select {
	case s.ch <- r:
	default:
		// The JSONL logs remain the source of truth.
		drops.Add(1)
	}
}

// LogUpdate indexes one committed version. It never blocks.
func (s *SQLiteIndex) LogUpdate(version uint64, u state.Update, digest string) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	entityID := u.EntityID
	if entityID == "" && u.Entity != nil {
		entityID = u.Entity.ID
	}
	s.enqueue(req{kind: reqVersion, version: versionRow{
		Version:   version,
		Kind:      string(u.Kind),
		EntityID:  entityID,
		Digest:    digest,
		Timestamp: u.Timestamp,
		Raw:       raw,
	}}, &s.dropVersion)
	return nil
}

// AuditInput records a rejected input for offline anti-cheat review.
func (s *SQLiteIndex) AuditInput(clientID string, in prediction.Input, reason error) {
	if s == nil || s.closed.Load() {
		return
	}
	raw, _ := json.Marshal(in)
	s.enqueue(req{kind: reqRejection, rejection: rejectionRow{
		ClientID: clientID,
		Sequence: in.Sequence,
		Reason:   reason.Error(),
		At:       time.Now().UnixMilli(),
		Raw:      raw,
	}}, &s.dropRejection)
}

func (s *SQLiteIndex) RecordCheckpoint(path string, cp snapshot.CheckpointV1) {
	if s == nil || s.closed.Load() {
		return
	}
	s.enqueue(req{kind: reqCheckpoint, checkpoint: checkpointRow{
		Version:  cp.Header.Version,
		Path:     path,
		Entities: cp.Header.Entities,
		Digest:   cp.Header.Digest,
		At:       time.Now().UnixMilli(),
	}}, &s.dropCheckpoint)
}

// Sync blocks until every write queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertTuning stores the tuning actually applied, keyed by its digest.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := blake3.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, kv := range [][2]string{
		{"schema_version", "1"},
		{"tuning", string(b)},
		{"tuning_digest", fmt.Sprintf("%x", sum[:])},
	} {
		if _, err := stmt.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return v, err == nil, err
}

func (s *SQLiteIndex) VersionDigest(ctx context.Context, version uint64) (string, bool, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM versions WHERE version=?`, int64(version)).Scan(&d)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return d, err == nil, err
}

type RejectedInput struct {
	ClientID string
	Sequence uint64
	Reason   string
	At       int64
}

func (s *SQLiteIndex) RejectedInputs(ctx context.Context, clientID string, limit int) ([]RejectedInput, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, seq, reason, at FROM rejected_inputs WHERE client_id=? ORDER BY id DESC LIMIT ?`,
		clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RejectedInput
	for rows.Next() {
		var (
			r   RejectedInput
			seq int64
		)
		if err := rows.Scan(&r.ClientID, &seq, &r.Reason, &r.At); err != nil {
			return nil, err
		}
		r.Sequence = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the path and version of the newest recorded
// checkpoint.
func (s *SQLiteIndex) LatestCheckpoint(ctx context.Context) (string, uint64, bool, error) {
	var (
		path string
		v    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT path, version FROM checkpoints ORDER BY version DESC LIMIT 1`).Scan(&path, &v)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return path, uint64(v), true, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertVersion, _ := s.db.Prepare(`INSERT OR REPLACE INTO versions(version,kind,entity_id,digest,ts,raw_json) VALUES(?,?,?,?,?,?)`)
	insertRejection, _ := s.db.Prepare(`INSERT INTO rejected_inputs(client_id,seq,reason,at,raw_json) VALUES(?,?,?,?,?)`)
	insertCheckpoint, _ := s.db.Prepare(`INSERT OR REPLACE INTO checkpoints(version,path,entities,digest,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertVersion, insertRejection, insertCheckpoint} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqVersion:
			v := r.version
			exec(insertVersion, int64(v.Version), v.Kind, v.EntityID, v.Digest, v.Timestamp, string(v.Raw))
		case reqRejection:
			rj := r.rejection
			exec(insertRejection, rj.ClientID, int64(rj.Sequence), rj.Reason, rj.At, string(rj.Raw))
		case reqCheckpoint:
			cp := r.checkpoint
			exec(insertCheckpoint, int64(cp.Version), cp.Path, cp.Entities, cp.Digest, cp.At)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
