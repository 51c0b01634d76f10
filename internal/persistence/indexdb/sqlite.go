package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"worldaudit.ai/internal/recording"
	"worldaudit.ai/internal/records"
)

// SQLiteIndex is the queryable read model of recorded events. Writes come from the recording
// queue's dispatcher and are committed in batches on Flush; queries use a separate pool.
type SQLiteIndex struct {
	db  *sql.DB
	rdb *sql.DB

	mu     sync.Mutex
	tx     *sql.Tx
	insert *sql.Stmt
	batch  []uint64
	once   sync.Once

	insertedTotal atomic.Uint64
	commitTotal   atomic.Uint64
	failTotal     atomic.Uint64
	lostTotal     atomic.Uint64
	lostFromSeq   atomic.Uint64
}

// Stats counts rows on commit. LostFromSeq is the lowest seq that never made it into the
// index (0 when nothing was lost); replay from there to repair it.
type Stats struct {
	InsertedTotal uint64
	CommitTotal   uint64
	FailTotal     uint64
	LostTotal     uint64
	LostFromSeq   uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	rdb, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rdb.SetMaxOpenConns(4)

	return &SQLiteIndex{db: db, rdb: rdb}, nil
}

// dsn applies the connection pragmas to every pooled connection.
// WAL is much faster for append-style workloads and lets readers run beside the writer.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"temp_store(MEMORY)",
	} {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			type TEXT NOT NULL,
			actor TEXT NOT NULL,
			actor_name TEXT,
			at_ms INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			block_type TEXT,
			new_type TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_id ON records(id);`,
		`CREATE INDEX IF NOT EXISTS idx_records_actor_at ON records(actor, at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_records_pos_at ON records(x, z, y, at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_records_type_at ON records(type, at_ms);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteEntry adds e to the open batch, starting one if needed. A failed insert loses only e;
// the rest of the batch still commits.
func (s *SQLiteIndex) WriteEntry(e recording.Entry) error {
	if s == nil {
		return nil
	}
	env, err := records.Encode(e.Seq, e.Record)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	row := rowOf(e.Record)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginLocked(); err != nil {
		s.failTotal.Add(1)
		s.lostLocked(e.Seq, 1)
		return err
	}
	if _, err := s.insert.Exec(
		int64(e.Seq),
		e.Record.RecordID(),
		env.Kind,
		string(e.Record.EventType()),
		e.Record.Actor().ID(),
		e.Record.Actor().Name(),
		e.Record.OccurredAt().UnixMilli(),
		row.pos.X, row.pos.Y, row.pos.Z,
		row.blockType,
		row.newType,
		string(raw),
	); err != nil {
		s.failTotal.Add(1)
		s.lostLocked(e.Seq, 1)
		return fmt.Errorf("index insert seq=%d: %w", e.Seq, err)
	}
	s.batch = append(s.batch, e.Seq)
	return nil
}

// Flush commits the open batch.
func (s *SQLiteIndex) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		err = s.commitLocked()
		s.mu.Unlock()
		if cerr := s.rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		InsertedTotal: s.insertedTotal.Load(),
		CommitTotal:   s.commitTotal.Load(),
		FailTotal:     s.failTotal.Load(),
		LostTotal:     s.lostTotal.Load(),
		LostFromSeq:   s.lostFromSeq.Load(),
	}
}

// ResumeSeq returns the lowest seq a replay must start from so the index has no holes: the
// first seq missing below the highest committed one, or MAX(seq)+1 when there are none.
func (s *SQLiteIndex) ResumeSeq(ctx context.Context) (uint64, error) {
	var seq int64
	err := s.rdb.QueryRowContext(ctx, `
		WITH bounds AS (SELECT MIN(seq) AS lo FROM records)
		SELECT CASE
			WHEN lo IS NULL OR lo > 1 THEN 1
			ELSE (SELECT MIN(a.seq) + 1 FROM records a
				WHERE NOT EXISTS (SELECT 1 FROM records b WHERE b.seq = a.seq + 1))
		END FROM bounds`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// LastSeq returns the highest committed sequence number, or 0 for an empty index.
func (s *SQLiteIndex) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.rdb.QueryRowContext(ctx, `SELECT MAX(seq) FROM records`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *SQLiteIndex) beginLocked() error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO records(seq,id,kind,type,actor,actor_name,at_ms,x,y,z,block_type,new_type,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	s.tx = tx
	s.insert = stmt
	return nil
}

func (s *SQLiteIndex) commitLocked() error {
	if s.tx == nil {
		return nil
	}
	_ = s.insert.Close()
	err := s.tx.Commit()
	batch := s.batch
	s.tx = nil
	s.insert = nil
	s.batch = s.batch[:0]
	if err != nil {
		s.failTotal.Add(1)
		if len(batch) == 0 {
			return err
		}
		s.lostLocked(batch[0], len(batch))
		return fmt.Errorf("index commit lost seq=%d..%d: %w", batch[0], batch[len(batch)-1], err)
	}
	s.insertedTotal.Add(uint64(len(batch)))
	s.commitTotal.Add(1)
	return nil
}

// lostLocked notes n entries starting at seq that are missing from the index.
func (s *SQLiteIndex) lostLocked(seq uint64, n int) {
	s.lostTotal.Add(uint64(n))
	if cur := s.lostFromSeq.Load(); cur == 0 || seq < cur {
		s.lostFromSeq.Store(seq)
	}
}

type recordRow struct {
	pos       records.Vec3i
	blockType string
	newType   string
}

func rowOf(rec records.Record) recordRow {
	switch r := rec.(type) {
	case records.BlockEventRecord:
		return recordRow{pos: r.Pos, blockType: r.BlockType, newType: r.NewType}
	default:
		return recordRow{}
	}
}
