// Package store persists frame batches in SQLite. The log is append-only:
// batches are inserted atomically and never updated or deleted, and every
// frame carries a monotonically increasing sequence number assigned by the
// database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/drivebus/canbus"
	"github.com/c360/drivebus/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	step_hash INTEGER NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS frames (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id INTEGER NOT NULL,
	frame_id INTEGER NOT NULL,
	dlc INTEGER NOT NULL,
	payload BLOB NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (batch_id) REFERENCES batches(id)
);

CREATE TABLE IF NOT EXISTS events (
	uuid TEXT PRIMARY KEY,
	message TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_frames_batch_id ON frames(batch_id);
CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`

// Store wraps the SQLite connection. SQLite works best with a single
// writer, so the pool is pinned to one connection and writers serialize on
// it.
type Store struct {
	conn    *sql.DB
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open opens (creating if needed) the batch log at path. Pass ":memory:"
// for an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{
		conn:   conn,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "create schema")
	}

	s.logger.Info("store opened", "path", path)
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// AppendResult reports where an appended batch landed in the log.
type AppendResult struct {
	BatchID  int64
	FirstSeq int64
	LastSeq  int64
}

// StoredFrame is a frame as it sits in the log, with its assigned sequence
// number and owning batch.
type StoredFrame struct {
	Seq       int64        `json:"seq"`
	BatchID   int64        `json:"batch_id"`
	Frame     canbus.Frame `json:"frame"`
	CreatedAt time.Time    `json:"created_at"`
}

// Batch is a complete stored batch.
type Batch struct {
	ID        int64          `json:"id"`
	StepHash  uint32         `json:"step_hash"`
	CreatedAt time.Time      `json:"created_at"`
	Frames    []canbus.Frame `json:"frames"`
}

// AppendBatch inserts a complete batch in one transaction. Either all
// frames land or none do. The hash identifies the step the frames encode.
func (s *Store) AppendBatch(ctx context.Context, frames []canbus.Frame, stepHash uint32) (*AppendResult, error) {
	if len(frames) != canbus.BatchSize {
		return nil, errors.Wrap(errors.ErrIncompleteBatch, "Store", "AppendBatch",
			fmt.Sprintf("append %d frames, want %d", len(frames), canbus.BatchSize))
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrWriteFailed, err), "Store", "AppendBatch", "begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO batches (step_hash) VALUES (?)`, int64(stepHash))
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrWriteFailed, err), "Store", "AppendBatch", "insert batch")
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrWriteFailed, err), "Store", "AppendBatch", "read batch id")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO frames (batch_id, frame_id, dlc, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrWriteFailed, err), "Store", "AppendBatch", "prepare insert")
	}
	defer stmt.Close()

	var firstSeq, lastSeq int64
	for i, f := range frames {
		res, err := stmt.ExecContext(ctx, batchID, int64(f.ID), int64(f.DLC), f.Payload())
		if err != nil {
			return nil, errors.WrapTransient(errors.Join(errors.ErrWriteFailed, err), "Store", "AppendBatch",
				fmt.Sprintf("insert frame 0x%03X", f.ID))
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, errors.WrapTransient(errors.Join(errors.ErrWriteFailed, err), "Store", "AppendBatch", "read frame seq")
		}
		if i == 0 {
			firstSeq = seq
		}
		lastSeq = seq
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrWriteFailed, err), "Store", "AppendBatch", "commit")
	}

	s.metrics.RecordAppend(len(frames))
	s.logger.Debug("batch appended",
		"batch_id", batchID, "first_seq", firstSeq, "last_seq", lastSeq)

	return &AppendResult{BatchID: batchID, FirstSeq: firstSeq, LastSeq: lastSeq}, nil
}

// GetBatch loads one batch with its frames. Returns ErrBatchMissing when the
// id does not exist.
func (s *Store) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	var b Batch
	var hash int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, step_hash, created_at FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &hash, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrBatchMissing, "Store", "GetBatch",
			fmt.Sprintf("load batch %d", id))
	}
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "GetBatch", "load batch row")
	}
	b.StepHash = uint32(hash)

	frames, err := s.batchFrames(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Frames = frames
	s.metrics.RecordRead()
	return &b, nil
}

// LatestBatch loads the most recently appended batch, or ErrBatchMissing
// when the log is empty.
func (s *Store) LatestBatch(ctx context.Context) (*Batch, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx, `SELECT id FROM batches ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrBatchMissing, "Store", "LatestBatch", "load latest batch")
	}
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "LatestBatch", "load latest id")
	}
	return s.GetBatch(ctx, id)
}

// Batches lists batches with id greater than afterID, oldest first, at most
// limit rows. Iteration is restartable: callers resume by passing the last
// id they saw.
func (s *Store) Batches(ctx context.Context, afterID int64, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, step_hash, created_at FROM batches WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Batches", "list batches")
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var hash int64
		if err := rows.Scan(&b.ID, &hash, &b.CreatedAt); err != nil {
			return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Batches", "scan batch row")
		}
		b.StepHash = uint32(hash)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Batches", "iterate batches")
	}

	for i := range batches {
		frames, err := s.batchFrames(ctx, batches[i].ID)
		if err != nil {
			return nil, err
		}
		batches[i].Frames = frames
	}
	s.metrics.RecordRead()
	return batches, nil
}

// Frames lists raw stored frames, newest first.
func (s *Store) Frames(ctx context.Context, limit int) ([]StoredFrame, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, batch_id, frame_id, dlc, payload, created_at
		 FROM frames ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Frames", "list frames")
	}
	defer rows.Close()

	var frames []StoredFrame
	for rows.Next() {
		sf, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, sf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Frames", "iterate frames")
	}
	s.metrics.RecordRead()
	return frames, nil
}

// Counts reports log size for health reporting.
func (s *Store) Counts(ctx context.Context) (batches, frames int64, err error) {
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&batches); err != nil {
		return 0, 0, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Counts", "count batches")
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&frames); err != nil {
		return 0, 0, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Counts", "count frames")
	}
	return batches, frames, nil
}

func (s *Store) batchFrames(ctx context.Context, batchID int64) ([]canbus.Frame, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, batch_id, frame_id, dlc, payload, created_at
		 FROM frames WHERE batch_id = ? ORDER BY seq ASC`, batchID)
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "batchFrames", "load frames")
	}
	defer rows.Close()

	var frames []canbus.Frame
	for rows.Next() {
		sf, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, sf.Frame)
	}
	return frames, rows.Err()
}

func scanFrame(rows *sql.Rows) (StoredFrame, error) {
	var sf StoredFrame
	var frameID, dlc int64
	var payload []byte
	if err := rows.Scan(&sf.Seq, &sf.BatchID, &frameID, &dlc, &payload, &sf.CreatedAt); err != nil {
		return sf, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "scanFrame", "scan frame row")
	}
	sf.Frame.ID = uint16(frameID)
	sf.Frame.DLC = uint8(dlc)
	copy(sf.Frame.Data[:], payload)
	return sf, nil
}
