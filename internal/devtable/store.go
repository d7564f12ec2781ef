package devtable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/db"
	"github.com/openmined/qbsync/internal/qbp"
)

// Store persists the table. Commit must be atomic.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, c Commit) error
	SetHead(ctx context.Context, rec change.Record, seq uint64) error
	// Since returns the heads set after seq, oldest first, with content
	Since(ctx context.Context, seq uint64) ([]Change, error)
	Close() error
}

// Snapshot is the restored table. Heads carry no content.
type Snapshot struct {
	Devices map[change.DeviceID]uint64
	Heads   map[string]change.Record
	// Seq is the last acceptance sequence
	Seq uint64
}

// Commit is the effect of one applied record
type Commit struct {
	Record change.Record
	// Seq the record takes when it becomes the head
	Seq      uint64
	SetHead  bool
	Conflict bool
}

// LogEntry is one row of the change log
type LogEntry struct {
	Seq       int64
	Record    change.Record
	Conflict  bool
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    device TEXT PRIMARY KEY,
    stamp INTEGER NOT NULL,
    updated_at TEXT NOT NULL
);

-- record keeps the content of the current version
CREATE TABLE IF NOT EXISTS heads (
    path TEXT PRIMARY KEY,
    origin TEXT NOT NULL,
    stamp INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    record BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heads_seq ON heads(seq);

CREATE TABLE IF NOT EXISTS changelog (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    origin TEXT NOT NULL,
    stamp INTEGER NOT NULL,
    path TEXT NOT NULL,
    op TEXT NOT NULL,
    hash TEXT NOT NULL,
    conflict INTEGER NOT NULL DEFAULT 0,
    record BLOB NOT NULL,
    created_at TEXT NOT NULL, -- RFC3339
    UNIQUE(origin, stamp)
);

CREATE INDEX IF NOT EXISTS idx_changelog_path ON changelog(path);
`

type dbDevice struct {
	Device string `db:"device"`
	Stamp  int64  `db:"stamp"`
}

type dbHead struct {
	Seq    int64  `db:"seq"`
	Record []byte `db:"record"`
}

type dbLogEntry struct {
	Seq       int64  `db:"seq"`
	Record    []byte `db:"record"`
	Conflict  bool   `db:"conflict"`
	CreatedAt string `db:"created_at"`
}

// SQLStore keeps the table in SQLite
type SQLStore struct {
	db    *sqlx.DB
	codec qbp.ContentType
	now   func() time.Time
}

// OpenSQLStore opens path, use ":memory:" for a throwaway store
func OpenSQLStore(path string) (*SQLStore, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	codec, err := qbp.LookupContentType(qbp.ContentTypeMsgpack)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &SQLStore{db: conn, codec: codec, now: time.Now}, nil
}

func (s *SQLStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Devices: make(map[change.DeviceID]uint64),
		Heads:   make(map[string]change.Record),
	}

	var devices []dbDevice
	if err := s.db.SelectContext(ctx, &devices, "SELECT device, stamp FROM devices"); err != nil {
		return snap, fmt.Errorf("failed to query devices: %w", err)
	}
	for _, d := range devices {
		id, err := change.ParseDeviceID(d.Device)
		if err != nil {
			slog.Warn("devtable skip device", "device", d.Device, "error", err)
			continue
		}
		snap.Devices[id] = uint64(d.Stamp)
	}

	var heads []dbHead
	if err := s.db.SelectContext(ctx, &heads, "SELECT seq, record FROM heads"); err != nil {
		return snap, fmt.Errorf("failed to query heads: %w", err)
	}
	for _, h := range heads {
		var rec change.Record
		if err := s.codec.Unmarshal(h.Record, &rec); err != nil {
			return snap, fmt.Errorf("failed to decode head: %w", err)
		}
		snap.Heads[rec.Resource.Path] = stripped(rec)
		snap.Seq = max(snap.Seq, uint64(h.Seq))
	}

	return snap, nil
}

func (s *SQLStore) Since(ctx context.Context, seq uint64) ([]Change, error) {
	var heads []dbHead
	err := s.db.SelectContext(ctx, &heads, "SELECT seq, record FROM heads WHERE seq > ? ORDER BY seq", int64(seq))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query heads after %d: %w", seq, err)
	}

	changes := make([]Change, 0, len(heads))
	for _, h := range heads {
		var rec change.Record
		if err := s.codec.Unmarshal(h.Record, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode head: %w", err)
		}
		changes = append(changes, Change{Seq: uint64(h.Seq), Record: rec})
	}
	return changes, nil
}

func (s *SQLStore) Commit(ctx context.Context, c Commit) error {
	data, err := s.encode(stripped(c.Record))
	if err != nil {
		return err
	}
	var full []byte
	if c.SetHead {
		if full, err = s.encode(c.Record); err != nil {
			return err
		}
	}

	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		rec := c.Record
		now := s.now().UTC().Format(time.RFC3339)

		_, err := tx.ExecContext(ctx, `INSERT INTO devices (device, stamp, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(device) DO UPDATE SET stamp = excluded.stamp, updated_at = excluded.updated_at
			WHERE excluded.stamp > devices.stamp`,
			rec.Origin.String(), int64(rec.Stamp), now)
		if err != nil {
			return fmt.Errorf("failed to update device %s: %w", rec.Origin, err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO changelog (origin, stamp, path, op, hash, conflict, record, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Origin.String(), int64(rec.Stamp), rec.Resource.Path, rec.Op.String(), rec.Hash(), c.Conflict, data, now)
		if err != nil {
			return fmt.Errorf("failed to append change %s: %w", rec.Key(), err)
		}

		if c.SetHead {
			return setHead(ctx, tx, rec, c.Seq, full)
		}
		return nil
	})
}

func (s *SQLStore) SetHead(ctx context.Context, rec change.Record, seq uint64) error {
	data, err := s.encode(rec)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return setHead(ctx, tx, rec, seq, data)
	})
}

// ChangeLog returns the log entries of a resource, oldest first
func (s *SQLStore) ChangeLog(ctx context.Context, path string) ([]LogEntry, error) {
	var rows []dbLogEntry
	err := s.db.SelectContext(ctx, &rows,
		"SELECT seq, record, conflict, created_at FROM changelog WHERE path = ? ORDER BY seq", path)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query change log for %s: %w", path, err)
	}

	entries := make([]LogEntry, 0, len(rows))
	for _, row := range rows {
		var rec change.Record
		if err := s.codec.Unmarshal(row.Record, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode change: %w", err)
		}
		created, _ := time.Parse(time.RFC3339, row.CreatedAt)
		entries = append(entries, LogEntry{
			Seq:       row.Seq,
			Record:    rec,
			Conflict:  row.Conflict,
			CreatedAt: created,
		})
	}
	return entries, nil
}

func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close state db", "error", err)
		return err
	}
	return nil
}

func (s *SQLStore) encode(rec change.Record) ([]byte, error) {
	data, err := s.codec.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", rec.Key(), err)
	}
	return data, nil
}

func setHead(ctx context.Context, tx *sqlx.Tx, rec change.Record, seq uint64, data []byte) error {
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO heads (path, origin, stamp, seq, record) VALUES (?, ?, ?, ?, ?)`,
		rec.Resource.Path, rec.Origin.String(), int64(rec.Stamp), int64(seq), data)
	if err != nil {
		return fmt.Errorf("failed to set head %s: %w", rec.Resource.Path, err)
	}
	return nil
}
