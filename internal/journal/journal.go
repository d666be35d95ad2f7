// Package journal keeps an append-only SQLite log of committed registry events.
// It is an audit trail for operators; the registry never reads it back.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zeusync/horde/internal/core/events"
	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/observability/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq         INTEGER PRIMARY KEY,
	type        TEXT    NOT NULL,
	payload     TEXT    NOT NULL,
	recorded_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS events_type ON events(type);
`

var ErrClosed = errors.New("journal is closed")

// Record is one journaled event.
type Record struct {
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

type Journal struct {
	db     *sql.DB
	logger log.Log
	sub    bus.Subscription
	now    func() time.Time
}

// ConnectSQLite opens the database file at path.
func ConnectSQLite(path string) (*sql.DB, error) {
	return sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
}

// Open connects to path and creates the schema if needed.
func Open(ctx context.Context, path string, logger log.Log) (*Journal, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	db, err := ConnectSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection keeps appends strictly ordered.
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logger.With(log.String("component", "journal"), log.String("path", path)),
		now:    time.Now,
	}, nil
}

// Append stores e. Appending the same sequence number twice fails.
func (j *Journal) Append(ctx context.Context, e events.Sequenced) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type(), err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (seq, type, payload, recorded_at) VALUES (?, ?, ?, ?)`,
		int64(e.Sequence()), e.Type(), string(payload), j.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append event %d: %w", e.Sequence(), err)
	}
	return nil
}

// Attach journals every event published on b until Close.
func (j *Journal) Attach(b bus.EventBus) error {
	if j.sub != nil {
		return errors.New("journal already attached")
	}
	sub, err := b.Subscribe(bus.AllEvents, func(e bus.Event) error {
		seqd, ok := e.(events.Sequenced)
		if !ok {
			return nil
		}
		if err := j.Append(context.Background(), seqd); err != nil {
			j.logger.Error("Failed to journal event", log.String("event", e.Type()), log.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.sub = sub
	j.logger.Info("Journal attached")
	return nil
}

// List returns up to limit records with seq >= from, oldest first.
func (j *Journal) List(ctx context.Context, from uint64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, type, payload, recorded_at FROM events WHERE seq >= ? ORDER BY seq LIMIT ?`,
		int64(from), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			seq        int64
			payload    string
			recordedAt string
		)
		if err = rows.Scan(&seq, &rec.Type, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Payload = json.RawMessage(payload)
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at of event %d: %w", seq, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns how many events are journaled.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close detaches from the bus and closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return ErrClosed
	}
	if j.sub != nil {
		_ = j.sub.Cancel()
		j.sub = nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
