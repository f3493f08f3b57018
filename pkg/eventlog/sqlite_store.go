package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database. The composite
// primary key (stream_id, seq) makes duplicate or overlapping writes a hard
// storage error instead of silent corruption.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_events (
	stream_id TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	channel   TEXT NOT NULL,
	type      TEXT NOT NULL,
	payload   BLOB,
	ts        INTEGER NOT NULL,
	PRIMARY KEY (stream_id, seq)
);
`

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY churn under the
	// per-stream worker model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Append persists one event as a single atomic row insert.
func (s *SQLiteStore) Append(ctx context.Context, event *Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (stream_id, seq, channel, type, payload, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.StreamID, event.Seq, string(event.Channel), string(event.Type),
		[]byte(event.Payload), event.TS.UnixMicro())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSeq
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a primary-key conflict.
// modernc.org/sqlite surfaces these as "UNIQUE constraint failed" errors;
// other constraint classes (NOT NULL, CHECK) must not match here, since a
// duplicate seq is escalated to a fatal sequencing error upstream.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// MaxSeq returns the highest persisted seq for a stream.
func (s *SQLiteStore) MaxSeq(ctx context.Context, streamID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM session_events WHERE stream_id = ?`, streamID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// EventsSince returns events with seq > afterSeq in ascending order.
func (s *SQLiteStore) EventsSince(ctx context.Context, streamID string, afterSeq int64, limit int) ([]*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT stream_id, seq, channel, type, payload, ts
		FROM session_events WHERE stream_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{streamID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var (
			ev      Event
			channel string
			typ     string
			payload []byte
			tsMicro int64
		)
		if err := rows.Scan(&ev.StreamID, &ev.Seq, &channel, &typ, &payload, &tsMicro); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Channel = Channel(channel)
		ev.Type = EventType(typ)
		ev.Payload = payload
		ev.TS = time.UnixMicro(tsMicro).UTC()
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// DeleteStream removes a stream's events, optionally keeping snapshots.
func (s *SQLiteStore) DeleteStream(ctx context.Context, streamID string, preserveSnapshots bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var err error
	if preserveSnapshots {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM session_events WHERE stream_id = ? AND type != ?`,
			streamID, string(TypeSnapshot))
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM session_events WHERE stream_id = ?`, streamID)
	}
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
