// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the bot's sync position and the set of
// already-reported events in SQLite.
//
// The sync position lets a restart resume the event stream where the
// previous run left off. The reported-events table deduplicates:
// without it, resuming from a saved position could re-report a
// mention whose report succeeded but whose position write was lost to
// a crash.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/sqlitepool"
)

// DefaultRetention is how long reported-event rows are kept before
// Prune removes them. Sync positions only move forward, so an event
// older than the retention window can never be replayed.
const DefaultRetention = 30 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reported_events (
	event_id    TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL,
	reported_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS reported_events_by_time
	ON reported_events (reported_at);
`

const syncTokenKey = "sync_token"

// Store is the bot's persistent state. Safe for concurrent use.
type Store struct {
	pool *sqlitepool.Pool
}

// Open creates or opens the store database at path. Use ":memory:"
// for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	poolSize := 0
	if path == ":memory:" {
		// Each in-memory connection is an independent database, so
		// the pool must hold exactly one.
		poolSize = 1
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// SyncToken returns the saved sync position, or "" if none has been
// saved yet.
func (s *Store) SyncToken(ctx context.Context) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var token string
	err = sqlitex.Execute(conn, "SELECT value FROM sync_state WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{syncTokenKey},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			token = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: reading sync token: %w", err)
	}
	return token, nil
}

// SetSyncToken saves the sync position. An empty token is rejected;
// positions only move forward.
func (s *Store) SetSyncToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("store: refusing to save empty sync token")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO sync_state (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{
			Args: []any{syncTokenKey, token},
		})
	if err != nil {
		return fmt.Errorf("store: saving sync token: %w", err)
	}
	return nil
}

// IsReported reports whether the event has already been reported.
func (s *Store) IsReported(ctx context.Context, eventID ref.EventID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn, "SELECT 1 FROM reported_events WHERE event_id = ?", &sqlitex.ExecOptions{
		Args: []any{eventID.String()},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: checking %s: %w", eventID, err)
	}
	return found, nil
}

// MarkReported records that the event has been reported. Marking an
// already-marked event is a no-op.
func (s *Store) MarkReported(ctx context.Context, eventID ref.EventID, roomID ref.RoomID, reportedAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO reported_events (event_id, room_id, reported_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING",
		&sqlitex.ExecOptions{
			Args: []any{eventID.String(), roomID.String(), reportedAt.Unix()},
		})
	if err != nil {
		return fmt.Errorf("store: marking %s: %w", eventID, err)
	}
	return nil
}

// Prune removes reported-event rows older than cutoff and returns the
// number of rows removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM reported_events WHERE reported_at < ?", &sqlitex.ExecOptions{
		Args: []any{cutoff.Unix()},
	})
	if err != nil {
		return 0, fmt.Errorf("store: pruning: %w", err)
	}
	return conn.Changes(), nil
}
