package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"portafoglio/internal/core"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is the session journal.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; serialise through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RecordEvent appends one event to the journal.
func (r *SQLiteRepository) RecordEvent(ctx context.Context, e core.SessionEvent) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("validate session event: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, kind, remaining, occurred_at) VALUES (?, ?, ?, ?)`,
		e.SessionID, string(e.Kind), e.Remaining, e.OccurredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}

	id, _ := res.LastInsertId()
	slog.DebugContext(ctx, "Session event saved to SQLite",
		"id", id,
		"session_id", e.SessionID,
		"kind", e.Kind)

	return nil
}

// ListEvents returns up to limit events for a session, newest first.
func (r *SQLiteRepository) ListEvents(ctx context.Context, sessionID string, limit int) ([]core.SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, kind, remaining, occurred_at
		   FROM session_events
		  WHERE session_id = ?
		  ORDER BY occurred_at DESC, id DESC
		  LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []core.SessionEvent
	for rows.Next() {
		var (
			e          core.SessionEvent
			kind       string
			occurredAt int64
		)
		if err := rows.Scan(&e.SessionID, &kind, &e.Remaining, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		e.Kind = core.EventKind(kind)
		e.OccurredAt = time.UnixMilli(occurredAt).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}

	return events, nil
}

// CountEvents returns how many events a session has in the journal.
func (r *SQLiteRepository) CountEvents(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_events WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count session events: %w", err)
	}
	return count, nil
}

// PruneEvents deletes events that occurred before the cutoff and returns how
// many were removed.
func (r *SQLiteRepository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM session_events WHERE occurred_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	return n, nil
}
