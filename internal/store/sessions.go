package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRecord is the durable execution record for one work item. At most
// one row exists per work item; SessionID always holds the most recent
// capture, later attempts overwrite earlier ones.
type SessionRecord struct {
	WorkItemID  string
	SessionID   string
	Identifier  string
	Title       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Success     *bool
}

// UpsertSession records that execution of a work item started. An existing
// row keeps its captured session id but resets the completion fields, so a
// re-run appears in-flight again.
func (s *Store) UpsertSession(ctx context.Context, workItemID, identifier, title string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (work_item_id, identifier, title, started_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(work_item_id) DO UPDATE SET
				identifier   = excluded.identifier,
				title        = excluded.title,
				started_at   = excluded.started_at,
				completed_at = NULL,
				success      = NULL;
		`, workItemID, identifier, title, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// SetSessionID captures the agent session id for a work item. Later captures
// overwrite earlier ones (the stored id is always the most recent).
func (s *Store) SetSessionID(ctx context.Context, workItemID, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET session_id = ? WHERE work_item_id = ?;
		`, sessionID, workItemID)
		if err != nil {
			return fmt.Errorf("set session id: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set session id rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("set session id: no session row for work item %s", workItemID)
		}
		return nil
	})
}

// CompleteSession records the terminal outcome of a work item's execution.
func (s *Store) CompleteSession(ctx context.Context, workItemID string, success bool) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET completed_at = ?, success = ?
			WHERE work_item_id = ?;
		`, time.Now().UTC(), success, workItemID)
		if err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		return nil
	})
}

// GetSession returns the session record for a work item, or nil when none
// exists.
func (s *Store) GetSession(ctx context.Context, workItemID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT work_item_id, COALESCE(session_id, ''), identifier, title,
			started_at, completed_at, success
		FROM sessions
		WHERE work_item_id = ?;
	`, workItemID)

	var rec SessionRecord
	var completedAt sql.NullTime
	var success sql.NullBool
	if err := row.Scan(&rec.WorkItemID, &rec.SessionID, &rec.Identifier, &rec.Title,
		&rec.StartedAt, &completedAt, &success); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if success.Valid {
		v := success.Bool
		rec.Success = &v
	}
	return &rec, nil
}

// ListSessions returns all session records, most recently started first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT work_item_id, COALESCE(session_id, ''), identifier, title,
			started_at, completed_at, success
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var completedAt sql.NullTime
		var success sql.NullBool
		if err := rows.Scan(&rec.WorkItemID, &rec.SessionID, &rec.Identifier, &rec.Title,
			&rec.StartedAt, &completedAt, &success); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		if success.Valid {
			v := success.Bool
			rec.Success = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}
