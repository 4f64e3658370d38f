package store

import (
	"context"
	"fmt"
	"time"
)

// SessionRecord is the audit row for one completed invocation.
type SessionRecord struct {
	ID            string        `json:"id"`
	Task          string        `json:"task"`
	Mode          string        `json:"mode"`
	Capability    string        `json:"capability"`
	Status        string        `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Result        string        `json:"result"`
	Iterations    int           `json:"iterations"`
	Elapsed       time.Duration `json:"elapsed"`
	CreatedAt     time.Time     `json:"created_at"`
}

// RecordSession inserts the audit row for a finished session.
func (s *Store) RecordSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, task, mode, capability, status, failure_reason, result, iterations, elapsed_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Task, rec.Mode, rec.Capability, rec.Status,
		rec.FailureReason, rec.Result, rec.Iterations,
		rec.Elapsed.Milliseconds(), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSession retrieves one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, task, mode, capability, status, COALESCE(failure_reason,''), result, iterations, elapsed_ms, created_at
		FROM sessions WHERE id = $1`, id)

	var rec SessionRecord
	var elapsedMs int64
	err := row.Scan(&rec.ID, &rec.Task, &rec.Mode, &rec.Capability, &rec.Status,
		&rec.FailureReason, &rec.Result, &rec.Iterations, &elapsedMs, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	rec.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	return &rec, nil
}

// ListSessions returns recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, task, mode, capability, status, COALESCE(failure_reason,''), result, iterations, elapsed_ms, created_at
		FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var elapsedMs int64
		if err := rows.Scan(&rec.ID, &rec.Task, &rec.Mode, &rec.Capability, &rec.Status,
			&rec.FailureReason, &rec.Result, &rec.Iterations, &elapsedMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, nil
}
