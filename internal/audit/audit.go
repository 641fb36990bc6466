// Package audit keeps an append-only trail of account-affecting actions:
// generation lifecycle, quota rejections, and plan changes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Actions recorded in the trail.
const (
	ActionGenerationAdmitted  = "generation.admitted"
	ActionGenerationRejected  = "generation.rejected"
	ActionGenerationSucceeded = "generation.succeeded"
	ActionGenerationFailed    = "generation.failed"
	ActionQuotaExhausted      = "quota.exhausted"
	ActionPlanChanged         = "plan.changed"
	ActionUserRegistered      = "user.registered"
	ActionUserSuspended       = "user.suspended"
)

// Event is a single audit record. Detail holds action-specific fields, e.g.
// the session ID and failure reason for generation events.
type Event struct {
	ID        int64             `json:"id"`
	UserID    string            `json:"userId"`
	Action    string            `json:"action"`
	SessionID string            `json:"sessionId,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Logger persists audit events.
type Logger interface {
	Log(ctx context.Context, e *Event) error
	Query(ctx context.Context, userID string, action string, limit int) ([]*Event, error)
}

// --- PostgresLogger ---

// PostgresLogger writes audit events to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

var _ Logger = (*PostgresLogger)(nil)

func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT NOT NULL,
			action     TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			detail     JSONB,
			request_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_user
			ON audit_events(user_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrating audit_events: %w", err)
	}
	return nil
}

func (l *PostgresLogger) Log(ctx context.Context, e *Event) error {
	var detail []byte
	if len(e.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(e.Detail); err != nil {
			return fmt.Errorf("encoding audit detail: %w", err)
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (user_id, action, session_id, detail, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		e.UserID, e.Action, e.SessionID, detail, e.RequestID)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func (l *PostgresLogger) Query(ctx context.Context, userID, action string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, user_id, action, session_id,
		COALESCE(detail::TEXT, '{}'), request_id, created_at
		FROM audit_events WHERE user_id = $1`
	args := []any{userID}
	if action != "" {
		query += ` AND action = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, action, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var detail string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.SessionID,
			&detail, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("decoding audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- MemoryLogger ---

// MemoryLogger stores audit events in memory for tests and local development.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []*Event
	nextID int64
}

var _ Logger = (*MemoryLogger)(nil)

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Log(_ context.Context, e *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *e
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.events = append(l.events, &cp)
	return nil
}

func (l *MemoryLogger) Query(_ context.Context, userID, action string, limit int) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Event
	for i := len(l.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.events[i]
		if e.UserID != userID {
			continue
		}
		if action != "" && e.Action != action {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Events returns all stored events, for testing.
func (l *MemoryLogger) Events() []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Event, len(l.events))
	copy(result, l.events)
	return result
}
