package generation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/comicforge/comicforge/internal/pagination"
	"github.com/comicforge/comicforge/internal/plan"
	"github.com/comicforge/comicforge/internal/quota"
)

// PostgresStore persists sessions in PostgreSQL. Entitlement and window
// snapshots are stored as JSONB so admission terms survive catalog changes.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS generation_sessions (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			requested_pages INT NOT NULL,
			status          TEXT NOT NULL,
			progress        INT NOT NULL DEFAULT 0,
			entitlement     JSONB,
			window_snapshot JSONB,
			failure_kind    TEXT NOT NULL DEFAULT '',
			failure_reason  TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL,
			started_at      TIMESTAMPTZ,
			completed_at    TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_generation_sessions_user
			ON generation_sessions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_generation_sessions_status
			ON generation_sessions(status);
	`)
	if err != nil {
		return fmt.Errorf("migrating generation_sessions: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, requested_pages, status, progress,
	entitlement, window_snapshot, failure_kind, failure_reason,
	created_at, started_at, completed_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var (
		s           Session
		entJSON     []byte
		winJSON     []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.RequestedPages, &s.Status, &s.Progress,
		&entJSON, &winJSON, &s.FailureKind, &s.FailureReason,
		&s.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if len(entJSON) > 0 {
		var ent plan.Entitlement
		if err := json.Unmarshal(entJSON, &ent); err != nil {
			return nil, fmt.Errorf("decoding entitlement snapshot: %w", err)
		}
		s.Entitlement = &ent
	}
	if len(winJSON) > 0 {
		var win quota.Window
		if err := json.Unmarshal(winJSON, &win); err != nil {
			return nil, fmt.Errorf("decoding window snapshot: %w", err)
		}
		s.Window = &win
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return &s, nil
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	var entJSON, winJSON []byte
	var err error
	if s.Entitlement != nil {
		if entJSON, err = json.Marshal(s.Entitlement); err != nil {
			return fmt.Errorf("encoding entitlement snapshot: %w", err)
		}
	}
	if s.Window != nil {
		if winJSON, err = json.Marshal(s.Window); err != nil {
			return fmt.Errorf("encoding window snapshot: %w", err)
		}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO generation_sessions
			(id, user_id, requested_pages, status, progress,
			 entitlement, window_snapshot, failure_kind, failure_reason,
			 created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.UserID, s.RequestedPages, s.Status, s.Progress,
		nullableJSON(entJSON), nullableJSON(winJSON), s.FailureKind, s.FailureReason,
		s.CreatedAt, s.StartedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM generation_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Session, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM generation_sessions
			 WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC LIMIT $4`,
			userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM generation_sessions
			 WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
			userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE generation_sessions SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4`,
		id, StatusRunning, at, StatusAdmitted)
	if err != nil {
		return fmt.Errorf("marking session running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE generation_sessions SET progress = $2
		WHERE id = $1 AND status = $3`,
		id, progress, StatusRunning)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, kind FailureKind, reason string, at time.Time) (bool, error) {
	progressExpr := "progress"
	if status == StatusSucceeded {
		progressExpr = "100"
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE generation_sessions
		SET status = $2, failure_kind = $3, failure_reason = $4,
		    completed_at = $5, progress = `+progressExpr+`
		WHERE id = $1 AND status = $6`,
		id, status, kind, reason, at, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("resolving session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListStuckRunning(ctx context.Context, startedBefore time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM generation_sessions
		 WHERE status = $1 AND started_at < $2
		 ORDER BY started_at ASC LIMIT $3`,
		StatusRunning, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stuck sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
