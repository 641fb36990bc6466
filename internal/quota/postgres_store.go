package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/comicforge/comicforge/internal/metrics"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
//
// All cross-request coordination happens through conditional UPDATEs on the
// quota_windows row, so any number of service instances can share one
// database without additional locking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed quota store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the quota_windows table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quota_windows (
			user_id       VARCHAR(36) PRIMARY KEY,
			window_start  TIMESTAMPTZ NOT NULL,
			consumed      INTEGER NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_consumed_nonneg CHECK (consumed >= 0)
		);
	`)
	return err
}

// CurrentWindow returns the window covering now, creating or rolling it over
// in a single conditional upsert. When two callers race on an expired
// window, the conditional WHERE makes the second rollover a no-op.
func (p *PostgresStore) CurrentWindow(ctx context.Context, userID string, now time.Time) (*Window, error) {
	w, rolled, err := p.ensureCurrent(ctx, p.db, userID, now)
	if err != nil {
		return nil, err
	}
	if rolled {
		metrics.QuotaRolloversTotal.Inc()
	}
	return w, nil
}

// Consume rolls the window over if needed, then applies the ceiling check
// and increment as one conditional UPDATE. Runs in a serializable
// transaction so the rollover and the increment observe the same row
// version.
func (p *PostgresStore) Consume(ctx context.Context, userID string, amount, ceiling int, now time.Time) (*Window, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, rolled, err := p.ensureCurrent(ctx, tx, userID, now)
	if err != nil {
		return nil, err
	}

	var w Window
	w.UserID = userID

	if amount > 0 {
		// Ceiling check and increment in the same statement. Zero rows
		// means the condition failed, i.e. the window is full.
		err = tx.QueryRowContext(ctx, `
			UPDATE quota_windows
			SET consumed = consumed + $2, updated_at = NOW()
			WHERE user_id = $1 AND consumed + $2 <= $3
			RETURNING window_start, consumed
		`, userID, amount, ceiling).Scan(&w.WindowStart, &w.Consumed)
		if err == sql.ErrNoRows {
			return nil, ErrCeilingReached
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE quota_windows
			SET consumed = GREATEST(consumed + $2, 0), updated_at = NOW()
			WHERE user_id = $1
			RETURNING window_start, consumed
		`, userID, amount).Scan(&w.WindowStart, &w.Consumed)
	}
	if err != nil {
		return nil, fmt.Errorf("consume quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	if rolled {
		metrics.QuotaRolloversTotal.Inc()
	}
	return &w, nil
}

// execer abstracts *sql.DB and *sql.Tx for the shared upsert.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ensureCurrent upserts the user's window so that it covers now. The
// conditional DO UPDATE only fires when the stored window has expired;
// xmax distinguishes a fresh insert from a rollover of an existing row.
func (p *PostgresStore) ensureCurrent(ctx context.Context, q execer, userID string, now time.Time) (*Window, bool, error) {
	var (
		w      Window
		rolled bool
	)
	w.UserID = userID

	err := q.QueryRowContext(ctx, `
		INSERT INTO quota_windows (user_id, window_start, consumed, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (user_id) DO UPDATE
			SET window_start = EXCLUDED.window_start, consumed = 0, updated_at = NOW()
			WHERE quota_windows.window_start + INTERVAL '1 month' <= EXCLUDED.window_start
		RETURNING window_start, consumed, (xmax <> 0)
	`, userID, now).Scan(&w.WindowStart, &w.Consumed, &rolled)
	if err == sql.ErrNoRows {
		// Conflict with a still-current window: nothing was written, read it back.
		err = q.QueryRowContext(ctx, `
			SELECT window_start, consumed FROM quota_windows WHERE user_id = $1
		`, userID).Scan(&w.WindowStart, &w.Consumed)
		if err != nil {
			return nil, false, fmt.Errorf("read quota window: %w", err)
		}
		return &w, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert quota window: %w", err)
	}
	return &w, rolled, nil
}
