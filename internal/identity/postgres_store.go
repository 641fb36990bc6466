package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/comicforge/comicforge/internal/plan"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the users table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id          VARCHAR(36) PRIMARY KEY,
			email       VARCHAR(255) NOT NULL UNIQUE,
			name        VARCHAR(255),
			tier        VARCHAR(20) NOT NULL DEFAULT 'free',
			status      VARCHAR(20) NOT NULL DEFAULT 'active',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_users_tier ON users(tier);
		CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, tier, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, strings.ToLower(u.Email), u.Name, string(u.Tier), string(u.Status), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, email, name, tier, status, created_at, updated_at
		FROM users WHERE id = $1
	`, id)
	return scanUser(row)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, email, name, tier, status, created_at, updated_at
		FROM users WHERE email = $1
	`, strings.ToLower(email))
	return scanUser(row)
}

func (p *PostgresStore) Update(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now()

	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			email      = $2,
			name       = $3,
			tier       = $4,
			status     = $5,
			updated_at = $6
		WHERE id = $1
	`, u.ID, strings.ToLower(u.Email), u.Name, string(u.Tier), string(u.Status), u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u            User
		name         sql.NullString
		tier, status string
	)
	err := row.Scan(&u.ID, &u.Email, &name, &tier, &status, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if name.Valid {
		u.Name = name.String
	}
	u.Tier = plan.Tier(tier)
	u.Status = Status(status)
	return &u, nil
}
