package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresCustomerStore persists customer mappings in PostgreSQL.
type PostgresCustomerStore struct {
	db *sql.DB
}

var _ CustomerStore = (*PostgresCustomerStore)(nil)

func NewPostgresCustomerStore(db *sql.DB) *PostgresCustomerStore {
	return &PostgresCustomerStore{db: db}
}

func (p *PostgresCustomerStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_customers (
			user_id            TEXT PRIMARY KEY,
			stripe_customer_id TEXT NOT NULL UNIQUE,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("migrating billing_customers: %w", err)
	}
	return nil
}

func (p *PostgresCustomerStore) Put(ctx context.Context, c *Customer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_customers (user_id, stripe_customer_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET stripe_customer_id = EXCLUDED.stripe_customer_id`,
		c.UserID, c.StripeCustomerID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting billing customer: %w", err)
	}
	return nil
}

func (p *PostgresCustomerStore) GetByUser(ctx context.Context, userID string) (*Customer, error) {
	return p.get(ctx, `SELECT user_id, stripe_customer_id, created_at
		FROM billing_customers WHERE user_id = $1`, userID)
}

func (p *PostgresCustomerStore) GetByStripeCustomer(ctx context.Context, stripeCustomerID string) (*Customer, error) {
	return p.get(ctx, `SELECT user_id, stripe_customer_id, created_at
		FROM billing_customers WHERE stripe_customer_id = $1`, stripeCustomerID)
}

func (p *PostgresCustomerStore) get(ctx context.Context, query, arg string) (*Customer, error) {
	var c Customer
	err := p.db.QueryRowContext(ctx, query, arg).
		Scan(&c.UserID, &c.StripeCustomerID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying billing customer: %w", err)
	}
	return &c, nil
}
