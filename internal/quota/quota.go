// Package quota implements the per-user generation quota ledger.
//
// The ledger records consumption inside rolling monthly windows. It owns
// atomicity, not policy: the ceiling it enforces on each consume is supplied
// by the caller (the entitlement checker), so plan changes never touch this
// package. The quota window row is the only shared mutable state in the
// system and is only ever written through Store.Consume.
package quota

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCeilingReached is returned when a consume would push the window
	// past the caller-supplied ceiling. The increment is not applied.
	ErrCeilingReached = errors.New("quota: ceiling reached")
)

// Window is one user's consumption counter for the current billing period.
type Window struct {
	UserID      string    `json:"userId"`
	WindowStart time.Time `json:"windowStart"`
	Consumed    int       `json:"consumed"`
}

// End returns the exclusive end of the window, one calendar month after start.
func (w *Window) End() time.Time {
	return w.WindowStart.AddDate(0, 1, 0)
}

// Covers reports whether now falls inside the window.
func (w *Window) Covers(now time.Time) bool {
	return now.Before(w.End())
}

// Store persists quota windows.
//
// Both operations are atomic with respect to concurrent callers for the same
// user: implementations must coordinate through their storage layer
// (conditional updates), not process-local locking, because multiple
// stateless service instances share one store.
type Store interface {
	// CurrentWindow returns the user's window covering now, creating it
	// lazily or rolling an expired one over to a fresh window
	// (windowStart=now, consumed=0). Rollover is idempotent: concurrent
	// callers observing the same expired window produce exactly one fresh
	// window.
	CurrentWindow(ctx context.Context, userID string, now time.Time) (*Window, error)

	// Consume applies a conditional increment to the current window
	// (rolling over first if needed) and returns the updated window.
	//
	// For amount > 0 the ceiling check and the increment execute as one
	// atomic operation: if consumed+amount would exceed ceiling, nothing
	// is written and ErrCeilingReached is returned.
	//
	// For amount < 0 (refund) the ceiling is ignored and the counter is
	// floored at zero.
	Consume(ctx context.Context, userID string, amount, ceiling int, now time.Time) (*Window, error)
}
