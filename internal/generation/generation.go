// Package generation manages comic generation sessions.
//
// A session is the short-lived state machine around one generation attempt:
//
//	pending → admitted → running → succeeded | failed
//	pending → rejected
//
// Admission consumes one quota unit up front, so a user cannot bypass the
// quota by retrying failures; technical failures refund that unit, policy
// failures do not. All terminal states are final for the session ID — a new
// attempt is always a new session with a fresh admission check.
package generation

import (
	"context"
	"errors"
	"time"

	"github.com/comicforge/comicforge/internal/entitlement"
	"github.com/comicforge/comicforge/internal/pagination"
	"github.com/comicforge/comicforge/internal/plan"
	"github.com/comicforge/comicforge/internal/quota"
)

var (
	ErrSessionNotFound = errors.New("generation: session not found")
	ErrInvalidPages    = errors.New("generation: requestedPages must be positive")
)

// Status represents the state of a generation session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAdmitted  Status = "admitted"
	StatusRejected  Status = "rejected"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusSucceeded || s == StatusFailed
}

// FailureKind distinguishes refundable failures from policy ones.
type FailureKind string

const (
	// FailureTechnical covers collaborator errors and timeouts. The user
	// received no value, so the admission unit is refunded.
	FailureTechnical FailureKind = "technical"
	// FailurePolicy covers rejections like moderated content. No refund.
	FailurePolicy FailureKind = "policy"
)

// Session represents one in-flight comic generation request.
type Session struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	RequestedPages int         `json:"requestedPages"`
	Status         Status      `json:"status"`
	Progress       int         `json:"progress"` // 0-100

	// Snapshots taken at admission time; a mid-flight plan change cannot
	// alter the terms this session was approved under.
	Entitlement *plan.Entitlement `json:"entitlement,omitempty"`
	Window      *quota.Window     `json:"window,omitempty"`

	FailureKind   FailureKind `json:"failureKind,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// CreateRequest is the request body for starting a generation.
type CreateRequest struct {
	RequestedPages int `json:"requestedPages" binding:"required"`
}

// Store persists generation sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// ListByUser returns the user's sessions newest first. A non-nil cursor
	// restricts results to sessions strictly older than the cursor position.
	ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Session, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	// Resolve moves a running session to a terminal status. Returns false
	// without writing if the session is no longer running, so the refund
	// decision is made exactly once even when the sweeper races the
	// runner goroutine.
	Resolve(ctx context.Context, id string, status Status, kind FailureKind, reason string, at time.Time) (bool, error)
	// ListStuckRunning returns running sessions started before the cutoff.
	ListStuckRunning(ctx context.Context, startedBefore time.Time, limit int) ([]*Session, error)
}

// Runner is the external generation collaborator (the rendering pipeline).
// Run blocks until the work resolves, reporting coarse progress through
// report. Returning *PolicyError marks a policy failure; any other non-nil
// error (including ctx expiry) is technical.
type Runner interface {
	Run(ctx context.Context, s *Session, report func(progress int)) error
}

// PolicyError is returned by a Runner when content is rejected rather than
// the pipeline failing. It does not trigger a quota refund.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "generation: rejected by policy: " + e.Reason
}

// AdmissionController gates sessions and handles refunds. Implemented by
// entitlement.Checker.
type AdmissionController interface {
	Admit(ctx context.Context, userID string, tier plan.Tier, requestedPages int, now time.Time) (*entitlement.Admission, error)
	Refund(ctx context.Context, userID string, now time.Time) error
}

// Events receives session lifecycle notifications. Implementations must be
// fast and non-blocking; all methods are fire-and-forget.
type Events interface {
	SessionAdmitted(s *Session)
	SessionRejected(s *Session, cause error)
	SessionStarted(s *Session)
	SessionProgress(s *Session, progress int)
	SessionResolved(s *Session)
}
