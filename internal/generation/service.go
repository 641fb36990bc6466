package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/comicforge/comicforge/internal/idgen"
	"github.com/comicforge/comicforge/internal/metrics"
	"github.com/comicforge/comicforge/internal/pagination"
	"github.com/comicforge/comicforge/internal/plan"
	"github.com/comicforge/comicforge/internal/retry"
	"github.com/comicforge/comicforge/internal/traces"
)

// TierResolver resolves the current plan tier for a user. Implemented by
// identity.Service.
type TierResolver interface {
	TierFor(ctx context.Context, userID string) (plan.Tier, error)
}

// Service coordinates the session lifecycle: admission, the background run,
// and resolution with the refund rule applied.
type Service struct {
	store    Store
	admitter AdmissionController
	tiers    TierResolver
	runner   Runner
	events   Events
	logger   *slog.Logger
	timeout  time.Duration

	nowFn func() time.Time

	wg sync.WaitGroup
}

// NewService creates a generation service. events may be nil. timeout bounds
// each run; a runner that outlives it fails with a technical reason.
func NewService(store Store, admitter AdmissionController, tiers TierResolver, runner Runner, events Events, logger *slog.Logger, timeout time.Duration) *Service {
	return &Service{
		store:    store,
		admitter: admitter,
		tiers:    tiers,
		runner:   runner,
		events:   events,
		logger:   logger,
		timeout:  timeout,
		nowFn:    time.Now,
	}
}

// Create runs the admission check and, if admitted, starts the generation in
// the background. Rejected sessions are persisted terminally and the
// admission error is returned alongside them so callers can surface the
// reason.
func (s *Service) Create(ctx context.Context, userID string, requestedPages int) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "generation.Create",
		traces.UserID(userID), traces.Pages(requestedPages))
	defer span.End()

	if requestedPages <= 0 {
		return nil, ErrInvalidPages
	}

	tier, err := s.tiers.TierFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving tier: %w", err)
	}

	now := s.nowFn()
	sess := &Session{
		ID:             idgen.WithPrefix("gen_"),
		UserID:         userID,
		RequestedPages: requestedPages,
		Status:         StatusPending,
		CreatedAt:      now,
	}

	adm, admitErr := s.admitter.Admit(ctx, userID, tier, requestedPages, now)
	if admitErr != nil {
		sess.Status = StatusRejected
		sess.FailureReason = admitErr.Error()
		if err := s.store.Create(ctx, sess); err != nil {
			return nil, fmt.Errorf("persisting rejected session: %w", err)
		}
		s.logger.Info("generation rejected",
			"session_id", sess.ID, "user_id", userID, "pages", requestedPages,
			"reason", admitErr.Error())
		if s.events != nil {
			s.events.SessionRejected(sess, admitErr)
		}
		return sess, admitErr
	}

	sess.Status = StatusAdmitted
	sess.Entitlement = &adm.Entitlement
	sess.Window = &adm.Window
	if err := s.store.Create(ctx, sess); err != nil {
		// The quota unit is already consumed; give it back rather than
		// charging for a session that never existed.
		if rerr := s.admitter.Refund(ctx, userID, s.nowFn()); rerr != nil {
			s.logger.Error("refund after failed persist", "user_id", userID, "error", rerr)
		}
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	s.logger.Info("generation admitted",
		"session_id", sess.ID, "user_id", userID, "tier", tier, "pages", requestedPages)
	if s.events != nil {
		s.events.SessionAdmitted(sess)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(sess)
	}()
	return sess, nil
}

// run drives an admitted session to a terminal state. It carries its own
// context so the work is not cancelled when the originating request returns.
func (s *Service) run(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := s.nowFn()
	if err := s.store.MarkRunning(ctx, sess.ID, started); err != nil {
		s.logger.Error("mark running", "session_id", sess.ID, "error", err)
		return
	}
	sess.Status = StatusRunning
	sess.StartedAt = &started
	if s.events != nil {
		s.events.SessionStarted(sess)
	}

	report := func(progress int) {
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		sess.Progress = progress
		if err := s.store.UpdateProgress(ctx, sess.ID, progress); err != nil {
			s.logger.Warn("update progress", "session_id", sess.ID, "error", err)
		}
		if s.events != nil {
			s.events.SessionProgress(sess, progress)
		}
	}

	err := s.runner.Run(ctx, sess, report)
	if err == nil && ctx.Err() != nil {
		// Runner returned nil after the deadline; do not count a result
		// nobody will see as a success.
		err = ctx.Err()
	}

	switch {
	case err == nil:
		s.resolve(sess, StatusSucceeded, "", "")
	default:
		var policyErr *PolicyError
		if errors.As(err, &policyErr) {
			s.resolve(sess, StatusFailed, FailurePolicy, policyErr.Reason)
		} else {
			s.resolve(sess, StatusFailed, FailureTechnical, err.Error())
		}
	}
}

// resolve applies a terminal status and, for technical failures, the refund.
// The store's compare-and-set makes this safe to race with the sweeper.
func (s *Service) resolve(sess *Session, status Status, kind FailureKind, reason string) {
	// Fresh context: resolution must land even when the run context has
	// already expired.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := s.nowFn()
	applied, err := s.store.Resolve(ctx, sess.ID, status, kind, reason, now)
	if err != nil {
		s.logger.Error("resolve session", "session_id", sess.ID, "status", status, "error", err)
		return
	}
	if !applied {
		return
	}

	sess.Status = status
	sess.FailureKind = kind
	sess.FailureReason = reason
	sess.CompletedAt = &now
	if status == StatusSucceeded {
		sess.Progress = 100
	}

	metrics.GenerationsTotal.WithLabelValues(string(status)).Inc()
	if sess.StartedAt != nil {
		metrics.GenerationDuration.Observe(now.Sub(*sess.StartedAt).Seconds())
	}

	if status == StatusFailed && kind == FailureTechnical {
		// Best effort with a few retries: the failure stands either way,
		// but losing the refund charges the user for nothing.
		err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			return s.admitter.Refund(ctx, sess.UserID, now)
		})
		if err != nil {
			s.logger.Error("refund quota", "session_id", sess.ID, "user_id", sess.UserID, "error", err)
		}
	}

	s.logger.Info("generation resolved",
		"session_id", sess.ID, "user_id", sess.UserID, "status", status,
		"failure_kind", kind, "reason", reason)
	if s.events != nil {
		s.events.SessionResolved(sess)
	}
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns one page of a user's sessions, newest first, with an
// opaque cursor for the next page when more remain.
func (s *Service) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Session, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	sessions, err := s.store.ListByUser(ctx, userID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	sessions, next, _ := pagination.ComputePage(sessions, limit, func(sess *Session) (time.Time, string) {
		return sess.CreatedAt, sess.ID
	})
	return sessions, next, nil
}

// SweepStuck fails running sessions whose deadline has long passed, e.g.
// after a crash left them without a live runner goroutine. Returns the
// number of sessions swept.
func (s *Service) SweepStuck(ctx context.Context) (int, error) {
	// A minute past the run deadline: a healthy goroutine has resolved by
	// then, so anything still running is orphaned.
	cutoff := s.nowFn().Add(-(s.timeout + time.Minute))
	stuck, err := s.store.ListStuckRunning(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("listing stuck sessions: %w", err)
	}
	for _, sess := range stuck {
		s.resolve(sess, StatusFailed, FailureTechnical, "generation timed out")
	}
	return len(stuck), nil
}

// Wait blocks until all in-flight runs have resolved. Used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}
