// Package entitlement implements admission control for generation requests.
//
// The checker combines the static plan catalogue with the quota ledger to
// decide, before any compute is committed, whether a generation may start.
// It is a two-state gate: a request is either admitted (and one quota unit
// is consumed atomically) or rejected, terminally. Retries are the caller's
// concern and always mean a fresh request.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comicforge/comicforge/internal/metrics"
	"github.com/comicforge/comicforge/internal/plan"
	"github.com/comicforge/comicforge/internal/quota"
	"github.com/comicforge/comicforge/internal/traces"
)

// ErrPlanLimitExceeded means the tier forbids the request outright: either
// generation is not included in the plan or the requested page count exceeds
// the plan maximum. Only an upgrade fixes this; it is never retried.
var ErrPlanLimitExceeded = errors.New("entitlement: plan limit exceeded")

// QuotaExhaustedError means the monthly allowance is used up. It carries the
// window end so callers can surface "resets on <date>".
type QuotaExhaustedError struct {
	ResetsAt time.Time
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("entitlement: monthly quota exhausted, resets at %s", e.ResetsAt.Format(time.RFC3339))
}

// Admission is the approval for one generation attempt. Both snapshots are
// taken at admission time so a mid-flight plan change cannot retroactively
// alter the terms of an already-admitted request.
type Admission struct {
	Entitlement plan.Entitlement `json:"entitlement"`
	Window      quota.Window     `json:"window"`
}

// Checker answers admission-control questions.
type Checker struct {
	ledger quota.Store
}

// NewChecker creates an admission checker over the given quota ledger.
func NewChecker(ledger quota.Store) *Checker {
	return &Checker{ledger: ledger}
}

// Admit decides whether one generation attempt may proceed and, if so,
// consumes one quota unit. The ceiling check and the increment execute as a
// single atomic conditional update in the ledger, so concurrent admissions
// for the same user cannot race past the allowance.
//
// One attempt consumes one unit regardless of requestedPages; pages are
// gated separately by the plan maximum.
func (c *Checker) Admit(ctx context.Context, userID string, tier plan.Tier, requestedPages int, now time.Time) (*Admission, error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.Admit",
		traces.UserID(userID),
		traces.Tier(string(tier)),
		traces.Pages(requestedPages),
	)
	defer span.End()

	ent := plan.EntitlementFor(tier)

	if ent.MonthlyAllowance == 0 || requestedPages > ent.MaxPagesPerComic {
		metrics.AdmissionsTotal.WithLabelValues("plan_limit_exceeded").Inc()
		return nil, ErrPlanLimitExceeded
	}
	if requestedPages <= 0 {
		metrics.AdmissionsTotal.WithLabelValues("plan_limit_exceeded").Inc()
		return nil, ErrPlanLimitExceeded
	}

	window, err := c.ledger.Consume(ctx, userID, 1, ent.MonthlyAllowance, now)
	if err == quota.ErrCeilingReached {
		metrics.AdmissionsTotal.WithLabelValues("quota_exhausted").Inc()
		// The current window's end tells the user when quota returns.
		w, werr := c.ledger.CurrentWindow(ctx, userID, now)
		if werr != nil {
			return nil, fmt.Errorf("read window for reset date: %w", werr)
		}
		return nil, &QuotaExhaustedError{ResetsAt: w.End()}
	}
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("consume quota: %w", err)
	}

	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	return &Admission{Entitlement: ent, Window: *window}, nil
}

// Refund returns one previously consumed unit, used when an admitted session
// fails for a technical reason. Best effort: refunding into a window that
// has since rolled over is a no-op at zero.
func (c *Checker) Refund(ctx context.Context, userID string, now time.Time) error {
	_, err := c.ledger.Consume(ctx, userID, -1, 0, now)
	if err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	metrics.QuotaRefundsTotal.Inc()
	return nil
}

// Usage reports the caller's quota position without consuming anything.
func (c *Checker) Usage(ctx context.Context, userID string, tier plan.Tier, now time.Time) (*UsageReport, error) {
	ent := plan.EntitlementFor(tier)
	window, err := c.ledger.CurrentWindow(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}

	remaining := ent.MonthlyAllowance - window.Consumed
	if remaining < 0 {
		remaining = 0
	}

	return &UsageReport{
		Tier:              ent.Tier,
		MaxPagesPerComic:  ent.MaxPagesPerComic,
		MonthlyAllowance:  ent.MonthlyAllowance,
		Used:              window.Consumed,
		Remaining:         remaining,
		WatermarkRequired: ent.WatermarkRequired,
		ResetsAt:          window.End(),
	}, nil
}

// UsageReport is the read-only quota state surfaced to the dashboard.
type UsageReport struct {
	Tier              plan.Tier `json:"tier"`
	MaxPagesPerComic  int       `json:"maxPagesPerComic"`
	MonthlyAllowance  int       `json:"monthlyAllowance"`
	Used              int       `json:"used"`
	Remaining         int       `json:"remaining"`
	WatermarkRequired bool      `json:"watermarkRequired"`
	ResetsAt          time.Time `json:"resetsAt"`
}
