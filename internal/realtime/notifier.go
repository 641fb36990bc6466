package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/comicforge/comicforge/internal/audit"
	"github.com/comicforge/comicforge/internal/entitlement"
	"github.com/comicforge/comicforge/internal/generation"
	"github.com/comicforge/comicforge/internal/plan"
)

// Notifier fans generation lifecycle events out to the WebSocket hub and
// the audit trail. It implements generation.Events.
type Notifier struct {
	hub    *Hub
	trail  audit.Logger
	logger *slog.Logger
}

var _ generation.Events = (*Notifier)(nil)

// NewNotifier creates a notifier. hub and trail may each be nil when the
// corresponding sink is disabled.
func NewNotifier(hub *Hub, trail audit.Logger, logger *slog.Logger) *Notifier {
	return &Notifier{hub: hub, trail: trail, logger: logger}
}

func (n *Notifier) record(e *audit.Event) {
	if n.trail == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.trail.Log(ctx, e); err != nil {
		n.logger.Warn("audit write failed", "action", e.Action, "error", err)
	}
}

func (n *Notifier) broadcast(e *Event) {
	if n.hub == nil {
		return
	}
	n.hub.Broadcast(e)
}

func (n *Notifier) SessionAdmitted(s *generation.Session) {
	n.record(&audit.Event{
		UserID:    s.UserID,
		Action:    audit.ActionGenerationAdmitted,
		SessionID: s.ID,
		Detail:    map[string]string{"pages": strconv.Itoa(s.RequestedPages)},
	})
}

func (n *Notifier) SessionRejected(s *generation.Session, cause error) {
	action := audit.ActionGenerationRejected
	var quotaErr *entitlement.QuotaExhaustedError
	if errors.As(cause, &quotaErr) {
		action = audit.ActionQuotaExhausted
	}
	n.record(&audit.Event{
		UserID:    s.UserID,
		Action:    action,
		SessionID: s.ID,
		Detail:    map[string]string{"reason": cause.Error()},
	})
}

func (n *Notifier) SessionStarted(s *generation.Session) {
	n.broadcast(&Event{
		Type:      EventGenerationStarted,
		UserID:    s.UserID,
		SessionID: s.ID,
		Timestamp: time.Now(),
		Data:      map[string]any{"requestedPages": s.RequestedPages},
	})
}

func (n *Notifier) SessionProgress(s *generation.Session, progress int) {
	n.broadcast(&Event{
		Type:      EventGenerationProgress,
		UserID:    s.UserID,
		SessionID: s.ID,
		Timestamp: time.Now(),
		Data:      map[string]any{"progress": progress},
	})
}

// PlanChanged implements billing.Events. Plan changes land on the audit trail
// and reach connected clients so an open wizard can unlock tier features
// without a refresh.
func (n *Notifier) PlanChanged(userID string, from, to plan.Tier) {
	n.record(&audit.Event{
		UserID: userID,
		Action: audit.ActionPlanChanged,
		Detail: map[string]string{"from": string(from), "to": string(to)},
	})
	n.broadcast(&Event{
		Type:      EventPlanChanged,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      map[string]any{"from": from, "to": to},
	})
}

func (n *Notifier) SessionResolved(s *generation.Session) {
	action := audit.ActionGenerationSucceeded
	detail := map[string]string{}
	if s.Status == generation.StatusFailed {
		action = audit.ActionGenerationFailed
		detail["failureKind"] = string(s.FailureKind)
		detail["reason"] = s.FailureReason
	}
	n.record(&audit.Event{
		UserID:    s.UserID,
		Action:    action,
		SessionID: s.ID,
		Detail:    detail,
	})

	n.broadcast(&Event{
		Type:      EventGenerationResolved,
		UserID:    s.UserID,
		SessionID: s.ID,
		Timestamp: time.Now(),
		Data: map[string]any{
			"status":        s.Status,
			"failureKind":   s.FailureKind,
			"failureReason": s.FailureReason,
		},
	})
}
