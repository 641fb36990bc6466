package realtime

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/comicforge/comicforge/internal/audit"
	"github.com/comicforge/comicforge/internal/entitlement"
	"github.com/comicforge/comicforge/internal/generation"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShouldSendScopesToUser(t *testing.T) {
	h := NewHub(discardLogger())
	client := &Client{userID: "usr_a"}

	mine := &Event{Type: EventGenerationStarted, UserID: "usr_a", SessionID: "gen_1"}
	theirs := &Event{Type: EventGenerationStarted, UserID: "usr_b", SessionID: "gen_2"}

	if !h.shouldSend(client, mine) {
		t.Fatal("own event should be delivered")
	}
	if h.shouldSend(client, theirs) {
		t.Fatal("another user's event must never be delivered")
	}
}

func TestShouldSendHonorsFilters(t *testing.T) {
	h := NewHub(discardLogger())
	client := &Client{
		userID: "usr_a",
		sub: Subscription{
			EventTypes: []EventType{EventGenerationResolved},
			SessionIDs: []string{"gen_1"},
		},
	}

	match := &Event{Type: EventGenerationResolved, UserID: "usr_a", SessionID: "gen_1"}
	wrongType := &Event{Type: EventGenerationProgress, UserID: "usr_a", SessionID: "gen_1"}
	wrongSession := &Event{Type: EventGenerationResolved, UserID: "usr_a", SessionID: "gen_2"}

	if !h.shouldSend(client, match) {
		t.Fatal("matching event filtered out")
	}
	if h.shouldSend(client, wrongType) {
		t.Fatal("event type filter ignored")
	}
	if h.shouldSend(client, wrongSession) {
		t.Fatal("session filter ignored")
	}
}

func TestNotifierRecordsLifecycle(t *testing.T) {
	trail := audit.NewMemoryLogger()
	n := NewNotifier(nil, trail, discardLogger())

	sess := &generation.Session{ID: "gen_1", UserID: "usr_a", RequestedPages: 3}
	n.SessionAdmitted(sess)

	sess.Status = generation.StatusFailed
	sess.FailureKind = generation.FailureTechnical
	sess.FailureReason = "generation timed out"
	n.SessionResolved(sess)

	events := trail.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].Action != audit.ActionGenerationAdmitted {
		t.Fatalf("expected admitted first, got %s", events[0].Action)
	}
	if events[1].Action != audit.ActionGenerationFailed {
		t.Fatalf("expected failed, got %s", events[1].Action)
	}
	if events[1].Detail["failureKind"] != "technical" {
		t.Fatalf("failure kind missing from detail: %+v", events[1].Detail)
	}
}

func TestNotifierDistinguishesQuotaExhaustion(t *testing.T) {
	trail := audit.NewMemoryLogger()
	n := NewNotifier(nil, trail, discardLogger())

	sess := &generation.Session{ID: "gen_1", UserID: "usr_a"}
	n.SessionRejected(sess, &entitlement.QuotaExhaustedError{
		ResetsAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	n.SessionRejected(sess, errors.New("entitlement: plan limit exceeded"))

	events := trail.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].Action != audit.ActionQuotaExhausted {
		t.Fatalf("expected quota.exhausted, got %s", events[0].Action)
	}
	if events[1].Action != audit.ActionGenerationRejected {
		t.Fatalf("expected generation.rejected, got %s", events[1].Action)
	}
}
