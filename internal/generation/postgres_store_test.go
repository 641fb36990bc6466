//go:build integration

package generation

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/comicforge/comicforge/internal/plan"
	"github.com/comicforge/comicforge/internal/quota"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM generation_sessions")
		db.Close()
	}
	return store, cleanup
}

func TestPostgresGeneration_SnapshotRoundtrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ent := plan.Catalog[plan.TierPro]
	win := quota.Window{
		UserID:      "usr_pg",
		WindowStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Consumed:    7,
	}
	sess := &Session{
		ID:             "gen_pg_roundtrip",
		UserID:         "usr_pg",
		RequestedPages: 3,
		Status:         StatusAdmitted,
		Entitlement:    &ent,
		Window:         &win,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Entitlement == nil || got.Entitlement.Tier != plan.TierPro {
		t.Fatalf("entitlement snapshot not preserved: %+v", got.Entitlement)
	}
	if got.Window == nil || got.Window.Consumed != 7 {
		t.Fatalf("window snapshot not preserved: %+v", got.Window)
	}
}

func TestPostgresGeneration_ResolveIsExactlyOnce(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &Session{
		ID:        "gen_pg_resolve",
		UserID:    "usr_pg",
		Status:    StatusAdmitted,
		CreatedAt: now,
	}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkRunning(ctx, sess.ID, now); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	applied, err := store.Resolve(ctx, sess.ID, StatusFailed, FailureTechnical, "generation timed out", now)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !applied {
		t.Fatal("first resolve should apply")
	}

	applied, err = store.Resolve(ctx, sess.ID, StatusSucceeded, "", "", now)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if applied {
		t.Fatal("second resolve must not apply")
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFailed || got.FailureKind != FailureTechnical {
		t.Fatalf("expected failed/technical, got %s/%s", got.Status, got.FailureKind)
	}
}

func TestPostgresGeneration_ListStuckRunning(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().UTC().Add(-10 * time.Minute)
	sess := &Session{ID: "gen_pg_stuck", UserID: "usr_pg", Status: StatusAdmitted, CreatedAt: old}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkRunning(ctx, sess.ID, old); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	stuck, err := store.ListStuckRunning(ctx, time.Now().UTC().Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStuckRunning failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != sess.ID {
		t.Fatalf("expected the stuck session, got %d rows", len(stuck))
	}
}
