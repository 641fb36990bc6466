package identity

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/comicforge/comicforge/internal/plan"
)

func newCachedService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewService(NewMemoryStore(), client), mr
}

func TestRegisterDefaultsToFree(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	u, err := svc.Register(ctx, "ada@example.com", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Tier != plan.TierFree {
		t.Errorf("new user tier = %s, want free", u.Tier)
	}
	if u.Status != StatusActive {
		t.Errorf("new user status = %s, want active", u.Status)
	}

	if _, err := svc.Register(ctx, "ADA@example.com", "Ada Again"); err != ErrEmailTaken {
		t.Errorf("duplicate email error = %v, want ErrEmailTaken", err)
	}
}

func TestTierForCachesLookup(t *testing.T) {
	svc, mr := newCachedService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "ada@example.com", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tier, err := svc.TierFor(ctx, u.ID)
	if err != nil {
		t.Fatalf("TierFor: %v", err)
	}
	if tier != plan.TierFree {
		t.Errorf("tier = %s, want free", tier)
	}
	if !mr.Exists("tier:" + u.ID) {
		t.Error("tier lookup should populate the cache")
	}
}

func TestSetTierInvalidatesCache(t *testing.T) {
	svc, mr := newCachedService(t)
	ctx := context.Background()

	u, _ := svc.Register(ctx, "ada@example.com", "Ada")
	if _, err := svc.TierFor(ctx, u.ID); err != nil {
		t.Fatalf("TierFor: %v", err)
	}

	if _, err := svc.SetTier(ctx, u.ID, plan.TierPro); err != nil {
		t.Fatalf("SetTier: %v", err)
	}
	if mr.Exists("tier:" + u.ID) {
		t.Error("SetTier should invalidate the cached tier")
	}

	tier, err := svc.TierFor(ctx, u.ID)
	if err != nil {
		t.Fatalf("TierFor after upgrade: %v", err)
	}
	if tier != plan.TierPro {
		t.Errorf("tier after upgrade = %s, want pro", tier)
	}
}

func TestSetTierRejectsUnknown(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	u, _ := svc.Register(ctx, "ada@example.com", "Ada")
	if _, err := svc.SetTier(ctx, u.ID, plan.Tier("platinum")); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestSuspendedAccountCannotResolveTier(t *testing.T) {
	svc, _ := newCachedService(t)
	ctx := context.Background()

	u, _ := svc.Register(ctx, "ada@example.com", "Ada")
	if err := svc.Suspend(ctx, u.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	if _, err := svc.TierFor(ctx, u.ID); err != ErrSuspended {
		t.Errorf("TierFor on suspended account = %v, want ErrSuspended", err)
	}
	// Cached negative entry behaves the same.
	if _, err := svc.TierFor(ctx, u.ID); err != ErrSuspended {
		t.Errorf("cached TierFor on suspended account = %v, want ErrSuspended", err)
	}
}
