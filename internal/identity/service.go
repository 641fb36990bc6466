package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/comicforge/comicforge/internal/idgen"
	"github.com/comicforge/comicforge/internal/plan"
)

// tierCacheTTL bounds staleness of cached tier lookups. Plan changes
// invalidate the key explicitly, so the TTL only covers writers that bypass
// this service.
const tierCacheTTL = 5 * time.Minute

// Service wraps the user store with tier caching and account lifecycle rules.
type Service struct {
	store  Store
	cache  *redis.Client // nil disables caching
	logger *slog.Logger
}

// NewService creates an identity service. cache may be nil.
func NewService(store Store, cache *redis.Client) *Service {
	return &Service{store: store, cache: cache, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Register creates a new account on the Free tier.
func (s *Service) Register(ctx context.Context, email, name string) (*User, error) {
	now := time.Now()
	u := &User{
		ID:        idgen.WithPrefix("usr_"),
		Email:     email,
		Name:      name,
		Tier:      plan.TierFree,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns the account for id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// GetByEmail returns the account registered under email.
func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.store.GetByEmail(ctx, email)
}

type cachedTier struct {
	Tier   plan.Tier `json:"tier"`
	Status Status    `json:"status"`
}

// TierFor resolves the user's current plan tier, serving from Redis when a
// cache is configured. Suspended and deleted accounts resolve to an error so
// callers cannot admit work for them.
func (s *Service) TierFor(ctx context.Context, userID string) (plan.Tier, error) {
	if s.cache != nil {
		if val, err := s.cache.Get(ctx, tierCacheKey(userID)).Result(); err == nil {
			var ct cachedTier
			if err := json.Unmarshal([]byte(val), &ct); err == nil {
				if ct.Status != StatusActive {
					return "", ErrSuspended
				}
				return ct.Tier, nil
			}
		}
	}

	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		if payload, err := json.Marshal(cachedTier{Tier: u.Tier, Status: u.Status}); err == nil {
			if err := s.cache.Set(ctx, tierCacheKey(userID), payload, tierCacheTTL).Err(); err != nil {
				s.logger.Warn("tier cache write failed", "user_id", userID, "error", err)
			}
		}
	}

	if u.Status != StatusActive {
		return "", ErrSuspended
	}
	return u.Tier, nil
}

// SetTier changes the user's plan tier and invalidates the cached lookup.
// The quota window is deliberately left alone: consumption carries across
// plan changes within the same billing period.
func (s *Service) SetTier(ctx context.Context, userID string, tier plan.Tier) (*User, error) {
	if !plan.Valid(tier) {
		return nil, fmt.Errorf("identity: unknown tier %q", tier)
	}

	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.Tier = tier
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}

	s.invalidateTier(ctx, userID)
	return u, nil
}

// Suspend marks the account suspended and invalidates the cached tier.
func (s *Service) Suspend(ctx context.Context, userID string) error {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	u.Status = StatusSuspended
	if err := s.store.Update(ctx, u); err != nil {
		return err
	}
	s.invalidateTier(ctx, userID)
	return nil
}

func (s *Service) invalidateTier(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, tierCacheKey(userID)).Err(); err != nil {
		s.logger.Warn("tier cache invalidation failed", "user_id", userID, "error", err)
	}
}

func tierCacheKey(userID string) string {
	return "tier:" + userID
}
