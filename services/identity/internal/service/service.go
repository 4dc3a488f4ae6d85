// Package service holds the identity use cases. Both front ends call these
// entry points and nothing else, so REST and gRPC share one behaviour and
// one error taxonomy.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/identity/libs/requestctx"
	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/AfshinJalili/identity/services/identity/internal/rate"
	"github.com/AfshinJalili/identity/services/identity/internal/security"
	"github.com/google/uuid"
)

// Gateway is the user store: every mutation commits together with its
// outbox event.
type Gateway interface {
	CreateWithEvent(ctx context.Context, u *domain.User, ev domain.OutboxEvent) error
	MutateWithEvent(ctx context.Context, id uuid.UUID, mutate func(*domain.User) error, newEvent func(*domain.User) (domain.OutboxEvent, error)) (*domain.User, error)
	FindByHandle(ctx context.Context, handle string) (*domain.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error)
	PurgeExpiredRevocations(ctx context.Context, now time.Time) (int64, error)
}

type TokenCodec interface {
	Issue(subject string, typ domain.TokenType, ttl time.Duration) (string, *security.Claims, error)
	Verify(ctx context.Context, token string) (*security.Claims, error)
}

type PasswordHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, digest string) bool
	Burn(secret string)
}

// Notifier is told when new outbox rows were committed.
type Notifier interface {
	Notify()
}

type Limiter interface {
	Allow(ctx context.Context, key rate.Key, now time.Time) (rate.Decision, error)
	Reset(ctx context.Context, key rate.Key) error
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// MaxConflictRetries bounds how often a use case re-runs after a
	// version conflict before it reports ErrUnavailable.
	MaxConflictRetries int
}

// RateLimitedError is returned when a login attempt is throttled.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return domain.ErrRateLimited }

type Service struct {
	store    Gateway
	tokens   TokenCodec
	hasher   PasswordHasher
	cfg      Config
	logger   *slog.Logger
	notifier Notifier
	limiter  Limiter
	metrics  *Metrics
	clock    Clock
}

func New(store Gateway, tokens TokenCodec, hasher PasswordHasher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 3
	}
	return &Service{
		store:  store,
		tokens: tokens,
		hasher: hasher,
		cfg:    cfg,
		logger: logger,
		clock:  systemClock{},
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithLimiter(l Limiter) *Service {
	s.limiter = l
	return s
}

func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(c Clock) *Service {
	s.clock = c
	return s
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) notify() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

func (s *Service) observe(usecase string, err error) {
	if s.metrics != nil {
		s.metrics.UseCases.WithLabelValues(usecase, resultLabel(err)).Inc()
	}
}

// mutate runs one versioned write of user id, re-reading and re-applying fn
// after every version conflict.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, eventType domain.EventType, fn func(*domain.User, time.Time) error) (*domain.User, error) {
	correlationID := requestctx.RequestID(ctx)
	for attempt := 0; attempt <= s.cfg.MaxConflictRetries; attempt++ {
		now := s.now()
		updated, err := s.store.MutateWithEvent(ctx, id,
			func(u *domain.User) error {
				if err := fn(u, now); err != nil {
					return err
				}
				u.UpdatedAt = now
				return nil
			},
			func(u *domain.User) (domain.OutboxEvent, error) {
				return domain.NewUserEvent(eventType, u, correlationID, now)
			})
		if !errors.Is(err, domain.ErrVersionConflict) {
			if err == nil {
				s.notify()
			}
			return updated, err
		}
		s.logger.Debug("version conflict, retrying", "user_id", id, "event_type", eventType, "attempt", attempt+1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: user %s kept changing underneath %s", domain.ErrUnavailable, id, eventType)
}

func (s *Service) issuePair(u *domain.User) (*domain.TokenPair, error) {
	subject := u.ID.String()
	access, accessClaims, err := s.tokens.Issue(subject, domain.TokenAccess, s.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshClaims, err := s.tokens.Issue(subject, domain.TokenRefresh, s.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		AccessTTL:        s.cfg.AccessTTL,
		User:             u.Profile(),
	}, nil
}

// tokenError folds codec failures into ErrTokenInvalid. Anything else, such
// as a revocation lookup that could not reach the store, passes through.
func tokenError(err error) error {
	switch {
	case errors.Is(err, security.ErrMalformed),
		errors.Is(err, security.ErrInvalidSignature),
		errors.Is(err, security.ErrExpired),
		errors.Is(err, security.ErrRevoked):
		return fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	return err
}
