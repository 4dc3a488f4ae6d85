package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/identity/libs/requestctx"
	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/AfshinJalili/identity/services/identity/internal/rate"
	"github.com/AfshinJalili/identity/services/identity/internal/security"
	"github.com/google/uuid"
)

// Register creates an active user and returns its first token pair.
func (s *Service) Register(ctx context.Context, handle, secret string) (pair *domain.TokenPair, err error) {
	defer func() { s.observe("register", err) }()

	handle, err = domain.NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateSecret(secret); err != nil {
		return nil, err
	}
	digest, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	now := s.now()
	u := &domain.User{
		ID:           uuid.New(),
		Handle:       handle,
		SecretDigest: digest,
		Status:       domain.StatusActive,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ev, err := domain.NewUserEvent(domain.EventUserRegistered, u, requestctx.RequestID(ctx), now)
	if err != nil {
		return nil, err
	}
	// Tokens are signed before the commit so a signing failure leaves no row.
	pair, err = s.issuePair(u)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateWithEvent(ctx, u, ev); err != nil {
		return nil, err
	}
	s.notify()
	s.logger.Info("user registered", "user_id", u.ID, "request_id", requestctx.RequestID(ctx))
	return pair, nil
}

// Authenticate exchanges a handle and secret for a token pair. Unknown
// handles, wrong secrets and inactive users all yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, handle, secret string) (pair *domain.TokenPair, err error) {
	defer func() { s.observe("authenticate", err) }()

	if handle == "" || secret == "" {
		return nil, &domain.ValidationError{Field: "credentials", Reason: "handle and secret required"}
	}
	normalized, normErr := domain.NormalizeHandle(handle)
	if normErr != nil {
		s.hasher.Burn(secret)
		return nil, domain.ErrInvalidCredentials
	}
	if err := s.throttle(ctx, normalized); err != nil {
		return nil, err
	}

	u, err := s.store.FindByHandle(ctx, normalized)
	if errors.Is(err, domain.ErrNotFound) {
		s.hasher.Burn(secret)
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !s.hasher.Verify(secret, u.SecretDigest) || u.Status != domain.StatusActive {
		return nil, domain.ErrInvalidCredentials
	}

	verifiedDigest := u.SecretDigest
	updated, err := s.mutate(ctx, u.ID, domain.EventUserAuthenticated, func(next *domain.User, now time.Time) error {
		// A lock, delete or password change that committed since the
		// lookup wins over this login.
		if next.Status != domain.StatusActive || next.SecretDigest != verifiedDigest {
			return domain.ErrInvalidCredentials
		}
		loginAt := now
		next.LastLoginAt = &loginAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	pair, err = s.issuePair(updated)
	if err != nil {
		return nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, rate.HandleKey(normalized)); err != nil {
			s.logger.Warn("reset login limiter", "error", err)
		}
	}
	return pair, nil
}

// throttle applies the per-IP and per-handle login limits. A limiter that
// cannot answer lets the attempt through.
func (s *Service) throttle(ctx context.Context, handle string) error {
	if s.limiter == nil {
		return nil
	}
	keys := []rate.Key{rate.HandleKey(handle)}
	if ip := requestctx.ClientIP(ctx); ip != "" {
		keys = append(keys, rate.IPKey(ip))
	}
	now := s.now()
	for _, key := range keys {
		d, err := s.limiter.Allow(ctx, key, now)
		if err != nil {
			s.logger.Warn("login limiter unavailable", "scope", key.Scope, "error", err)
			return nil
		}
		if !d.Allowed {
			s.logger.Info("login throttled", "scope", key.Scope, "retry_after", d.RetryAfter, "request_id", requestctx.RequestID(ctx))
			return &RateLimitedError{RetryAfter: d.RetryAfter}
		}
	}
	return nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is returned. Presenting the same token again fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair *domain.TokenPair, err error) {
	defer func() { s.observe("refresh", err) }()

	if refreshToken == "" {
		return nil, &domain.ValidationError{Field: "refresh_token", Reason: "required"}
	}
	claims, err := s.tokens.Verify(ctx, refreshToken)
	if err != nil {
		return nil, tokenError(err)
	}
	if claims.Type != domain.TokenRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", domain.ErrTokenInvalid)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", domain.ErrTokenInvalid)
	}

	u, err := s.store.FindByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if u.Status != domain.StatusActive {
		return nil, domain.ErrInvalidCredentials
	}

	pair, err = s.issuePair(u)
	if err != nil {
		return nil, err
	}
	// The revocation insert is the commit point: only one caller can be the
	// first to revoke a token id.
	revoked, err := s.store.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, err
	}
	if !revoked {
		s.logger.Warn("refresh token replayed", "user_id", id, "request_id", requestctx.RequestID(ctx))
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, security.ErrRevoked)
	}
	return pair, nil
}

// Revoke logs a refresh token out. Tokens that are already revoked or
// expired are accepted silently.
func (s *Service) Revoke(ctx context.Context, refreshToken string) (err error) {
	defer func() { s.observe("revoke", err) }()

	if refreshToken == "" {
		return &domain.ValidationError{Field: "refresh_token", Reason: "required"}
	}
	claims, err := s.tokens.Verify(ctx, refreshToken)
	if errors.Is(err, security.ErrExpired) || errors.Is(err, security.ErrRevoked) {
		return nil
	}
	if err != nil {
		return tokenError(err)
	}
	if claims.Type != domain.TokenRefresh {
		return fmt.Errorf("%w: not a refresh token", domain.ErrTokenInvalid)
	}
	if _, err := s.store.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return err
	}
	return nil
}

// VerifyAccess checks an access token and returns its subject.
func (s *Service) VerifyAccess(ctx context.Context, accessToken string) (string, error) {
	claims, err := s.tokens.Verify(ctx, accessToken)
	if err != nil {
		return "", tokenError(err)
	}
	if claims.Type != domain.TokenAccess {
		return "", fmt.Errorf("%w: not an access token", domain.ErrTokenInvalid)
	}
	return claims.Subject, nil
}

// ChangePassword replaces the secret of an active user after checking the
// current one.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) (profile *domain.Profile, err error) {
	defer func() { s.observe("change_password", err) }()

	if current == "" {
		return nil, &domain.ValidationError{Field: "current_secret", Reason: "required"}
	}
	if err := domain.ValidateSecret(next); err != nil {
		return nil, err
	}

	u, err := s.store.FindByID(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if u.Status != domain.StatusActive || !s.hasher.Verify(current, u.SecretDigest) {
		return nil, domain.ErrInvalidCredentials
	}
	digest, err := s.hasher.Hash(next)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	verifiedDigest := u.SecretDigest
	updated, err := s.mutate(ctx, userID, domain.EventUserPasswordChanged, func(u *domain.User, _ time.Time) error {
		if u.Status != domain.StatusActive || u.SecretDigest != verifiedDigest {
			return domain.ErrInvalidCredentials
		}
		u.SecretDigest = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	p := updated.Profile()
	return &p, nil
}

// UpdateHandle moves an active user to a new handle and returns a pair
// carrying the updated profile. Keeping the current handle writes nothing.
func (s *Service) UpdateHandle(ctx context.Context, userID uuid.UUID, handle string) (pair *domain.TokenPair, err error) {
	defer func() { s.observe("update_handle", err) }()

	handle, err = domain.NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}

	u, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Status != domain.StatusActive {
		return nil, fmt.Errorf("%w: user is %s", domain.ErrInvalidTransition, u.Status)
	}
	if u.Handle == handle {
		return s.issuePair(u)
	}

	owner, err := s.store.FindByHandle(ctx, handle)
	switch {
	case err == nil && owner.ID != userID:
		return nil, domain.ErrDuplicateHandle
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	// Tokens only bind the subject, so they are signed before the write.
	pair, err = s.issuePair(u)
	if err != nil {
		return nil, err
	}
	// The unique index still decides a race between two users claiming the
	// same handle; the store reports the loser as ErrDuplicateHandle.
	updated, err := s.mutate(ctx, userID, domain.EventUserUpdated, func(u *domain.User, _ time.Time) error {
		if u.Status != domain.StatusActive {
			return fmt.Errorf("%w: user is %s", domain.ErrInvalidTransition, u.Status)
		}
		u.Handle = handle
		return nil
	})
	if err != nil {
		return nil, err
	}
	pair.User = updated.Profile()
	s.logger.Info("user handle changed", "user_id", userID, "request_id", requestctx.RequestID(ctx))
	return pair, nil
}
