package service

import (
	"context"
	"time"

	"github.com/AfshinJalili/identity/libs/requestctx"
	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/google/uuid"
)

func (s *Service) Lock(ctx context.Context, id uuid.UUID) (*domain.Profile, error) {
	return s.transition(ctx, "lock", id, domain.StatusLocked, domain.EventUserLocked)
}

func (s *Service) Unlock(ctx context.Context, id uuid.UUID) (*domain.Profile, error) {
	return s.transition(ctx, "unlock", id, domain.StatusActive, domain.EventUserUnlocked)
}

// Delete tombstones the user. The row and its handle are kept.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (*domain.Profile, error) {
	return s.transition(ctx, "delete", id, domain.StatusDeleted, domain.EventUserDeleted)
}

func (s *Service) transition(ctx context.Context, usecase string, id uuid.UUID, next domain.Status, eventType domain.EventType) (profile *domain.Profile, err error) {
	defer func() { s.observe(usecase, err) }()

	updated, err := s.mutate(ctx, id, eventType, func(u *domain.User, _ time.Time) error {
		return u.Transition(next)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user status changed", "user_id", id, "status", next, "request_id", requestctx.RequestID(ctx))
	p := updated.Profile()
	return &p, nil
}

// GetUser returns the profile of any user, tombstoned ones included.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (profile *domain.Profile, err error) {
	defer func() { s.observe("get_user", err) }()

	u, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p := u.Profile()
	return &p, nil
}
