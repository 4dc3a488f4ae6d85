package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/google/uuid"
)

// Registrar is the part of the identity service the seeder drives.
type Registrar interface {
	Register(ctx context.Context, handle, secret string) (*domain.TokenPair, error)
	Lock(ctx context.Context, id uuid.UUID) (*domain.Profile, error)
}

type demoUser struct {
	Handle string
	Secret string
	Locked bool
}

var demoUsers = []demoUser{
	{Handle: "demo@example.com", Secret: "demo-secret-123"},
	{Handle: "trader@example.com", Secret: "trader-secret-123"},
}

var testUsers = []demoUser{
	{Handle: "locked@example.com", Secret: "locked-secret-123", Locked: true},
}

type seedResult struct {
	Handle  string
	UserID  string
	Created bool
}

// seedUsers registers each user through the service so every row comes with
// its outbox event. Handles that already exist are left untouched.
func seedUsers(ctx context.Context, svc Registrar, users []demoUser) ([]seedResult, error) {
	results := make([]seedResult, 0, len(users))
	for _, u := range users {
		pair, err := svc.Register(ctx, u.Handle, u.Secret)
		if errors.Is(err, domain.ErrDuplicateHandle) {
			results = append(results, seedResult{Handle: u.Handle})
			continue
		}
		if err != nil {
			return results, fmt.Errorf("register %s: %w", u.Handle, err)
		}

		if u.Locked {
			id, err := uuid.Parse(pair.User.ID)
			if err != nil {
				return results, fmt.Errorf("parse user id: %w", err)
			}
			if _, err := svc.Lock(ctx, id); err != nil {
				return results, fmt.Errorf("lock %s: %w", u.Handle, err)
			}
		}
		results = append(results, seedResult{Handle: u.Handle, UserID: pair.User.ID, Created: true})
	}
	return results, nil
}
