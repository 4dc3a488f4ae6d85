package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusLocked  Status = "locked"
	StatusDeleted Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusLocked, StatusDeleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether s may move to next. Active and Locked
// swap freely, either may become Deleted, and Deleted is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusLocked || next == StatusDeleted
	case StatusLocked:
		return next == StatusActive || next == StatusDeleted
	}
	return false
}

type User struct {
	ID           uuid.UUID
	Handle       string
	SecretDigest string
	Status       Status
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Transition moves the user to next or returns ErrInvalidTransition.
func (u *User) Transition(next Status) error {
	if !u.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	u.Status = next
	return nil
}

// Profile is the part of a User that leaves the service.
type Profile struct {
	ID          string     `json:"id"`
	Handle      string     `json:"handle"`
	Status      Status     `json:"status"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func (u *User) Profile() Profile {
	return Profile{
		ID:          u.ID.String(),
		Handle:      u.Handle,
		Status:      u.Status,
		Version:     u.Version,
		CreatedAt:   u.CreatedAt.UTC(),
		UpdatedAt:   u.UpdatedAt.UTC(),
		LastLoginAt: u.LastLoginAt,
	}
}

const (
	maxHandleLength = 254
	minSecretLength = 8
	maxSecretLength = 128
)

// NormalizeHandle trims and lower-cases an email handle and checks its shape.
func NormalizeHandle(raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if h == "" {
		return "", invalid("handle", "required")
	}
	if len(h) > maxHandleLength {
		return "", invalid("handle", "too long")
	}
	local, domainPart, ok := strings.Cut(h, "@")
	if !ok || local == "" || domainPart == "" || strings.Contains(domainPart, "@") {
		return "", invalid("handle", "must be an email address")
	}
	if strings.ContainsAny(h, " \t\r\n") {
		return "", invalid("handle", "must not contain whitespace")
	}
	return h, nil
}

func ValidateSecret(secret string) error {
	if len(secret) < minSecretLength {
		return invalid("secret", "too short")
	}
	if len(secret) > maxSecretLength {
		return invalid("secret", "too long")
	}
	return nil
}

// ParseUserID parses an externally supplied user id.
func ParseUserID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, invalid("user_id", "must be a uuid")
	}
	return id, nil
}
