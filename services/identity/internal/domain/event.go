package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AfshinJalili/identity/libs/kafka"
	"github.com/google/uuid"
)

type EventType string

const (
	EventUserRegistered      EventType = "user.registered"
	EventUserAuthenticated   EventType = "user.authenticated"
	EventUserLocked          EventType = "user.locked"
	EventUserUnlocked        EventType = "user.unlocked"
	EventUserPasswordChanged EventType = "user.password_changed"
	EventUserUpdated         EventType = "user.updated"
	EventUserDeleted         EventType = "user.deleted"
)

const EventVersion = 1

// OutboxEvent is a pending broker message written alongside a user mutation.
type OutboxEvent struct {
	ID          uuid.UUID
	Seq         int64
	AggregateID uuid.UUID
	Type        EventType
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}

type UserEventPayload struct {
	kafka.Envelope
	UserID  string `json:"user_id"`
	Handle  string `json:"handle"`
	Status  Status `json:"status"`
	Version int64  `json:"version"`
}

// NewUserEvent builds the outbox row for a change to u. The row id doubles as
// the event id consumers deduplicate on.
func NewUserEvent(eventType EventType, u *User, correlationID string, now time.Time) (OutboxEvent, error) {
	id := uuid.New()
	env, err := kafka.NewEnvelope(id.String(), string(eventType), EventVersion, correlationID, now)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("build envelope: %w", err)
	}
	payload, err := json.Marshal(UserEventPayload{
		Envelope: env,
		UserID:   u.ID.String(),
		Handle:   u.Handle,
		Status:   u.Status,
		Version:  u.Version,
	})
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return OutboxEvent{
		ID:          id,
		AggregateID: u.ID,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   now.UTC(),
	}, nil
}
