package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", s.pool.Ping(ctx))
}

const userColumns = `id, handle, secret_digest, status, version, created_at, updated_at, last_login_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var status string
	if err := row.Scan(&u.ID, &u.Handle, &u.SecretDigest, &status, &u.Version, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt); err != nil {
		return nil, err
	}
	u.Status = domain.Status(status)
	return &u, nil
}

// CreateWithEvent inserts u and its outbox row in one transaction.
func (s *Store) CreateWithEvent(ctx context.Context, u *domain.User, ev domain.OutboxEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin create", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, handle, secret_digest, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Handle, u.SecretDigest, string(u.Status), u.Version, u.CreatedAt, u.UpdatedAt); err != nil {
		return mapError("insert user", err)
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError("commit create", err)
	}
	return nil
}

// MutateWithEvent applies mutate to a copy of the current row and writes it
// back only if the version is unchanged, together with the event built from
// the new state. A concurrent writer makes it fail with ErrVersionConflict.
func (s *Store) MutateWithEvent(ctx context.Context, id uuid.UUID, mutate func(*domain.User) error, newEvent func(*domain.User) (domain.OutboxEvent, error)) (*domain.User, error) {
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1

	ev, err := newEvent(&next)
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError("begin mutate", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET handle = $3, secret_digest = $4, status = $5, version = $6, updated_at = $7, last_login_at = $8
		WHERE id = $1 AND version = $2
	`, next.ID, current.Version, next.Handle, next.SecretDigest, string(next.Status), next.Version, next.UpdatedAt, next.LastLoginAt)
	if err != nil {
		return nil, mapError("update user", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrVersionConflict
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("commit mutate", err)
	}
	return &next, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev domain.OutboxEvent) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.AggregateID, string(ev.Type), ev.Payload, ev.CreatedAt); err != nil {
		return mapError("insert outbox event", err)
	}
	return nil
}

func (s *Store) FindByHandle(ctx context.Context, handle string) (*domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE handle = $1`, handle))
	if err != nil {
		return nil, mapError("find user by handle", err)
	}
	return u, nil
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("find user by id", err)
	}
	return u, nil
}

// RevokeToken records tokenID as revoked. It reports false when the id was
// already present, which callers use to detect refresh replay.
func (s *Store) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO revoked_tokens (token_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (token_id) DO NOTHING
	`, tokenID, expiresAt)
	if err != nil {
		return false, mapError("revoke token", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_id = $1)`, tokenID).Scan(&exists); err != nil {
		return false, mapError("check revocation", err)
	}
	return exists, nil
}

func (s *Store) PurgeExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, mapError("purge revocations", err)
	}
	return tag.RowsAffected(), nil
}

// FetchUnpublished returns pending events in creation order. Rows past
// maxAttempts are parked and only come back once parkedBefore has passed
// their last attempt. Rows queued behind an ineligible row of the same
// aggregate are held back so per-user order is kept.
func (s *Store) FetchUnpublished(ctx context.Context, limit, maxAttempts int, parkedBefore time.Time) ([]domain.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.seq, o.id, o.aggregate_id, o.event_type, o.payload, o.created_at, o.attempts, o.last_error
		FROM outbox_events o
		WHERE o.published_at IS NULL
		  AND (o.attempts < $2 OR o.last_attempt_at < $3)
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_events p
			WHERE p.aggregate_id = o.aggregate_id
			  AND p.published_at IS NULL
			  AND p.seq < o.seq
			  AND p.attempts >= $2
			  AND (p.last_attempt_at IS NULL OR p.last_attempt_at >= $3)
		  )
		ORDER BY o.seq
		LIMIT $1
	`, limit, maxAttempts, parkedBefore)
	if err != nil {
		return nil, mapError("fetch outbox", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		var eventType string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.AggregateID, &eventType, &ev.Payload, &ev.CreatedAt, &ev.Attempts, &ev.LastError); err != nil {
			return nil, mapError("scan outbox", err)
		}
		ev.Type = domain.EventType(eventType)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate outbox", err)
	}
	return events, nil
}

// MarkPublished sets published_at once. A second call is a no-op reporting false.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = $2
		WHERE id = $1 AND published_at IS NULL
	`, id, at)
	if err != nil {
		return false, mapError("mark published", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordPublishFailure bumps the attempt counter and returns its new value.
func (s *Store) RecordPublishFailure(ctx context.Context, id uuid.UUID, lastErr string, at time.Time) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2, last_attempt_at = $3
		WHERE id = $1 AND published_at IS NULL
		RETURNING attempts
	`, id, truncate(lastErr, 1024), at).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("record publish failure", err)
	}
	return attempts, nil
}

func (s *Store) CountStuck(ctx context.Context, maxAttempts int) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events WHERE published_at IS NULL AND attempts >= $1
	`, maxAttempts).Scan(&n); err != nil {
		return 0, mapError("count stuck", err)
	}
	return n, nil
}

// OldestPending returns the creation time of the oldest unpublished row.
func (s *Store) OldestPending(ctx context.Context) (*time.Time, error) {
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, `
		SELECT min(created_at) FROM outbox_events WHERE published_at IS NULL
	`).Scan(&ts); err != nil {
		return nil, mapError("oldest pending", err)
	}
	return ts, nil
}

func (s *Store) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < $1
	`, before)
	if err != nil {
		return 0, mapError("purge outbox", err)
	}
	return tag.RowsAffected(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
