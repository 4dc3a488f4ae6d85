// Package memstore is an in-memory gateway with the same transactional
// guarantees as the Postgres store, for tests and local runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/google/uuid"
)

type Store struct {
	mu       sync.Mutex
	users    map[uuid.UUID]domain.User
	byHandle map[string]uuid.UUID
	events   []*eventRow
	revoked  map[string]time.Time
	seq      int64

	// OnMutate runs after the mutation function and before the version check.
	// Tests use it to interleave a competing write.
	OnMutate func(id uuid.UUID)
	// Err, when set, fails every operation.
	Err error
	// RevokeErr, when set, fails RevokeToken only.
	RevokeErr error
}

type eventRow struct {
	ev            domain.OutboxEvent
	lastAttemptAt *time.Time
}

func New() *Store {
	return &Store{
		users:    map[uuid.UUID]domain.User{},
		byHandle: map[string]uuid.UUID{},
		revoked:  map[string]time.Time{},
	}
}

func (s *Store) Ping(context.Context) error { return s.Err }

func (s *Store) CreateWithEvent(_ context.Context, u *domain.User, ev domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.byHandle[u.Handle]; ok {
		return domain.ErrDuplicateHandle
	}
	s.users[u.ID] = *u
	s.byHandle[u.Handle] = u.ID
	s.appendEvent(ev)
	return nil
}

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
		return nil, err
	}

	if s.OnMutate != nil {
		s.OnMutate(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	stored, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if stored.Version != current.Version {
		return nil, domain.ErrVersionConflict
	}
	if stored.Handle != next.Handle {
		if owner, taken := s.byHandle[next.Handle]; taken && owner != id {
			return nil, domain.ErrDuplicateHandle
		}
		delete(s.byHandle, stored.Handle)
		s.byHandle[next.Handle] = id
	}
	s.users[id] = next
	s.appendEvent(ev)
	out := next
	return &out, nil
}

func (s *Store) appendEvent(ev domain.OutboxEvent) {
	s.seq++
	ev.Seq = s.seq
	s.events = append(s.events, &eventRow{ev: ev})
}

func (s *Store) FindByHandle(_ context.Context, handle string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	id, ok := s.byHandle[handle]
	if !ok {
		return nil, domain.ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) FindByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (s *Store) RevokeToken(_ context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if s.RevokeErr != nil {
		return false, s.RevokeErr
	}
	if _, ok := s.revoked[tokenID]; ok {
		return false, nil
	}
	s.revoked[tokenID] = expiresAt
	return true, nil
}

func (s *Store) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.revoked[tokenID]
	return ok, nil
}

func (s *Store) PurgeExpiredRevocations(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for id, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, id)
			n++
		}
	}
	return n, nil
}

func eligible(r *eventRow, maxAttempts int, parkedBefore time.Time) bool {
	if r.ev.Attempts < maxAttempts {
		return true
	}
	return r.lastAttemptAt != nil && r.lastAttemptAt.Before(parkedBefore)
}

func (s *Store) FetchUnpublished(_ context.Context, limit, maxAttempts int, parkedBefore time.Time) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	blocked := map[uuid.UUID]bool{}
	var out []domain.OutboxEvent
	for _, r := range s.events {
		if r.ev.PublishedAt != nil {
			continue
		}
		if blocked[r.ev.AggregateID] {
			continue
		}
		if !eligible(r, maxAttempts, parkedBefore) {
			blocked[r.ev.AggregateID] = true
			continue
		}
		out = append(out, r.ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) find(id uuid.UUID) *eventRow {
	for _, r := range s.events {
		if r.ev.ID == id {
			return r
		}
	}
	return nil
}

func (s *Store) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	r := s.find(id)
	if r == nil || r.ev.PublishedAt != nil {
		return false, nil
	}
	ts := at
	r.ev.PublishedAt = &ts
	return true, nil
}

func (s *Store) RecordPublishFailure(_ context.Context, id uuid.UUID, lastErr string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	r := s.find(id)
	if r == nil || r.ev.PublishedAt != nil {
		return 0, nil
	}
	ts := at
	r.ev.Attempts++
	r.ev.LastError = lastErr
	r.lastAttemptAt = &ts
	return r.ev.Attempts, nil
}

func (s *Store) CountStuck(_ context.Context, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var n int64
	for _, r := range s.events {
		if r.ev.PublishedAt == nil && r.ev.Attempts >= maxAttempts {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestPending(_ context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, r := range s.events {
		if r.ev.PublishedAt == nil {
			ts := r.ev.CreatedAt
			return &ts, nil
		}
	}
	return nil, nil
}

func (s *Store) PurgePublished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	kept := s.events[:0]
	var n int64
	for _, r := range s.events {
		if r.ev.PublishedAt != nil && r.ev.PublishedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.events = kept
	return n, nil
}

// Events returns a copy of every outbox row in creation order.
func (s *Store) Events() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(s.events))
	for _, r := range s.events {
		out = append(out, r.ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// EventsFor returns the outbox rows of one aggregate.
func (s *Store) EventsFor(id uuid.UUID) []domain.OutboxEvent {
	var out []domain.OutboxEvent
	for _, ev := range s.Events() {
		if ev.AggregateID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}
