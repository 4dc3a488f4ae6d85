package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AfshinJalili/identity/libs/logging"
	"github.com/AfshinJalili/identity/libs/requestctx"
	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/AfshinJalili/identity/services/identity/internal/rate"
	"github.com/AfshinJalili/identity/services/identity/internal/security"
	"github.com/AfshinJalili/identity/services/identity/internal/storage/memstore"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) Notify() { c.n.Add(1) }

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, rate.Key, time.Time) (rate.Decision, error) {
	return rate.Decision{}, errors.New("redis down")
}

func (failingLimiter) Reset(context.Context, rate.Key) error { return errors.New("redis down") }

var testArgon2 = security.Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type fixture struct {
	svc      *Service
	store    *memstore.Store
	clock    *fakeClock
	notifier *countingNotifier
	metrics  *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	codec, err := security.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "identity-test", store, security.WithClock(clock))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	hasher, err := security.NewHasher(testArgon2)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	notifier := &countingNotifier{}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := New(store, codec, hasher, Config{AccessTTL: 15 * time.Minute, RefreshTTL: 24 * time.Hour, MaxConflictRetries: 3}, logging.Discard()).
		WithClock(clock).
		WithNotifier(notifier).
		WithMetrics(metrics)
	return &fixture{svc: svc, store: store, clock: clock, notifier: notifier, metrics: metrics}
}

func (f *fixture) register(t *testing.T, handle, secret string) *domain.TokenPair {
	t.Helper()
	pair, err := f.svc.Register(context.Background(), handle, secret)
	if err != nil {
		t.Fatalf("register %s: %v", handle, err)
	}
	return pair
}

func userID(t *testing.T, pair *domain.TokenPair) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(pair.User.ID)
	if err != nil {
		t.Fatalf("parse user id: %v", err)
	}
	return id
}

func eventTypes(events []domain.OutboxEvent) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestLoginScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "a@x.com", "password-1")

	pair, err := f.svc.Authenticate(ctx, "a@x.com", "password-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected a fresh token pair")
	}
	if pair.User.LastLoginAt == nil || pair.User.Version != 2 {
		t.Fatalf("expected login recorded on the profile, got %+v", pair.User)
	}

	if _, err := f.svc.Authenticate(ctx, "a@x.com", "wrong-secret"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	rotated, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected replayed refresh to fail with token invalid, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("expected rotated token to work once, got %v", err)
	}
}

func TestUnknownHandleAndWrongSecretLookAlike(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a@x.com", "password-1")

	_, wrongSecret := f.svc.Authenticate(ctx, "a@x.com", "wrong-secret")
	_, unknown := f.svc.Authenticate(ctx, "nobody@x.com", "password-1")
	_, malformed := f.svc.Authenticate(ctx, "not-an-email", "password-1")

	for _, err := range []error{wrongSecret, unknown, malformed} {
		if !errors.Is(err, domain.ErrInvalidCredentials) {
			t.Fatalf("expected invalid credentials, got %v", err)
		}
		if err.Error() != wrongSecret.Error() {
			t.Fatalf("errors must not reveal which check failed: %q vs %q", err, wrongSecret)
		}
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, "bad", "password-1"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for bad handle, got %v", err)
	}
	if _, err := f.svc.Register(ctx, "a@x.com", "short"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for short secret, got %v", err)
	}
	if f.store.UserCount() != 0 || len(f.store.Events()) != 0 {
		t.Fatalf("rejected registrations must leave no rows")
	}
}

func TestDuplicateRegistrationLeavesFirstIntact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "a@x.com", "password-1")

	if _, err := f.svc.Register(ctx, " A@X.com ", "password-2"); !errors.Is(err, domain.ErrDuplicateHandle) {
		t.Fatalf("expected duplicate handle, got %v", err)
	}
	if f.store.UserCount() != 1 || len(f.store.Events()) != 1 {
		t.Fatalf("expected one user and one event, got %d / %d", f.store.UserCount(), len(f.store.Events()))
	}
	pair, err := f.svc.Authenticate(ctx, "a@x.com", "password-1")
	if err != nil {
		t.Fatalf("first registration should still authenticate: %v", err)
	}
	if pair.User.ID != first.User.ID {
		t.Fatalf("expected the original user")
	}
}

func TestEachSuccessfulMutationWritesOneEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.register(t, "a@x.com", "password-1")
	id := userID(t, pair)

	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	_, _ = f.svc.Authenticate(ctx, "a@x.com", "wrong-secret")
	if _, err := f.svc.Lock(ctx, id); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, _ = f.svc.Lock(ctx, id)
	if _, err := f.svc.Unlock(ctx, id); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := f.svc.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got := eventTypes(f.store.EventsFor(id))
	want := []domain.EventType{
		domain.EventUserRegistered,
		domain.EventUserAuthenticated,
		domain.EventUserLocked,
		domain.EventUserUnlocked,
		domain.EventUserDeleted,
	}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
	if n := f.notifier.n.Load(); n != int32(len(want)) {
		t.Fatalf("expected relay notified per commit, got %d", n)
	}
}

func TestEventsCarryRequestID(t *testing.T) {
	f := newFixture(t)
	ctx := requestctx.WithRequestID(context.Background(), "req-42")
	if _, err := f.svc.Register(ctx, "a@x.com", "password-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ev := f.store.Events()[0]
	if want := `"correlation_id":"req-42"`; !strings.Contains(string(ev.Payload), want) {
		t.Fatalf("expected %s in payload %s", want, ev.Payload)
	}
}

func TestLockRacingAuthenticateWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := userID(t, f.register(t, "a@x.com", "password-1"))

	var fired atomic.Bool
	f.store.OnMutate = func(uuid.UUID) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		if _, err := f.svc.Lock(ctx, id); err != nil {
			t.Errorf("interleaved lock: %v", err)
		}
	}

	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected login to lose against the lock, got %v", err)
	}
	f.store.OnMutate = nil

	u, err := f.store.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if u.Status != domain.StatusLocked || u.Version != 2 {
		t.Fatalf("expected locked at version 2, got %s v%d", u.Status, u.Version)
	}
	got := eventTypes(f.store.EventsFor(id))
	if len(got) != 2 || got[1] != domain.EventUserLocked {
		t.Fatalf("expected only the lock to commit, got %v", got)
	}
}

func TestAuthenticateRacingLockRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := userID(t, f.register(t, "a@x.com", "password-1"))

	var fired atomic.Bool
	f.store.OnMutate = func(uuid.UUID) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); err != nil {
			t.Errorf("interleaved login: %v", err)
		}
	}

	profile, err := f.svc.Lock(ctx, id)
	if err != nil {
		t.Fatalf("expected lock to retry past the conflict, got %v", err)
	}
	f.store.OnMutate = nil
	if profile.Status != domain.StatusLocked || profile.Version != 3 {
		t.Fatalf("expected locked at version 3, got %+v", profile)
	}
	got := eventTypes(f.store.EventsFor(id))
	if len(got) != 3 || got[1] != domain.EventUserAuthenticated || got[2] != domain.EventUserLocked {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestPersistentConflictSurfacesUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := userID(t, f.register(t, "a@x.com", "password-1"))

	var inHook atomic.Bool
	f.store.OnMutate = func(uuid.UUID) {
		if !inHook.CompareAndSwap(false, true) {
			return
		}
		defer inHook.Store(false)
		_, err := f.store.MutateWithEvent(ctx, id, func(*domain.User) error { return nil },
			func(u *domain.User) (domain.OutboxEvent, error) {
				return domain.NewUserEvent(domain.EventUserAuthenticated, u, "", time.Now())
			})
		if err != nil {
			t.Errorf("competing write: %v", err)
		}
	}

	if _, err := f.svc.Lock(ctx, id); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable after bounded retries, got %v", err)
	}
	f.store.OnMutate = nil
	for _, ev := range f.store.EventsFor(id) {
		if ev.Type == domain.EventUserLocked {
			t.Fatalf("lock must not have committed")
		}
	}
}

func TestConcurrentLocksCommitOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := userID(t, f.register(t, "a@x.com", "password-1"))

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Lock(ctx, id)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInvalidTransition):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || rejected.Load() != 7 {
		t.Fatalf("expected exactly one lock, got %d ok / %d rejected", ok.Load(), rejected.Load())
	}
}

func TestStatusGatesLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.register(t, "a@x.com", "password-1")
	id := userID(t, pair)

	if _, err := f.svc.Lock(ctx, id); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected locked user rejected, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected locked user refresh rejected, got %v", err)
	}
	if _, err := f.svc.Unlock(ctx, id); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); err != nil {
		t.Fatalf("expected unlocked user to log in, got %v", err)
	}

	if _, err := f.svc.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Unlock(ctx, id); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected deleted to be terminal, got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected deleted user rejected, got %v", err)
	}
	if _, err := f.svc.Register(ctx, "a@x.com", "password-1"); !errors.Is(err, domain.ErrDuplicateHandle) {
		t.Fatalf("expected tombstone to keep the handle, got %v", err)
	}
	profile, err := f.svc.GetUser(ctx, id)
	if err != nil || profile.Status != domain.StatusDeleted {
		t.Fatalf("expected deleted profile, got %+v, %v", profile, err)
	}
}

func TestAdminOperationsOnUnknownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	if _, err := f.svc.Lock(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.GetUser(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRefreshRejectsWrongTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.register(t, "a@x.com", "password-1")

	if _, err := f.svc.Refresh(ctx, pair.AccessToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected access token rejected, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, "garbage"); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected garbage rejected, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, ""); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected empty token rejected as invalid request, got %v", err)
	}

	f.clock.Advance(25 * time.Hour)
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected expired refresh rejected, got %v", err)
	}
}

func TestFailedRefreshKeepsOldTokenUsable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.register(t, "a@x.com", "password-1")

	f.store.RevokeErr = fmt.Errorf("%w: connection reset", domain.ErrUnavailable)
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	f.store.RevokeErr = nil

	rotated, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("old refresh token must still work after a failed rotation: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected replay refused after successful rotation, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.register(t, "a@x.com", "password-1")

	if err := f.svc.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.svc.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second revoke should succeed silently, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected revoked token refused, got %v", err)
	}

	other, err := f.svc.Authenticate(ctx, "a@x.com", "password-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	f.clock.Advance(25 * time.Hour)
	if err := f.svc.Revoke(ctx, other.RefreshToken); err != nil {
		t.Fatalf("expired token revoke should succeed silently, got %v", err)
	}

	if err := f.svc.Revoke(ctx, "garbage"); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected garbage rejected, got %v", err)
	}
}

func TestRevokeRejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	pair := f.register(t, "a@x.com", "password-1")
	if err := f.svc.Revoke(context.Background(), pair.AccessToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected access token rejected, got %v", err)
	}
}

func TestVerifyAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.register(t, "a@x.com", "password-1")

	subject, err := f.svc.VerifyAccess(ctx, pair.AccessToken)
	if err != nil || subject != pair.User.ID {
		t.Fatalf("expected subject %s, got %q, %v", pair.User.ID, subject, err)
	}
	if _, err := f.svc.VerifyAccess(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected refresh token rejected, got %v", err)
	}
	f.clock.Advance(16 * time.Minute)
	if _, err := f.svc.VerifyAccess(ctx, pair.AccessToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected expired access token rejected, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := userID(t, f.register(t, "a@x.com", "password-1"))

	if _, err := f.svc.ChangePassword(ctx, id, "wrong-secret", "password-2"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected wrong current secret rejected, got %v", err)
	}
	if _, err := f.svc.ChangePassword(ctx, id, "password-1", "short"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected weak new secret rejected, got %v", err)
	}
	profile, err := f.svc.ChangePassword(ctx, id, "password-1", "password-2")
	if err != nil {
		t.Fatalf("change password: %v", err)
	}
	if profile.Version != 2 {
		t.Fatalf("expected version bump, got %d", profile.Version)
	}
	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected old secret rejected, got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-2"); err != nil {
		t.Fatalf("expected new secret accepted, got %v", err)
	}
	got := eventTypes(f.store.EventsFor(id))
	if got[1] != domain.EventUserPasswordChanged {
		t.Fatalf("expected password change event, got %v", got)
	}
}

func TestUpdateHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := userID(t, f.register(t, "a@x.com", "password-1"))
	f.register(t, "b@x.com", "password-1")

	if _, err := f.svc.UpdateHandle(ctx, id, "not-an-email"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected malformed handle rejected, got %v", err)
	}
	if _, err := f.svc.UpdateHandle(ctx, id, "B@x.com"); !errors.Is(err, domain.ErrDuplicateHandle) {
		t.Fatalf("expected taken handle rejected, got %v", err)
	}

	pair, err := f.svc.UpdateHandle(ctx, id, " New@X.com ")
	if err != nil {
		t.Fatalf("update handle: %v", err)
	}
	if pair.User.Handle != "new@x.com" || pair.User.Version != 2 {
		t.Fatalf("unexpected profile %+v", pair.User)
	}
	if subject, err := f.svc.VerifyAccess(ctx, pair.AccessToken); err != nil || subject != id.String() {
		t.Fatalf("expected fresh access token for %s, got %q %v", id, subject, err)
	}
	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected old handle gone, got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "new@x.com", "password-1"); err != nil {
		t.Fatalf("expected login under new handle, got %v", err)
	}
	if _, err := f.svc.Register(ctx, "a@x.com", "password-1"); err != nil {
		t.Fatalf("expected released handle to be registrable, got %v", err)
	}

	got := eventTypes(f.store.EventsFor(id))
	if got[1] != domain.EventUserUpdated {
		t.Fatalf("expected user.updated event, got %v", got)
	}

	before := len(f.store.EventsFor(id))
	same, err := f.svc.UpdateHandle(ctx, id, "new@x.com")
	if err != nil {
		t.Fatalf("unchanged handle: %v", err)
	}
	if same.User.Handle != "new@x.com" || len(f.store.EventsFor(id)) != before {
		t.Fatalf("unchanged handle must not write, events %d -> %d", before, len(f.store.EventsFor(id)))
	}
}

func TestUpdateHandleLosesRaceToRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := userID(t, f.register(t, "a@x.com", "password-1"))

	var raced atomic.Bool
	f.store.OnMutate = func(uuid.UUID) {
		if raced.CompareAndSwap(false, true) {
			if _, err := f.svc.Register(ctx, "c@x.com", "password-1"); err != nil {
				t.Errorf("competing register: %v", err)
			}
		}
	}

	if _, err := f.svc.UpdateHandle(ctx, id, "c@x.com"); !errors.Is(err, domain.ErrDuplicateHandle) {
		t.Fatalf("expected duplicate handle, got %v", err)
	}
	u, err := f.svc.GetUser(ctx, id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Handle != "a@x.com" || u.Version != 1 {
		t.Fatalf("failed update must leave the user untouched, got %+v", u)
	}
}

func TestUpdateHandleRequiresActiveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := userID(t, f.register(t, "a@x.com", "password-1"))
	if _, err := f.svc.Lock(ctx, id); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.svc.UpdateHandle(ctx, id, "b@x.com"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected locked user refused, got %v", err)
	}
	if _, err := f.svc.UpdateHandle(ctx, uuid.New(), "b@x.com"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown user not found, got %v", err)
	}
}

func TestLoginRateLimit(t *testing.T) {
	f := newFixture(t)
	f.svc.WithLimiter(rate.NewMemory(rate.Limits{Handle: 2, IP: 10}, time.Minute))
	ctx := requestctx.WithClientIP(context.Background(), "10.0.0.1")
	f.register(t, "a@x.com", "password-1")

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Authenticate(ctx, "a@x.com", "wrong-secret"); !errors.Is(err, domain.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i+1, err)
		}
	}
	_, err := f.svc.Authenticate(ctx, "a@x.com", "password-1")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		t.Fatalf("expected retry-after on rate limit error, got %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); err != nil {
		t.Fatalf("expected allow after window, got %v", err)
	}
}

func TestLoginRateLimitPerIPSpansHandles(t *testing.T) {
	f := newFixture(t)
	lim := rate.NewMemory(rate.Limits{Handle: 10, IP: 3}, time.Minute)
	f.svc.WithLimiter(lim)
	ctx := requestctx.WithClientIP(context.Background(), "10.0.0.1")
	f.register(t, "a@x.com", "password-1")

	for _, h := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		if _, err := f.svc.Authenticate(ctx, h, "wrong-secret"); !errors.Is(err, domain.ErrInvalidCredentials) {
			t.Fatalf("%s: expected invalid credentials, got %v", h, err)
		}
	}
	if _, err := f.svc.Authenticate(ctx, "a@x.com", "password-1"); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ip budget exhausted, got %v", err)
	}

	other := requestctx.WithClientIP(context.Background(), "10.0.0.2")
	if _, err := f.svc.Authenticate(other, "a@x.com", "password-1"); err != nil {
		t.Fatalf("expected login from another ip, got %v", err)
	}
	// Success clears the handle counter but leaves the ip counter alone.
	if d, _ := lim.Allow(ctx, rate.HandleKey("a@x.com"), f.clock.Now()); !d.Allowed || d.Remaining != 9 {
		t.Fatalf("expected fresh handle counter, got %+v", d)
	}
	if d, _ := lim.Allow(ctx, rate.IPKey("10.0.0.1"), f.clock.Now()); d.Allowed {
		t.Fatalf("expected ip counter untouched by the login, got %+v", d)
	}
}

func TestLimiterFailureFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.svc.WithLimiter(failingLimiter{})
	f.register(t, "a@x.com", "password-1")
	if _, err := f.svc.Authenticate(context.Background(), "a@x.com", "password-1"); err != nil {
		t.Fatalf("expected login to proceed without limiter, got %v", err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.Err = domain.ErrUnavailable
	if _, err := f.svc.Register(context.Background(), "a@x.com", "password-1"); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := f.svc.Authenticate(context.Background(), "a@x.com", "password-1"); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestSweepRevocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.register(t, "a@x.com", "password-1")
	if err := f.svc.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if n, err := f.svc.SweepRevocations(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing swept yet, got %d, %v", n, err)
	}
	f.clock.Advance(25 * time.Hour)
	if n, err := f.svc.SweepRevocations(ctx); err != nil || n != 1 {
		t.Fatalf("expected one entry swept, got %d, %v", n, err)
	}
}

func TestUseCaseMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "a@x.com", "password-1")
	_, _ = f.svc.Register(ctx, "a@x.com", "password-1")
	_, _ = f.svc.Authenticate(ctx, "a@x.com", "wrong-secret")

	if got := testutil.ToFloat64(f.metrics.UseCases.WithLabelValues("register", "ok")); got != 1 {
		t.Fatalf("expected one ok register, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.UseCases.WithLabelValues("register", "duplicate_handle")); got != 1 {
		t.Fatalf("expected one duplicate register, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.UseCases.WithLabelValues("authenticate", "invalid_credentials")); got != 1 {
		t.Fatalf("expected one failed login, got %v", got)
	}
}
