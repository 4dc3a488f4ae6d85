package grpcapi

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/AfshinJalili/identity/libs/apikey"
	"github.com/AfshinJalili/identity/libs/logging"
	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/AfshinJalili/identity/services/identity/internal/security"
	"github.com/AfshinJalili/identity/services/identity/internal/service"
	"github.com/AfshinJalili/identity/services/identity/internal/storage/memstore"
	"github.com/AfshinJalili/identity/services/testutil"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	client   *Client
	store    *memstore.Store
	adminKey string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	codec, err := security.NewCodec([]byte(testutil.TestJWTSecret), testutil.TestIssuer, store)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	hasher, err := security.NewHasher(security.Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	svc := service.New(store, codec, hasher, service.Config{AccessTTL: 15 * time.Minute, RefreshTTL: 24 * time.Hour}, logging.Discard())

	key, hash, err := testutil.GenerateAdminKey()
	if err != nil {
		t.Fatalf("admin key: %v", err)
	}
	ring, err := apikey.NewKeyRing([]string{hash}, nil)
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RequestMetadataInterceptor(),
		AuthInterceptor(svc, ring),
	))
	Register(server, NewServer(svc, logging.Discard()))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{client: NewClient(conn), store: store, adminKey: key}
}

func bearer(token string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), MetadataAuthorization, "Bearer "+token)
}

func (h *harness) admin() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), MetadataAPIKey, h.adminKey)
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestRegisterAuthenticateRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg, err := h.client.Register(ctx, &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.TokenType != "Bearer" || reg.ExpiresIn != 900 || reg.User.Handle != "a@x.com" {
		t.Fatalf("unexpected register response %+v", reg)
	}

	_, err = h.client.Register(ctx, &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	requireCode(t, err, codes.AlreadyExists)

	login, err := h.client.Authenticate(ctx, &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	_, err = h.client.Authenticate(ctx, &CredentialsRequest{Handle: "a@x.com", Secret: "wrong-secret"})
	requireCode(t, err, codes.Unauthenticated)

	if _, err := h.client.Refresh(ctx, &RefreshRequest{RefreshToken: login.RefreshToken}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, err = h.client.Refresh(ctx, &RefreshRequest{RefreshToken: login.RefreshToken})
	requireCode(t, err, codes.Unauthenticated)

	if _, err := h.client.Revoke(ctx, &RefreshRequest{RefreshToken: reg.RefreshToken}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := h.client.Revoke(ctx, &RefreshRequest{RefreshToken: reg.RefreshToken}); err != nil {
		t.Fatalf("second revoke should succeed, got %v", err)
	}
}

func TestValidationMapsToInvalidArgument(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Register(context.Background(), &CredentialsRequest{Handle: "nope", Secret: "password-1"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestGetUserSelfAndAdmin(t *testing.T) {
	h := newHarness(t)
	a, err := h.client.Register(context.Background(), &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := h.client.Register(context.Background(), &CredentialsRequest{Handle: "b@x.com", Secret: "password-1"})
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	_, err = h.client.GetUser(context.Background(), &UserRequest{})
	requireCode(t, err, codes.Unauthenticated)

	self, err := h.client.GetUser(bearer(a.AccessToken), &UserRequest{})
	if err != nil || self.User.ID != a.User.ID {
		t.Fatalf("expected own profile, got %+v, %v", self, err)
	}

	_, err = h.client.GetUser(bearer(a.AccessToken), &UserRequest{UserID: b.User.ID})
	requireCode(t, err, codes.PermissionDenied)

	other, err := h.client.GetUser(h.admin(), &UserRequest{UserID: b.User.ID})
	if err != nil || other.User.Handle != "b@x.com" {
		t.Fatalf("expected admin to read b, got %+v, %v", other, err)
	}

	_, err = h.client.GetUser(h.admin(), &UserRequest{UserID: uuid.NewString()})
	requireCode(t, err, codes.NotFound)

	_, err = h.client.GetUser(bearer(a.RefreshToken), &UserRequest{})
	requireCode(t, err, codes.Unauthenticated)
}

func TestAdminStatusRPCs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reg, err := h.client.Register(ctx, &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	target := &UserRequest{UserID: reg.User.ID}

	_, err = h.client.LockUser(ctx, target)
	requireCode(t, err, codes.Unauthenticated)
	_, err = h.client.LockUser(bearer(reg.AccessToken), target)
	requireCode(t, err, codes.Unauthenticated)
	bad := metadata.AppendToOutgoingContext(ctx, MetadataAPIKey, "ik_test_bogus")
	_, err = h.client.LockUser(bad, target)
	requireCode(t, err, codes.Unauthenticated)

	locked, err := h.client.LockUser(h.admin(), target)
	if err != nil || locked.User.Status != domain.StatusLocked {
		t.Fatalf("expected locked, got %+v, %v", locked, err)
	}
	_, err = h.client.Authenticate(ctx, &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	requireCode(t, err, codes.Unauthenticated)

	_, err = h.client.LockUser(h.admin(), target)
	requireCode(t, err, codes.FailedPrecondition)

	if _, err := h.client.UnlockUser(h.admin(), target); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	deleted, err := h.client.DeleteUser(h.admin(), target)
	if err != nil || deleted.User.Status != domain.StatusDeleted {
		t.Fatalf("expected deleted, got %+v, %v", deleted, err)
	}
	_, err = h.client.UnlockUser(h.admin(), target)
	requireCode(t, err, codes.FailedPrecondition)

	_, err = h.client.LockUser(h.admin(), &UserRequest{UserID: "nope"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestChangePasswordNeedsBearer(t *testing.T) {
	h := newHarness(t)
	reg, err := h.client.Register(context.Background(), &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = h.client.ChangePassword(h.admin(), &ChangePasswordRequest{CurrentSecret: "password-1", NewSecret: "password-2"})
	requireCode(t, err, codes.Unauthenticated)

	_, err = h.client.ChangePassword(bearer(reg.AccessToken), &ChangePasswordRequest{CurrentSecret: "wrong-secret", NewSecret: "password-2"})
	requireCode(t, err, codes.Unauthenticated)

	changed, err := h.client.ChangePassword(bearer(reg.AccessToken), &ChangePasswordRequest{CurrentSecret: "password-1", NewSecret: "password-2"})
	if err != nil || changed.User.Version != 2 {
		t.Fatalf("expected password changed, got %+v, %v", changed, err)
	}
	if _, err := h.client.Authenticate(context.Background(), &CredentialsRequest{Handle: "a@x.com", Secret: "password-2"}); err != nil {
		t.Fatalf("login with new secret: %v", err)
	}
}

func TestUpdateHandle(t *testing.T) {
	h := newHarness(t)
	reg, err := h.client.Register(context.Background(), &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.client.Register(context.Background(), &CredentialsRequest{Handle: "b@x.com", Secret: "password-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = h.client.UpdateHandle(h.admin(), &UpdateHandleRequest{Handle: "c@x.com"})
	requireCode(t, err, codes.Unauthenticated)

	_, err = h.client.UpdateHandle(bearer(reg.AccessToken), &UpdateHandleRequest{Handle: "b@x.com"})
	requireCode(t, err, codes.AlreadyExists)

	_, err = h.client.UpdateHandle(bearer(reg.AccessToken), &UpdateHandleRequest{Handle: "nope"})
	requireCode(t, err, codes.InvalidArgument)

	updated, err := h.client.UpdateHandle(bearer(reg.AccessToken), &UpdateHandleRequest{Handle: "c@x.com"})
	if err != nil {
		t.Fatalf("update handle: %v", err)
	}
	if updated.User.Handle != "c@x.com" || updated.User.ID != reg.User.ID || updated.User.Version != 2 {
		t.Fatalf("unexpected profile %+v", updated.User)
	}
	self, err := h.client.GetUser(bearer(updated.AccessToken), &UserRequest{})
	if err != nil || self.User.Handle != "c@x.com" {
		t.Fatalf("expected renamed profile, got %+v, %v", self, err)
	}
	_, err = h.client.Authenticate(context.Background(), &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"})
	requireCode(t, err, codes.Unauthenticated)
}

func TestRequestIDPropagates(t *testing.T) {
	h := newHarness(t)
	ctx := metadata.AppendToOutgoingContext(context.Background(), MetadataRequestID, "req-grpc-1")
	var header metadata.MD
	if _, err := h.client.Register(ctx, &CredentialsRequest{Handle: "a@x.com", Secret: "password-1"}, grpc.Header(&header)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := header.Get(MetadataRequestID); len(got) != 1 || got[0] != "req-grpc-1" {
		t.Fatalf("expected request id echoed, got %v", got)
	}
	if payload := string(h.store.Events()[0].Payload); !strings.Contains(payload, `"correlation_id":"req-grpc-1"`) {
		t.Fatalf("expected request id on the event, got %s", payload)
	}
}


func TestToStatusTable(t *testing.T) {
	s := NewServer(nil, logging.Discard())
	cases := []struct {
		err  error
		want codes.Code
	}{
		{domain.ErrInvalidRequest, codes.InvalidArgument},
		{domain.ErrInvalidCredentials, codes.Unauthenticated},
		{domain.ErrTokenInvalid, codes.Unauthenticated},
		{domain.ErrDuplicateHandle, codes.AlreadyExists},
		{domain.ErrVersionConflict, codes.Aborted},
		{domain.ErrInvalidTransition, codes.FailedPrecondition},
		{domain.ErrNotFound, codes.NotFound},
		{&service.RateLimitedError{RetryAfter: time.Second}, codes.ResourceExhausted},
		{domain.ErrUnavailable, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(s.toStatus(tc.err)); got != tc.want {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.want, got)
		}
	}
}
