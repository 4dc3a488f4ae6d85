// Package grpcapi serves the identity use cases as unary RPCs of
// identity.v1.Identity.
package grpcapi

import (
	"context"

	"log/slog"

	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "identity.v1.Identity"

// Identity is the set of use cases the RPC surface exposes.
type Identity interface {
	Register(ctx context.Context, handle, secret string) (*domain.TokenPair, error)
	Authenticate(ctx context.Context, handle, secret string) (*domain.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
	Revoke(ctx context.Context, refreshToken string) error
	VerifyAccess(ctx context.Context, accessToken string) (string, error)
	GetUser(ctx context.Context, id uuid.UUID) (*domain.Profile, error)
	ChangePassword(ctx context.Context, id uuid.UUID, current, next string) (*domain.Profile, error)
	UpdateHandle(ctx context.Context, id uuid.UUID, handle string) (*domain.TokenPair, error)
	Lock(ctx context.Context, id uuid.UUID) (*domain.Profile, error)
	Unlock(ctx context.Context, id uuid.UUID) (*domain.Profile, error)
	Delete(ctx context.Context, id uuid.UUID) (*domain.Profile, error)
}

// IdentityServer is the server side of identity.v1.Identity.
type IdentityServer interface {
	Register(context.Context, *CredentialsRequest) (*TokenPairResponse, error)
	Authenticate(context.Context, *CredentialsRequest) (*TokenPairResponse, error)
	Refresh(context.Context, *RefreshRequest) (*TokenPairResponse, error)
	Revoke(context.Context, *RefreshRequest) (*RevokeResponse, error)
	GetUser(context.Context, *UserRequest) (*UserResponse, error)
	ChangePassword(context.Context, *ChangePasswordRequest) (*UserResponse, error)
	UpdateHandle(context.Context, *UpdateHandleRequest) (*TokenPairResponse, error)
	LockUser(context.Context, *UserRequest) (*UserResponse, error)
	UnlockUser(context.Context, *UserRequest) (*UserResponse, error)
	DeleteUser(context.Context, *UserRequest) (*UserResponse, error)
}

type Server struct {
	svc    Identity
	logger *slog.Logger
}

func NewServer(svc Identity, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger}
}

func (s *Server) Register(ctx context.Context, req *CredentialsRequest) (*TokenPairResponse, error) {
	pair, err := s.svc.Register(ctx, req.Handle, req.Secret)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toTokenPair(pair), nil
}

func (s *Server) Authenticate(ctx context.Context, req *CredentialsRequest) (*TokenPairResponse, error) {
	pair, err := s.svc.Authenticate(ctx, req.Handle, req.Secret)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toTokenPair(pair), nil
}

func (s *Server) Refresh(ctx context.Context, req *RefreshRequest) (*TokenPairResponse, error) {
	pair, err := s.svc.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toTokenPair(pair), nil
}

func (s *Server) Revoke(ctx context.Context, req *RefreshRequest) (*RevokeResponse, error) {
	if err := s.svc.Revoke(ctx, req.RefreshToken); err != nil {
		return nil, s.toStatus(err)
	}
	return &RevokeResponse{}, nil
}

// GetUser returns the caller's own profile, or any profile for admins.
func (s *Server) GetUser(ctx context.Context, req *UserRequest) (*UserResponse, error) {
	id, err := s.targetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	profile, err := s.svc.GetUser(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &UserResponse{User: *profile}, nil
}

func (s *Server) ChangePassword(ctx context.Context, req *ChangePasswordRequest) (*UserResponse, error) {
	caller, ok := callerFrom(ctx)
	if !ok || caller.subject == uuid.Nil {
		return nil, status.Error(codes.Unauthenticated, "access token required")
	}
	profile, err := s.svc.ChangePassword(ctx, caller.subject, req.CurrentSecret, req.NewSecret)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &UserResponse{User: *profile}, nil
}

func (s *Server) UpdateHandle(ctx context.Context, req *UpdateHandleRequest) (*TokenPairResponse, error) {
	caller, ok := callerFrom(ctx)
	if !ok || caller.subject == uuid.Nil {
		return nil, status.Error(codes.Unauthenticated, "access token required")
	}
	pair, err := s.svc.UpdateHandle(ctx, caller.subject, req.Handle)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toTokenPair(pair), nil
}

func (s *Server) LockUser(ctx context.Context, req *UserRequest) (*UserResponse, error) {
	return s.adminAction(ctx, req, s.svc.Lock)
}

func (s *Server) UnlockUser(ctx context.Context, req *UserRequest) (*UserResponse, error) {
	return s.adminAction(ctx, req, s.svc.Unlock)
}

func (s *Server) DeleteUser(ctx context.Context, req *UserRequest) (*UserResponse, error) {
	return s.adminAction(ctx, req, s.svc.Delete)
}

func (s *Server) adminAction(ctx context.Context, req *UserRequest, action func(context.Context, uuid.UUID) (*domain.Profile, error)) (*UserResponse, error) {
	if caller, ok := callerFrom(ctx); !ok || !caller.admin {
		return nil, status.Error(codes.PermissionDenied, "admin api key required")
	}
	id, err := domain.ParseUserID(req.UserID)
	if err != nil {
		return nil, s.toStatus(err)
	}
	profile, err := action(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return &UserResponse{User: *profile}, nil
}

func (s *Server) targetUser(ctx context.Context, raw string) (uuid.UUID, error) {
	caller, ok := callerFrom(ctx)
	if !ok {
		return uuid.Nil, status.Error(codes.Unauthenticated, "credentials required")
	}
	if raw == "" {
		if caller.subject == uuid.Nil {
			return uuid.Nil, status.Error(codes.InvalidArgument, "user_id required")
		}
		return caller.subject, nil
	}
	id, err := domain.ParseUserID(raw)
	if err != nil {
		return uuid.Nil, s.toStatus(err)
	}
	if !caller.admin && id != caller.subject {
		return uuid.Nil, status.Error(codes.PermissionDenied, "cannot read another user")
	}
	return id, nil
}

func toTokenPair(pair *domain.TokenPair) *TokenPairResponse {
	return &TokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(pair.AccessTTL.Seconds()),
		User:         pair.User,
	}
}

// Register attaches srv to s under identity.v1.Identity.
func Register(s grpc.ServiceRegistrar, srv IdentityServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(IdentityServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(IdentityServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", IdentityServer.Register),
		unary("Authenticate", IdentityServer.Authenticate),
		unary("Refresh", IdentityServer.Refresh),
		unary("Revoke", IdentityServer.Revoke),
		unary("GetUser", IdentityServer.GetUser),
		unary("ChangePassword", IdentityServer.ChangePassword),
		unary("UpdateHandle", IdentityServer.UpdateHandle),
		unary("LockUser", IdentityServer.LockUser),
		unary("UnlockUser", IdentityServer.UnlockUser),
		unary("DeleteUser", IdentityServer.DeleteUser),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/v1/identity.proto",
}
