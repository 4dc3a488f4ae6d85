package grpcapi

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/AfshinJalili/identity/libs/apikey"
	"github.com/AfshinJalili/identity/libs/auth"
	"github.com/AfshinJalili/identity/libs/requestctx"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	MetadataRequestID     = "x-request-id"
	MetadataAPIKey        = "x-api-key"
	MetadataAuthorization = "authorization"
)

type callerKey struct{}

type caller struct {
	subject uuid.UUID
	admin   bool
}

func callerFrom(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RequestMetadataInterceptor carries the request id and peer address into
// the context and echoes the request id back as a header.
func RequestMetadataInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		requestID := firstValue(md, MetadataRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(MetadataRequestID, requestID))
		ctx = requestctx.WithRequestID(ctx, requestID)
		ctx = requestctx.WithClientIP(ctx, peerIP(ctx))
		return handler(ctx, req)
	}
}

var (
	adminMethods = map[string]bool{
		FullMethod("LockUser"):   true,
		FullMethod("UnlockUser"): true,
		FullMethod("DeleteUser"): true,
	}
	selfMethods = map[string]bool{
		FullMethod("GetUser"):        true,
		FullMethod("ChangePassword"): true,
		FullMethod("UpdateHandle"):   true,
	}
	// bearerOnly methods act on the token's subject, so an API key is no
	// substitute.
	bearerOnly = map[string]bool{
		FullMethod("ChangePassword"): true,
		FullMethod("UpdateHandle"):   true,
	}
)

// AuthInterceptor resolves the caller of protected methods. Admin methods
// need an API key from ring; self-service methods need a bearer access
// token, and GetUser accepts either.
func AuthInterceptor(verifier auth.Verifier, ring *apikey.KeyRing) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		admin, self := adminMethods[info.FullMethod], selfMethods[info.FullMethod]
		if !admin && !self {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)

		if key := firstValue(md, MetadataAPIKey); key != "" && !bearerOnly[info.FullMethod] {
			if _, err := ring.Authenticate(key, peerIP(ctx)); err != nil {
				if errors.Is(err, apikey.ErrIPNotAllowed) {
					return nil, status.Error(codes.PermissionDenied, err.Error())
				}
				return nil, status.Error(codes.Unauthenticated, "invalid api key")
			}
			return handler(context.WithValue(ctx, callerKey{}, caller{admin: true}), req)
		}
		if admin {
			return nil, status.Error(codes.Unauthenticated, "api key required")
		}

		token := auth.ExtractBearer(firstValue(md, MetadataAuthorization))
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "access token required")
		}
		subject, err := verifier.VerifyAccess(ctx, token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		id, err := uuid.Parse(subject)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		ctx = requestctx.WithSubject(ctx, subject)
		return handler(context.WithValue(ctx, callerKey{}, caller{subject: id}), req)
	}
}
