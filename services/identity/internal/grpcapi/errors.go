package grpcapi

import (
	"errors"

	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus is the only place domain errors become gRPC statuses.
func (s *Server) toStatus(err error) error {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, validation.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, "invalid request")
	case errors.Is(err, domain.ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, domain.ErrTokenInvalid):
		return status.Error(codes.Unauthenticated, "invalid token")
	case errors.Is(err, domain.ErrDuplicateHandle):
		return status.Error(codes.AlreadyExists, "handle already registered")
	case errors.Is(err, domain.ErrVersionConflict):
		return status.Error(codes.Aborted, "concurrent update, retry")
	case errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, "operation not allowed in current status")
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, "user not found")
	case errors.Is(err, domain.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		s.logger.Warn("dependency unavailable", "error", err)
		return status.Error(codes.Unavailable, "service unavailable")
	default:
		s.logger.Error("rpc failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}
