package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/AfshinJalili/identity/libs/apikey"
	"github.com/AfshinJalili/identity/libs/auth"
	"github.com/AfshinJalili/identity/libs/requestctx"
	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/AfshinJalili/identity/services/identity/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Identity is the set of use cases the REST surface exposes.
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

type IdentityHandler struct {
	Service Identity
	Admins  *apikey.KeyRing
	Logger  *slog.Logger
}

type credentialsRequest struct {
	Handle string `json:"handle"`
	Secret string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentSecret string `json:"current_secret"`
	NewSecret     string `json:"new_secret"`
}

type updateProfileRequest struct {
	Handle string `json:"handle"`
}

type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	User         domain.Profile `json:"user"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewIdentityHandler(svc Identity, admins *apikey.KeyRing, logger *slog.Logger) *IdentityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityHandler{Service: svc, Admins: admins, Logger: logger}
}

func (h *IdentityHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	r.POST("/auth/refresh", h.Refresh)
	r.POST("/auth/logout", h.Logout)

	me := r.Group("/auth/me", auth.Middleware(h.Service))
	me.GET("", h.Me)
	me.PUT("", h.UpdateProfile)
	me.PUT("/password", h.ChangePassword)

	admin := r.Group("/admin", apikey.Middleware(h.Admins))
	admin.GET("/users/:id", h.GetUser)
	admin.POST("/users/:id/lock", h.Lock)
	admin.POST("/users/:id/unlock", h.Unlock)
	admin.DELETE("/users/:id", h.Delete)
}

func (h *IdentityHandler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	pair, err := h.Service.Register(c.Request.Context(), req.Handle, req.Secret)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTokenResponse(pair))
}

func (h *IdentityHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	ctx := requestctx.WithClientIP(c.Request.Context(), c.ClientIP())
	pair, err := h.Service.Authenticate(ctx, req.Handle, req.Secret)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTokenResponse(pair))
}

func (h *IdentityHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	pair, err := h.Service.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTokenResponse(pair))
}

func (h *IdentityHandler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	if err := h.Service.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *IdentityHandler) Me(c *gin.Context) {
	id, ok := subjectID(c)
	if !ok {
		return
	}
	profile, err := h.Service.GetUser(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *IdentityHandler) ChangePassword(c *gin.Context) {
	id, ok := subjectID(c)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	if _, err := h.Service.ChangePassword(c.Request.Context(), id, req.CurrentSecret, req.NewSecret); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateProfile changes the caller's handle and answers with a fresh token
// pair so clients pick up the new profile.
func (h *IdentityHandler) UpdateProfile(c *gin.Context) {
	id, ok := subjectID(c)
	if !ok {
		return
	}
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	pair, err := h.Service.UpdateHandle(c.Request.Context(), id, req.Handle)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTokenResponse(pair))
}

func (h *IdentityHandler) GetUser(c *gin.Context) {
	h.adminAction(c, h.Service.GetUser)
}

func (h *IdentityHandler) Lock(c *gin.Context) {
	h.adminAction(c, h.Service.Lock)
}

func (h *IdentityHandler) Unlock(c *gin.Context) {
	h.adminAction(c, h.Service.Unlock)
}

func (h *IdentityHandler) Delete(c *gin.Context) {
	h.adminAction(c, h.Service.Delete)
}

func (h *IdentityHandler) adminAction(c *gin.Context, action func(context.Context, uuid.UUID) (*domain.Profile, error)) {
	id, err := domain.ParseUserID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	profile, err := action(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func subjectID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetString(auth.ContextUserIDKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "TOKEN_INVALID", Message: "invalid token"})
		return uuid.Nil, false
	}
	return id, true
}

func toTokenResponse(pair *domain.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(pair.AccessTTL.Seconds()),
		User:         pair.User,
	}
}

// writeError is the only place domain errors become HTTP responses.
func (h *IdentityHandler) writeError(c *gin.Context, err error) {
	var validation *domain.ValidationError
	var limited *service.RateLimitedError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: validation.Error()})
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid request"})
	case errors.Is(err, domain.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid credentials"})
	case errors.Is(err, domain.ErrTokenInvalid):
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "TOKEN_INVALID", Message: "invalid token"})
	case errors.Is(err, domain.ErrDuplicateHandle):
		c.JSON(http.StatusConflict, errorResponse{Code: "DUPLICATE_HANDLE", Message: "handle already registered"})
	case errors.Is(err, domain.ErrVersionConflict):
		c.JSON(http.StatusConflict, errorResponse{Code: "VERSION_CONFLICT", Message: "concurrent update, retry"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: "operation not allowed in current status"})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "user not found"})
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds()+0.999)))
		c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
	case errors.Is(err, domain.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
	case errors.Is(err, domain.ErrUnavailable):
		h.Logger.Warn("dependency unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "UNAVAILABLE", Message: "service unavailable"})
	default:
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}
