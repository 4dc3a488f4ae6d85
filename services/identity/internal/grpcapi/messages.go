package grpcapi

import "github.com/AfshinJalili/identity/services/identity/internal/domain"

// Messages travel as JSON through the grpcjson codec.

type CredentialsRequest struct {
	Handle string `json:"handle"`
	Secret string `json:"secret"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenPairResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	User         domain.Profile `json:"user"`
}

type RevokeResponse struct{}

// UserRequest names a user. An empty UserID means the caller itself.
type UserRequest struct {
	UserID string `json:"user_id"`
}

type UserResponse struct {
	User domain.Profile `json:"user"`
}

type UpdateHandleRequest struct {
	Handle string `json:"handle"`
}

type ChangePasswordRequest struct {
	CurrentSecret string `json:"current_secret"`
	NewSecret     string `json:"new_secret"`
}
