package testutil

import (
	"time"

	"github.com/AfshinJalili/identity/libs/apikey"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TestJWTSecret = "0123456789abcdef0123456789abcdef"
	TestIssuer    = "identity-test"
)

type tokenClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// GenerateJWT signs a token the way the identity service does, for tests
// that need tokens the service never issued (expired, foreign issuer).
func GenerateJWT(subject, typ string, secret []byte, issuer string, ttl time.Duration, now time.Time) (string, error) {
	claims := tokenClaims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// GenerateAdminKey returns a fresh admin API key and the hash to configure.
func GenerateAdminKey() (key string, hash string, err error) {
	key, _, hash, err = apikey.Generate("test")
	return key, hash, err
}
