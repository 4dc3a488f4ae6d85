package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/identity/services/identity/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMalformed        = errors.New("token malformed")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrRevoked          = errors.New("token revoked")
)

// MinTTL is the shortest lifetime Issue accepts. Token timestamps have
// second precision.
const MinTTL = time.Second

type Claims struct {
	Type domain.TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// RevocationChecker reports whether a token id was revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type CodecOption func(*Codec)

func WithClock(c Clock) CodecOption {
	return func(codec *Codec) { codec.clock = c }
}

// WithAccessRevocation makes Verify consult the revocation set for access
// tokens too. Access tokens are otherwise stateless.
func WithAccessRevocation(enabled bool) CodecOption {
	return func(codec *Codec) { codec.checkAccess = enabled }
}

type Codec struct {
	secret      []byte
	issuer      string
	revocations RevocationChecker
	clock       Clock
	checkAccess bool
	parser      *jwt.Parser
}

func NewCodec(secret []byte, issuer string, revocations RevocationChecker, opts ...CodecOption) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret required")
	}
	c := &Codec{
		secret:      secret,
		issuer:      issuer,
		revocations: revocations,
		clock:       systemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return c.clock.Now() }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(issuer))
	}
	c.parser = jwt.NewParser(parserOpts...)
	return c, nil
}

// Issue signs a fresh token for subject valid for ttl from now.
func (c *Codec) Issue(subject string, typ domain.TokenType, ttl time.Duration) (string, *Claims, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("subject required")
	}
	if ttl < MinTTL {
		return "", nil, fmt.Errorf("ttl %s below %s", ttl, MinTTL)
	}
	now := c.clock.Now()
	claims := &Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry(now, ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// expiry is now+ttl rounded up to the whole second, since encoded numeric
// dates drop the fraction and must not end before now+ttl.
func expiry(now time.Time, ttl time.Duration) time.Time {
	exp := now.Add(ttl)
	if whole := exp.Truncate(time.Second); !whole.Equal(exp) {
		return whole.Add(time.Second)
	}
	return exp
}

// Verify checks encoding, then signature, then expiry, then revocation.
func (c *Codec) Verify(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := c.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrMalformed
	}
	if claims.Type != domain.TokenAccess && claims.Type != domain.TokenRefresh {
		return nil, ErrMalformed
	}

	if c.revocations != nil && (claims.Type == domain.TokenRefresh || c.checkAccess) {
		revoked, err := c.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("revocation lookup: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrMalformed
	}
}
