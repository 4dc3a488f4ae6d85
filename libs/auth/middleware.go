package auth

import (
	"context"
	"net/http"

	"github.com/AfshinJalili/identity/libs/requestctx"
	"github.com/gin-gonic/gin"
)

const (
	ContextUserIDKey = "user_id"
	ContextTokenKey  = "access_token"
)

// Verifier resolves an access token to its subject.
type Verifier interface {
	VerifyAccess(ctx context.Context, token string) (string, error)
}

func Middleware(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		subject, err := verifier.VerifyAccess(c.Request.Context(), token)
		if err != nil || subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "TOKEN_INVALID", "message": "invalid token"})
			return
		}

		c.Set(ContextUserIDKey, subject)
		c.Set(ContextTokenKey, token)
		c.Request = c.Request.WithContext(requestctx.WithSubject(c.Request.Context(), subject))
		c.Next()
	}
}
