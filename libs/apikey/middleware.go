package apikey

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	Header       = "X-API-Key"
	ContextKeyID = "api_key_id"
)

// Middleware rejects requests without a key accepted by ring.
func Middleware(ring *KeyRing) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing api key"})
			return
		}
		rec, err := ring.Authenticate(key, c.ClientIP())
		if err != nil {
			status := http.StatusUnauthorized
			code := "UNAUTHORIZED"
			if errors.Is(err, ErrIPNotAllowed) {
				status = http.StatusForbidden
				code = "FORBIDDEN"
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
			return
		}
		c.Set(ContextKeyID, rec.ID)
		c.Next()
	}
}
