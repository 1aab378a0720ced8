package middleware

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
)

const (
	UserIDKey  = "user_id"
	SessionKey = "session"
)

// BearerToken reads the token from the Authorization header, falling back to
// the token query parameter used by websocket clients.
func BearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// AuthRequired resolves the bearer token to a live identity. Revoked tokens
// and deleted identities are rejected.
func AuthRequired(p *identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := BearerToken(c)
		if tok == "" {
			c.Abort()
			common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
			return
		}
		s, err := p.Authenticate(c.Request.Context(), tok)
		if errors.Is(err, identity.ErrUnauthenticated) {
			c.Abort()
			common.Fail(c, http.StatusUnauthorized, 40102, identity.UserMessage(err))
			return
		}
		if err != nil {
			log.Printf("[http] authenticate rid=%s err=%v", c.GetString(RequestIDKey), err)
			c.Abort()
			common.Fail(c, http.StatusInternalServerError, 20001, "identity store error")
			return
		}
		c.Set(UserIDKey, s.Identity.ID)
		c.Set(SessionKey, s)
		c.Next()
	}
}

// MustSession returns the session stored by AuthRequired.
func MustSession(c *gin.Context) (identity.Session, bool) {
	v, ok := c.Get(SessionKey)
	if !ok {
		return identity.Session{}, false
	}
	s, ok := v.(identity.Session)
	return s, ok
}
