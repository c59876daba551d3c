package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey    = "auth_user_id"
	authTokenContextKey = "auth_token"

	verifyTimeout = 2 * time.Second
)

// Middleware verifies bearer credentials and stores the authenticated user in
// the context. Expired and invalid credentials both abort with 401.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := s.ExtractCredential(c)
		if credential == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		identity, err := s.Verify(ctx, credential)
		cancel()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDContextKey, identity.UserID)
		c.Set(authTokenContextKey, credential)
		c.Next()
	}
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	userID, ok := val.(string)
	return userID, ok
}

// CredentialFromContext retrieves the bearer credential captured by the middleware.
func CredentialFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

// ExtractCredential pulls the credential from the Authorization header or the
// auth cookie.
func (s *Service) ExtractCredential(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
