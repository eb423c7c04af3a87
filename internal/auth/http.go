// ABOUTME: Gin middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, resolves the participant and adds it to the context

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/2389/coven-chat/internal/participant"
)

// TokenQueryParam carries the token for clients that cannot set headers,
// such as browser WebSocket connections.
const TokenQueryParam = "token"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken reads the token from the header, falling back to the query
// string only when no header was sent.
func requestToken(c *gin.Context) (string, string) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query(TokenQueryParam); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(header)
}

// Middleware authenticates every request. The participant named by the
// token must exist and be active.
func Middleware(dir participant.Directory, verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errMsg := requestToken(c)
		if errMsg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMsg})
			return
		}

		ref, err := verifier.Verify(token)
		if errors.Is(err, ErrExpiredToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		profile, err := dir.GetProfile(c.Request.Context(), ref)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "participant not found"})
			return
		}
		if !profile.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "participant is inactive"})
			return
		}

		authCtx := &AuthContext{Participant: ref, Name: profile.Name}
		c.Request = c.Request.WithContext(WithAuth(c.Request.Context(), authCtx))
		c.Next()
	}
}

// RequireAdmin rejects callers that are not admins. Must be used after
// Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		authCtx := FromContext(c.Request.Context())
		if authCtx == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		if !authCtx.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}
