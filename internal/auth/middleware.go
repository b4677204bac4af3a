package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voting-queue-system/pkg/apperr"
	"github.com/voting-queue-system/pkg/jwt"
)

// Context keys set by Middleware.
const (
	KeyUserID      = "user_id"
	KeyTokenID     = "token_id"
	KeyGuest       = "guest"
	KeyDisplayName = "display_name"
	KeyAccessToken = "access_token"
)

const cookieName = "auth_token"

// bearer takes the token from the Authorization header, the auth cookie or
// the token query parameter (browsers cannot set headers on websockets).
func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// Middleware admits requests carrying a valid identity token whose session
// has not been ended.
func Middleware(signer *jwt.Signer, sessions SessionStore, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authorization token"})
			return
		}

		claims, err := signer.ValidateToken(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		id, err := sessions.Session(c.Request.Context(), claims.ID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session expired"})
				return
			}
			log.Error("failed to check session", zap.String("user_id", claims.UserID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Session store unavailable"})
			return
		}

		c.Set(KeyUserID, claims.UserID)
		c.Set(KeyTokenID, claims.ID)
		c.Set(KeyGuest, id.Guest)
		c.Set(KeyDisplayName, id.DisplayName)

		if !id.Guest {
			if tokens, err := sessions.GetTokens(c.Request.Context(), claims.UserID); err == nil {
				c.Set(KeyAccessToken, tokens.AccessToken)
			}
		}
		c.Next()
	}
}

// RequireHost rejects guests.
func RequireHost() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(KeyGuest) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Only hosts can do this"})
			return
		}
		c.Next()
	}
}
