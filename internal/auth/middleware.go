package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"agentsync/internal/logging"

	"github.com/gin-gonic/gin"
)

type contextKey string

const (
	userIDKey contextKey = "auth.user_id"
	tokenKey  contextKey = "auth.token"
)

// Middleware authenticates the request from the bearer header or the auth
// cookie and records the user for the handlers.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := s.requestToken(c.Request)
		if token == "" {
			abortUnauthorized(c, "authorization required")
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			logging.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected token")
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(string(userIDKey), userID)
		c.Set(string(tokenKey), token)
		c.Next()
	}
}

// CSRFMiddleware enforces the double-submit check on state changing
// requests authenticated by cookie. Bearer requests are exempt.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if safeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if _, bearer := s.requestToken(c.Request); bearer {
			c.Next()
			return
		}
		header := c.GetHeader(s.csrfHeaderName)
		cookie, err := c.Cookie(s.csrfCookieName)
		if err != nil || header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token", "code": "FORBIDDEN"})
			return
		}
		c.Next()
	}
}

// UserIDFromContext returns the user set by Middleware.
func UserIDFromContext(c *gin.Context) (string, bool) {
	userID := c.GetString(string(userIDKey))
	return userID, userID != ""
}

// AuthTokenFromContext returns the token the request was authenticated with.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	token := c.GetString(string(tokenKey))
	return token, token != ""
}

// requestToken returns the token and whether it came from the
// Authorization header.
func (s *Service) requestToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get(s.headerName), " ")
	if found && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token), true
	}
	if ck, err := r.Cookie(s.cookieName); err == nil {
		return ck.Value, false
	}
	return "", false
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg, "code": "UNAUTHORIZED"})
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
