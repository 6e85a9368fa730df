package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// SessionCookie is the browser session cookie name.
	SessionCookie = "passkeys_session"

	// SessionIDKey is the gin context key holding the browser session id.
	SessionIDKey = "session_id"

	// LoginKey is the gin context key holding the resolved *Login, when any.
	LoginKey = "login"
)

// EnsureSession guarantees every request carries a browser session id,
// minting a cookie on first contact. The id keys the challenge slot and the
// login record; it carries no claims itself.
func EnsureSession(secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(SessionCookie)
		if err != nil || sessionID == "" {
			sessionID = uuid.New().String()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(SessionCookie, sessionID, 0, "/", "", secure, true)
		}
		c.Set(SessionIDKey, sessionID)
		c.Next()
	}
}

// SessionID returns the request's browser session id.
func SessionID(c *gin.Context) string {
	return c.GetString(SessionIDKey)
}

// ResolveLogin loads the session's login, if any, into the request context.
// It never rejects; handlers that need a login use RequireLogin.
func ResolveLogin(sessions Sessions, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		login, err := sessions.Current(c.Request.Context(), SessionID(c))
		if err == nil {
			c.Set(LoginKey, login)
		} else if !errors.Is(err, ErrSessionNotFound) {
			logger.Error("resolve login failed", zap.Error(err))
		}
		c.Next()
	}
}

// CurrentLogin returns the request's login, or nil when anonymous.
func CurrentLogin(c *gin.Context) *Login {
	if v, ok := c.Get(LoginKey); ok {
		if login, ok := v.(*Login); ok {
			return login
		}
	}
	return nil
}

// RequireLogin redirects anonymous requests to the login page, matching the
// framework convention for protected management pages.
func RequireLogin(loginURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentLogin(c) == nil {
			c.Redirect(http.StatusFound, loginURL)
			c.Abort()
			return
		}
		c.Next()
	}
}
