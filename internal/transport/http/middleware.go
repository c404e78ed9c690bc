package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/auth"
)

const (
	// ContextKeyUserID is the context key for storing user ID.
	ContextKeyUserID = "user_id"
	// ContextKeyUsername is the context key for storing username.
	ContextKeyUsername = "username"
)

var (
	errMissingAuth   = errors.New("missing authorization header")
	errBadAuthHeader = errors.New("invalid authorization header format")
)

// bearerToken extracts the token from the "token" query parameter or the
// Authorization header. Browsers cannot set headers on websocket upgrades,
// so the query parameter wins.
func bearerToken(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingAuth
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errBadAuthHeader
	}
	return parts[1], nil
}

// AuthMiddleware validates the bearer token.
func AuthMiddleware(authService *auth.Service, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.Request)
		if err != nil {
			logger.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("rejected authorization")
			abort(c, http.StatusUnauthorized, CodeUnauthenticated, err.Error())
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			logger.Debug().Err(err).Msg("invalid token")
			abort(c, http.StatusUnauthorized, CodeUnauthenticated, "invalid token")
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyUsername, claims.Username)

		c.Next()
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

// currentUser reads the identity stored by AuthMiddleware.
func currentUser(c *gin.Context) (int64, string, bool) {
	uid, ok := c.Get(ContextKeyUserID)
	if !ok {
		return 0, "", false
	}
	id, ok := uid.(int64)
	if !ok {
		return 0, "", false
	}
	return id, c.GetString(ContextKeyUsername), true
}
