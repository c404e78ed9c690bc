package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/store"
)

// UserHandlers resolves usernames so callers can address an invitation.
type UserHandlers struct {
	store store.UserStore
	log   *zerolog.Logger
}

// NewUserHandlers creates a new user handlers instance.
func NewUserHandlers(st store.UserStore, logger *zerolog.Logger) *UserHandlers {
	return &UserHandlers{
		store: st,
		log:   logger,
	}
}

// UserResponse represents a user in API responses.
type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// GetUser looks a user up by username.
// GET /api/users/:username
func (h *UserHandlers) GetUser(c *gin.Context) {
	username := strings.TrimSpace(c.Param("username"))
	if username == "" {
		abort(c, http.StatusBadRequest, CodeInvalidRequest, "username required")
		return
	}

	u, err := h.store.GetUserByUsername(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abort(c, http.StatusNotFound, CodeNotFound, "user not found")
			return
		}
		h.log.Error().Err(err).Str("username", username).Msg("failed to look up user")
		abort(c, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	c.JSON(http.StatusOK, UserResponse{ID: u.ID, Username: u.Username})
}
