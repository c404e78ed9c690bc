package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/auth"
)

// Error codes carried in ErrorResponse.Code. Clients branch on these,
// never on the message text.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeUnauthenticated = "unauthenticated"
	CodeUnauthorized    = "unauthorized"
	CodeInvalidPassword = "invalid_password"
	CodeNotParticipant  = "not_participant"
	CodeNotFound        = "not_found"
	CodeUserExists      = "user_exists"
	CodeRoomFull        = "room_full"
	CodeCallEnded       = "call_ended"
	CodeInternal        = "internal"
)

// APIHandlers provides HTTP handlers for account endpoints.
type APIHandlers struct {
	authService *auth.Service
	log         *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(authService *auth.Service, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		authService: authService,
		log:         logger,
	}
}

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=32"`
	Password string `json:"password" binding:"required,min=6"`
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response body.
type AuthResponse struct {
	Token    string `json:"token"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

// Register handles user registration.
// POST /api/register
func (h *APIHandlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid register request")
		abort(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	id, err := h.authService.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			abort(c, http.StatusConflict, CodeUserExists, "user already exists")
		case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrInvalidPassword):
			abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		default:
			h.log.Error().Err(err).Str("username", req.Username).Msg("failed to register user")
			abort(c, http.StatusInternalServerError, CodeInternal, "internal server error")
		}
		return
	}

	h.log.Info().Str("username", id.Username).Int64("user_id", id.UserID).Msg("user registered")
	c.JSON(http.StatusCreated, AuthResponse{Token: id.Token, UserID: id.UserID, Username: id.Username})
}

// Login handles user login.
// POST /api/login
func (h *APIHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid login request")
		abort(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	id, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			abort(c, http.StatusUnauthorized, CodeUnauthenticated, "invalid credentials")
			return
		}
		h.log.Error().Err(err).Str("username", req.Username).Msg("failed to login user")
		abort(c, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	h.log.Info().Str("username", id.Username).Msg("user logged in")
	c.JSON(http.StatusOK, AuthResponse{Token: id.Token, UserID: id.UserID, Username: id.Username})
}
