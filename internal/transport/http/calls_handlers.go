package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/service/rooms"
	"github.com/vovakirdan/wirecall/internal/store"
)

// CallsHandlers provides HTTP handlers for call booking endpoints.
type CallsHandlers struct {
	service *rooms.Service
	log     *zerolog.Logger
}

// NewCallsHandlers creates a new calls handlers instance.
func NewCallsHandlers(svc *rooms.Service, logger *zerolog.Logger) *CallsHandlers {
	return &CallsHandlers{
		service: svc,
		log:     logger,
	}
}

// CreateCallRequest represents the request body for booking a call.
type CreateCallRequest struct {
	Kind            string  `json:"kind" binding:"required,oneof=private meeting"`
	Name            string  `json:"name"`
	CallType        string  `json:"call_type" binding:"omitempty,oneof=audio video"`
	Invitees        []int64 `json:"invitees"`
	MaxParticipants int     `json:"max_participants"`
	IsPublic        bool    `json:"is_public"`
	Password        string  `json:"password"`
}

// JoinCallRequest represents the request body for joining a call.
type JoinCallRequest struct {
	Password string `json:"password"`
}

func (h *CallsHandlers) fail(c *gin.Context, err error, op string) {
	status, code, ok := serviceError(err)
	if !ok {
		h.log.Error().Err(err).Str("op", op).Str("call_id", c.Param("id")).Msg("booking operation failed")
		abort(c, status, code, "internal server error")
		return
	}
	h.log.Debug().Err(err).Str("op", op).Str("code", code).Msg("booking operation rejected")
	abort(c, status, code, err.Error())
}

// CreateCall books a private call or a meeting room.
// POST /api/calls
func (h *CallsHandlers) CreateCall(c *gin.Context) {
	uid, _, ok := currentUser(c)
	if !ok {
		abort(c, http.StatusUnauthorized, CodeUnauthenticated, "unauthorized")
		return
	}

	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create call request")
		abort(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	call, err := h.service.CreateCall(c.Request.Context(), uid, rooms.CreateParams{
		Kind:            store.CallKind(req.Kind),
		Name:            req.Name,
		CallType:        req.CallType,
		Invitees:        req.Invitees,
		MaxParticipants: req.MaxParticipants,
		IsPublic:        req.IsPublic,
		Password:        req.Password,
	})
	if err != nil {
		h.fail(c, err, "create")
		return
	}

	c.JSON(http.StatusCreated, callToResponse(call))
}

// GetCall returns a call with its active participants.
// GET /api/calls/:id
func (h *CallsHandlers) GetCall(c *gin.Context) {
	details, err := h.service.GetCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "get")
		return
	}
	c.JSON(http.StatusOK, detailsToResponse(details))
}

// JoinCall admits the caller into the call.
// POST /api/calls/:id/join
func (h *CallsHandlers) JoinCall(c *gin.Context) {
	uid, _, ok := currentUser(c)
	if !ok {
		abort(c, http.StatusUnauthorized, CodeUnauthenticated, "unauthorized")
		return
	}

	var req JoinCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
			return
		}
	}

	if _, err := h.service.JoinCall(c.Request.Context(), c.Param("id"), uid, req.Password); err != nil {
		h.fail(c, err, "join")
		return
	}

	details, err := h.service.GetCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "join")
		return
	}
	c.JSON(http.StatusOK, detailsToResponse(details))
}

// LeaveCall frees the caller's slot.
// POST /api/calls/:id/leave
func (h *CallsHandlers) LeaveCall(c *gin.Context) {
	uid, _, ok := currentUser(c)
	if !ok {
		abort(c, http.StatusUnauthorized, CodeUnauthenticated, "unauthorized")
		return
	}
	if err := h.service.LeaveCall(c.Request.Context(), c.Param("id"), uid); err != nil {
		h.fail(c, err, "leave")
		return
	}
	c.Status(http.StatusNoContent)
}

// EndCall closes the call for everyone.
// PUT /api/calls/:id/end
func (h *CallsHandlers) EndCall(c *gin.Context) {
	uid, _, ok := currentUser(c)
	if !ok {
		abort(c, http.StatusUnauthorized, CodeUnauthenticated, "unauthorized")
		return
	}
	if err := h.service.EndCall(c.Request.Context(), c.Param("id"), uid); err != nil {
		h.fail(c, err, "end")
		return
	}
	c.Status(http.StatusNoContent)
}

// Token issues transport credentials for the call.
// GET /api/calls/:id/token
func (h *CallsHandlers) Token(c *gin.Context) {
	uid, username, ok := currentUser(c)
	if !ok {
		abort(c, http.StatusUnauthorized, CodeUnauthenticated, "unauthorized")
		return
	}
	info, err := h.service.TransportToken(c.Request.Context(), c.Param("id"), uid, username)
	if err != nil {
		h.fail(c, err, "token")
		return
	}
	c.JSON(http.StatusOK, TokenResponse{
		Token:    info.Token,
		Channel:  info.Channel,
		URL:      info.URL,
		Identity: info.Identity,
	})
}
