package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/presence"
	"github.com/vovakirdan/wirecall/internal/service/rooms"
)

// RoomHandlers serves the meeting room listing, room deletion and presence.
type RoomHandlers struct {
	service  *rooms.Service
	presence *presence.Tracker
	log      *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(svc *rooms.Service, tracker *presence.Tracker, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		service:  svc,
		presence: tracker,
		log:      logger,
	}
}

// PresenceResponse is the online set at the time of the request.
type PresenceResponse struct {
	Users []presence.User `json:"users"`
}

// ListRooms lists open meeting rooms.
// GET /api/rooms?public=true
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	publicOnly, _ := strconv.ParseBool(c.Query("public"))

	list, err := h.service.ListRooms(c.Request.Context(), publicOnly)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list rooms")
		abort(c, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	resp := make([]RoomSummaryResponse, 0, len(list))
	for _, r := range list {
		resp = append(resp, roomToResponse(r))
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteRoom closes a meeting room and evicts its participants.
// DELETE /api/rooms/:id
func (h *RoomHandlers) DeleteRoom(c *gin.Context) {
	uid, _, ok := currentUser(c)
	if !ok {
		abort(c, http.StatusUnauthorized, CodeUnauthenticated, "unauthorized")
		return
	}

	evicted, err := h.service.DeleteRoom(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		status, code, known := serviceError(err)
		if !known {
			h.log.Error().Err(err).Str("call_id", c.Param("id")).Msg("failed to delete room")
			abort(c, status, code, "internal server error")
			return
		}
		abort(c, status, code, err.Error())
		return
	}

	if evicted == nil {
		evicted = []int64{}
	}
	c.JSON(http.StatusOK, DeleteRoomResponse{Evicted: evicted})
}

// Presence returns the users currently online.
// GET /api/presence
func (h *RoomHandlers) Presence(c *gin.Context) {
	c.JSON(http.StatusOK, PresenceResponse{Users: h.presence.Online()})
}
