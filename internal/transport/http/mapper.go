package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/vovakirdan/wirecall/internal/service/rooms"
	"github.com/vovakirdan/wirecall/internal/store"
)

// CallResponse represents a call in API responses.
type CallResponse struct {
	ID              string                `json:"id"`
	Kind            string                `json:"kind"`
	Name            string                `json:"name,omitempty"`
	CallType        string                `json:"call_type,omitempty"`
	OwnerID         int64                 `json:"owner_id"`
	ChannelName     string                `json:"channel_name"`
	Status          string                `json:"status"`
	IsPublic        bool                  `json:"is_public"`
	MaxParticipants int                   `json:"max_participants"`
	CreatedAt       string                `json:"created_at"`
	EndedAt         *string               `json:"ended_at,omitempty"`
	Participants    []ParticipantResponse `json:"participants,omitempty"`
}

// ParticipantResponse is one occupied slot of a call.
type ParticipantResponse struct {
	UserID   int64  `json:"user_id"`
	JoinedAt string `json:"joined_at"`
}

// RoomSummaryResponse is one entry of the room listing.
type RoomSummaryResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	OwnerID         int64  `json:"owner_id"`
	Status          string `json:"status"`
	IsPublic        bool   `json:"is_public"`
	MaxParticipants int    `json:"max_participants"`
	Participants    int    `json:"participants"`
	CreatedAt       string `json:"created_at"`
}

// TokenResponse carries transport credentials. Token is null in degraded mode.
type TokenResponse struct {
	Token    *string `json:"token"`
	Channel  string  `json:"channel"`
	URL      string  `json:"url"`
	Identity string  `json:"identity"`
}

// DeleteRoomResponse lists the users evicted by a room deletion.
type DeleteRoomResponse struct {
	Evicted []int64 `json:"evicted"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func callToResponse(c *store.Call) CallResponse {
	resp := CallResponse{
		ID:              c.ID,
		Kind:            string(c.Kind),
		Name:            c.Name,
		CallType:        c.CallType,
		OwnerID:         c.OwnerID,
		ChannelName:     c.ChannelName,
		Status:          string(c.Status),
		IsPublic:        c.IsPublic,
		MaxParticipants: c.MaxParticipants,
		CreatedAt:       formatTime(c.CreatedAt),
	}
	if c.EndedAt != nil {
		endedAt := formatTime(*c.EndedAt)
		resp.EndedAt = &endedAt
	}
	return resp
}

func detailsToResponse(d *rooms.CallDetails) CallResponse {
	resp := callToResponse(d.Call)
	for _, p := range d.Participants {
		resp.Participants = append(resp.Participants, ParticipantResponse{
			UserID:   p.UserID,
			JoinedAt: formatTime(p.JoinedAt),
		})
	}
	return resp
}

func roomToResponse(r rooms.RoomSummary) RoomSummaryResponse {
	return RoomSummaryResponse{
		ID:              r.Call.ID,
		Name:            r.Call.Name,
		OwnerID:         r.Call.OwnerID,
		Status:          string(r.Call.Status),
		IsPublic:        r.Call.IsPublic,
		MaxParticipants: r.Call.MaxParticipants,
		Participants:    r.Participants,
		CreatedAt:       formatTime(r.Call.CreatedAt),
	}
}

// serviceError maps booking errors to a status and a stable code.
// ok is false for unexpected errors.
func serviceError(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, rooms.ErrInvalidRequest), errors.Is(err, rooms.ErrCannotCallSelf):
		return http.StatusBadRequest, CodeInvalidRequest, true
	case errors.Is(err, rooms.ErrCallNotFound), errors.Is(err, rooms.ErrUserNotFound):
		return http.StatusNotFound, CodeNotFound, true
	case errors.Is(err, rooms.ErrCallEnded):
		return http.StatusGone, CodeCallEnded, true
	case errors.Is(err, rooms.ErrRoomFull):
		return http.StatusConflict, CodeRoomFull, true
	case errors.Is(err, rooms.ErrInvalidPassword):
		return http.StatusForbidden, CodeInvalidPassword, true
	case errors.Is(err, rooms.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized, true
	case errors.Is(err, rooms.ErrNotParticipant):
		return http.StatusForbidden, CodeNotParticipant, true
	default:
		return http.StatusInternalServerError, CodeInternal, false
	}
}
