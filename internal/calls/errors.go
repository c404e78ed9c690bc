package calls

import (
	"errors"

	"github.com/vovakirdan/wirecall/internal/booking"
	"github.com/vovakirdan/wirecall/internal/media"
)

// Media acquisition failures.
var (
	ErrPermissionDenied = media.ErrPermissionDenied
	ErrDeviceNotFound   = media.ErrDeviceNotFound
	ErrDeviceBusy       = media.ErrDeviceBusy
	ErrNotSupported     = media.ErrNotSupported
)

// Room admission and deletion failures.
var (
	ErrRoomFull        = booking.ErrRoomFull
	ErrInvalidPassword = booking.ErrInvalidPassword
	ErrUnauthorized    = booking.ErrUnauthorized
	ErrCallEnded       = booking.ErrCallEnded
	ErrNotFound        = booking.ErrNotFound
)

var (
	ErrInvitationTimeout  = errors.New("invitation timed out")
	ErrInvitationMismatch = errors.New("response does not match the outstanding invitation")
	ErrInvitationDeclined = errors.New("invitation declined")
	ErrInvitationCanceled = errors.New("invitation canceled")
	ErrNoInvitation       = errors.New("no invitation pending")

	// ErrTransportJoinFailed covers every provider failure while joining or
	// publishing.
	ErrTransportJoinFailed = errors.New("transport join failed")

	ErrBusy           = errors.New("another call is in progress")
	ErrJoinInProgress = errors.New("join already in progress")
	ErrInvalidState   = errors.New("not allowed in the current call state")
	ErrRoomClosed     = errors.New("room closed")
	ErrMediaEnded     = errors.New("local media ended")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrTransportJoinFailed, "transport_join_failed"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrDeviceNotFound, "device_not_found"},
	{ErrDeviceBusy, "device_busy"},
	{ErrNotSupported, "not_supported"},
	{ErrRoomFull, "room_full"},
	{ErrInvalidPassword, "invalid_password"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvitationTimeout, "invitation_timeout"},
	{ErrInvitationMismatch, "invitation_mismatch"},
	{ErrInvitationDeclined, "invitation_declined"},
	{ErrInvitationCanceled, "invitation_canceled"},
	{ErrNoInvitation, "no_invitation"},
	{ErrBusy, "busy"},
	{ErrJoinInProgress, "join_in_progress"},
	{ErrInvalidState, "invalid_state"},
	{ErrRoomClosed, "room_closed"},
	{ErrMediaEnded, "media_ended"},
	{ErrCallEnded, "call_ended"},
	{ErrNotFound, "not_found"},
}

// Code returns the stable category of err for display and logs: "" for
// nil and "unknown" for anything outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "unknown"
}
