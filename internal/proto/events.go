package proto

// Event types on the wire.
const (
	TypeHello             = "hello"
	TypeWelcome           = "welcome"
	TypeHeartbeat         = "heartbeat"
	TypeInvite            = "invite"
	TypeInvitation        = "invitation"
	TypeRespond           = "respond"
	TypeResponse          = "response"
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
	TypeTrackSignal       = "track_signal"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeRoomClosed        = "room_closed"
	TypeError             = "error"
)

// CallType is the media kind a private call is placed with.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// Answer is the callee's terminal reply to an invitation.
type Answer string

const (
	AnswerAccepted Answer = "accepted"
	AnswerDeclined Answer = "declined"
)

// TrackKind names the local source a track signal refers to.
type TrackKind string

const (
	TrackAudio       TrackKind = "audio"
	TrackVideo       TrackKind = "video"
	TrackScreenShare TrackKind = "screen_share"
)

// Reasons carried by leave and close events.
const (
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
	ReasonRoomDeleted  = "room_deleted"
	ReasonBusy         = "busy"
)

// Hello opens a signaling session.
type Hello struct {
	Protocol int `json:"protocol"`
}

func (*Hello) Kind() string { return TypeHello }

func (e *Hello) Validate() error {
	if e.Protocol <= 0 {
		return invalid(TypeHello, "protocol is required")
	}
	return nil
}

// Welcome acknowledges a hello with the identity the relay resolved.
type Welcome struct {
	ClientID string `json:"client_id"`
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
}

func (*Welcome) Kind() string { return TypeWelcome }

func (e *Welcome) Validate() error {
	if e.UserID <= 0 {
		return invalid(TypeWelcome, "user_id is required")
	}
	return nil
}

// Heartbeat refreshes presence liveness.
type Heartbeat struct{}

func (*Heartbeat) Kind() string    { return TypeHeartbeat }
func (*Heartbeat) Validate() error { return nil }

// Invite asks the relay to ring a callee.
type Invite struct {
	CallID      string   `json:"call_id"`
	CalleeID    int64    `json:"callee_id"`
	CallType    CallType `json:"call_type"`
	ChannelName string   `json:"channel_name"`
}

func (*Invite) Kind() string { return TypeInvite }

func (e *Invite) Validate() error {
	switch {
	case e.CallID == "":
		return invalid(TypeInvite, "call_id is required")
	case e.CalleeID <= 0:
		return invalid(TypeInvite, "callee_id is required")
	case !e.CallType.valid():
		return invalid(TypeInvite, "call_type must be audio or video")
	}
	return nil
}

// Invitation is an invite as delivered to the callee.
type Invitation struct {
	CallID      string   `json:"call_id"`
	CallerID    int64    `json:"caller_id"`
	CallerName  string   `json:"caller_name,omitempty"`
	CalleeID    int64    `json:"callee_id"`
	CallType    CallType `json:"call_type"`
	ChannelName string   `json:"channel_name"`
}

func (*Invitation) Kind() string { return TypeInvitation }

func (e *Invitation) Validate() error {
	switch {
	case e.CallID == "":
		return invalid(TypeInvitation, "call_id is required")
	case e.CallerID <= 0:
		return invalid(TypeInvitation, "caller_id is required")
	case !e.CallType.valid():
		return invalid(TypeInvitation, "call_type must be audio or video")
	}
	return nil
}

// Respond carries the callee's answer back toward the caller.
type Respond struct {
	CallID   string `json:"call_id"`
	CallerID int64  `json:"caller_id"`
	Answer   Answer `json:"answer"`
	Reason   string `json:"reason,omitempty"`
}

func (*Respond) Kind() string { return TypeRespond }

func (e *Respond) Validate() error {
	switch {
	case e.CallID == "":
		return invalid(TypeRespond, "call_id is required")
	case e.CallerID <= 0:
		return invalid(TypeRespond, "caller_id is required")
	case e.Answer != AnswerAccepted && e.Answer != AnswerDeclined:
		return invalid(TypeRespond, "answer must be accepted or declined")
	}
	return nil
}

// Response is a respond as delivered to the caller.
type Response struct {
	CallID   string `json:"call_id"`
	CalleeID int64  `json:"callee_id"`
	Answer   Answer `json:"answer"`
	Reason   string `json:"reason,omitempty"`
}

func (*Response) Kind() string { return TypeResponse }

func (e *Response) Validate() error {
	switch {
	case e.CallID == "":
		return invalid(TypeResponse, "call_id is required")
	case e.Answer != AnswerAccepted && e.Answer != AnswerDeclined:
		return invalid(TypeResponse, "answer must be accepted or declined")
	}
	return nil
}

// JoinRoom subscribes the connection to a call's membership group.
type JoinRoom struct {
	CallID string `json:"call_id"`
}

func (*JoinRoom) Kind() string { return TypeJoinRoom }

func (e *JoinRoom) Validate() error {
	if e.CallID == "" {
		return invalid(TypeJoinRoom, "call_id is required")
	}
	return nil
}

// LeaveRoom drops the connection from a call's membership group.
type LeaveRoom struct {
	CallID string `json:"call_id"`
}

func (*LeaveRoom) Kind() string { return TypeLeaveRoom }

func (e *LeaveRoom) Validate() error {
	if e.CallID == "" {
		return invalid(TypeLeaveRoom, "call_id is required")
	}
	return nil
}

// TrackSignal announces a local mute, video or screen-share toggle.
// UserID is stamped by the relay; clients leave it empty.
type TrackSignal struct {
	CallID  string    `json:"call_id"`
	UserID  int64     `json:"user_id,omitempty"`
	Track   TrackKind `json:"track"`
	Enabled bool      `json:"enabled"`
}

func (*TrackSignal) Kind() string { return TypeTrackSignal }

func (e *TrackSignal) Validate() error {
	if e.CallID == "" {
		return invalid(TypeTrackSignal, "call_id is required")
	}
	switch e.Track {
	case TrackAudio, TrackVideo, TrackScreenShare:
		return nil
	default:
		return invalid(TypeTrackSignal, "track must be audio, video or screen_share")
	}
}

// ParticipantJoined announces a member of a call's group.
type ParticipantJoined struct {
	CallID   string `json:"call_id"`
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joined_at"`
}

func (*ParticipantJoined) Kind() string { return TypeParticipantJoined }

func (e *ParticipantJoined) Validate() error {
	if e.CallID == "" || e.UserID <= 0 {
		return invalid(TypeParticipantJoined, "call_id and user_id are required")
	}
	return nil
}

// ParticipantLeft announces that a member left a call's group.
type ParticipantLeft struct {
	CallID string `json:"call_id"`
	UserID int64  `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (*ParticipantLeft) Kind() string { return TypeParticipantLeft }

func (e *ParticipantLeft) Validate() error {
	if e.CallID == "" || e.UserID <= 0 {
		return invalid(TypeParticipantLeft, "call_id and user_id are required")
	}
	return nil
}

// RoomClosed evicts every member of a deleted room.
type RoomClosed struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

func (*RoomClosed) Kind() string { return TypeRoomClosed }

func (e *RoomClosed) Validate() error {
	if e.CallID == "" {
		return invalid(TypeRoomClosed, "call_id is required")
	}
	return nil
}

// Failure is the decoded form of an error envelope.
type Failure struct {
	Code string
	Msg  string
}

func (*Failure) Kind() string    { return TypeError }
func (*Failure) Validate() error { return nil }

func (f *Failure) Error() string { return f.Code + ": " + f.Msg }
