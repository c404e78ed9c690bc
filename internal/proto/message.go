package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the signaling protocol spoken by this build.
const ProtocolVersion = 1

// Envelope is the wire frame for every signaling message in either direction.
type Envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Error codes sent by the relay.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeHelloRequired      = "hello_required"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeForbidden          = "forbidden"
)

var (
	// ErrUnknownType is returned when an envelope carries an unregistered type.
	ErrUnknownType = errors.New("unknown event type")
	// ErrInvalidPayload is returned when an event fails boundary validation.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Event is one member of the signaling tagged union.
type Event interface {
	Kind() string
	Validate() error
}

var factories = map[string]func() Event{
	TypeHello:             func() Event { return &Hello{} },
	TypeWelcome:           func() Event { return &Welcome{} },
	TypeHeartbeat:         func() Event { return &Heartbeat{} },
	TypeInvite:            func() Event { return &Invite{} },
	TypeInvitation:        func() Event { return &Invitation{} },
	TypeRespond:           func() Event { return &Respond{} },
	TypeResponse:          func() Event { return &Response{} },
	TypeJoinRoom:          func() Event { return &JoinRoom{} },
	TypeLeaveRoom:         func() Event { return &LeaveRoom{} },
	TypeTrackSignal:       func() Event { return &TrackSignal{} },
	TypeParticipantJoined: func() Event { return &ParticipantJoined{} },
	TypeParticipantLeft:   func() Event { return &ParticipantLeft{} },
	TypeRoomClosed:        func() Event { return &RoomClosed{} },
}

var clientKinds = map[string]struct{}{
	TypeHello:       {},
	TypeHeartbeat:   {},
	TypeInvite:      {},
	TypeRespond:     {},
	TypeJoinRoom:    {},
	TypeLeaveRoom:   {},
	TypeTrackSignal: {},
}

// FromClient reports whether clients are allowed to send the given type.
func FromClient(kind string) bool {
	_, ok := clientKinds[kind]
	return ok
}

// Encode validates ev and wraps it into an envelope.
func Encode(ev Event) (Envelope, error) {
	if ev == nil {
		return Envelope{}, fmt.Errorf("%w: nil event", ErrInvalidPayload)
	}
	if f, ok := ev.(*Failure); ok {
		return Envelope{Type: TypeError, Error: &Error{Code: f.Code, Msg: f.Msg}}, nil
	}
	if err := ev.Validate(); err != nil {
		return Envelope{}, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return Envelope{Type: ev.Kind(), Data: data}, nil
}

// Decode turns an envelope into a typed event and validates it.
// Nothing that fails here is ever dispatched to consumers.
func Decode(env Envelope) (Event, error) {
	if env.Type == TypeError {
		if env.Error == nil {
			return nil, fmt.Errorf("%w: error envelope without body", ErrInvalidPayload)
		}
		return &Failure{Code: env.Error.Code, Msg: env.Error.Msg}, nil
	}

	factory, ok := factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	ev := factory()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
		}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func invalid(kind, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, kind, reason)
}
