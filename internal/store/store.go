package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// User represents a user in the system.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// CallKind distinguishes 1:1 calls from multi-party meeting rooms.
type CallKind string

const (
	CallKindPrivate CallKind = "private"
	CallKindMeeting CallKind = "meeting"
)

// CallStatus defines call status.
type CallStatus string

const (
	CallStatusPending CallStatus = "pending"
	CallStatusWaiting CallStatus = "waiting"
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// Open reports whether the call can still be joined.
func (s CallStatus) Open() bool {
	return s != CallStatusEnded
}

// Call is one booked call session. Private calls hold exactly two
// participants; meetings are capped by MaxParticipants.
type Call struct {
	ID              string // UUID
	Kind            CallKind
	Name            string
	CallType        string // audio or video, private calls only
	OwnerID         int64
	ChannelName     string
	Status          CallStatus
	IsPublic        bool
	PasswordHash    string
	MaxParticipants int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	EndedAt         *time.Time
}

// CallParticipant represents a user occupying a slot in a call.
// A participant with LeftAt set no longer counts against capacity.
type CallParticipant struct {
	ID       int64
	CallID   string
	UserID   int64
	JoinedAt time.Time
	LeftAt   *time.Time
	Reason   *string
}

// Active reports whether the participant still occupies a slot.
func (p *CallParticipant) Active() bool {
	return p.LeftAt == nil
}

// CallFilter narrows ListCalls. Zero values match everything.
type CallFilter struct {
	Kind       CallKind
	Statuses   []CallStatus
	PublicOnly bool
	OwnerID    int64
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// CallStore handles call bookkeeping.
type CallStore interface {
	// CreateCall creates a new call.
	CreateCall(ctx context.Context, call *Call) error

	// UpdateCall persists status and end time changes.
	UpdateCall(ctx context.Context, call *Call) error

	// GetCall retrieves a call by ID.
	GetCall(ctx context.Context, id string) (*Call, error)

	// ListCalls lists calls matching the filter, newest first.
	ListCalls(ctx context.Context, filter CallFilter) ([]*Call, error)

	// AddInvitee records a user invited to a private call.
	AddInvitee(ctx context.Context, callID string, userID int64) error

	// IsInvitee reports whether the user was invited to the call.
	IsInvitee(ctx context.Context, callID string, userID int64) (bool, error)

	// AddParticipant adds a participant to a call.
	AddParticipant(ctx context.Context, p *CallParticipant) error

	// UpdateParticipant updates a participant record.
	UpdateParticipant(ctx context.Context, p *CallParticipant) error

	// GetParticipant retrieves a participant from a call.
	GetParticipant(ctx context.Context, callID string, userID int64) (*CallParticipant, error)

	// ListParticipants lists participants in join order.
	ListParticipants(ctx context.Context, callID string, activeOnly bool) ([]*CallParticipant, error)

	// CountActiveParticipants counts participants still occupying a slot.
	CountActiveParticipants(ctx context.Context, callID string) (int, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	CallStore
	Close() error
}
