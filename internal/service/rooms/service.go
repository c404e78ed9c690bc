// Package rooms implements the room booking service: call records,
// admission control and transport credentials.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/auth"
	"github.com/vovakirdan/wirecall/internal/callengine"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/store"
)

// Common errors for booking operations.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUserNotFound    = errors.New("user not found")
	ErrCallNotFound    = errors.New("call not found")
	ErrCallEnded       = errors.New("call has ended")
	ErrNotParticipant  = errors.New("not a participant in this call")
	ErrCannotCallSelf  = errors.New("cannot call yourself")
	ErrRoomFull        = errors.New("room is full")
	ErrInvalidPassword = errors.New("invalid room password")
	ErrUnauthorized    = errors.New("not allowed for this user")
)

// Participant removal reasons stored with the participant row.
const (
	ReasonLeft        = "left"
	ReasonEnded       = "ended"
	ReasonRoomDeleted = "room_deleted"
)

const maxRoomNameLen = 64

// Notifier is told about calls that were closed under their members.
type Notifier interface {
	RoomClosed(callID, reason string, userIDs []int64)
}

// CreateParams describes a call to book.
type CreateParams struct {
	Kind            store.CallKind
	Name            string
	CallType        string
	Invitees        []int64
	MaxParticipants int
	IsPublic        bool
	Password        string
}

// RoomSummary is one entry of the room listing.
type RoomSummary struct {
	Call         *store.Call
	Participants int
}

// CallDetails is a call with its current participants.
type CallDetails struct {
	Call         *store.Call
	Participants []*store.CallParticipant
}

// Service provides room booking business logic.
type Service struct {
	store           store.Store
	engine          callengine.Engine
	clk             clock.Clock
	log             *zerolog.Logger
	maxParticipants int

	// admit serializes admission so concurrent joins cannot overrun capacity.
	admit sync.Mutex

	mu       sync.RWMutex
	notifier Notifier
}

// New creates the booking service. A nil engine falls back to degraded
// mode (random channel names, null tokens).
func New(st store.Store, engine callengine.Engine, maxParticipants int, clk clock.Clock, logger *zerolog.Logger) *Service {
	if engine == nil {
		engine = callengine.Degraded{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if maxParticipants < 2 {
		maxParticipants = 2
	}
	return &Service{
		store:           st,
		engine:          engine,
		clk:             clk,
		log:             logger,
		maxParticipants: maxParticipants,
	}
}

// SetNotifier wires the component that evicts members of closed calls.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// CreateCall books a private call or a meeting room owned by ownerID.
func (s *Service) CreateCall(ctx context.Context, ownerID int64, p CreateParams) (*store.Call, error) {
	call := &store.Call{
		ID:        uuid.New().String(),
		Kind:      p.Kind,
		OwnerID:   ownerID,
		CreatedAt: s.clk.Now().UTC(),
	}

	switch p.Kind {
	case store.CallKindPrivate:
		if len(p.Invitees) != 1 {
			return nil, fmt.Errorf("%w: a private call needs exactly one invitee", ErrInvalidRequest)
		}
		if p.Invitees[0] == ownerID {
			return nil, ErrCannotCallSelf
		}
		if _, err := s.store.GetUserByID(ctx, p.Invitees[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrUserNotFound
			}
			return nil, fmt.Errorf("lookup invitee: %w", err)
		}
		call.CallType = p.CallType
		if call.CallType == "" {
			call.CallType = "video"
		}
		call.MaxParticipants = 2
		call.Status = store.CallStatusPending

	case store.CallKindMeeting:
		name := strings.TrimSpace(p.Name)
		if name == "" || len(name) > maxRoomNameLen {
			return nil, fmt.Errorf("%w: room name must be 1-%d characters", ErrInvalidRequest, maxRoomNameLen)
		}
		max := p.MaxParticipants
		if max == 0 {
			max = s.maxParticipants
		}
		if max < 2 || max > s.maxParticipants {
			return nil, fmt.Errorf("%w: max participants must be between 2 and %d", ErrInvalidRequest, s.maxParticipants)
		}
		if !p.IsPublic {
			if p.Password == "" {
				return nil, fmt.Errorf("%w: a non-public room needs a password", ErrInvalidRequest)
			}
			hash, err := auth.HashPassword(p.Password)
			if err != nil {
				return nil, err
			}
			call.PasswordHash = hash
		}
		call.Name = name
		call.IsPublic = p.IsPublic
		call.MaxParticipants = max
		call.Status = store.CallStatusWaiting

	default:
		return nil, fmt.Errorf("%w: unknown call kind %q", ErrInvalidRequest, p.Kind)
	}

	channel, err := s.engine.CreateCall(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("create transport channel: %w", err)
	}
	call.ChannelName = channel

	if err := s.store.CreateCall(ctx, call); err != nil {
		return nil, fmt.Errorf("save call: %w", err)
	}
	for _, invitee := range p.Invitees {
		if err := s.store.AddInvitee(ctx, call.ID, invitee); err != nil {
			return nil, fmt.Errorf("add invitee %d: %w", invitee, err)
		}
	}

	s.log.Info().
		Str("call_id", call.ID).
		Str("kind", string(call.Kind)).
		Int64("owner_id", ownerID).
		Int("max_participants", call.MaxParticipants).
		Msg("call booked")
	return call, nil
}

// GetCall returns a call with its active participants.
func (s *Service) GetCall(ctx context.Context, callID string) (*CallDetails, error) {
	call, err := s.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, callID, true)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return &CallDetails{Call: call, Participants: participants}, nil
}

// JoinCall admits userID into the call. Failed admissions leave the
// participant set untouched. Joining twice is a no-op.
func (s *Service) JoinCall(ctx context.Context, callID string, userID int64, password string) (*store.Call, error) {
	s.admit.Lock()
	defer s.admit.Unlock()

	call, err := s.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.Status.Open() {
		return nil, ErrCallEnded
	}

	existing, err := s.store.GetParticipant(ctx, callID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup participant: %w", err)
	}
	if existing != nil && existing.Active() {
		return call, nil
	}

	switch call.Kind {
	case store.CallKindPrivate:
		if userID != call.OwnerID {
			invited, err := s.store.IsInvitee(ctx, callID, userID)
			if err != nil {
				return nil, fmt.Errorf("check invitee: %w", err)
			}
			if !invited {
				metrics.Admission("unauthorized")
				return nil, ErrUnauthorized
			}
		}
	case store.CallKindMeeting:
		if !call.IsPublic && auth.ComparePassword(call.PasswordHash, password) != nil {
			metrics.Admission("invalid_password")
			return nil, ErrInvalidPassword
		}
	}

	count, err := s.store.CountActiveParticipants(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("count participants: %w", err)
	}
	if count >= call.MaxParticipants {
		metrics.Admission("room_full")
		return nil, ErrRoomFull
	}

	now := s.clk.Now().UTC()
	if existing != nil {
		existing.JoinedAt = now
		existing.LeftAt = nil
		existing.Reason = nil
		err = s.store.UpdateParticipant(ctx, existing)
	} else {
		err = s.store.AddParticipant(ctx, &store.CallParticipant{CallID: callID, UserID: userID, JoinedAt: now})
	}
	if err != nil {
		return nil, fmt.Errorf("admit participant: %w", err)
	}

	if call.Status != store.CallStatusActive {
		call.Status = store.CallStatusActive
		if err := s.store.UpdateCall(ctx, call); err != nil {
			return nil, fmt.Errorf("activate call: %w", err)
		}
	}

	metrics.Admission("admitted")
	s.log.Debug().Str("call_id", callID).Int64("user_id", userID).Int("participants", count+1).Msg("participant admitted")
	return call, nil
}

// LeaveCall frees the user's slot. The call ends when nobody is left.
func (s *Service) LeaveCall(ctx context.Context, callID string, userID int64) error {
	s.admit.Lock()
	defer s.admit.Unlock()

	call, err := s.getCall(ctx, callID)
	if err != nil {
		return err
	}

	p, err := s.store.GetParticipant(ctx, callID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotParticipant
		}
		return fmt.Errorf("lookup participant: %w", err)
	}
	if !p.Active() {
		return nil
	}
	if err := s.markLeft(ctx, p, ReasonLeft); err != nil {
		return err
	}

	remaining, err := s.store.CountActiveParticipants(ctx, callID)
	if err != nil {
		return fmt.Errorf("count participants: %w", err)
	}
	if remaining == 0 && call.Status.Open() {
		return s.end(ctx, call)
	}
	return nil
}

// EndCall closes the call explicitly. The owner, an invitee or a
// participant may do so. Ending an ended call is a no-op.
func (s *Service) EndCall(ctx context.Context, callID string, userID int64) error {
	s.admit.Lock()
	defer s.admit.Unlock()

	call, err := s.getCall(ctx, callID)
	if err != nil {
		return err
	}
	if !call.Status.Open() {
		return nil
	}
	if !s.related(ctx, call, userID) {
		return ErrUnauthorized
	}

	evicted, err := s.evict(ctx, call, ReasonEnded)
	if err != nil {
		return err
	}
	if err := s.end(ctx, call); err != nil {
		return err
	}
	s.notify(callID, ReasonEnded, evicted)
	return nil
}

// DeleteRoom closes a meeting room on behalf of its owner and evicts
// everyone still inside. It returns the evicted user IDs.
func (s *Service) DeleteRoom(ctx context.Context, callID string, userID int64) ([]int64, error) {
	s.admit.Lock()
	defer s.admit.Unlock()

	call, err := s.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Kind != store.CallKindMeeting {
		return nil, fmt.Errorf("%w: only meeting rooms can be deleted", ErrInvalidRequest)
	}
	if call.OwnerID != userID {
		return nil, ErrUnauthorized
	}
	if !call.Status.Open() {
		return nil, nil
	}

	evicted, err := s.evict(ctx, call, ReasonRoomDeleted)
	if err != nil {
		return nil, err
	}
	if err := s.end(ctx, call); err != nil {
		return nil, err
	}

	s.log.Info().Str("call_id", callID).Int("evicted", len(evicted)).Msg("room deleted")
	s.notify(callID, ReasonRoomDeleted, evicted)
	return evicted, nil
}

// ListRooms returns open meeting rooms with their occupancy.
func (s *Service) ListRooms(ctx context.Context, publicOnly bool) ([]RoomSummary, error) {
	calls, err := s.store.ListCalls(ctx, store.CallFilter{
		Kind:       store.CallKindMeeting,
		Statuses:   []store.CallStatus{store.CallStatusWaiting, store.CallStatusActive},
		PublicOnly: publicOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]RoomSummary, 0, len(calls))
	for _, call := range calls {
		n, err := s.store.CountActiveParticipants(ctx, call.ID)
		if err != nil {
			return nil, fmt.Errorf("count participants: %w", err)
		}
		rooms = append(rooms, RoomSummary{Call: call, Participants: n})
	}
	return rooms, nil
}

// MarkRinging moves a pending private call to ringing when its owner
// sends the invitation.
func (s *Service) MarkRinging(ctx context.Context, callID string, callerID int64) error {
	s.admit.Lock()
	defer s.admit.Unlock()

	call, err := s.getCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Kind != store.CallKindPrivate || call.OwnerID != callerID {
		return ErrUnauthorized
	}
	if call.Status != store.CallStatusPending {
		return nil
	}
	call.Status = store.CallStatusRinging
	return s.store.UpdateCall(ctx, call)
}

// TransportToken issues transport credentials to a current participant.
func (s *Service) TransportToken(ctx context.Context, callID string, userID int64, username string) (*callengine.JoinInfo, error) {
	call, err := s.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.Status.Open() {
		return nil, ErrCallEnded
	}

	p, err := s.store.GetParticipant(ctx, callID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("lookup participant: %w", err)
	}
	if !p.Active() {
		return nil, ErrNotParticipant
	}

	info, err := s.engine.GenerateJoinInfo(ctx, call, userID, username)
	if err != nil {
		return nil, fmt.Errorf("generate join info: %w", err)
	}
	return info, nil
}

func (s *Service) getCall(ctx context.Context, callID string) (*store.Call, error) {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	return call, nil
}

func (s *Service) related(ctx context.Context, call *store.Call, userID int64) bool {
	if call.OwnerID == userID {
		return true
	}
	if invited, err := s.store.IsInvitee(ctx, call.ID, userID); err == nil && invited {
		return true
	}
	p, err := s.store.GetParticipant(ctx, call.ID, userID)
	return err == nil && p.Active()
}

func (s *Service) evict(ctx context.Context, call *store.Call, reason string) ([]int64, error) {
	active, err := s.store.ListParticipants(ctx, call.ID, true)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	evicted := make([]int64, 0, len(active))
	for _, p := range active {
		if err := s.markLeft(ctx, p, reason); err != nil {
			return nil, err
		}
		evicted = append(evicted, p.UserID)
	}
	return evicted, nil
}

func (s *Service) markLeft(ctx context.Context, p *store.CallParticipant, reason string) error {
	now := s.clk.Now().UTC()
	p.LeftAt = &now
	p.Reason = &reason
	if err := s.store.UpdateParticipant(ctx, p); err != nil {
		return fmt.Errorf("mark participant left: %w", err)
	}
	return nil
}

func (s *Service) end(ctx context.Context, call *store.Call) error {
	now := s.clk.Now().UTC()
	call.Status = store.CallStatusEnded
	call.EndedAt = &now
	if err := s.store.UpdateCall(ctx, call); err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	if err := s.engine.EndCall(ctx, call); err != nil {
		s.log.Warn().Err(err).Str("call_id", call.ID).Msg("failed to end transport channel")
	}
	s.log.Info().Str("call_id", call.ID).Msg("call ended")
	return nil
}

func (s *Service) notify(callID, reason string, userIDs []int64) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n != nil {
		n.RoomClosed(callID, reason, userIDs)
	}
}
