package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/booking"
	"github.com/vovakirdan/wirecall/internal/poll"
)

// DefaultRoomPollInterval is how often the room list is refreshed.
const DefaultRoomPollInterval = 30 * time.Second

// RoomParams describes a meeting room to create.
type RoomParams struct {
	Name            string
	MaxParticipants int
	IsPublic        bool
	Password        string
}

// Registry keeps a polled copy of the open meeting rooms and performs the
// room level booking calls. The list is never changed locally without a
// successful booking call.
type Registry struct {
	booking  Booking
	userID   int64
	clk      clock.Clock
	interval time.Duration
	log      *zerolog.Logger

	mu       sync.RWMutex
	rooms    []booking.Room
	updated  time.Time
	onChange func([]booking.Room)
}

// NewRegistry creates a registry for the user userID.
func NewRegistry(b Booking, userID int64, clk clock.Clock, interval time.Duration, logger *zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultRoomPollInterval
	}
	return &Registry{
		booking:  b,
		userID:   userID,
		clk:      clk,
		interval: interval,
		log:      logger,
	}
}

// OnChange registers a callback fired after every refresh.
func (r *Registry) OnChange(fn func([]booking.Room)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Run polls the room list until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	poll.Loop(ctx, r.clk, r.interval, func(ctx context.Context) {
		if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("room poll failed")
		}
	})
}

// Refresh reloads the list. On error the previous list is kept.
func (r *Registry) Refresh(ctx context.Context) error {
	rooms, err := r.booking.ListRooms(ctx, false)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	r.mu.Lock()
	r.rooms = rooms
	r.updated = r.clk.Now()
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(r.Rooms())
	}
	return nil
}

// Rooms returns the active rooms as of the last refresh.
func (r *Registry) Rooms() []booking.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]booking.Room(nil), r.rooms...)
}

// UpdatedAt is the time of the last successful refresh.
func (r *Registry) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}

// Room returns the listed room with the given id.
func (r *Registry) Room(roomID string) (booking.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		if room.ID == roomID {
			return room, true
		}
	}
	return booking.Room{}, false
}

// Create books a meeting room.
func (r *Registry) Create(ctx context.Context, p RoomParams) (*booking.Call, error) {
	call, err := r.booking.CreateCall(ctx, booking.CreateCallRequest{
		Kind:            string(KindMeeting),
		Name:            p.Name,
		MaxParticipants: p.MaxParticipants,
		IsPublic:        p.IsPublic,
		Password:        p.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	r.log.Info().Str("call_id", call.ID).Str("name", call.Name).Msg("room created")

	if err := r.Refresh(ctx); err != nil {
		r.log.Debug().Err(err).Msg("refresh after create failed")
	}
	return call, nil
}

// Join takes a slot in the room. A password room joined without a
// password fails with ErrInvalidPassword before any request is made, even
// for its owner. Failures leave the room list unchanged.
func (r *Registry) Join(ctx context.Context, roomID, password string) (*booking.Call, error) {
	if room, ok := r.Room(roomID); ok && !room.IsPublic && password == "" {
		return nil, ErrInvalidPassword
	}

	call, err := r.booking.JoinCall(ctx, roomID, password)
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}
	return call, nil
}

// Delete removes a room the user owns and returns the evicted users.
func (r *Registry) Delete(ctx context.Context, roomID string) ([]int64, error) {
	if room, ok := r.Room(roomID); ok && room.OwnerID != r.userID {
		return nil, ErrUnauthorized
	}

	evicted, err := r.booking.DeleteRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("delete room: %w", err)
	}
	r.forget(roomID)
	r.log.Info().Str("call_id", roomID).Int("evicted", len(evicted)).Msg("room deleted")
	return evicted, nil
}

// forget drops a room the server reported closed.
func (r *Registry) forget(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, room := range r.rooms {
		if room.ID == roomID {
			r.rooms = append(r.rooms[:i:i], r.rooms[i+1:]...)
			return
		}
	}
}
