// Package calls is the client side call core: the session state machine,
// the invitation coordinator, the meeting room registry and the Manager
// that ties them to the signaling channel.
package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/booking"
	"github.com/vovakirdan/wirecall/internal/media"
	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/rtc"
	"github.com/vovakirdan/wirecall/internal/signaling"
)

// ErrConnectionLost is returned by Run when the signaling channel drops.
var ErrConnectionLost = errors.New("signaling connection lost")

// Channel is the signaling channel as the Manager uses it.
type Channel interface {
	Signaler
	Subscribe(kinds ...string) *signaling.Subscription
}

// Options configures a Manager.
type Options struct {
	UserID            int64
	AppID             string
	InvitationTimeout time.Duration
	JoinTimeout       time.Duration
	RoomPollInterval  time.Duration
	ShareSystemAudio  bool
	Clock             clock.Clock
}

// Manager owns the single call a client may have at a time.
type Manager struct {
	opts    Options
	booking Booking
	channel Channel
	env     Env
	log     *zerolog.Logger

	coord *Coordinator
	rooms *Registry

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	active  *Session
	dialing bool
}

// NewManager wires a coordinator and a registry over the given services.
func NewManager(opts Options, b Booking, ch Channel, ctrl *media.Controller, provider rtc.Provider, logger *zerolog.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Manager{
		opts:    opts,
		booking: b,
		channel: ch,
		env: Env{
			Booking:     b,
			Signal:      ch,
			Media:       ctrl,
			Provider:    provider,
			Clock:       opts.Clock,
			AppID:       opts.AppID,
			UserID:      opts.UserID,
			JoinTimeout: opts.JoinTimeout,
			Logger:      logger,
		},
		log:   logger,
		ready: make(chan struct{}),
		coord: NewCoordinator(b, ch, opts.Clock, opts.InvitationTimeout, logger),
		rooms: NewRegistry(b, opts.UserID, opts.Clock, opts.RoomPollInterval, logger),
	}
}

// Coordinator returns the invitation coordinator.
func (m *Manager) Coordinator() *Coordinator { return m.coord }

// Rooms returns the meeting room registry.
func (m *Manager) Rooms() *Registry { return m.rooms }

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Ready is closed once Run is subscribed to the channel.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Run dispatches inbound signaling events until ctx ends or the channel
// drops. The channel must already be acquired.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.channel.Subscribe(
		proto.TypeInvitation,
		proto.TypeResponse,
		proto.TypeParticipantJoined,
		proto.TypeParticipantLeft,
		proto.TypeTrackSignal,
		proto.TypeRoomClosed,
	)
	defer sub.Close()
	m.readyOnce.Do(func() { close(m.ready) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return ErrConnectionLost
			}
			m.dispatch(ctx, ev)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, ev proto.Event) {
	switch e := ev.(type) {
	case *proto.Invitation:
		m.coord.HandleInvitation(ctx, e, m.busy())
	case *proto.Response:
		// Mismatches are a benign race and already logged.
		_ = m.coord.HandleResponse(e)
	case *proto.ParticipantJoined:
		if s := m.sessionFor(e.CallID); s != nil {
			s.memberJoined(e)
		}
	case *proto.ParticipantLeft:
		if s := m.sessionFor(e.CallID); s != nil {
			s.memberLeft(e)
		}
	case *proto.TrackSignal:
		if s := m.sessionFor(e.CallID); s != nil && e.UserID != m.opts.UserID {
			s.remoteTrackSignal(e)
		}
	case *proto.RoomClosed:
		m.rooms.forget(e.CallID)
		if s := m.sessionFor(e.CallID); s != nil {
			m.log.Info().Str("call_id", e.CallID).Str("reason", e.Reason).Msg("call closed by server")
			go s.Evict(fmt.Errorf("%w: %s", ErrRoomClosed, e.Reason))
		}
	}
}

// Call invites calleeID and, once accepted, joins the call. The returned
// session is Active on success and Ended otherwise.
func (m *Manager) Call(ctx context.Context, calleeID int64, callType proto.CallType) (*Session, error) {
	m.mu.Lock()
	if m.active != nil || m.dialing {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.dialing = true
	m.mu.Unlock()

	attempt, err := m.coord.Start(ctx, calleeID, callType)
	if err != nil {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
		return nil, err
	}

	inv := attempt.Invitation
	sess := m.newSession(SessionParams{CallID: inv.CallID, Channel: inv.Channel, Kind: KindPrivate})
	m.mu.Lock()
	m.dialing = false
	m.active = sess
	m.mu.Unlock()

	outcome, err := attempt.Wait(ctx)
	if err != nil {
		_ = m.coord.Cancel()
		sess.fail(ErrInvitationCanceled)
		return sess, err
	}
	if err := outcome.Err(); err != nil {
		sess.fail(err)
		return sess, err
	}
	return sess, sess.Join(ctx)
}

// Accept answers the pending invitation and joins its call.
func (m *Manager) Accept(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.active != nil || m.dialing {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.dialing = true
	m.mu.Unlock()

	inv, err := m.coord.Accept(ctx)
	if err != nil {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
		return nil, err
	}

	sess := m.newSession(SessionParams{CallID: inv.CallID, Channel: inv.Channel, Kind: KindPrivate})
	m.mu.Lock()
	m.dialing = false
	m.active = sess
	m.mu.Unlock()
	return sess, sess.Join(ctx)
}

// Decline answers the pending invitation.
func (m *Manager) Decline(ctx context.Context) error {
	return m.coord.Decline(ctx, "")
}

// CreateRoom books a meeting room owned by the user.
func (m *Manager) CreateRoom(ctx context.Context, p RoomParams) (*booking.Call, error) {
	return m.rooms.Create(ctx, p)
}

// JoinRoom takes a slot in a meeting room and joins its call.
func (m *Manager) JoinRoom(ctx context.Context, roomID, password string) (*Session, error) {
	m.mu.Lock()
	if m.active != nil || m.dialing {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.dialing = true
	m.mu.Unlock()

	call, err := m.rooms.Join(ctx, roomID, password)
	if err != nil {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
		return nil, err
	}

	sess := m.newSession(SessionParams{CallID: call.ID, Channel: call.ChannelName, Kind: KindMeeting, Admitted: true})
	m.mu.Lock()
	m.dialing = false
	m.active = sess
	m.mu.Unlock()
	return sess, sess.Join(ctx)
}

// DeleteRoom deletes a room the user owns. If the user is in it, the
// local session ends too.
func (m *Manager) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := m.rooms.Delete(ctx, roomID); err != nil {
		return err
	}
	if s := m.sessionFor(roomID); s != nil {
		s.Evict(fmt.Errorf("%w: %s", ErrRoomClosed, proto.ReasonRoomDeleted))
	}
	return nil
}

// Hangup cancels a ringing invitation or leaves the active call.
func (m *Manager) Hangup(ctx context.Context) error {
	if m.coord.Outgoing() != nil {
		if err := m.coord.Cancel(); err != nil && !errors.Is(err, ErrNoInvitation) {
			return err
		}
	}
	s := m.Active()
	if s == nil {
		return nil
	}
	if s.State() == StateCreated {
		s.fail(ErrInvitationCanceled)
		return nil
	}
	return s.Leave(ctx)
}

func (m *Manager) newSession(p SessionParams) *Session {
	p.ShareSystemAudio = m.opts.ShareSystemAudio
	s := NewSession(m.env, p)
	s.setOnEnd(m.release)
	return s
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
	}
}

func (m *Manager) busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialing || m.active != nil
}

func (m *Manager) sessionFor(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.CallID() != callID {
		return nil
	}
	return m.active
}
