package calls

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/booking"
	"github.com/vovakirdan/wirecall/internal/media"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/rtc"
)

const cleanupTimeout = 10 * time.Second

// Booking is the part of the booking API the call core uses.
type Booking interface {
	CreateCall(ctx context.Context, req booking.CreateCallRequest) (*booking.Call, error)
	GetCall(ctx context.Context, callID string) (*booking.Call, error)
	JoinCall(ctx context.Context, callID, password string) (*booking.Call, error)
	LeaveCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string) error
	DeleteRoom(ctx context.Context, callID string) ([]int64, error)
	ListRooms(ctx context.Context, publicOnly bool) ([]booking.Room, error)
	TransportToken(ctx context.Context, callID string) (*booking.TransportToken, error)
}

// Signaler sends events over the signaling channel.
type Signaler interface {
	Send(ctx context.Context, ev proto.Event) error
}

// State is the lifecycle state of a Session.
type State int

const (
	StateCreated State = iota
	StateJoining
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind distinguishes 1:1 calls from meeting rooms.
type Kind string

const (
	KindPrivate Kind = "private"
	KindMeeting Kind = "meeting"
)

// SessionParams identifies the call a session belongs to.
type SessionParams struct {
	CallID   string
	Channel  string
	Kind     Kind
	Password string
	// Admitted skips the booking join; the caller already took the slot.
	Admitted bool
	// ShareSystemAudio asks for system audio with screen shares.
	ShareSystemAudio bool
}

// Env holds what every session of a client shares.
type Env struct {
	Booking     Booking
	Signal      Signaler
	Media       *media.Controller
	Provider    rtc.Provider
	Clock       clock.Clock
	AppID       string
	UserID      int64
	JoinTimeout time.Duration
	Logger      *zerolog.Logger
}

// RemoteParticipant is another member of the call as the transport and
// the relay report it.
type RemoteParticipant struct {
	UserID        int64
	Name          string
	Audio         *rtc.RemoteTrack
	Video         *rtc.RemoteTrack
	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool
}

// Session drives one call from Created through Joining and Active to
// Ended. Local media operations are allowed only while Active.
type Session struct {
	env    Env
	params SessionParams
	log    zerolog.Logger

	// op serializes toggles and substitutions.
	op sync.Mutex

	mu         sync.Mutex
	state      State
	err        error
	admitted   bool
	inRoom     bool
	leaving    bool
	evictErr   error
	cancelJoin context.CancelFunc
	joinDone   chan struct{}
	transport  rtc.Session
	audio      media.Track
	video      media.Track
	shareAudio media.Track
	// lost holds tracks the device ended while the join was still running.
	lost       []media.Track
	source     media.Source
	remotes    map[int64]*RemoteParticipant
	names      map[int64]string
	done       chan struct{}
	onEnd      func(*Session)
}

// NewSession creates a session in the Created state.
func NewSession(env Env, params SessionParams) *Session {
	if env.Clock == nil {
		env.Clock = clock.New()
	}
	return &Session{
		env:     env,
		params:  params,
		log:     env.Logger.With().Str("call_id", params.CallID).Logger(),
		state:   StateCreated,
		source:  media.SourceCamera,
		remotes: make(map[int64]*RemoteParticipant),
		names:   make(map[int64]string),
		done:    make(chan struct{}),
	}
}

func (s *Session) CallID() string { return s.params.CallID }
func (s *Session) Kind() Kind     { return s.params.Kind }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session ended. It is nil while the session runs and
// after a clean leave.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session is Ended and cleaned up.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// VideoSource returns the published video source.
func (s *Session) VideoSource() media.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Remotes returns the other participants ordered by user id.
func (s *Session) Remotes() []RemoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RemoteParticipant, 0, len(s.remotes))
	for _, p := range s.remotes {
		cp := *p
		if cp.Name == "" {
			cp.Name = s.names[cp.UserID]
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Participants returns the local user plus every remote participant.
func (s *Session) Participants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return 0
	}
	return 1 + len(s.remotes)
}

func (s *Session) setOnEnd(fn func(*Session)) {
	s.mu.Lock()
	s.onEnd = fn
	s.mu.Unlock()
}

// Join moves the session from Created to Active: admission, camera and
// microphone, transport join, publish. Any failure ends the session with
// the categorized error. A second Join while one runs fails with
// ErrJoinInProgress.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateJoining:
		s.mu.Unlock()
		return ErrJoinInProgress
	case StateActive, StateEnded:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("join in state %s: %w", st, ErrInvalidState)
	}
	joinCtx, cancel := context.WithCancel(ctx)
	s.state = StateJoining
	s.cancelJoin = cancel
	s.joinDone = make(chan struct{})
	joinDone := s.joinDone
	s.mu.Unlock()

	defer close(joinDone)
	defer cancel()

	started := s.env.Clock.Now()
	err := s.join(joinCtx)
	if err == nil {
		s.mu.Lock()
		if s.leaving {
			err = context.Canceled
		} else {
			s.state = StateActive
		}
		s.mu.Unlock()
	}
	if err != nil {
		s.mu.Lock()
		cause, evicted := err, s.evictErr != nil
		if s.leaving {
			cause = s.evictErr
		}
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("code", Code(err)).Msg("join failed")
		s.end(cause, evicted)
		return err
	}

	metrics.JoinObserved(s.env.Clock.Since(started).Seconds())
	s.log.Info().Str("channel", s.params.Channel).Msg("call active")
	return nil
}

func (s *Session) join(ctx context.Context) error {
	if !s.params.Admitted {
		if _, err := s.env.Booking.JoinCall(ctx, s.params.CallID, s.params.Password); err != nil {
			return fmt.Errorf("join call: %w", err)
		}
	}
	s.mu.Lock()
	s.admitted = true
	s.mu.Unlock()

	s.env.Media.OnTrackEnded(s.trackEnded)
	tracks, err := s.env.Media.AcquireCameraAndMic(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.audio, s.video = tracks.Audio, tracks.Video
	for _, t := range s.lost {
		switch t {
		case s.audio:
			s.audio = nil
		case s.video:
			s.video = nil
		}
	}
	s.lost = nil
	s.mu.Unlock()

	tok, err := s.env.Booking.TransportToken(ctx, s.params.CallID)
	if err != nil {
		return fmt.Errorf("%w: token: %w", ErrTransportJoinFailed, err)
	}
	channel := tok.Channel
	if channel == "" {
		channel = s.params.Channel
	}

	joinCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.env.JoinTimeout > 0 {
		joinCtx, cancel = s.env.Clock.WithTimeout(ctx, s.env.JoinTimeout)
	}
	transport, err := s.env.Provider.Join(joinCtx, rtc.JoinParams{
		AppID:   s.env.AppID,
		Channel: channel,
		Token:   tok.Token,
		UserID:  s.env.UserID,
	})
	timedOut := errors.Is(joinCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			return fmt.Errorf("%w: no answer within %s", ErrTransportJoinFailed, s.env.JoinTimeout)
		}
		return fmt.Errorf("%w: %w", ErrTransportJoinFailed, err)
	}
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()
	go s.watch(transport)

	s.mu.Lock()
	live := liveTracks(s.audio, s.video)
	s.mu.Unlock()
	if len(live) == 0 {
		return ErrMediaEnded
	}
	if err := transport.Publish(ctx, live...); err != nil {
		return fmt.Errorf("%w: publish: %w", ErrTransportJoinFailed, err)
	}
	// A track that ended while being published must not stay on the
	// transport.
	s.mu.Lock()
	var stale []media.Track
	for _, t := range live {
		if t != s.audio && t != s.video {
			stale = append(stale, t)
		}
	}
	s.mu.Unlock()
	if len(stale) > 0 {
		if err := transport.Unpublish(ctx, stale...); err != nil {
			s.log.Debug().Err(err).Msg("unpublish of ended track failed")
		}
		if len(stale) == len(live) {
			return ErrMediaEnded
		}
	}

	if err := s.env.Signal.Send(ctx, &proto.JoinRoom{CallID: s.params.CallID}); err != nil {
		s.log.Warn().Err(err).Msg("failed to announce room join")
	} else {
		s.mu.Lock()
		s.inRoom = true
		s.mu.Unlock()
	}
	return ctx.Err()
}

// Leave ends the session. A join in flight is canceled first. Leave is
// idempotent.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateEnded:
		s.mu.Unlock()
		return nil
	case StateJoining:
		s.leaving = true
		cancel, joinDone := s.cancelJoin, s.joinDone
		s.mu.Unlock()
		cancel()
		select {
		case <-joinDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Unlock()

	s.end(nil, false)
	return nil
}

// Evict ends the session because the server closed the call. The booking
// slot is already gone, so it is not released again.
func (s *Session) Evict(cause error) {
	s.mu.Lock()
	if s.state == StateJoining {
		s.leaving = true
		s.evictErr = cause
		cancel, joinDone := s.cancelJoin, s.joinDone
		s.mu.Unlock()
		cancel()
		<-joinDone
		return
	}
	s.mu.Unlock()
	s.end(cause, true)
}

// fail ends a session that never joined, for example when its invitation
// was declined.
func (s *Session) fail(cause error) {
	s.end(cause, false)
}

// ToggleAudio mutes or unmutes the microphone and tells the room.
func (s *Session) ToggleAudio(ctx context.Context, enabled bool) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.requireActive(); err != nil {
		return err
	}
	s.env.Media.ToggleAudio(enabled)
	s.signalTrack(ctx, proto.TrackAudio, enabled)
	return nil
}

// ToggleVideo enables or disables the published video and tells the room.
func (s *Session) ToggleVideo(ctx context.Context, enabled bool) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.requireActive(); err != nil {
		return err
	}
	s.env.Media.ToggleVideo(enabled)
	s.signalTrack(ctx, proto.TrackVideo, enabled)
	return nil
}

// ToggleScreenShare swaps the published video between camera and screen.
// The old video is unpublished and released before the new one is
// requested, so the transport never carries two video tracks. If the new
// source cannot be opened the camera is put back.
func (s *Session) ToggleScreenShare(ctx context.Context, on bool) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.switchVideo(ctx, on)
}

func (s *Session) switchVideo(ctx context.Context, on bool) error {
	if err := s.requireActive(); err != nil {
		return err
	}

	s.mu.Lock()
	sharing := s.source == media.SourceScreen
	var old []media.Track
	for _, t := range []media.Track{s.video, s.shareAudio} {
		if t != nil {
			old = append(old, t)
		}
	}
	transport := s.transport
	s.mu.Unlock()
	if on == sharing {
		return nil
	}

	if err := transport.Unpublish(ctx, old...); err != nil {
		return fmt.Errorf("%w: unpublish video: %w", ErrTransportJoinFailed, err)
	}
	s.env.Media.Release(old...)
	s.mu.Lock()
	s.video, s.shareAudio = nil, nil
	s.mu.Unlock()

	if !on {
		if err := s.publishCamera(ctx, transport); err != nil {
			return err
		}
		s.signalTrack(ctx, proto.TrackScreenShare, false)
		return nil
	}

	share, err := s.env.Media.AcquireScreenShare(ctx, s.params.ShareSystemAudio)
	if err != nil {
		s.log.Info().Err(err).Msg("screen share not started, restoring camera")
		if restoreErr := s.publishCamera(ctx, transport); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}

	next := []media.Track{share.Video}
	if share.Audio != nil {
		next = append(next, share.Audio)
	}
	if err := transport.Publish(ctx, next...); err != nil {
		s.env.Media.Release(next...)
		if restoreErr := s.publishCamera(ctx, transport); restoreErr != nil {
			return errors.Join(fmt.Errorf("%w: publish screen: %w", ErrTransportJoinFailed, err), restoreErr)
		}
		return fmt.Errorf("%w: publish screen: %w", ErrTransportJoinFailed, err)
	}

	s.mu.Lock()
	s.video, s.shareAudio, s.source = share.Video, share.Audio, media.SourceScreen
	s.mu.Unlock()
	s.env.Media.SetActiveVideoSource(media.SourceScreen)
	s.signalTrack(ctx, proto.TrackScreenShare, true)
	return nil
}

func (s *Session) publishCamera(ctx context.Context, transport rtc.Session) error {
	cam, err := s.env.Media.AcquireCamera(ctx)
	if err != nil {
		s.mu.Lock()
		s.source = media.SourceCamera
		s.mu.Unlock()
		return fmt.Errorf("restore camera: %w", err)
	}
	if err := transport.Publish(ctx, cam); err != nil {
		s.env.Media.Release(cam)
		return fmt.Errorf("%w: publish camera: %w", ErrTransportJoinFailed, err)
	}

	s.mu.Lock()
	s.video, s.source = cam, media.SourceCamera
	s.mu.Unlock()
	s.env.Media.SetActiveVideoSource(media.SourceCamera)
	return nil
}

// trackEnded runs after the media controller released a track the device
// stopped. A stopped screen share falls back to the camera; losing the
// last local track ends the call.
func (s *Session) trackEnded(t media.Track) {
	s.mu.Lock()
	if s.state == StateJoining {
		// The join publishes only what is still live.
		matched := true
		switch t {
		case s.audio:
			s.audio = nil
		case s.video:
			s.video = nil
		default:
			matched = false
			s.lost = append(s.lost, t)
		}
		transport := s.transport
		s.mu.Unlock()
		if matched && transport != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if err := transport.Unpublish(ctx, t); err != nil {
				s.log.Debug().Err(err).Msg("unpublish of ended track failed")
			}
		}
		return
	}
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	screen := false
	switch t {
	case s.audio:
		s.audio = nil
	case s.video:
		s.video = nil
		screen = s.source == media.SourceScreen
	case s.shareAudio:
		s.shareAudio = nil
	default:
		s.mu.Unlock()
		return
	}
	live := len(liveTracks(s.audio, s.video, s.shareAudio))
	transport := s.transport
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := transport.Unpublish(ctx, t); err != nil {
		s.log.Debug().Err(err).Msg("unpublish of ended track failed")
	}

	if live == 0 {
		s.log.Warn().Str("source", string(t.Source())).Msg("last local track ended")
		s.end(ErrMediaEnded, false)
		return
	}
	if screen {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if err := s.ToggleScreenShare(ctx, false); err != nil {
				s.log.Warn().Err(err).Msg("failed to restore camera after screen share ended")
			}
		}()
	}
}

// memberJoined records the display name the relay reported.
func (s *Session) memberJoined(ev *proto.ParticipantJoined) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[ev.UserID] = ev.Name
	if p := s.remotes[ev.UserID]; p != nil {
		p.Name = ev.Name
	}
}

func (s *Session) memberLeft(ev *proto.ParticipantLeft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, ev.UserID)
}

func (s *Session) remoteTrackSignal(ev *proto.TrackSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.remoteLocked(ev.UserID)
	switch ev.Track {
	case proto.TrackAudio:
		p.AudioEnabled = ev.Enabled
	case proto.TrackVideo:
		p.VideoEnabled = ev.Enabled
	case proto.TrackScreenShare:
		p.ScreenSharing = ev.Enabled
	}
}

func (s *Session) watch(transport rtc.Session) {
	for ev := range transport.Events() {
		switch ev.Type {
		case rtc.UserPublished:
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			track, err := transport.Subscribe(ctx, ev.UserID, ev.Kind)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Int64("user_id", ev.UserID).Msg("subscribe failed")
				continue
			}
			s.mu.Lock()
			p := s.remoteLocked(ev.UserID)
			if ev.Kind == media.KindAudio {
				p.Audio, p.AudioEnabled = track, true
			} else {
				p.Video, p.VideoEnabled = track, true
			}
			s.mu.Unlock()

		case rtc.UserUnpublished:
			s.mu.Lock()
			if p := s.remotes[ev.UserID]; p != nil {
				if ev.Kind == media.KindAudio {
					p.Audio = nil
				} else {
					p.Video = nil
				}
			}
			s.mu.Unlock()

		case rtc.UserLeft:
			s.mu.Lock()
			delete(s.remotes, ev.UserID)
			s.mu.Unlock()
		}
	}
}

func (s *Session) remoteLocked(userID int64) *RemoteParticipant {
	p := s.remotes[userID]
	if p == nil {
		p = &RemoteParticipant{UserID: userID, Name: s.names[userID]}
		s.remotes[userID] = p
	}
	return p
}

func (s *Session) requireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("%s: %w", s.state, ErrInvalidState)
	}
	return nil
}

func (s *Session) signalTrack(ctx context.Context, track proto.TrackKind, enabled bool) {
	err := s.env.Signal.Send(ctx, &proto.TrackSignal{CallID: s.params.CallID, Track: track, Enabled: enabled})
	if err != nil {
		s.log.Warn().Err(err).Str("track", string(track)).Msg("failed to send track signal")
	}
}

// end moves the session to Ended exactly once and releases everything it
// holds: local tracks, the transport, the room group and the booking slot.
func (s *Session) end(cause error, evicted bool) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.err = cause
	tracks := []media.Track{s.audio, s.video, s.shareAudio}
	transport, inRoom, admitted := s.transport, s.inRoom, s.admitted
	s.audio, s.video, s.shareAudio, s.transport = nil, nil, nil, nil
	s.remotes = make(map[int64]*RemoteParticipant)
	onEnd := s.onEnd
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	s.env.Media.Release(tracks...)
	if transport != nil {
		if err := transport.Leave(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to leave transport")
		}
	}
	if inRoom {
		if err := s.env.Signal.Send(ctx, &proto.LeaveRoom{CallID: s.params.CallID}); err != nil {
			s.log.Warn().Err(err).Msg("failed to announce room leave")
		}
	}
	if admitted && !evicted {
		if err := s.env.Booking.LeaveCall(ctx, s.params.CallID); err != nil && !errors.Is(err, booking.ErrCallEnded) {
			s.log.Warn().Err(err).Msg("failed to leave booking")
		}
	}

	metrics.SessionEnded(Code(cause))
	if cause != nil {
		s.log.Info().Err(cause).Str("code", Code(cause)).Msg("call ended")
	} else {
		s.log.Info().Msg("call ended")
	}
	close(s.done)
	if onEnd != nil {
		onEnd(s)
	}
}

func liveTracks(tracks ...media.Track) []media.Track {
	live := make([]media.Track, 0, len(tracks))
	for _, t := range tracks {
		if t != nil {
			live = append(live, t)
		}
	}
	return live
}
