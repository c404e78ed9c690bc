// Package loopback is an in-process transport. Sessions joined to the same
// channel of one Switchboard see each other's publications.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/media"
	"github.com/vovakirdan/wirecall/internal/rtc"
)

const eventBuffer = 64

// Option configures a Switchboard.
type Option func(*Switchboard)

// WithRequiredToken rejects joins without a token.
func WithRequiredToken() Option {
	return func(s *Switchboard) { s.requireToken = true }
}

// Switchboard routes publications between sessions of the same channel.
type Switchboard struct {
	requireToken bool
	log          *zerolog.Logger

	mu       sync.Mutex
	channels map[string]map[int64]*session
	peaks    map[int64]map[media.Kind]int
	joinErr  error
}

// New creates an empty switchboard.
func New(logger *zerolog.Logger, opts ...Option) *Switchboard {
	s := &Switchboard{
		log:      logger,
		channels: make(map[string]map[int64]*session),
		peaks:    make(map[int64]map[media.Kind]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailJoins makes every later Join return err. nil restores success.
func (s *Switchboard) FailJoins(err error) {
	s.mu.Lock()
	s.joinErr = err
	s.mu.Unlock()
}

// Join adds a session for p.UserID to p.Channel. A second join of the same
// user replaces the first, which is left.
func (s *Switchboard) Join(ctx context.Context, p rtc.JoinParams) (rtc.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		return nil, fmt.Errorf("join: channel is required")
	}
	if s.requireToken && (p.Token == nil || *p.Token == "") {
		return nil, fmt.Errorf("join %s: %w", p.Channel, rtc.ErrUnauthenticated)
	}

	s.mu.Lock()
	if s.joinErr != nil {
		err := s.joinErr
		s.mu.Unlock()
		return nil, fmt.Errorf("join %s: %w", p.Channel, err)
	}
	members := s.channels[p.Channel]
	if members == nil {
		members = make(map[int64]*session)
		s.channels[p.Channel] = members
	}
	prev := members[p.UserID]

	sess := &session{
		sb:        s,
		channel:   p.Channel,
		userID:    p.UserID,
		published: make(map[string]media.Track),
		events:    make(chan rtc.RemoteEvent, eventBuffer),
	}
	members[p.UserID] = sess

	// The newcomer learns what is already published.
	for uid, other := range members {
		if uid == p.UserID {
			continue
		}
		for _, kind := range other.kindsLocked() {
			sess.emitLocked(rtc.RemoteEvent{Type: rtc.UserPublished, UserID: uid, Kind: kind})
		}
	}
	if prev != nil {
		prev.closeLocked()
	}
	s.mu.Unlock()

	s.log.Debug().Str("channel", p.Channel).Int64("user_id", p.UserID).Bool("authenticated", p.Token != nil).Msg("transport joined")
	return sess, nil
}

// Members returns the users currently joined to channel.
func (s *Switchboard) Members(channel string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, 0, len(s.channels[channel]))
	for uid := range s.channels[channel] {
		out = append(out, uid)
	}
	return out
}

// Published returns how many tracks of kind userID currently publishes
// in channel.
func (s *Switchboard) Published(channel string, userID int64, kind media.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.channels[channel][userID]
	if sess == nil {
		return 0
	}
	return sess.countLocked(kind)
}

// Peak returns the highest number of tracks of kind userID ever had
// published at the same time.
func (s *Switchboard) Peak(userID int64, kind media.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peaks[userID][kind]
}

func (s *Switchboard) broadcastLocked(from *session, ev rtc.RemoteEvent) {
	for uid, other := range s.channels[from.channel] {
		if uid == from.userID {
			continue
		}
		other.emitLocked(ev)
	}
}

func (s *Switchboard) notePeakLocked(sess *session) {
	byKind := s.peaks[sess.userID]
	if byKind == nil {
		byKind = make(map[media.Kind]int)
		s.peaks[sess.userID] = byKind
	}
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		if n := sess.countLocked(kind); n > byKind[kind] {
			byKind[kind] = n
		}
	}
}

type session struct {
	sb      *Switchboard
	channel string
	userID  int64

	// Guarded by sb.mu.
	published map[string]media.Track
	events    chan rtc.RemoteEvent
	left      bool
}

func (s *session) Publish(ctx context.Context, tracks ...media.Track) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sb.mu.Lock()
	defer s.sb.mu.Unlock()
	if s.left {
		return rtc.ErrNotJoined
	}
	for _, t := range tracks {
		if _, ok := s.published[t.ID()]; ok {
			continue
		}
		s.published[t.ID()] = t
		s.sb.broadcastLocked(s, rtc.RemoteEvent{Type: rtc.UserPublished, UserID: s.userID, Kind: t.Kind()})
	}
	s.sb.notePeakLocked(s)
	return nil
}

func (s *session) Unpublish(ctx context.Context, tracks ...media.Track) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sb.mu.Lock()
	defer s.sb.mu.Unlock()
	if s.left {
		return rtc.ErrNotJoined
	}
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if _, ok := s.published[t.ID()]; !ok {
			continue
		}
		delete(s.published, t.ID())
		s.sb.broadcastLocked(s, rtc.RemoteEvent{Type: rtc.UserUnpublished, UserID: s.userID, Kind: t.Kind()})
	}
	return nil
}

func (s *session) Subscribe(ctx context.Context, userID int64, kind media.Kind) (*rtc.RemoteTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.sb.mu.Lock()
	defer s.sb.mu.Unlock()
	if s.left {
		return nil, rtc.ErrNotJoined
	}
	remote := s.sb.channels[s.channel][userID]
	if remote == nil {
		return nil, fmt.Errorf("subscribe %d/%s: %w", userID, kind, rtc.ErrNotPublished)
	}
	for _, t := range remote.published {
		if t.Kind() == kind {
			return &rtc.RemoteTrack{UserID: userID, Kind: kind, TrackID: t.ID()}, nil
		}
	}
	return nil, fmt.Errorf("subscribe %d/%s: %w", userID, kind, rtc.ErrNotPublished)
}

func (s *session) Events() <-chan rtc.RemoteEvent {
	return s.events
}

func (s *session) Leave(context.Context) error {
	s.sb.mu.Lock()
	defer s.sb.mu.Unlock()
	if s.left {
		return nil
	}
	if members := s.sb.channels[s.channel]; members[s.userID] == s {
		delete(members, s.userID)
		if len(members) == 0 {
			delete(s.sb.channels, s.channel)
		}
	}
	s.closeLocked()
	s.sb.broadcastLocked(s, rtc.RemoteEvent{Type: rtc.UserLeft, UserID: s.userID})
	return nil
}

func (s *session) closeLocked() {
	s.left = true
	s.published = make(map[string]media.Track)
	close(s.events)
}

func (s *session) emitLocked(ev rtc.RemoteEvent) {
	if s.left {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.sb.log.Warn().Str("channel", s.channel).Int64("user_id", s.userID).Msg("transport event dropped")
	}
}

func (s *session) kindsLocked() []media.Kind {
	var kinds []media.Kind
	seen := make(map[media.Kind]bool)
	for _, t := range s.published {
		if !seen[t.Kind()] {
			seen[t.Kind()] = true
			kinds = append(kinds, t.Kind())
		}
	}
	return kinds
}

func (s *session) countLocked(kind media.Kind) int {
	n := 0
	for _, t := range s.published {
		if t.Kind() == kind {
			n++
		}
	}
	return n
}
