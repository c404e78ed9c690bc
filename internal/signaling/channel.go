// Package signaling is the client end of the relay connection.
//
// A Channel is one shared connection per process. Consumers Acquire it,
// subscribe to the event kinds they care about, and release it when done;
// the connection closes with the last release.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/proto"
)

// ErrClosed is returned by Send when no connection is open.
var ErrClosed = errors.New("signaling channel closed")

const subscriptionBuffer = 16

// Conn is one framed, bidirectional connection to the relay.
type Conn interface {
	Read(ctx context.Context) (proto.Envelope, error)
	Write(ctx context.Context, env proto.Envelope) error
	Close() error
}

// Dialer opens authenticated connections to the relay.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Options configures a Channel.
type Options struct {
	Dialer            Dialer
	Token             string
	Clock             clock.Clock
	HeartbeatInterval time.Duration
}

// Subscription receives the events of the kinds it was created for.
// C is closed when the subscription or the connection ends.
type Subscription struct {
	C <-chan proto.Event

	c     chan proto.Event
	kinds []string
	ch    *Channel
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	s.ch.unsubscribeLocked(s)
}

func (s *Subscription) wants(kind string) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Channel is a reference-counted relay connection.
type Channel struct {
	opts Options
	clk  clock.Clock
	log  *zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	refs    int
	gen     uint64
	conn    Conn
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	welcome *proto.Welcome
	subs    map[*Subscription]struct{}
	lost    chan struct{}
}

// New creates a channel. Nothing is dialed until the first Acquire.
func New(opts Options, logger *zerolog.Logger) *Channel {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Channel{
		opts: opts,
		clk:  clk,
		log:  logger,
		subs: make(map[*Subscription]struct{}),
	}
}

// Acquire takes a reference, connecting and saying hello on first use.
// The returned release must be called exactly once.
func (ch *Channel) Acquire(ctx context.Context) (release func(), err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.conn == nil {
		if err := ch.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	ch.refs++

	gen := ch.gen
	var once sync.Once
	return func() { once.Do(func() { ch.release(gen) }) }, nil
}

// Identity returns the welcome the relay sent, or nil when disconnected.
func (ch *Channel) Identity() *proto.Welcome {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.welcome
}

// Lost is closed when the current connection drops or is released.
// It returns nil when no connection is open.
func (ch *Channel) Lost() <-chan struct{} {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		return nil
	}
	return ch.lost
}

// Subscribe registers interest in the given kinds. No kinds means all.
func (ch *Channel) Subscribe(kinds ...string) *Subscription {
	c := make(chan proto.Event, subscriptionBuffer)
	sub := &Subscription{C: c, c: c, kinds: kinds, ch: ch}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		close(c)
		return sub
	}
	ch.subs[sub] = struct{}{}
	return sub
}

// Send validates and writes one event.
func (ch *Channel) Send(ctx context.Context, ev proto.Event) error {
	env, err := proto.Encode(ev)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := conn.Write(ctx, env); err != nil {
		return fmt.Errorf("send %s: %w", ev.Kind(), err)
	}
	return nil
}

func (ch *Channel) connectLocked(ctx context.Context) error {
	conn, err := ch.opts.Dialer.Dial(ctx, ch.opts.Token)
	if err != nil {
		return err
	}

	hello, err := proto.Encode(&proto.Hello{Protocol: proto.ProtocolVersion})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.Write(ctx, hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	env, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	ev, err := proto.Decode(env)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("decode welcome: %w", err)
	}
	switch e := ev.(type) {
	case *proto.Welcome:
		ch.welcome = e
	case *proto.Failure:
		_ = conn.Close()
		return fmt.Errorf("relay rejected hello: %w", e)
	default:
		_ = conn.Close()
		return fmt.Errorf("expected welcome, got %s", ev.Kind())
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ch.gen++
	ch.conn = conn
	ch.cancel = cancel
	ch.lost = make(chan struct{})

	ch.loops.Add(1)
	go ch.readLoop(loopCtx, conn)
	if ch.opts.HeartbeatInterval > 0 {
		ticker := ch.clk.Ticker(ch.opts.HeartbeatInterval)
		ch.loops.Add(1)
		go ch.heartbeatLoop(loopCtx, ticker)
	}

	ch.log.Info().Int64("user_id", ch.welcome.UserID).Str("client_id", ch.welcome.ClientID).Msg("signaling connected")
	return nil
}

func (ch *Channel) release(gen uint64) {
	ch.mu.Lock()
	if ch.gen != gen || ch.conn == nil {
		// The connection this reference belonged to is already gone.
		ch.mu.Unlock()
		return
	}
	ch.refs--
	if ch.refs > 0 {
		ch.mu.Unlock()
		return
	}
	ch.teardownLocked(ch.conn)
	ch.mu.Unlock()

	ch.loops.Wait()
}

// teardownLocked closes conn if it is still the current connection.
func (ch *Channel) teardownLocked(conn Conn) {
	if ch.conn != conn {
		return
	}
	ch.cancel()
	_ = conn.Close()
	close(ch.lost)
	for sub := range ch.subs {
		ch.unsubscribeLocked(sub)
	}
	ch.conn = nil
	ch.welcome = nil
	ch.refs = 0
}

func (ch *Channel) unsubscribeLocked(s *Subscription) {
	if _, ok := ch.subs[s]; !ok {
		return
	}
	delete(ch.subs, s)
	close(s.c)
}

func (ch *Channel) readLoop(ctx context.Context, conn Conn) {
	defer ch.loops.Done()

	for {
		env, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				ch.log.Warn().Err(err).Msg("signaling connection lost")
			}
			ch.mu.Lock()
			ch.teardownLocked(conn)
			ch.mu.Unlock()
			return
		}

		ev, err := proto.Decode(env)
		if err != nil {
			ch.log.Debug().Err(err).Str("type", env.Type).Msg("dropping invalid event")
			continue
		}
		if f, ok := ev.(*proto.Failure); ok {
			ch.log.Warn().Str("code", f.Code).Str("msg", f.Msg).Msg("relay reported an error")
		}
		ch.dispatch(ev)
	}
}

func (ch *Channel) dispatch(ev proto.Event) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for sub := range ch.subs {
		if !sub.wants(ev.Kind()) {
			continue
		}
		select {
		case sub.c <- ev:
		default:
			ch.log.Warn().Str("type", ev.Kind()).Msg("subscriber is full, dropping event")
		}
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, ticker *clock.Ticker) {
	defer ch.loops.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ch.Send(sendCtx, &proto.Heartbeat{})
			cancel()
			if err != nil && ctx.Err() == nil {
				ch.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
