package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/proto"
)

// pipeConn is the client half of an in-memory connection. The test plays
// the relay through toClient and fromClient.
type pipeConn struct {
	toClient   chan proto.Envelope
	fromClient chan proto.Envelope
	closed     chan struct{}
	closeOnce  sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toClient:   make(chan proto.Envelope, 16),
		fromClient: make(chan proto.Envelope, 16),
		closed:     make(chan struct{}),
	}
}

func (p *pipeConn) Read(ctx context.Context) (proto.Envelope, error) {
	select {
	case env := <-p.toClient:
		return env, nil
	case <-p.closed:
		return proto.Envelope{}, io.EOF
	case <-ctx.Done():
		return proto.Envelope{}, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, env proto.Envelope) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.fromClient <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// pipeDialer hands out pipes that are already welcomed.
type pipeDialer struct {
	dials atomic.Int32
	mu    sync.Mutex
	conns []*pipeConn
}

func (d *pipeDialer) Dial(context.Context, string) (Conn, error) {
	d.dials.Add(1)
	c := newPipeConn()
	welcome, _ := proto.Encode(&proto.Welcome{ClientID: "c1", UserID: 7, Name: "alice", Protocol: proto.ProtocolVersion})
	c.toClient <- welcome

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *pipeDialer) last() *pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestChannel(t *testing.T, clk clock.Clock, heartbeat time.Duration) (*Channel, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{}
	logger := zerolog.Nop()
	return New(Options{Dialer: d, Token: "tok", Clock: clk, HeartbeatInterval: heartbeat}, &logger), d
}

func expectSent(t *testing.T, c *pipeConn, kind string) proto.Envelope {
	t.Helper()
	select {
	case env := <-c.fromClient:
		if env.Type != kind {
			t.Fatalf("expected %s, got %s", kind, env.Type)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %s to be sent", kind)
		return proto.Envelope{}
	}
}

func push(t *testing.T, c *pipeConn, ev proto.Event) {
	t.Helper()
	env, err := proto.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.toClient <- env
}

func TestAcquireSharesOneConnection(t *testing.T) {
	ch, d := newTestChannel(t, nil, 0)
	ctx := context.Background()

	releaseA, err := ch.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	releaseB, err := ch.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n := d.dials.Load(); n != 1 {
		t.Fatalf("expected a single dial, got %d", n)
	}

	conn := d.last()
	expectSent(t, conn, proto.TypeHello)
	if id := ch.Identity(); id == nil || id.UserID != 7 {
		t.Fatalf("unexpected identity: %+v", id)
	}

	releaseA()
	releaseA()
	if conn.isClosed() {
		t.Fatal("connection closed while a reference is still held")
	}

	releaseB()
	if !conn.isClosed() {
		t.Fatal("connection should close with the last release")
	}
	if err := ch.Send(ctx, &proto.Heartbeat{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// A later acquire reconnects.
	release, err := ch.Acquire(ctx)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer release()
	if n := d.dials.Load(); n != 2 {
		t.Fatalf("expected a second dial, got %d", n)
	}
}

func TestSubscriptionsReceiveTheirKinds(t *testing.T) {
	ch, d := newTestChannel(t, nil, 0)
	release, err := ch.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	conn := d.last()

	invitations := ch.Subscribe(proto.TypeInvitation)
	everything := ch.Subscribe()
	defer invitations.Close()

	push(t, conn, &proto.ParticipantLeft{CallID: "room", UserID: 3})
	push(t, conn, &proto.Invitation{CallID: "c1", CallerID: 2, CalleeID: 7, CallType: proto.CallTypeVideo})

	select {
	case ev := <-invitations.C:
		if inv, ok := ev.(*proto.Invitation); !ok || inv.CallID != "c1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invitation not delivered")
	}

	for _, want := range []string{proto.TypeParticipantLeft, proto.TypeInvitation} {
		select {
		case ev := <-everything.C:
			if ev.Kind() != want {
				t.Fatalf("expected %s, got %s", want, ev.Kind())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}

	everything.Close()
	everything.Close()
	if _, ok := <-everything.C; ok {
		t.Fatal("closed subscription should not deliver")
	}
}

func TestInvalidEventsAreNeverDispatched(t *testing.T) {
	ch, d := newTestChannel(t, nil, 0)
	release, err := ch.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	conn := d.last()

	sub := ch.Subscribe(proto.TypeInvitation, proto.TypeResponse)
	defer sub.Close()

	conn.toClient <- proto.Envelope{Type: proto.TypeInvitation, Data: json.RawMessage(`{"call_id":""}`)}
	conn.toClient <- proto.Envelope{Type: "gossip", Data: json.RawMessage(`{}`)}
	conn.toClient <- proto.Envelope{Type: proto.TypeResponse, Data: json.RawMessage(`not json`)}
	push(t, conn, &proto.Response{CallID: "ok", Answer: proto.AnswerAccepted})

	select {
	case ev := <-sub.C:
		if r, ok := ev.(*proto.Response); !ok || r.CallID != "ok" {
			t.Fatalf("only the valid response should arrive, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid response not delivered")
	}
}

func TestSendValidatesBeforeWriting(t *testing.T) {
	ch, d := newTestChannel(t, nil, 0)
	release, err := ch.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	conn := d.last()
	expectSent(t, conn, proto.TypeHello)

	if err := ch.Send(context.Background(), &proto.Invite{CallID: "c1"}); !errors.Is(err, proto.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	select {
	case env := <-conn.fromClient:
		t.Fatalf("invalid event must not reach the wire, got %s", env.Type)
	default:
	}
}

func TestHeartbeatTicks(t *testing.T) {
	clk := clock.NewMock()
	ch, d := newTestChannel(t, clk, time.Minute)
	release, err := ch.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	conn := d.last()
	expectSent(t, conn, proto.TypeHello)

	clk.Add(time.Minute)
	expectSent(t, conn, proto.TypeHeartbeat)
	clk.Add(time.Minute)
	expectSent(t, conn, proto.TypeHeartbeat)
}

func TestConnectionLossClosesSubscriptions(t *testing.T) {
	ch, d := newTestChannel(t, nil, 0)
	release, err := ch.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sub := ch.Subscribe()
	lost := ch.Lost()

	_ = d.last().Close()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost should close when the connection drops")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("subscription should be closed after connection loss")
	}

	// Releasing a reference of the dead connection is harmless.
	release()
	if ch.Identity() != nil {
		t.Fatal("identity should be cleared")
	}
}
