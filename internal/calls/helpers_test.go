package calls

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/booking"
	"github.com/vovakirdan/wirecall/internal/media"
	"github.com/vovakirdan/wirecall/internal/media/synthetic"
	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/rtc"
	"github.com/vovakirdan/wirecall/internal/rtc/loopback"
)

// fakeBooking records every booking call and answers from memory.
type fakeBooking struct {
	mu       sync.Mutex
	ownerID  int64
	seq      int
	calls    map[string]*booking.Call
	rooms    []booking.Room
	listErr  error
	joinErr  error
	joins    []string
	leaves   []string
	ends     []string
	deletes  []string
	listings int
}

func newFakeBooking(ownerID int64) *fakeBooking {
	return &fakeBooking{ownerID: ownerID, calls: make(map[string]*booking.Call)}
}

func (b *fakeBooking) CreateCall(_ context.Context, req booking.CreateCallRequest) (*booking.Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	call := &booking.Call{
		ID:          fmt.Sprintf("call-%d", b.seq),
		Kind:        req.Kind,
		Name:        req.Name,
		OwnerID:     b.ownerID,
		ChannelName: fmt.Sprintf("channel-%d", b.seq),
		Status:      "pending",
		IsPublic:    req.IsPublic,
	}
	b.calls[call.ID] = call
	return call, nil
}

func (b *fakeBooking) GetCall(_ context.Context, callID string) (*booking.Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call, ok := b.calls[callID]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return call, nil
}

func (b *fakeBooking) JoinCall(_ context.Context, callID, _ string) (*booking.Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joinErr != nil {
		return nil, b.joinErr
	}
	b.joins = append(b.joins, callID)
	if call, ok := b.calls[callID]; ok {
		return call, nil
	}
	return &booking.Call{ID: callID, ChannelName: "channel-" + callID}, nil
}

func (b *fakeBooking) LeaveCall(_ context.Context, callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves = append(b.leaves, callID)
	return nil
}

func (b *fakeBooking) EndCall(_ context.Context, callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ends = append(b.ends, callID)
	return nil
}

func (b *fakeBooking) DeleteRoom(_ context.Context, callID string) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, callID)
	return nil, nil
}

func (b *fakeBooking) ListRooms(context.Context, bool) ([]booking.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listings++
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]booking.Room(nil), b.rooms...), nil
}

func (b *fakeBooking) TransportToken(_ context.Context, callID string) (*booking.TransportToken, error) {
	return &booking.TransportToken{Channel: "channel-" + callID}, nil
}

func (b *fakeBooking) count(list *[]string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(*list)
}

// fakeSignal records sent events.
type fakeSignal struct {
	mu     sync.Mutex
	events []proto.Event
}

func (s *fakeSignal) Send(_ context.Context, ev proto.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSignal) sent(kind string) []proto.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Event
	for _, ev := range s.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// gatedProvider holds every Join until released, or until its context
// ends when release is nil.
type gatedProvider struct {
	next    rtc.Provider
	entered chan struct{}
	release chan struct{}
}

func (p *gatedProvider) Join(ctx context.Context, params rtc.JoinParams) (rtc.Session, error) {
	p.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.release:
		return p.next.Join(ctx, params)
	}
}

type harness struct {
	env     Env
	booking *fakeBooking
	signal  *fakeSignal
	devices *synthetic.Devices
	board   *loopback.Switchboard
	clk     *clock.Mock
}

func newHarness(t *testing.T, userID int64) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		booking: newFakeBooking(userID),
		signal:  &fakeSignal{},
		devices: synthetic.New(),
		board:   loopback.New(&logger),
		clk:     clock.NewMock(),
	}
	h.env = Env{
		Booking:     h.booking,
		Signal:      h.signal,
		Media:       media.NewController(h.devices, &logger),
		Provider:    h.board,
		Clock:       h.clk,
		AppID:       "test",
		UserID:      userID,
		JoinTimeout: 20 * time.Second,
		Logger:      &logger,
	}
	return h
}

// peer returns a second harness sharing the same transport.
func (h *harness) peer(t *testing.T, userID int64) *harness {
	t.Helper()
	p := newHarness(t, userID)
	p.board = h.board
	p.env.Provider = h.board
	return p
}

func (h *harness) session(callID string) *Session {
	return NewSession(h.env, SessionParams{CallID: callID, Channel: "channel-" + callID, Kind: KindMeeting})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
}
