package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/presence"
	"github.com/vovakirdan/wirecall/internal/proto"
)

type fakeDirectory struct {
	mu    sync.Mutex
	rings []string
}

func (d *fakeDirectory) MarkRinging(_ context.Context, callID string, _ int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rings = append(d.rings, callID)
	return nil
}

func (d *fakeDirectory) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rings)
}

func startHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)

	logger := zerolog.Nop()
	hub := NewHub(opts, &logger)
	go hub.Run(ctx)
	return hub
}

func connect(hub *Hub, userID int64, name string) *Client {
	c := NewClient(userID, name)
	hub.RegisterClient(c)
	return c
}

func TestHubInviteAndRespond(t *testing.T) {
	dir := &fakeDirectory{}
	hub := startHub(t, Options{Calls: dir})

	alice := connect(hub, 1, "alice")
	bob := connect(hub, 2, "bob")

	hub.Submit(alice, &proto.Invite{CallID: "c1", CalleeID: 2, CallType: proto.CallTypeVideo, ChannelName: "ch"})

	inv := mustEvent[*proto.Invitation](t, bob.Events)
	if inv.CallID != "c1" || inv.CallerID != 1 || inv.CallerName != "alice" || inv.ChannelName != "ch" {
		t.Fatalf("unexpected invitation: %+v", inv)
	}

	hub.Submit(bob, &proto.Respond{CallID: "c1", CallerID: 1, Answer: proto.AnswerAccepted})
	resp := mustEvent[*proto.Response](t, alice.Events)
	if resp.CallID != "c1" || resp.CalleeID != 2 || resp.Answer != proto.AnswerAccepted {
		t.Fatalf("unexpected response: %+v", resp)
	}

	waitFor(t, func() bool { return dir.count() == 1 })
}

func TestHubInviteSelfIsRejected(t *testing.T) {
	hub := startHub(t, Options{})
	alice := connect(hub, 1, "alice")

	hub.Submit(alice, &proto.Invite{CallID: "c1", CalleeID: 1, CallType: proto.CallTypeAudio})
	f := mustEvent[*proto.Failure](t, alice.Events)
	if f.Code != proto.ErrCodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", f)
	}
}

func TestHubRoomMembership(t *testing.T) {
	hub := startHub(t, Options{})
	alice := connect(hub, 1, "alice")
	bob := connect(hub, 2, "bob")

	hub.Submit(alice, &proto.JoinRoom{CallID: "room"})
	hub.Submit(bob, &proto.JoinRoom{CallID: "room"})

	// Bob learns about alice from the snapshot, alice learns about bob.
	snap := mustEvent[*proto.ParticipantJoined](t, bob.Events)
	if snap.UserID != 1 || snap.Name != "alice" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	joined := mustEvent[*proto.ParticipantJoined](t, alice.Events)
	if joined.UserID != 2 {
		t.Fatalf("unexpected join: %+v", joined)
	}

	members, err := hub.Members(context.Background(), "room")
	if err != nil || len(members) != 2 {
		t.Fatalf("expected 2 members, got %v %v", members, err)
	}

	hub.Submit(bob, &proto.TrackSignal{CallID: "room", Track: proto.TrackVideo, Enabled: false})
	sig := mustEvent[*proto.TrackSignal](t, alice.Events)
	if sig.UserID != 2 || sig.Track != proto.TrackVideo || sig.Enabled {
		t.Fatalf("unexpected track signal: %+v", sig)
	}

	hub.Submit(bob, &proto.LeaveRoom{CallID: "room"})
	left := mustEvent[*proto.ParticipantLeft](t, alice.Events)
	if left.UserID != 2 || left.Reason != proto.ReasonLeft {
		t.Fatalf("unexpected leave: %+v", left)
	}
}

func TestHubTrackSignalRequiresMembership(t *testing.T) {
	hub := startHub(t, Options{})
	alice := connect(hub, 1, "alice")

	hub.Submit(alice, &proto.TrackSignal{CallID: "room", Track: proto.TrackAudio})
	f := mustEvent[*proto.Failure](t, alice.Events)
	if f.Code != proto.ErrCodeForbidden {
		t.Fatalf("expected forbidden, got %+v", f)
	}
}

func TestHubDisconnectLeavesRooms(t *testing.T) {
	hub := startHub(t, Options{})
	alice := connect(hub, 1, "alice")
	bob := connect(hub, 2, "bob")

	hub.Submit(alice, &proto.JoinRoom{CallID: "room"})
	hub.Submit(bob, &proto.JoinRoom{CallID: "room"})
	mustEvent[*proto.ParticipantJoined](t, alice.Events)

	hub.UnregisterClient(bob)
	left := mustEvent[*proto.ParticipantLeft](t, alice.Events)
	if left.UserID != 2 || left.Reason != proto.ReasonDisconnected {
		t.Fatalf("unexpected leave: %+v", left)
	}
	select {
	case <-bob.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("unregistered client should be kicked")
	}
	waitFor(t, func() bool { return !hub.Presence().IsOnline(2) })
}

func TestHubRoomClosedEvictsMembers(t *testing.T) {
	hub := startHub(t, Options{})
	owner := connect(hub, 1, "owner")
	guest := connect(hub, 2, "guest")
	lurker := connect(hub, 3, "lurker")

	hub.Submit(guest, &proto.JoinRoom{CallID: "room"})
	hub.Submit(lurker, &proto.JoinRoom{CallID: "room"})
	mustEvent[*proto.ParticipantJoined](t, guest.Events)

	hub.RoomClosed("room", proto.ReasonRoomDeleted, []int64{2})

	for _, c := range []*Client{guest, lurker} {
		closed := mustEvent[*proto.RoomClosed](t, c.Events)
		if closed.CallID != "room" || closed.Reason != proto.ReasonRoomDeleted {
			t.Fatalf("unexpected room closed: %+v", closed)
		}
	}
	members, _ := hub.Members(context.Background(), "room")
	if len(members) != 0 {
		t.Fatalf("closed room must have no members, got %v", members)
	}
	select {
	case ev := <-owner.Events:
		t.Fatalf("owner was not in the room and should get nothing, got %T", ev)
	default:
	}
}

func TestHubPresenceAndPrune(t *testing.T) {
	clk := clock.NewMock()
	tracker := presence.NewTracker(clk, 40*time.Second)
	hub := startHub(t, Options{Presence: tracker, Clock: clk, PruneInterval: 30 * time.Second})

	alice := connect(hub, 1, "alice")
	bob := connect(hub, 2, "bob")
	waitFor(t, func() bool { return len(tracker.Online()) == 2 })

	clk.Add(35 * time.Second)
	hub.Submit(alice, &proto.Heartbeat{})
	waitFor(t, func() bool {
		for _, u := range tracker.Online() {
			if u.ID == 1 && u.LastSeen.Equal(clk.Now()) {
				return true
			}
		}
		return false
	})

	clk.Add(30 * time.Second)
	select {
	case <-bob.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bob's lapsed connection should be dropped")
	}
	select {
	case <-alice.Done():
		t.Fatal("alice heartbeated and must stay connected")
	default:
	}
}

func mustEvent[T proto.Event](t *testing.T, ch <-chan proto.Event) T {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("expected event %T not received", zero)
			return zero
		}
	}
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
	t.Fatal("condition not met in time")
}
