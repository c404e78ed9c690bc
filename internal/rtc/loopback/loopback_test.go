package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/media"
	"github.com/vovakirdan/wirecall/internal/media/synthetic"
	"github.com/vovakirdan/wirecall/internal/rtc"
)

func newSwitchboard(opts ...Option) *Switchboard {
	logger := zerolog.Nop()
	return New(&logger, opts...)
}

func openTracks(t *testing.T) []media.Track {
	t.Helper()
	tracks, err := synthetic.New().OpenUserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("open tracks: %v", err)
	}
	return tracks
}

func nextEvent(t *testing.T, s rtc.Session) rtc.RemoteEvent {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return rtc.RemoteEvent{}
	}
}

func TestPublishSubscribeLeave(t *testing.T) {
	sb := newSwitchboard()
	ctx := context.Background()

	alice, err := sb.Join(ctx, rtc.JoinParams{Channel: "ch", UserID: 1})
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	tracks := openTracks(t)
	if err := alice.Publish(ctx, tracks...); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Bob joins late and still learns about both kinds.
	bob, err := sb.Join(ctx, rtc.JoinParams{Channel: "ch", UserID: 2})
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	seen := map[media.Kind]bool{}
	for range 2 {
		ev := nextEvent(t, bob)
		if ev.Type != rtc.UserPublished || ev.UserID != 1 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		seen[ev.Kind] = true
	}
	if !seen[media.KindAudio] || !seen[media.KindVideo] {
		t.Fatalf("expected audio and video, got %v", seen)
	}

	remote, err := bob.Subscribe(ctx, 1, media.KindVideo)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if remote.UserID != 1 || remote.Kind != media.KindVideo {
		t.Fatalf("unexpected remote track: %+v", remote)
	}

	if err := alice.Unpublish(ctx, tracks[1]); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if ev := nextEvent(t, bob); ev.Type != rtc.UserUnpublished || ev.Kind != tracks[1].Kind() {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if err := alice.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := alice.Leave(ctx); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if ev := nextEvent(t, bob); ev.Type != rtc.UserLeft || ev.UserID != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, ok := <-alice.Events(); ok {
		t.Fatal("events should be closed after leave")
	}
	if err := alice.Publish(ctx, tracks...); !errors.Is(err, rtc.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	if _, err := bob.Subscribe(ctx, 1, media.KindAudio); !errors.Is(err, rtc.ErrNotPublished) {
		t.Fatalf("expected ErrNotPublished, got %v", err)
	}
	if members := sb.Members("ch"); len(members) != 1 || members[0] != 2 {
		t.Fatalf("unexpected members: %v", members)
	}
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	token := "signed"
	empty := ""

	tests := []struct {
		name    string
		opts    []Option
		token   *string
		wantErr error
	}{
		{"degraded join without token", nil, nil, nil},
		{"token ignored when not required", nil, &token, nil},
		{"required token missing", []Option{WithRequiredToken()}, nil, rtc.ErrUnauthenticated},
		{"required token empty", []Option{WithRequiredToken()}, &empty, rtc.ErrUnauthenticated},
		{"required token present", []Option{WithRequiredToken()}, &token, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newSwitchboard(tt.opts...)
			_, err := sb.Join(ctx, rtc.JoinParams{Channel: "ch", Token: tt.token, UserID: 1})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPeakCountsConcurrentPublications(t *testing.T) {
	sb := newSwitchboard()
	ctx := context.Background()
	sess, err := sb.Join(ctx, rtc.JoinParams{Channel: "ch", UserID: 1})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	first := openTracks(t)
	second := openTracks(t)
	if err := sess.Publish(ctx, first...); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sess.Unpublish(ctx, first[1]); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if err := sess.Publish(ctx, second[1]); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := sb.Peak(1, media.KindVideo); got != 1 {
		t.Fatalf("swap should keep video peak at 1, got %d", got)
	}

	if err := sess.Publish(ctx, first[1]); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := sb.Peak(1, media.KindVideo); got != 2 {
		t.Fatalf("expected peak 2 after overlap, got %d", got)
	}
	if got := sb.Published("ch", 1, media.KindVideo); got != 2 {
		t.Fatalf("expected 2 published video tracks, got %d", got)
	}
}

func TestFailJoins(t *testing.T) {
	sb := newSwitchboard()
	boom := errors.New("sfu unavailable")
	sb.FailJoins(boom)

	if _, err := sb.Join(context.Background(), rtc.JoinParams{Channel: "ch", UserID: 1}); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	sb.FailJoins(nil)
	if _, err := sb.Join(context.Background(), rtc.JoinParams{Channel: "ch", UserID: 1}); err != nil {
		t.Fatalf("join: %v", err)
	}
}
