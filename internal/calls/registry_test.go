package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/booking"
)

func newRegistry(t *testing.T, rooms ...booking.Room) (*Registry, *fakeBooking, *clock.Mock) {
	t.Helper()
	logger := zerolog.Nop()
	b := newFakeBooking(1)
	b.rooms = rooms
	clk := clock.NewMock()
	return NewRegistry(b, 1, clk, 30*time.Second, &logger), b, clk
}

func TestRegistryPolls(t *testing.T) {
	r, b, clk := newRegistry(t, booking.Room{ID: "r1", Name: "standup", OwnerID: 2, IsPublic: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, func() bool { return len(r.Rooms()) == 1 })

	b.mu.Lock()
	b.rooms = append(b.rooms, booking.Room{ID: "r2", Name: "retro", OwnerID: 1})
	b.mu.Unlock()

	clk.Add(30 * time.Second)
	waitFor(t, func() bool { return len(r.Rooms()) == 2 })
	if !r.UpdatedAt().Equal(clk.Now()) {
		t.Fatalf("expected refresh time %v, got %v", clk.Now(), r.UpdatedAt())
	}
}

func TestRegistryKeepsListOnError(t *testing.T) {
	r, b, _ := newRegistry(t, booking.Room{ID: "r1", IsPublic: true})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	b.mu.Lock()
	b.listErr = errors.New("unreachable")
	b.mu.Unlock()

	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if len(r.Rooms()) != 1 {
		t.Fatal("failed refresh dropped the list")
	}
}

func TestRegistryJoinChecksPassword(t *testing.T) {
	r, b, _ := newRegistry(t,
		booking.Room{ID: "locked", OwnerID: 2},
		booking.Room{ID: "mine", OwnerID: 1},
	)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := r.Join(context.Background(), "locked", ""); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if n := b.count(&b.joins); n != 0 {
		t.Fatalf("no request should be made without a password, got %d", n)
	}

	if _, err := r.Join(context.Background(), "mine", ""); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("owner without password: expected ErrInvalidPassword, got %v", err)
	}
	if n := b.count(&b.joins); n != 0 {
		t.Fatalf("no request should be made without a password, got %d", n)
	}
	if _, err := r.Join(context.Background(), "mine", "secret"); err != nil {
		t.Fatalf("owner join: %v", err)
	}
	if _, err := r.Join(context.Background(), "locked", "secret"); err != nil {
		t.Fatalf("join with password: %v", err)
	}

	b.mu.Lock()
	b.joinErr = booking.ErrRoomFull
	b.mu.Unlock()
	if _, err := r.Join(context.Background(), "mine", "secret"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if len(r.Rooms()) != 2 {
		t.Fatal("failed join changed the list")
	}
}

func TestRegistryDeleteRequiresOwner(t *testing.T) {
	r, b, _ := newRegistry(t,
		booking.Room{ID: "theirs", OwnerID: 2, IsPublic: true},
		booking.Room{ID: "mine", OwnerID: 1, IsPublic: true},
	)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := r.Delete(context.Background(), "theirs"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := r.Delete(context.Background(), "mine"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := r.Room("mine"); ok {
		t.Fatal("deleted room still listed")
	}
	if n := b.count(&b.deletes); n != 1 {
		t.Fatalf("expected one delete request, got %d", n)
	}
}
