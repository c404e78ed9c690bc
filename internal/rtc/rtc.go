// Package rtc abstracts the real-time media transport a call joins once
// local media is ready.
package rtc

import (
	"context"
	"errors"

	"github.com/vovakirdan/wirecall/internal/media"
)

var (
	// ErrUnauthenticated is returned by Join when the provider requires a
	// token and none was given.
	ErrUnauthenticated = errors.New("transport token required")
	// ErrNotJoined is returned by session operations after Leave.
	ErrNotJoined = errors.New("not joined")
	// ErrNotPublished is returned by Subscribe when the remote user has no
	// track of the requested kind.
	ErrNotPublished = errors.New("track not published")
)

// JoinParams identifies the channel and the local user. Token is nil in
// degraded deployments, which providers treat as an unauthenticated join.
type JoinParams struct {
	AppID   string
	Channel string
	Token   *string
	UserID  int64
}

// Provider joins transport channels.
type Provider interface {
	Join(ctx context.Context, p JoinParams) (Session, error)
}

// Session is one joined transport channel.
type Session interface {
	Publish(ctx context.Context, tracks ...media.Track) error
	Unpublish(ctx context.Context, tracks ...media.Track) error
	Subscribe(ctx context.Context, userID int64, kind media.Kind) (*RemoteTrack, error)
	// Events delivers remote user changes. It is closed by Leave.
	Events() <-chan RemoteEvent
	// Leave is idempotent.
	Leave(ctx context.Context) error
}

// EventType is the kind of a remote user change.
type EventType string

const (
	UserPublished   EventType = "published"
	UserUnpublished EventType = "unpublished"
	UserLeft        EventType = "left"
)

// RemoteEvent reports a change of a remote user. Kind is empty for UserLeft.
type RemoteEvent struct {
	Type   EventType
	UserID int64
	Kind   media.Kind
}

// RemoteTrack is a subscribed remote stream.
type RemoteTrack struct {
	UserID  int64
	Kind    media.Kind
	TrackID string
}
