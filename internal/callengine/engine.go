package callengine

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vovakirdan/wirecall/internal/store"
)

// JoinInfo contains information needed to join the transport session of a call.
type JoinInfo struct {
	URL      string  `json:"url"`
	Token    *string `json:"token"` // nil in degraded mode
	Channel  string  `json:"channel"`
	Identity string  `json:"identity"`
}

// Engine abstracts the media backend for calls.
type Engine interface {
	// CreateCall picks the transport channel name for a new call.
	CreateCall(ctx context.Context, call *store.Call) (channelName string, err error)

	// EndCall tears down the transport side of the call.
	EndCall(ctx context.Context, call *store.Call) error

	// GenerateJoinInfo creates join credentials for a user.
	GenerateJoinInfo(ctx context.Context, call *store.Call, userID int64, username string) (*JoinInfo, error)
}

// Identity is the transport-side identity of a user.
func Identity(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

// Degraded hands out random channel names and no tokens. Transport joins
// made with its credentials are unauthenticated.
type Degraded struct {
	URL string
}

func (d Degraded) CreateCall(_ context.Context, call *store.Call) (string, error) {
	suffix, err := gonanoid.New(16)
	if err != nil {
		return "", fmt.Errorf("generate channel name: %w", err)
	}
	return fmt.Sprintf("wirecall-%s-%s", call.Kind, suffix), nil
}

func (Degraded) EndCall(context.Context, *store.Call) error { return nil }

func (d Degraded) GenerateJoinInfo(_ context.Context, call *store.Call, userID int64, _ string) (*JoinInfo, error) {
	return &JoinInfo{
		URL:      d.URL,
		Channel:  call.ChannelName,
		Identity: Identity(userID),
	}, nil
}

var _ Engine = Degraded{}
