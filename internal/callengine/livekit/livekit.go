package livekit

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/vovakirdan/wirecall/internal/callengine"
	"github.com/vovakirdan/wirecall/internal/store"
)

// Engine implements callengine.Engine using LiveKit as the media backend.
type Engine struct {
	apiKey    string
	apiSecret string
	wsURL     string
	tokenTTL  time.Duration
}

// New creates a new LiveKit engine.
func New(apiKey, apiSecret, wsURL string) *Engine {
	return &Engine{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		wsURL:     wsURL,
		tokenTTL:  time.Hour,
	}
}

// CreateCall derives the LiveKit room name. LiveKit creates rooms on demand
// when the first participant connects.
func (e *Engine) CreateCall(_ context.Context, call *store.Call) (string, error) {
	return fmt.Sprintf("wirecall-%s-%s", call.Kind, call.ID), nil
}

// EndCall is a no-op: empty rooms expire on the LiveKit side.
func (e *Engine) EndCall(_ context.Context, _ *store.Call) error {
	return nil
}

// GenerateJoinInfo mints a room-scoped access token for the user.
func (e *Engine) GenerateJoinInfo(_ context.Context, call *store.Call, userID int64, username string) (*callengine.JoinInfo, error) {
	if call.ChannelName == "" {
		return nil, fmt.Errorf("call %s has no channel name", call.ID)
	}

	identity := callengine.Identity(userID)

	at := auth.NewAccessToken(e.apiKey, e.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     call.ChannelName,
	}
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(username).
		SetValidFor(e.tokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	return &callengine.JoinInfo{
		URL:      e.wsURL,
		Token:    &token,
		Channel:  call.ChannelName,
		Identity: identity,
	}, nil
}

var _ callengine.Engine = (*Engine)(nil)
