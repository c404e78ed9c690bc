package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/auth"
	"github.com/vovakirdan/wirecall/internal/callengine"
	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/presence"
	"github.com/vovakirdan/wirecall/internal/relay"
	"github.com/vovakirdan/wirecall/internal/service/rooms"
	"github.com/vovakirdan/wirecall/internal/store/sqlite"
)

type testEnv struct {
	ts    *httptest.Server
	auth  *auth.Service
	rooms *rooms.Service
	hub   *relay.Hub
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.MaxRoomParticipants = 3
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	disabledLogger := zerolog.New(nil)

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	})
	roomService := rooms.New(st, callengine.Degraded{URL: "ws://sfu.test"}, cfg.MaxRoomParticipants, nil, &disabledLogger)
	hub := relay.NewHub(relay.Options{
		Presence: presence.NewTracker(nil, cfg.PresenceTTL),
		Calls:    roomService,
	}, &disabledLogger)
	roomService.SetNotifier(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	ts := httptest.NewServer(NewRouter(Deps{Auth: authService, Users: st, Rooms: roomService, Hub: hub}, &cfg, &disabledLogger))
	t.Cleanup(func() {
		cancel()
		ts.Close()
		_ = st.Close()
	})

	return &testEnv{ts: ts, auth: authService, rooms: roomService, hub: hub}
}

func (e *testEnv) register(t *testing.T, username string) *auth.Identity {
	t.Helper()
	id, err := e.auth.Register(context.Background(), username, "password123")
	if err != nil {
		t.Fatalf("failed to register %s: %v", username, err)
	}
	return id
}

// do sends a JSON request and decodes the response into out when non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}
