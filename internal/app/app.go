package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirecall/internal/auth"
	"github.com/vovakirdan/wirecall/internal/callengine"
	"github.com/vovakirdan/wirecall/internal/callengine/livekit"
	"github.com/vovakirdan/wirecall/internal/config"
	wlog "github.com/vovakirdan/wirecall/internal/log"
	"github.com/vovakirdan/wirecall/internal/presence"
	"github.com/vovakirdan/wirecall/internal/relay"
	"github.com/vovakirdan/wirecall/internal/service/rooms"
	"github.com/vovakirdan/wirecall/internal/store"
	"github.com/vovakirdan/wirecall/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirecall/internal/transport/http"
)

// App wires the booking service, the relay hub and the HTTP transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *relay.Hub
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the server with the provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	})

	var engine callengine.Engine = callengine.Degraded{URL: cfg.LiveKitURL}
	if cfg.LiveKitEnabled() {
		engine = livekit.New(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.LiveKitURL)
		logger.Info().Str("livekit_url", cfg.LiveKitURL).Msg("livekit tokens enabled")
	} else {
		logger.Warn().Msg("livekit credentials missing, transport tokens will be null")
	}

	roomService := rooms.New(st, engine, cfg.MaxRoomParticipants, nil, wlog.Component(logger, "rooms"))
	hub := relay.NewHub(relay.Options{
		Presence:      presence.NewTracker(nil, cfg.PresenceTTL),
		Calls:         roomService,
		PruneInterval: cfg.PresencePruneInterval,
	}, wlog.Component(logger, "relay"))
	roomService.SetNotifier(hub)

	server := transporthttp.NewServer(transporthttp.Deps{
		Auth:  authService,
		Users: st,
		Rooms: roomService,
		Hub:   hub,
	}, cfg, wlog.Component(logger, "http"))

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		log:             logger,
	}, nil
}

// Run serves until ctx is canceled or the listener fails, then shuts the
// HTTP server down gracefully and closes the store.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) cleanup() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
		return
	}
	a.log.Info().Msg("store closed")
}
