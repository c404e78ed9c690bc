package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/auth"
	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/relay"
	"github.com/vovakirdan/wirecall/internal/service/rooms"
	"github.com/vovakirdan/wirecall/internal/store"
)

// Deps groups the services behind the HTTP API.
type Deps struct {
	Auth  *auth.Service
	Users store.UserStore
	Rooms *rooms.Service
	Hub   *relay.Hub
}

// NewServer builds the HTTP server with REST, metrics and websocket routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(deps, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter serves /ws directly and every other route from a gin engine.
func NewRouter(deps Deps, cfg *config.Config, logger *zerolog.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiHandlers := NewAPIHandlers(deps.Auth, logger)
	userHandlers := NewUserHandlers(deps.Users, logger)
	callsHandlers := NewCallsHandlers(deps.Rooms, logger)
	roomHandlers := NewRoomHandlers(deps.Rooms, deps.Hub.Presence(), logger)

	requireAuth := AuthMiddleware(deps.Auth, logger)

	api := router.Group("/api")
	{
		api.POST("/register", apiHandlers.Register)
		api.POST("/login", apiHandlers.Login)

		protected := api.Group("")
		protected.Use(requireAuth)
		{
			protected.GET("/users/:username", userHandlers.GetUser)

			protected.POST("/calls", callsHandlers.CreateCall)
			protected.GET("/calls/:id", callsHandlers.GetCall)
			protected.POST("/calls/:id/join", callsHandlers.JoinCall)
			protected.POST("/calls/:id/leave", callsHandlers.LeaveCall)
			protected.PUT("/calls/:id/end", callsHandlers.EndCall)
			protected.GET("/calls/:id/token", callsHandlers.Token)

			protected.GET("/rooms", roomHandlers.ListRooms)
			protected.DELETE("/rooms/:id", roomHandlers.DeleteRoom)

			protected.GET("/presence", roomHandlers.Presence)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", NewWSHandler(deps.Auth, deps.Hub, cfg.WSRateLimit, cfg.WSRateBurst, logger))
	mux.Handle("/", router)
	return mux
}
