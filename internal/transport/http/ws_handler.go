package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/auth"
	"github.com/vovakirdan/wirecall/internal/proto"
	"github.com/vovakirdan/wirecall/internal/relay"
)

const helloTimeout = 10 * time.Second

var errKicked = errors.New("connection dropped by relay")

// WSHandler upgrades HTTP connections and bridges them to relay clients.
// It is a plain http.Handler: the upgrade hijacks the connection, which the
// gin response writer refuses.
type WSHandler struct {
	auth      *auth.Service
	hub       *relay.Hub
	log       *zerolog.Logger
	rateLimit float64
	rateBurst int
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(authService *auth.Service, hub *relay.Hub, rateLimit float64, rateBurst int, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{
		auth:      authService,
		hub:       hub,
		log:       logger,
		rateLimit: rateLimit,
		rateBurst: rateBurst,
	}
}

// ServeHTTP handles GET /ws.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws upgrade rejected")
		writeJSONError(w, http.StatusUnauthorized, CodeUnauthenticated, "unauthorized")
		return
	}
	uid, username := claims.UserID, claims.Username

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.greet(ctx, conn); err != nil {
		h.log.Debug().Err(err).Int64("user_id", uid).Msg("ws handshake rejected")
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	client := relay.NewClient(uid, username)
	if err := writeEvent(ctx, conn, &proto.Welcome{
		ClientID: client.ID,
		UserID:   uid,
		Name:     username,
		Protocol: proto.ProtocolVersion,
	}); err != nil {
		return
	}

	h.hub.RegisterClient(client)
	defer h.hub.UnregisterClient(client)

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel()
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	switch {
	case errors.Is(err, errKicked):
		status = websocket.StatusGoingAway
		reason = err.Error()
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF):
		if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
			break
		}
		status = websocket.StatusInternalError
		reason = "internal error"
		h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
	}

	conn.Close(status, reason)
}

func (h *WSHandler) authenticate(r *http.Request) (*auth.Claims, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	return h.auth.ValidateToken(token)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: code})
}

// greet requires a hello carrying the supported protocol version.
func (h *WSHandler) greet(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var env proto.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		return err
	}
	if env.Type != proto.TypeHello {
		_ = writeEvent(ctx, conn, &proto.Failure{Code: proto.ErrCodeHelloRequired, Msg: "first message must be hello"})
		return fmt.Errorf("expected hello, got %q", env.Type)
	}
	ev, err := proto.Decode(env)
	if err != nil {
		_ = writeEvent(ctx, conn, &proto.Failure{Code: proto.ErrCodeBadRequest, Msg: err.Error()})
		return err
	}
	if hello := ev.(*proto.Hello); hello.Protocol != proto.ProtocolVersion {
		_ = writeEvent(ctx, conn, &proto.Failure{
			Code: proto.ErrCodeUnsupportedVersion,
			Msg:  fmt.Sprintf("protocol %d is not supported, use %d", hello.Protocol, proto.ProtocolVersion),
		})
		return fmt.Errorf("unsupported protocol %d", hello.Protocol)
	}
	return nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *relay.Client) error {
	limiter := newRateLimiter(h.rateLimit, h.rateBurst)
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}

		if !limiter.allow() {
			if err := writeEvent(ctx, conn, &proto.Failure{Code: proto.ErrCodeRateLimited, Msg: "too many messages"}); err != nil {
				return err
			}
			continue
		}
		if !proto.FromClient(env.Type) {
			if err := writeEvent(ctx, conn, &proto.Failure{Code: proto.ErrCodeBadRequest, Msg: "unexpected message type " + env.Type}); err != nil {
				return err
			}
			continue
		}

		ev, err := proto.Decode(env)
		if err != nil {
			h.log.Debug().Err(err).Str("client_id", client.ID).Msg("rejected inbound event")
			if err := writeEvent(ctx, conn, &proto.Failure{Code: proto.ErrCodeBadRequest, Msg: err.Error()}); err != nil {
				return err
			}
			continue
		}
		h.hub.Submit(client, ev)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *relay.Client) error {
	for {
		select {
		case ev := <-client.Events:
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-client.Done():
			return errKicked
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev proto.Event) error {
	env, err := proto.Encode(ev)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, env)
}
