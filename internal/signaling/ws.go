package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirecall/internal/proto"
)

// WSDialer connects to the relay's websocket endpoint.
type WSDialer struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL  string
	HTTPClient *http.Client
}

// Dial opens /ws authenticated with token.
func (d WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(strings.TrimRight(d.ServerURL, "/") + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (proto.Envelope, error) {
	var env proto.Envelope
	err := wsjson.Read(ctx, c.conn, &env)
	return env, err
}

func (c *wsConn) Write(ctx context.Context, env proto.Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
