// Package booking is the REST client of the room booking service.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vovakirdan/wirecall/internal/presence"
	api "github.com/vovakirdan/wirecall/internal/transport/http"
)

// Errors mapped from response codes.
var (
	ErrRoomFull         = errors.New("room is full")
	ErrInvalidPassword  = errors.New("invalid room password")
	ErrUnauthorized     = errors.New("not authorized")
	ErrNotFound         = errors.New("not found")
	ErrCallEnded        = errors.New("call has ended")
	ErrUnauthenticated  = errors.New("not authenticated")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUserExists       = errors.New("user already exists")
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// Call is a booked call as returned by the service.
type Call = api.CallResponse

// Room is one entry of the room listing.
type Room = api.RoomSummaryResponse

// TransportToken carries transport credentials. Token is nil when the
// server runs without a transport engine.
type TransportToken = api.TokenResponse

// User is a registered account.
type User = api.UserResponse

// Identity is the result of Register and Login.
type Identity = api.AuthResponse

// CreateCallRequest describes a call to book.
type CreateCallRequest = api.CreateCallRequest

// Client calls the booking API with a bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New creates a client for the server at baseURL. A nil httpClient uses a
// client with a 10s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// WithToken returns a copy of the client authenticated with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Token returns the bearer token in use.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register creates an account and returns its identity.
func (c *Client) Register(ctx context.Context, username, password string) (*Identity, error) {
	var out Identity
	err := c.do(ctx, http.MethodPost, "/api/register", api.RegisterRequest{Username: username, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Login authenticates an existing account.
func (c *Client) Login(ctx context.Context, username, password string) (*Identity, error) {
	var out Identity
	err := c.do(ctx, http.MethodPost, "/api/login", api.LoginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateCall books a private call or a meeting room.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (*Call, error) {
	var out Call
	if err := c.do(ctx, http.MethodPost, "/api/calls", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCall returns a call with its current participants.
func (c *Client) GetCall(ctx context.Context, callID string) (*Call, error) {
	var out Call
	if err := c.do(ctx, http.MethodGet, "/api/calls/"+url.PathEscape(callID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinCall takes a participant slot. password may be empty.
func (c *Client) JoinCall(ctx context.Context, callID, password string) (*Call, error) {
	var out Call
	err := c.do(ctx, http.MethodPost, "/api/calls/"+url.PathEscape(callID)+"/join", api.JoinCallRequest{Password: password}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LeaveCall frees the caller's slot.
func (c *Client) LeaveCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/api/calls/"+url.PathEscape(callID)+"/leave", nil, nil)
}

// EndCall closes the call for everyone.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPut, "/api/calls/"+url.PathEscape(callID)+"/end", nil, nil)
}

// DeleteRoom deletes a meeting room and returns the evicted users.
func (c *Client) DeleteRoom(ctx context.Context, callID string) ([]int64, error) {
	var out api.DeleteRoomResponse
	if err := c.do(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(callID), nil, &out); err != nil {
		return nil, err
	}
	return out.Evicted, nil
}

// ListRooms returns the open meeting rooms.
func (c *Client) ListRooms(ctx context.Context, publicOnly bool) ([]Room, error) {
	path := "/api/rooms"
	if publicOnly {
		path += "?public=true"
	}
	var out []Room
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TransportToken returns credentials for joining the call's transport.
func (c *Client) TransportToken(ctx context.Context, callID string) (*TransportToken, error) {
	var out TransportToken
	if err := c.do(ctx, http.MethodGet, "/api/calls/"+url.PathEscape(callID)+"/token", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupUser resolves a username.
func (c *Client) LookupUser(ctx context.Context, username string) (*User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(username), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Presence returns the users the relay currently sees online.
func (c *Client) Presence(ctx context.Context) ([]presence.User, error) {
	var out api.PresenceResponse
	if err := c.do(ctx, http.MethodGet, "/api/presence", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// decodeError maps a failed response onto the package errors by code,
// falling back to the status when the body carries no code.
func decodeError(resp *http.Response) error {
	var body api.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	var sentinel error
	switch body.Code {
	case api.CodeRoomFull:
		sentinel = ErrRoomFull
	case api.CodeInvalidPassword:
		sentinel = ErrInvalidPassword
	case api.CodeUnauthorized, api.CodeNotParticipant:
		sentinel = ErrUnauthorized
	case api.CodeNotFound:
		sentinel = ErrNotFound
	case api.CodeCallEnded:
		sentinel = ErrCallEnded
	case api.CodeUnauthenticated:
		sentinel = ErrUnauthenticated
	case api.CodeInvalidRequest:
		sentinel = ErrInvalidRequest
	case api.CodeUserExists:
		sentinel = ErrUserExists
	default:
		switch resp.StatusCode {
		case http.StatusConflict:
			sentinel = ErrRoomFull
		case http.StatusForbidden:
			sentinel = ErrUnauthorized
		case http.StatusNotFound:
			sentinel = ErrNotFound
		case http.StatusUnauthorized:
			sentinel = ErrUnauthenticated
		default:
			sentinel = ErrUnexpectedStatus
		}
	}

	if body.Error == "" {
		return fmt.Errorf("%w (status %d)", sentinel, resp.StatusCode)
	}
	return fmt.Errorf("%w: %s", sentinel, body.Error)
}
