package relay

import (
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vovakirdan/wirecall/internal/proto"
)

const clientBuffer = 32

// Client is one authenticated signaling connection as seen by the hub.
// A user may hold several clients at once.
type Client struct {
	ID     string
	UserID int64
	Name   string
	Events chan proto.Event

	done      chan struct{}
	closeOnce sync.Once

	// rooms is owned by the hub goroutine.
	rooms map[string]struct{}
}

// NewClient constructs a client with an initialized event buffer.
func NewClient(userID int64, name string) *Client {
	id, err := gonanoid.New(12)
	if err != nil {
		id = name
	}
	return &Client{
		ID:     id,
		UserID: userID,
		Name:   name,
		Events: make(chan proto.Event, clientBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// Done is closed when the hub wants the connection dropped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) kick() {
	c.closeOnce.Do(func() { close(c.done) })
}
