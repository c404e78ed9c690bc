// Package relay is the server end of the signaling channel. A single hub
// goroutine owns every connection and call group, so routing decisions never
// race with joins and disconnects.
package relay

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/metrics"
	"github.com/vovakirdan/wirecall/internal/presence"
	"github.com/vovakirdan/wirecall/internal/proto"
)

// CallDirectory lets the hub update bookings as invitations flow.
type CallDirectory interface {
	MarkRinging(ctx context.Context, callID string, callerID int64) error
}

// Options configures a Hub.
type Options struct {
	Presence      *presence.Tracker
	Calls         CallDirectory
	Clock         clock.Clock
	PruneInterval time.Duration
}

type inbound struct {
	client *Client
	event  proto.Event
}

type closure struct {
	callID string
	reason string
	users  []int64
}

type membersQuery struct {
	callID string
	reply  chan []int64
}

// Hub routes signaling events between connected clients.
type Hub struct {
	log      *zerolog.Logger
	clk      clock.Clock
	presence *presence.Tracker
	calls    CallDirectory
	prune    time.Duration

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	closures   chan closure
	queries    chan membersQuery
	stopped    chan struct{}

	clients map[*Client]struct{}
	byUser  map[int64]map[*Client]struct{}
	rooms   map[string]*room
}

// NewHub creates a hub. Call Run to start routing.
func NewHub(opts Options, logger *zerolog.Logger) *Hub {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	tracker := opts.Presence
	if tracker == nil {
		tracker = presence.NewTracker(clk, 0)
	}
	return &Hub{
		log:        logger,
		clk:        clk,
		presence:   tracker,
		calls:      opts.Calls,
		prune:      opts.PruneInterval,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		closures:   make(chan closure, 16),
		queries:    make(chan membersQuery),
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[int64]map[*Client]struct{}),
		rooms:      make(map[string]*room),
	}
}

// Presence exposes the liveness table fed by this hub.
func (h *Hub) Presence() *presence.Tracker {
	return h.presence
}

// Run processes hub operations until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	var pruneC <-chan time.Time
	if h.prune > 0 {
		ticker := h.clk.Ticker(h.prune)
		defer ticker.Stop()
		pruneC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.kick()
			}
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case in := <-h.inbound:
			h.handleEvent(in.client, in.event)
		case cl := <-h.closures:
			h.handleClosure(cl)
		case q := <-h.queries:
			var ids []int64
			if r, ok := h.rooms[q.callID]; ok {
				ids = r.userIDs()
			}
			q.reply <- ids
		case <-pruneC:
			h.pruneStale()
		}
	}
}

// RegisterClient adds a client to the hub and announces its user.
func (h *Hub) RegisterClient(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
		c.kick()
	}
}

// UnregisterClient removes a client and every group membership it held.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Submit hands a decoded client event to the hub.
func (h *Hub) Submit(c *Client, ev proto.Event) {
	select {
	case h.inbound <- inbound{client: c, event: ev}:
	case <-h.stopped:
	}
}

// RoomClosed evicts the listed users and every current member of the call.
func (h *Hub) RoomClosed(callID, reason string, userIDs []int64) {
	select {
	case h.closures <- closure{callID: callID, reason: reason, users: userIDs}:
	case <-h.stopped:
	}
}

// Members returns the user IDs currently in a call group.
func (h *Hub) Members(ctx context.Context, callID string) ([]int64, error) {
	q := membersQuery{callID: callID, reply: make(chan []int64, 1)}
	select {
	case h.queries <- q:
	case <-h.stopped:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ids := <-q.reply:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.clients[c] = struct{}{}
	conns, ok := h.byUser[c.UserID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.byUser[c.UserID] = conns
	}
	conns[c] = struct{}{}
	h.presence.Announce(c.UserID, c.Name)
	metrics.ConnectionOpened()
	h.log.Debug().Str("client_id", c.ID).Int64("user_id", c.UserID).Msg("client registered")
}

func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	for callID := range c.rooms {
		h.leave(c, callID, proto.ReasonDisconnected)
	}
	delete(h.clients, c)
	if conns, ok := h.byUser[c.UserID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	h.presence.Depart(c.UserID)
	c.kick()
	metrics.ConnectionClosed()
	h.log.Debug().Str("client_id", c.ID).Int64("user_id", c.UserID).Msg("client unregistered")
}

func (h *Hub) handleEvent(c *Client, ev proto.Event) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	switch e := ev.(type) {
	case *proto.Heartbeat:
		h.presence.Heartbeat(c.UserID)

	case *proto.Invite:
		if e.CalleeID == c.UserID {
			h.fail(c, proto.ErrCodeBadRequest, "cannot invite yourself")
			return
		}
		delivered := h.sendUser(e.CalleeID, &proto.Invitation{
			CallID:      e.CallID,
			CallerID:    c.UserID,
			CallerName:  c.Name,
			CalleeID:    e.CalleeID,
			CallType:    e.CallType,
			ChannelName: e.ChannelName,
		})
		if delivered == 0 {
			h.log.Debug().Str("call_id", e.CallID).Int64("callee_id", e.CalleeID).Msg("invitation not delivered, callee offline")
		}
		if h.calls != nil {
			go h.markRinging(e.CallID, c.UserID)
		}

	case *proto.Respond:
		h.sendUser(e.CallerID, &proto.Response{
			CallID:   e.CallID,
			CalleeID: c.UserID,
			Answer:   e.Answer,
			Reason:   e.Reason,
		})

	case *proto.JoinRoom:
		h.join(c, e.CallID)

	case *proto.LeaveRoom:
		h.leave(c, e.CallID, proto.ReasonLeft)

	case *proto.TrackSignal:
		r, ok := h.rooms[e.CallID]
		if !ok || !r.has(c) {
			h.fail(c, proto.ErrCodeForbidden, "not a member of this call")
			return
		}
		signal := *e
		signal.UserID = c.UserID
		h.broadcast(r, c, &signal)

	case *proto.Hello:
		// Already greeted by the transport.

	default:
		h.fail(c, proto.ErrCodeBadRequest, "unsupported event "+ev.Kind())
	}
}

func (h *Hub) join(c *Client, callID string) {
	r, ok := h.rooms[callID]
	if !ok {
		r = newRoom(callID)
		h.rooms[callID] = r
	}
	now := h.clk.Now()
	if !r.add(c, now) {
		return
	}
	c.rooms[callID] = struct{}{}

	for _, member := range r.snapshot(c) {
		h.send(c, member)
	}
	if !r.hasUser(c.UserID, c) {
		h.broadcast(r, c, &proto.ParticipantJoined{
			CallID:   callID,
			UserID:   c.UserID,
			Name:     c.Name,
			JoinedAt: now.Unix(),
		})
	}
}

func (h *Hub) leave(c *Client, callID, reason string) {
	r, ok := h.rooms[callID]
	if !ok || !r.remove(c) {
		return
	}
	delete(c.rooms, callID)

	if !r.hasUser(c.UserID, nil) {
		h.broadcast(r, c, &proto.ParticipantLeft{CallID: callID, UserID: c.UserID, Reason: reason})
	}
	if r.empty() {
		delete(h.rooms, callID)
	}
}

func (h *Hub) handleClosure(cl closure) {
	targets := make(map[*Client]struct{})
	for _, id := range cl.users {
		for c := range h.byUser[id] {
			targets[c] = struct{}{}
		}
	}
	if r, ok := h.rooms[cl.callID]; ok {
		for c := range r.members {
			targets[c] = struct{}{}
			delete(c.rooms, cl.callID)
		}
		delete(h.rooms, cl.callID)
	}

	ev := &proto.RoomClosed{CallID: cl.callID, Reason: cl.reason}
	for c := range targets {
		h.send(c, ev)
	}
	h.log.Info().Str("call_id", cl.callID).Str("reason", cl.reason).Int("notified", len(targets)).Msg("room closed")
}

func (h *Hub) pruneStale() {
	for _, userID := range h.presence.Stale() {
		for c := range h.byUser[userID] {
			h.log.Info().Str("client_id", c.ID).Int64("user_id", userID).Msg("dropping client with lapsed heartbeat")
			c.kick()
		}
	}
}

func (h *Hub) markRinging(callID string, callerID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.calls.MarkRinging(ctx, callID, callerID); err != nil {
		h.log.Debug().Err(err).Str("call_id", callID).Msg("mark ringing skipped")
	}
}

func (h *Hub) broadcast(r *room, from *Client, ev proto.Event) {
	for c := range r.members {
		if c == from || c.UserID == from.UserID {
			continue
		}
		h.send(c, ev)
	}
}

func (h *Hub) sendUser(userID int64, ev proto.Event) int {
	n := 0
	for c := range h.byUser[userID] {
		if h.send(c, ev) {
			n++
		}
	}
	return n
}

func (h *Hub) fail(c *Client, code, msg string) {
	h.send(c, &proto.Failure{Code: code, Msg: msg})
}

// send never blocks the hub: a full buffer drops the event.
func (h *Hub) send(c *Client, ev proto.Event) bool {
	select {
	case c.Events <- ev:
		metrics.EventRouted(ev.Kind())
		return true
	default:
		metrics.EventDropped(ev.Kind())
		h.log.Warn().Str("client_id", c.ID).Str("type", ev.Kind()).Msg("dropping event for slow client")
		return false
	}
}
