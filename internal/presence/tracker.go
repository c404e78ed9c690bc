// Package presence tracks which users are online.
//
// The relay owns a Tracker fed by connection lifecycle and heartbeats.
// Clients learn the online set through a Poller, so their view is stale by
// up to one poll interval.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// User is one online user as reported to clients.
type User struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"last_seen"`
}

type entry struct {
	name     string
	conns    int
	lastSeen time.Time
}

// Tracker is the server-side liveness table keyed by user ID.
// A user stays listed while at least one connection is registered and its
// last heartbeat is within the TTL.
type Tracker struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewTracker creates a tracker. A nil clock uses wall time.
func NewTracker(clk clock.Clock, ttl time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clk:     clk,
		ttl:     ttl,
		entries: make(map[int64]*entry),
	}
}

// Announce registers one more connection for the user and marks it live.
func (t *Tracker) Announce(userID int64, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		e = &entry{}
		t.entries[userID] = e
	}
	e.name = name
	e.conns++
	e.lastSeen = t.clk.Now()
}

// Heartbeat refreshes liveness. It returns false for unknown users.
func (t *Tracker) Heartbeat(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return false
	}
	e.lastSeen = t.clk.Now()
	return true
}

// Depart drops one connection. The user disappears with the last one.
func (t *Tracker) Depart(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return
	}
	e.conns--
	if e.conns <= 0 {
		delete(t.entries, userID)
	}
}

// IsOnline reports whether the user has a live connection.
func (t *Tracker) IsOnline(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	return ok && t.live(e)
}

// Online returns the live users ordered by ID.
func (t *Tracker) Online() []User {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]User, 0, len(t.entries))
	for id, e := range t.entries {
		if !t.live(e) {
			continue
		}
		users = append(users, User{ID: id, Name: e.name, LastSeen: e.lastSeen})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// Stale returns users whose connections stopped heartbeating within the TTL.
// Their entries stay until the connections are closed and Depart is called.
func (t *Tracker) Stale() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int64
	for id, e := range t.entries {
		if !t.live(e) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Tracker) live(e *entry) bool {
	if t.ttl <= 0 {
		return true
	}
	return t.clk.Now().Sub(e.lastSeen) <= t.ttl
}
