package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/poll"
)

// FetchFunc loads the current online set from the server.
type FetchFunc func(ctx context.Context) ([]User, error)

// Poller keeps a client-side copy of the online set fresh by polling.
type Poller struct {
	fetch    FetchFunc
	clk      clock.Clock
	interval time.Duration
	log      *zerolog.Logger

	mu       sync.RWMutex
	users    map[int64]User
	order    []int64
	updated  time.Time
	onChange func([]User)
}

// NewPoller creates a poller. Run starts the loop.
func NewPoller(fetch FetchFunc, clk clock.Clock, interval time.Duration, logger *zerolog.Logger) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	return &Poller{
		fetch:    fetch,
		clk:      clk,
		interval: interval,
		log:      logger,
		users:    make(map[int64]User),
	}
}

// OnChange registers a callback fired after each refresh that changed the set.
func (p *Poller) OnChange(fn func([]User)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	poll.Loop(ctx, p.clk, p.interval, func(ctx context.Context) {
		if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("presence poll failed")
		}
	})
}

// Refresh fetches once. On error the previous snapshot is kept.
func (p *Poller) Refresh(ctx context.Context) error {
	users, err := p.fetch(ctx)
	if err != nil {
		return err
	}

	next := make(map[int64]User, len(users))
	order := make([]int64, 0, len(users))
	for _, u := range users {
		if _, dup := next[u.ID]; dup {
			continue
		}
		next[u.ID] = u
		order = append(order, u.ID)
	}

	p.mu.Lock()
	changed := !sameIDs(p.order, order)
	p.users = next
	p.order = order
	p.updated = p.clk.Now()
	cb := p.onChange
	p.mu.Unlock()

	if changed && cb != nil {
		cb(p.Online())
	}
	return nil
}

// Online returns the last fetched online set in server order.
func (p *Poller) Online() []User {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]User, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.users[id])
	}
	return out
}

// IsOnline reports whether the user was online at the last refresh.
func (p *Poller) IsOnline(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[userID]
	return ok
}

// UpdatedAt is the time of the last successful refresh.
func (p *Poller) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updated
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
