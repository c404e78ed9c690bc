package relay

import (
	"sort"
	"time"

	"github.com/vovakirdan/wirecall/internal/proto"
)

// room groups clients that joined the same call.
type room struct {
	callID  string
	members map[*Client]time.Time
}

func newRoom(callID string) *room {
	return &room{
		callID:  callID,
		members: make(map[*Client]time.Time),
	}
}

// add inserts a client. Returns true if newly added.
func (r *room) add(c *Client, at time.Time) bool {
	if _, exists := r.members[c]; exists {
		return false
	}
	r.members[c] = at
	return true
}

// remove deletes a client. Returns true if removed.
func (r *room) remove(c *Client) bool {
	if _, exists := r.members[c]; !exists {
		return false
	}
	delete(r.members, c)
	return true
}

func (r *room) has(c *Client) bool {
	_, ok := r.members[c]
	return ok
}

func (r *room) empty() bool {
	return len(r.members) == 0
}

// hasUser reports whether another connection of the same user is a member.
func (r *room) hasUser(userID int64, except *Client) bool {
	for c := range r.members {
		if c != except && c.UserID == userID {
			return true
		}
	}
	return false
}

// snapshot lists members as join events, oldest first, one per user.
func (r *room) snapshot(except *Client) []*proto.ParticipantJoined {
	seen := make(map[int64]struct{}, len(r.members))
	out := make([]*proto.ParticipantJoined, 0, len(r.members))
	for c, at := range r.members {
		if c == except || c.UserID == except.UserID {
			continue
		}
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		out = append(out, &proto.ParticipantJoined{
			CallID:   r.callID,
			UserID:   c.UserID,
			Name:     c.Name,
			JoinedAt: at.Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (r *room) userIDs() []int64 {
	seen := make(map[int64]struct{}, len(r.members))
	ids := make([]int64, 0, len(r.members))
	for c := range r.members {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		ids = append(ids, c.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
