// Package room implements the mention-based message router between named
// members of a single AgentPool. A Room is a thin layer
// over Pool: it holds a display-name -> agent id membership map and turns a
// human- or agent-authored utterance into one or more queued user-role
// messages, either addressed to the members it @mentions or broadcast to
// everyone else when no member is mentioned.
package room

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/message"
)

// Sender is the subset of *loop.Agent that Room needs: delivering a message
// onto a live agent's queue. Declared as an interface so tests can exercise
// routing against a fake without standing up a full Pool.
type Sender interface {
	Send(ctx context.Context, msg message.Message) error
}

// Lookup resolves an agent id to its live Sender, returning ok=false if the
// agent is not currently live in the backing Pool. Callers typically wrap
// *pool.Pool.Get, e.g. `func(id agent.Ident) (room.Sender, bool) { return
// p.Get(id) }` — a plain function value rather than an interface because
// Go's interface satisfaction is invariant in return types and *pool.Pool
// returns the concrete *loop.Agent type.
type Lookup func(id agent.Ident) (Sender, bool)

// mentionPattern matches "@name" tokens; member names are matched
// case-sensitively against the room's membership map.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// Room is a named membership map backed by a single AgentPool.
type Room struct {
	lookup Lookup

	mu      sync.RWMutex
	members map[string]agent.Ident
}

// New constructs an empty Room that resolves members through lookup.
func New(lookup Lookup) *Room {
	return &Room{lookup: lookup, members: map[string]agent.Ident{}}
}

// Join adds or replaces a named member of the room.
func (r *Room) Join(name string, id agent.Ident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[name] = id
}

// Leave removes a named member from the room. Leaving a name that is not a
// member is a no-op.
func (r *Room) Leave(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, name)
}

// Members returns a snapshot of the current display-name -> agent id map.
func (r *Room) Members() map[string]agent.Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]agent.Ident, len(r.members))
	for k, v := range r.members {
		out[k] = v
	}
	return out
}

// Say delivers text from fromName to the room. If text contains one or more
// "@name" mentions matching other room members, it is delivered only to
// those members; otherwise it is broadcast to every member except the
// sender. Delivery is synchronous-to-enqueue: Say does not return until the
// message has been placed on every recipient's queue, though each
// recipient's own processing of it is asynchronous.
func (r *Room) Say(ctx context.Context, fromName, text string) error {
	r.mu.RLock()
	members := make(map[string]agent.Ident, len(r.members))
	for k, v := range r.members {
		members[k] = v
	}
	r.mu.RUnlock()

	recipients := mentionedMembers(text, members, fromName)
	if len(recipients) == 0 {
		for name, id := range members {
			if name == fromName {
				continue
			}
			recipients = append(recipients, id)
		}
	}

	msg := message.Message{
		Role:   message.RoleUser,
		Blocks: []message.Block{message.TextBlock{Text: fmt.Sprintf("[from:%s] %s", fromName, text)}},
		Meta:   map[string]any{"room_from": fromName},
		SentAt: time.Now(),
	}

	var errs []error
	for _, id := range recipients {
		sender, ok := r.lookup(id)
		if !ok {
			errs = append(errs, fmt.Errorf("room: member %q is not a live agent", id))
			continue
		}
		if err := sender.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("room: delivering to %q: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("room: %d delivery error(s): %w", len(errs), errs[0])
	}
	return nil
}

// mentionedMembers extracts every "@name" token from text that names a room
// member other than fromName, in first-occurrence order with duplicates
// removed.
func mentionedMembers(text string, members map[string]agent.Ident, fromName string) []agent.Ident {
	var ids []agent.Ident
	seen := map[string]bool{}
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if name == fromName || seen[name] {
			continue
		}
		id, ok := members[name]
		if !ok {
			continue
		}
		seen[name] = true
		ids = append(ids, id)
	}
	return ids
}
