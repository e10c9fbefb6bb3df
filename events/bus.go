// Package events implements the kernel's three-channel event bus: progress,
// control, and monitor. Every emitted event is durably appended through
// store.Store before being fanned out to live subscribers, and Subscribe can
// replay from a bookmark with a gapless handover into the live stream.
package events

import (
	"context"
	"errors"
	"sync"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/store"
)

// Bus fans out Envelopes published for an agent id to registered
// subscribers. Each subscriber receives through its own buffered
// subscription by a non-blocking send; no order across subscribers is
// defined. Every Emit first
// durably appends through Store so replay is possible after a crash or a
// late subscriber join.
type Bus struct {
	store store.Store

	mu   sync.RWMutex
	live map[agent.Ident]map[*subscription]struct{}
}

// ErrNoStore is returned by New when given a nil store.
var ErrNoStore = errors.New("events: store is required")

// New returns a Bus backed by st.
func New(st store.Store) (*Bus, error) {
	if st == nil {
		return nil, ErrNoStore
	}
	return &Bus{store: st, live: make(map[agent.Ident]map[*subscription]struct{})}, nil
}

// Emit appends an event to id's durable log on channel, then delivers it to
// every live subscriber registered for id whose channel filter matches.
// Delivery to a slow subscriber never blocks Emit: each subscription has its
// own bounded buffer, and a subscriber whose buffer is full is disconnected
// with a monitor error. Durable events are never dropped; a disconnected
// subscriber reconnects and replays via SubscribeOptions.Since.
func (b *Bus) Emit(ctx context.Context, id agent.Ident, channel store.Channel, eventType string, payload any) (store.Envelope, error) {
	env := store.Envelope{Channel: channel, Type: eventType, Payload: payload}
	if err := b.store.AppendEvent(ctx, id, &env); err != nil {
		return store.Envelope{}, err
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.live[id]))
	for s := range b.live[id] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.deliver(env) {
			b.disconnectSlow(ctx, id, s)
		}
	}
	return env, nil
}

// SlowSubscriberPayload is the monitor-channel error payload emitted when a
// subscriber is disconnected for falling too far behind.
type SlowSubscriberPayload struct {
	Severity string `json:"severity"`
	Phase    string `json:"phase"`
	Message  string `json:"message"`
}

func (b *Bus) disconnectSlow(ctx context.Context, id agent.Ident, s *subscription) {
	s.Close()
	if s.disconnected != nil {
		s.disconnected()
	}
	// Emitted after Close so the dead subscriber cannot overflow again on
	// its own disconnection notice.
	_, _ = b.Emit(ctx, id, store.ChannelMonitor, "error", SlowSubscriberPayload{
		Severity: "warn",
		Phase:    "events",
		Message:  "subscriber disconnected: event buffer overflow",
	})
}

// Subscription represents an active Subscribe call. Close is idempotent and
// safe to call concurrently, mirroring hooks.Subscription.
type Subscription interface {
	Close() error
}

type subscription struct {
	bus          *Bus
	id           agent.Ident
	channels     map[store.Channel]bool
	disconnected func()
	once         sync.Once

	mu     sync.Mutex // serializes sends against Close
	ch     chan store.Envelope
	closed bool
}

func (s *subscription) matches(env store.Envelope) bool {
	return len(s.channels) == 0 || s.channels[env.Channel]
}

// deliver reports false when the subscriber's buffer is full, which the bus
// treats as the subscriber having fallen too far behind.
func (s *subscription) deliver(env store.Envelope) bool {
	if !s.matches(env) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.live[s.id]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.live, s.id)
			}
		}
		s.bus.mu.Unlock()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

// SubscribeOptions configures a Subscribe call.
type SubscribeOptions struct {
	// Since, when non-nil, replays persisted events strictly after this
	// bookmark before handing delivery over to the live stream. Nil replays
	// nothing and starts from whatever is emitted after Subscribe returns.
	Since *store.Bookmark
	// BufferSize bounds the live delivery channel. Defaults to 256. A
	// subscriber that falls more than BufferSize events behind is
	// disconnected; it can reconnect and replay from its last bookmark.
	BufferSize int
	// Disconnected, if set, is called once when the bus drops this
	// subscription for falling behind. Callers must not block in it.
	Disconnected func()
}

// Subscribe registers for events on id restricted to channels (nil/empty
// means all channels) and returns a channel delivering, in order, the
// replayed backlog (if opts.Since is set) followed by live events with no
// gap and no duplicate.
//
// The gapless handover works by registering the live subscription before
// reading the replay backlog from Store, then filtering live events whose
// Bookmark does not strictly exceed the last replayed Bookmark (they were
// already included in, or predate, the replay window) once replay finishes.
// This mirrors the watermark technique used by replay-capable stream sinks:
// join early, replay the gap, then drop anything the replay already
// covered.
func (b *Bus) Subscribe(ctx context.Context, id agent.Ident, channels []store.Channel, opts SubscribeOptions) (<-chan store.Envelope, Subscription, error) {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	want := map[store.Channel]bool{}
	for _, c := range channels {
		want[c] = true
	}

	sub := &subscription{
		bus:      b,
		id:       id,
		channels: want,
		// Buffered and registered before the replay read below, so live
		// events that arrive during replay queue here instead of being lost.
		ch:           make(chan store.Envelope, bufSize),
		disconnected: opts.Disconnected,
	}

	b.mu.Lock()
	if b.live[id] == nil {
		b.live[id] = make(map[*subscription]struct{})
	}
	b.live[id][sub] = struct{}{}
	b.mu.Unlock()

	backlog, err := b.store.ReadEvents(ctx, id, opts.Since, channels)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan store.Envelope, bufSize)
	go func() {
		defer close(out)
		var watermark store.Bookmark
		hasWatermark := false
		for _, env := range backlog {
			out <- env
			watermark = env.Bookmark
			hasWatermark = true
		}
		for env := range sub.ch {
			if hasWatermark && !watermark.Less(env.Bookmark) {
				continue
			}
			out <- env
		}
	}()

	return out, sub, nil
}
