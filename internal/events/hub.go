package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/EternisAI/silo-fleet/internal/clock"
)

const defaultBufferSize = 64

// Hub fans published events out to subscribers. Delivery is best effort:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	clock clock.Clock

	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	forward []func(Event)

	dropped atomic.Uint64
}

func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.Real()
	}
	return &Hub{
		clock: clk,
		subs:  make(map[uint64]*Subscription),
	}
}

type SubscribeOptions struct {
	BufferSize int
	CommandIDs []string
	SessionIDs []string
}

type Subscription struct {
	id  uint64
	hub *Hub
	ch  chan Event

	mu       sync.Mutex
	commands map[string]struct{}
	sessions map[string]struct{}
}

func (h *Hub) Subscribe(opts SubscribeOptions) *Subscription {
	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}

	sub := &Subscription{
		hub:      h,
		ch:       make(chan Event, size),
		commands: make(map[string]struct{}),
		sessions: make(map[string]struct{}),
	}
	for _, id := range opts.CommandIDs {
		sub.commands[id] = struct{}{}
	}
	for _, id := range opts.SessionIDs {
		sub.sessions[id] = struct{}{}
	}

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()

	slog.Debug("Event subscriber added", "subscriber_id", sub.id)
	return sub
}

// Forward registers fn to receive every locally published event.
func (h *Hub) Forward(fn func(Event)) {
	h.mu.Lock()
	h.forward = append(h.forward, fn)
	h.mu.Unlock()
}

// Publish delivers e to local subscribers and to registered forwarders.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = h.clock.Now()
	}

	h.mu.RLock()
	forward := h.forward
	h.mu.RUnlock()

	h.deliver(e)
	for _, fn := range forward {
		fn(e)
	}
}

// PublishRemote delivers an event received from another instance to local
// subscribers only.
func (h *Hub) PublishRemote(e Event) {
	h.deliver(e)
}

func (h *Hub) deliver(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			n := h.dropped.Add(1)
			slog.Warn("Event dropped for slow subscriber",
				"subscriber_id", sub.id, "type", e.Type, "dropped_total", n)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (s *Subscription) ID() uint64 {
	return s.id
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) FollowCommand(commandID string) {
	s.mu.Lock()
	s.commands[commandID] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscription) UnfollowCommand(commandID string) {
	s.mu.Lock()
	delete(s.commands, commandID)
	s.mu.Unlock()
}

func (s *Subscription) FollowSession(sessionID string) {
	s.mu.Lock()
	s.sessions[sessionID] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscription) UnfollowSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Subscription) wants(e Event) bool {
	if !e.Type.Targeted() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Type {
	case CommandOutput:
		_, ok := s.commands[e.CommandID]
		return ok
	case SessionOutput:
		_, ok := s.sessions[e.SessionID]
		return ok
	}
	return false
}

// Close removes the subscription from the hub and closes its channel.
// Calling Close more than once is safe.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
	slog.Debug("Event subscriber removed", "subscriber_id", s.id)
}
