package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/lockstep/internal/protocol"
)

// DefaultBuffer is the per-subscriber update buffer.
const DefaultBuffer = 16

// Observer decides whether an actor may see an entity state.
// protocol.Domain satisfies it.
type Observer interface {
	CanObserve(state protocol.State, actor string) bool
}

// Update is one pushed snapshot.
type Update = protocol.EntitySnapshot

// Subscription receives updates for one entity.
// Caller must call Close() when done.
type Subscription struct {
	entityID string
	actor    string
	events   chan Update
	hub      *Hub
	last     protocol.Version
	once     sync.Once
}

// Events returns the channel of updates.
// The channel is closed when the subscription is closed, when the actor
// loses access, or when the entity is evicted.
func (s *Subscription) Events() <-chan Update {
	return s.events
}

// EntityID returns the subscribed entity.
func (s *Subscription) EntityID() string { return s.entityID }

// Actor returns the subscribed actor.
func (s *Subscription) Actor() string { return s.actor }

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.hub.remove(s)
	return nil
}

func (s *Subscription) closeEvents() {
	s.once.Do(func() { close(s.events) })
}

// Hub fans snapshots out to in-process subscribers.
// It is safe for concurrent use.
type Hub struct {
	observer Observer
	logger   *slog.Logger
	buffer   int

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger. Default: slog.Default().
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates a hub that gates subscribers with obs.
func NewHub(obs Observer, opts ...HubOption) *Hub {
	h := &Hub{
		observer: obs,
		logger:   slog.Default(),
		buffer:   DefaultBuffer,
		subs:     make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe admits actor to updates of entityID if it may observe the
// entity's current snapshot. Updates at or below that version are never
// delivered.
func (h *Hub) Subscribe(entityID, actor string, current protocol.Snapshot) (*Subscription, error) {
	if !h.observer.CanObserve(current.State, actor) {
		return nil, protocol.Errorf(protocol.CodeUnauthorized, "%s may not observe this entity", actor).ForEntity(entityID)
	}
	s := h.newSubscription(entityID, actor)
	s.last = current.Version

	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(s)
	return s, nil
}

// Join registers actor for updates of entityID before its snapshot is
// known. Every update published from now on is buffered until Seed fixes
// the starting version, so nothing accepted between reading the snapshot
// and subscribing is lost.
func (h *Hub) Join(entityID, actor string) *Subscription {
	s := h.newSubscription(entityID, actor)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(s)
	return s
}

// Seed sets the snapshot a joined subscription starts from. Buffered
// updates at or below its version are dropped. The subscription is closed
// if actor may not observe current.
func (s *Subscription) Seed(current protocol.Snapshot) error {
	h := s.hub
	if !h.observer.CanObserve(current.State, s.actor) {
		s.Close()
		return protocol.Errorf(protocol.CodeUnauthorized, "%s may not observe this entity", s.actor).ForEntity(s.entityID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if current.Version > s.last {
		s.last = current.Version
	}
	var keep []Update
drain:
	for {
		select {
		case u, ok := <-s.events:
			if !ok {
				return protocol.Errorf(protocol.CodeUnauthorized, "%s lost access to this entity", s.actor).ForEntity(s.entityID)
			}
			if u.Version > current.Version {
				keep = append(keep, u)
			}
		default:
			break drain
		}
	}
	for _, u := range keep {
		deliver(s.events, u)
	}
	return nil
}

func (h *Hub) newSubscription(entityID, actor string) *Subscription {
	return &Subscription{
		entityID: entityID,
		actor:    actor,
		events:   make(chan Update, h.buffer),
		hub:      h,
	}
}

func (h *Hub) addLocked(s *Subscription) {
	set, ok := h.subs[s.entityID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[s.entityID] = set
	}
	set[s] = struct{}{}
}

// Publish delivers snap to every subscriber of entityID that may still
// observe it. Subscribers that lost access are closed. Never blocks.
func (h *Hub) Publish(_ context.Context, entityID string, snap protocol.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	u := Update{EntityID: entityID, Version: snap.Version, State: snap.State}
	for s := range h.subs[entityID] {
		if snap.Version <= s.last {
			continue
		}
		if !h.observer.CanObserve(snap.State, s.actor) {
			h.logger.Info("subscriber lost access", "entity", entityID, "actor", s.actor, "version", snap.Version)
			h.removeLocked(s)
			continue
		}
		s.last = snap.Version
		deliver(s.events, u)
	}
	return nil
}

// deliver sends u without blocking. When the buffer is full the oldest
// pending update is dropped; every update is a full snapshot so the
// newest one supersedes it.
func deliver(ch chan Update, u Update) {
	for {
		select {
		case ch <- u:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Evict closes every subscription of entityID.
func (h *Hub) Evict(entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[entityID] {
		h.removeLocked(s)
	}
}

// Subscribers returns the number of live subscriptions to entityID.
func (h *Hub) Subscribers(entityID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[entityID])
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for s := range set {
			h.removeLocked(s)
		}
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscription) {
	if set, ok := h.subs[s.entityID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.entityID)
		}
	}
	s.closeEvents()
}
