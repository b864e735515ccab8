// Package hub fans out change notifications to live subscriptions.
package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Subscriber receives a signal on C whenever its topic changes. Signals are
// coalesced: a subscriber that has not drained C yet misses nothing, because
// it re-reads the whole topic on the next receive.
type Subscriber struct {
	ID    string
	Topic string
	C     chan struct{}
}

// Hub manages all live subscribers.
type Hub struct {
	// Subscribers indexed by ID
	subscribers map[string]*Subscriber

	// Topics maps topic to set of subscriber IDs
	topics map[string]map[string]bool

	register   chan *Subscriber
	unregister chan *Subscriber

	// Topics published since the loop last fanned out. A topic is held
	// until delivered, however many times it is published meanwhile.
	pendingMu sync.Mutex
	pending   map[string]struct{}
	notify    chan struct{}

	logger zerolog.Logger
	mu     sync.RWMutex
}

// New creates a new Hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		topics:      make(map[string]map[string]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		pending:     make(map[string]struct{}),
		notify:      make(chan struct{}, 1),
		logger:      logger.With().Str("component", "hub").Logger(),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub.ID] = sub
			if h.topics[sub.Topic] == nil {
				h.topics[sub.Topic] = make(map[string]bool)
			}
			h.topics[sub.Topic][sub.ID] = true
			h.mu.Unlock()
			h.logger.Debug().Str("subscriber_id", sub.ID).Str("topic", sub.Topic).Msg("subscriber registered")

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub.ID]; ok {
				delete(h.subscribers, sub.ID)
				if h.topics[sub.Topic] != nil {
					delete(h.topics[sub.Topic], sub.ID)
					if len(h.topics[sub.Topic]) == 0 {
						delete(h.topics, sub.Topic)
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug().Str("subscriber_id", sub.ID).Msg("subscriber unregistered")

		case <-h.notify:
			h.fanOut(h.takePending())
		}
	}
}

// Subscribe registers a subscriber for topic.
func (h *Hub) Subscribe(ctx context.Context, topic string) (*Subscriber, error) {
	sub := &Subscriber{
		ID:    uuid.New().String(),
		Topic: topic,
		C:     make(chan struct{}, 1),
	}
	select {
	case h.register <- sub:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe removes sub. It is safe to call more than once.
func (h *Hub) Unsubscribe(ctx context.Context, sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-ctx.Done():
	}
}

// Publish signals every subscriber of topic. It never blocks and never
// loses a topic: repeated publishes before delivery collapse into one.
func (h *Hub) Publish(topic string) {
	h.pendingMu.Lock()
	h.pending[topic] = struct{}{}
	h.pendingMu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Hub) takePending() map[string]struct{} {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	topics := h.pending
	h.pending = make(map[string]struct{}, len(topics))
	return topics
}

func (h *Hub) fanOut(topics map[string]struct{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for topic := range topics {
		for id := range h.topics[topic] {
			select {
			case h.subscribers[id].C <- struct{}{}:
			default:
				// already signalled
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// TopicCount returns the number of topics with at least one subscriber.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
