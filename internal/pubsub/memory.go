package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberQueueSize bounds a subscription's pending-delivery backlog.
// Messages arriving faster than the handler drains them are dropped rather
// than reordered or delivered out of sequence.
const subscriberQueueSize = 256

// memorySubscription drains deliveries for one topic subscription through a
// single goroutine, so messages published by one sender to one topic are
// handed to this subscriber's handler strictly in publish order.
type memorySubscription struct {
	ps      *MemoryPubSub
	topic   string
	handler Handler
	id      uint64
	queue   chan *Message
	done    chan struct{}
}

func (s *memorySubscription) run() {
	defer close(s.done)
	for msg := range s.queue {
		s.handler(context.Background(), msg)
	}
}

func (s *memorySubscription) Unsubscribe() error {
	if s.ps.unsubscribe(s.topic, s.id) {
		close(s.queue)
	}
	<-s.done
	return nil
}

// MemoryPubSub implements PubSub using an in-memory map. Suitable for
// single-instance deployments; see redis.go for the horizontally-scaled
// equivalent.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*memorySubscription
	nextID      uint64
	closed      bool
	logger      *slog.Logger
}

// NewMemoryPubSub creates a new in-memory pub/sub instance.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string]map[uint64]*memorySubscription),
		logger:      slog.Default().With("component", "pubsub"),
	}
}

// Publish delivers msg to every current subscriber of topic. Delivery per
// subscriber is in-order relative to other Publish calls on this topic, but
// delivery across different subscribers is concurrent and unordered
// relative to each other.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	if ps.closed {
		ps.mu.RUnlock()
		return ErrClosed
	}

	// Sends stay under the read lock: a queue is only ever closed after its
	// subscription has been removed under the write lock, so a sub visible
	// here can't have its queue closed mid-send. The sends never block
	// (select/default), so holding the lock is cheap.
	for _, sub := range ps.subscribers[topic] {
		select {
		case sub.queue <- msg:
		default:
			ps.logger.Warn("subscriber queue full, dropping message", "topic", topic, "msg_type", msg.Type)
		}
	}
	ps.mu.RUnlock()

	return nil
}

// Subscribe registers a handler for the given topic.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	ps.nextID++
	id := ps.nextID

	sub := &memorySubscription{
		ps:      ps,
		topic:   topic,
		handler: handler,
		id:      id,
		queue:   make(chan *Message, subscriberQueueSize),
		done:    make(chan struct{}),
	}
	go sub.run()

	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[uint64]*memorySubscription)
	}
	ps.subscribers[topic][id] = sub

	return sub, nil
}

// unsubscribe removes the subscription and reports whether it was still
// registered, so the caller closes its queue at most once even when racing
// Close or a duplicate Unsubscribe.
func (ps *MemoryPubSub) unsubscribe(topic string, id uint64) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	subs, ok := ps.subscribers[topic]
	if !ok {
		return false
	}
	if _, present := subs[id]; !present {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(ps.subscribers, topic)
	}
	return true
}

// Close shuts down the pub/sub and prevents new operations.
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.closed = true
	for _, subs := range ps.subscribers {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	ps.subscribers = make(map[string]map[uint64]*memorySubscription)
	return nil
}

// SubscriberCount returns the number of subscribers for a topic.
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// TopicCount returns the number of active topics.
func (ps *MemoryPubSub) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}
