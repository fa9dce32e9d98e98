// Package pubsub fans out published messages to topic subscribers.
package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 100

var ErrShutdown = errors.New("pubsub is shut down")

// Broker delivers messages of type T to the subscribers of a topic.
// Delivery never blocks the publisher: a subscriber whose buffer is full
// misses the message and the drop is counted.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription[T]]struct{}
	shutdown    chan struct{}
	closed      bool
	buffer      int
	dropped     atomic.Uint64
}

// Subscription receives the messages published to one topic.
type Subscription[T any] struct {
	topic   string
	channel chan T
	broker  *Broker[T]
	cancel  context.CancelFunc
	once    sync.Once
}

// NewBroker creates a broker whose subscriptions buffer up to buffer
// messages. A non-positive buffer means DefaultBuffer.
func NewBroker[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker[T]{
		subscribers: make(map[string]map[*Subscription[T]]struct{}),
		shutdown:    make(chan struct{}),
		buffer:      buffer,
	}
}

// Subscribe registers a subscription to topic that ends when ctx is done,
// when Unsubscribe is called or when the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context, topic string) (*Subscription[T], error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription[T]{
		topic:   topic,
		channel: make(chan T, b.buffer),
		broker:  b,
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrShutdown
	}
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[*Subscription[T]]struct{})
	}
	b.subscribers[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
			sub.Unsubscribe()
		case <-b.shutdown:
		}
	}()
	return sub, nil
}

// Publish sends message to every subscriber of topic and returns how many
// received it.
func (b *Broker[T]) Publish(topic string, message T) int {
	// Sends happen under the read lock so a subscription cannot be closed
	// mid-send; they never block.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for sub := range b.subscribers[topic] {
		select {
		case sub.channel <- message:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// SubscriberCount returns the number of subscribers of topic.
func (b *Broker[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Shutdown closes every subscription. Later publishes are discarded.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.shutdown)

	for topic, subs := range b.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(b.subscribers, topic)
	}
}

// Channel returns the subscription's message channel. It is closed when
// the subscription ends.
func (s *Subscription[T]) Channel() <-chan T {
	return s.channel
}

func (s *Subscription[T]) Unsubscribe() {
	s.cancel()

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if subs := s.broker.subscribers[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.broker.subscribers, s.topic)
		}
	}
	s.close()
}

// close closes the channel once. Caller holds the broker's write lock.
func (s *Subscription[T]) close() {
	s.once.Do(func() {
		close(s.channel)
	})
}
