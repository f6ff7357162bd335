// Package bus fans text messages out to the subscribers of named topics.
package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Sink is a subscriber endpoint, typically one WebSocket connection.
type Sink interface {
	Send(ctx context.Context, msg string) error
}

// MessageBus maps topics to sets of sinks. A topic exists only while it has
// at least one subscriber.
type MessageBus struct {
	mu     sync.RWMutex
	topics map[string]map[Sink]struct{}
	logger *slog.Logger
}

// New creates an empty MessageBus.
func New(logger *slog.Logger) *MessageBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageBus{
		topics: make(map[string]map[Sink]struct{}),
		logger: logger.With(slog.String("component", "bus")),
	}
}

// Subscribe adds sink to topic. Subscribing twice is a no-op.
func (b *MessageBus) Subscribe(topic string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeLocked(topic, sink)
}

// SubscribeTopics adds sink to every topic in topics.
func (b *MessageBus) SubscribeTopics(topics []string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		b.subscribeLocked(topic, sink)
	}
}

// Unsubscribe removes sink from topic and drops the topic once it is empty.
func (b *MessageBus) Unsubscribe(topic string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(topic, sink)
}

// UnsubscribeAll removes sink from every topic, e.g. when its connection
// closes.
func (b *MessageBus) UnsubscribeAll(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range b.topics {
		b.unsubscribeLocked(topic, sink)
	}
}

// Broadcast sends msg to every subscriber of topic concurrently and waits for
// all sends to finish. A failing sink is logged and does not affect the
// others. Broadcasting to a topic without subscribers does nothing.
func (b *MessageBus) Broadcast(ctx context.Context, topic, msg string) {
	b.mu.RLock()
	subs := b.topics[topic]
	sinks := make([]Sink, 0, len(subs))
	for s := range subs {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()

	if len(sinks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Send(ctx, msg); err != nil {
				b.logger.WarnContext(ctx, "subscriber send failed",
					slog.String("topic", topic),
					slog.String("error", err.Error()),
				)
			}
		}(s)
	}
	wg.Wait()
}

// Topics returns the topics that currently have subscribers, sorted.
func (b *MessageBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the number of sinks subscribed to topic.
func (b *MessageBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *MessageBus) subscribeLocked(topic string, sink Sink) {
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[Sink]struct{})
		b.topics[topic] = subs
	}
	subs[sink] = struct{}{}
}

func (b *MessageBus) unsubscribeLocked(topic string, sink Sink) {
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(subs, sink)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}
