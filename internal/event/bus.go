// Package event provides an in-memory publish/subscribe bus used to fan
// monitor activity out to the history recorder and the live stream.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Event is a typed message on the bus.
type Event struct {
	Topic     string
	Source    string // component that emitted the event
	Timestamp time.Time
	Payload   any // type depends on topic
}

// Handler processes events from the bus.
type Handler func(ctx context.Context, event Event)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Subscriber is the narrow interface consumers depend on.
type Subscriber interface {
	Subscribe(topic string, handler Handler) (unsubscribe func())
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

// wildcard keys subscriptions made with SubscribeAll.
const wildcard = "*"

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-memory event bus. Handlers run in the publisher's goroutine,
// so events published from one goroutine reach each handler in order.
// Topic handlers run before wildcard handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	logger *zap.Logger

	published *prometheus.CounterVec
	panics    *prometheus.CounterVec
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics counts published events and handler panics per topic on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Bus) {
		f := promauto.With(reg)
		b.published = f.NewCounterVec(prometheus.CounterOpts{
			Name: "netmedic_bus_events_published_total",
			Help: "Events published on the internal bus by topic.",
		}, []string{"topic"})
		b.panics = f.NewCounterVec(prometheus.CounterOpts{
			Name: "netmedic_bus_handler_panics_total",
			Help: "Bus handlers that panicked by topic.",
		}, []string{"topic"})
	}
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish delivers event to the topic's handlers, then to wildcard handlers.
// A zero Timestamp is set to now. A panicking handler is logged and does not
// stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if b.published != nil {
		b.published.WithLabelValues(event.Topic).Inc()
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[event.Topic])+len(b.subs[wildcard]))
	targets = append(targets, b.subs[event.Topic]...)
	targets = append(targets, b.subs[wildcard]...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(ctx, s.handler, event)
	}
}

// Subscribe registers handler for one topic.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	return b.add(topic, handler)
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.add(wildcard, handler)
}

func (b *Bus) add(key string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[key] = append(b.subs[key], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(key, id) })
	}
}

func (b *Bus) remove(key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[key]
	for i, s := range list {
		if s.id != id {
			continue
		}
		// Copy so a concurrent Publish iterating the old slice is unaffected.
		next := append(list[:i:i], list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, key)
		} else {
			b.subs[key] = next
		}
		return
	}
}

func (b *Bus) deliver(ctx context.Context, handler Handler, event Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if b.panics != nil {
			b.panics.WithLabelValues(event.Topic).Inc()
		}
		b.logger.Error("event handler panicked",
			zap.String("topic", event.Topic),
			zap.String("source", event.Source),
			zap.Any("panic", r),
		)
	}()
	handler(ctx, event)
}
