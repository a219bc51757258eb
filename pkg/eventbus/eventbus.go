package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// Handler receives one event. The context carries request values but is never
// canceled by the publisher returning.
type Handler func(ctx context.Context, event any)

type subscription struct {
	name    string
	handler Handler
}

// EventBus provides in-process pub/sub keyed by the event's concrete type.
// Handlers run after the publishing transaction has committed; a failing or
// panicking handler never reaches the publisher.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]subscription
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// New creates a new EventBus.
func New(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		handlers: make(map[reflect.Type][]subscription),
		logger:   logger,
	}
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *EventBus, name string, fn func(ctx context.Context, event T)) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], subscription{
		name: name,
		handler: func(ctx context.Context, event any) {
			fn(ctx, event.(T))
		},
	})
}

// Publish fans the event out to every subscriber on its own goroutine.
func (b *EventBus) Publish(ctx context.Context, event any) {
	subs := b.subscribers(event)
	if len(subs) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	for _, s := range subs {
		b.inflight.Add(1)
		go func(s subscription) {
			defer b.inflight.Done()
			b.invoke(detached, s, event)
		}(s)
	}
}

// PublishSync runs every subscriber on the caller's goroutine, in subscription order.
func (b *EventBus) PublishSync(ctx context.Context, event any) {
	for _, s := range b.subscribers(event) {
		b.invoke(ctx, s, event)
	}
}

// Drain waits for in-flight async handlers or until ctx is done.
func (b *EventBus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("eventbus drain: %w", ctx.Err())
	}
}

func (b *EventBus) HasSubscribers(event any) bool {
	return b.SubscriberCount(event) > 0
}

func (b *EventBus) SubscriberCount(event any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[reflect.TypeOf(event)])
}

func (b *EventBus) subscribers(event any) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.handlers[reflect.TypeOf(event)]
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}

func (b *EventBus) invoke(ctx context.Context, s subscription, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus.handler_panic",
				zap.String("subscriber", s.name),
				zap.String("event", reflect.TypeOf(event).String()),
				zap.Any("panic", r))
		}
	}()
	s.handler(ctx, event)
}
