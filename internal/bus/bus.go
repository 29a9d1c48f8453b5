package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery is best-effort: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	closed bool

	logger   *zap.Logger
	handlers sync.WaitGroup
	failures atomic.Int64
}

type subscription struct {
	namespace string
	ch        chan Event
	once      sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int]*subscription),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function;
// the channel is closed on unsubscribe or when the bus is closed.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	sub := &subscription{namespace: namespace, ch: make(chan Event, bufSize)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
}

// Handle subscribes fn to a namespace and runs it on its own goroutine for
// every matching event, in publish order. An error or panic from fn is
// logged and counted; it never reaches the publisher or other subscribers.
// The returned function unsubscribes and waits for the handler to drain.
func (b *Bus) Handle(name, namespace string, bufSize int, fn func(Event) error) func() {
	ch, unsub := b.Subscribe(namespace, bufSize)
	done := make(chan struct{})
	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		defer close(done)
		for evt := range ch {
			b.dispatch(name, evt, fn)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

func (b *Bus) dispatch(name string, evt Event, fn func(Event) error) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(name, evt, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(evt); err != nil {
		b.fail(name, evt, err)
	}
}

func (b *Bus) fail(name string, evt Event, err error) {
	b.failures.Add(1)
	b.logger.Warn("subscriber failed",
		zap.String("code", "NOTIFIER_FAILURE"),
		zap.String("subscriber", name),
		zap.String("kind", evt.Kind),
		zap.Error(err))
}

// Failures returns how many handler invocations have failed so far.
func (b *Bus) Failures() int64 {
	return b.failures.Load()
}

// Close closes every subscription and waits for handlers to drain.
// Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.handlers.Wait()
}
