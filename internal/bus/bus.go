package bus

import (
	"context"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	TopicSignal         = "signal."
	TopicOrderRequest   = "order.request"
	TopicOrderUpdate    = "order.update"
	TopicOrderFill      = "order.fill"
	TopicMarket         = "market."
	TopicAuditRejection = "audit.rejection"
	TopicAuditHalt      = "audit.halt"
	TopicAuditRetry     = "audit.retry"
	TopicAuditConflict  = "audit.conflict"

	criticalPrefix     = "order."
	defaultQueueLength = 1024
)

// SignalTopic returns the topic a strategy publishes a symbol's signals on.
func SignalTopic(strategyID, symbol string) string {
	return TopicSignal + strategyID + "." + symbol
}

// MarketTopic returns the market data topic of a symbol.
func MarketTopic(symbol string) string {
	return TopicMarket + symbol
}

// Event is the unit passed through the bus.
type Event struct {
	Topic       string
	Seq         uint64
	Critical    bool
	Payload     any
	PublishedAt time.Time
}

// Observer receives bus health counters. obs.Metrics implements it.
type Observer interface {
	IncBusDrop(topic string)
	IncConsumerPanic(consumer string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueLength sets the per-subscriber queue capacity.
func WithQueueLength(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueLength = n
		}
	}
}

// WithObserver attaches a counter sink.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// Bus is a topic based pub/sub transport. Topics are dotted strings and
// subscriptions match by prefix.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]*Subscription
	nextID      uint64
	seq         atomic.Uint64
	closed      atomic.Bool
	queueLength int
	observer    Observer
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[uint64]*Subscription),
		queueLength: defaultQueueLength,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one consumer's ordered view of the matching topics.
type Subscription struct {
	id      uint64
	pattern string
	queue   *Queue
	bus     *Bus
}

// Subscribe registers a prefix pattern. "signal.*", "signal." and "signal"
// all match every topic under signal.
func (b *Bus) Subscribe(pattern string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, exception.ErrBusClosed
	}
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		pattern: normalizePattern(pattern),
		queue:   NewQueue(b.queueLength),
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers payload to every matching subscriber. Low priority topics
// never block. Topics under "order." wait for queue space, bounded by ctx.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if b.closed.Load() {
		return exception.ErrBusClosed
	}
	e := Event{
		Topic:       topic,
		Seq:         b.seq.Add(1),
		Critical:    strings.HasPrefix(topic, criticalPrefix),
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matches(sub.pattern, topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		dropped, err := sub.queue.Push(ctx, e)
		if dropped || exception.Is(err, ErrQueueFull) {
			if b.observer != nil {
				b.observer.IncBusDrop(topic)
			}
		}
		if err != nil {
			if exception.Is(err, ErrQueueFull) || exception.Is(err, exception.ErrBusClosed) {
				continue
			}
			return errors.Wrapf(err, "publish %s", topic)
		}
	}
	return nil
}

// Close tears down every subscription. Consumers drain what is queued and
// then observe ErrBusClosed.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.queue.Close()
		delete(b.subs, id)
	}
}

// Next waits for the next event.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	return s.queue.Pop(ctx)
}

// Events returns the lazy, potentially infinite sequence of events. It ends
// when ctx is done or the subscription is closed.
func (s *Subscription) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			e, err := s.queue.Pop(ctx)
			if err != nil {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Pending returns the number of undelivered events.
func (s *Subscription) Pending() int {
	return s.queue.Len()
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.queue.Close()
}

// Handler processes one event. A returned error is logged; it does not stop
// consumption.
type Handler func(ctx context.Context, e Event) error

// Consume runs handler for every event of sub until ctx is done or the bus is
// closed. A panicking handler is recovered, logged and restarted with the
// next event so one faulty consumer never takes the bus down.
func Consume(ctx context.Context, sub *Subscription, name string, handler Handler) {
	for {
		e, err := sub.Next(ctx)
		if err != nil {
			return
		}
		sub.bus.dispatch(ctx, name, handler, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, name string, handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("bus consumer %s panicked on %s seq=%d: %v", name, e.Topic, e.Seq, r)
			if b.observer != nil {
				b.observer.IncConsumerPanic(name)
			}
		}
	}()
	if err := handler(ctx, e); err != nil {
		logs.Errorf("bus consumer %s failed on %s seq=%d, err: %+v", name, e.Topic, e.Seq, err)
	}
}

func normalizePattern(pattern string) string {
	return strings.TrimSuffix(pattern, "*")
}

func matches(pattern, topic string) bool {
	if pattern == "" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".") {
		return strings.HasPrefix(topic, pattern)
	}
	return strings.HasPrefix(topic, pattern+".")
}
