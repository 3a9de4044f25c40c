// Package events provides the typed in-process event bus that replaces the
// workstation's signal/slot callbacks. Publishing is non-blocking: when the
// buffer is full the event is dropped and counted, never stalling a trading
// path.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType defines the category of event.
type EventType string

const (
	EventTickBatch       EventType = "tick_batch"
	EventPositionChanged EventType = "position_changed"
	EventOrderUpdate     EventType = "order_update"
	EventIncident        EventType = "incident"
	EventCVDSignal       EventType = "cvd_signal"
	EventCVDMarketState  EventType = "cvd_market_state"
	EventPortfolioExit   EventType = "portfolio_exit"
)

// Event is one published bus event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// Handler processes a delivered event.
type Handler func(event Event)

type subscription struct {
	handler Handler
	active  atomic.Bool
}

// Bus routes events to subscribers through a fixed worker pool.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription

	eventChan chan Event

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// Config sizes the bus.
type Config struct {
	NumWorkers int
	BufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{NumWorkers: 4, BufferSize: 4096}
}

// NewBus creates and starts an event bus.
func NewBus(logger *zap.Logger, config Config) *Bus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*subscription),
		eventChan:   make(chan Event, config.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("event-bus"),
	}

	for i := 0; i < config.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.Type]
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, event)
	}
	b.processed.Add(1)
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic",
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// Subscribe registers a handler for an event type. The returned cancel
// function deactivates the subscription.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	sub := &subscription{handler: handler}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()

	return func() { sub.active.Store(false) }
}

// Publish sends an event without blocking. Full buffer drops the event.
func (b *Bus) Publish(eventType EventType, payload any) {
	event := Event{Type: eventType, Timestamp: time.Now(), Payload: payload}
	select {
	case b.eventChan <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event dropped - buffer full", zap.String("event_type", string(eventType)))
	}
}

// PublishSync delivers an event inline, bypassing the worker pool. Used by
// tests and shutdown paths that need ordering.
func (b *Bus) PublishSync(eventType EventType, payload any) {
	b.published.Add(1)
	b.dispatch(Event{Type: eventType, Timestamp: time.Now(), Payload: payload})
}

// Stats reports bus throughput counters.
func (b *Bus) Stats() (published, processed, dropped int64) {
	return b.published.Load(), b.processed.Load(), b.dropped.Load()
}

// Stop shuts the bus down, waiting briefly for in-flight events.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("Event bus shutdown timed out")
	}
}
