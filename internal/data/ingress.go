package data

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/events"
	"github.com/meridian-desk/trading-core/pkg/types"
)

// flushInterval caps downstream fan-out at 4 Hz.
const flushInterval = 250 * time.Millisecond

// IncomingTick is one raw market-data update.
type IncomingTick struct {
	InstrumentToken int64     `json:"instrument_token"`
	LTP             float64   `json:"ltp"`
	Bid             float64   `json:"bid"`
	Ask             float64   `json:"ask"`
	OI              int64     `json:"oi"`
	Timestamp       time.Time `json:"timestamp"`
}

// TickSink receives the batched ticks on each flush.
type TickSink func(batch []IncomingTick)

// Ingress buffers raw ticks and flushes coalesced batches to the store, the
// event bus, and any registered sinks. The latest tick per token wins within
// a flush window.
type Ingress struct {
	mu     sync.Mutex
	logger *zap.Logger
	store  *Store
	bus    *events.Bus

	buffer map[int64]IncomingTick
	order  []int64
	sinks  []TickSink

	stop chan struct{}
}

// NewIngress creates the tick ingress.
func NewIngress(logger *zap.Logger, store *Store, bus *events.Bus) *Ingress {
	return &Ingress{
		logger: logger.Named("tick-ingress"),
		store:  store,
		bus:    bus,
		buffer: make(map[int64]IncomingTick),
	}
}

// AddSink registers a flush consumer. Not safe to call after Start.
func (in *Ingress) AddSink(sink TickSink) {
	in.sinks = append(in.sinks, sink)
}

// Submit buffers one tick. The store is updated immediately so pricing
// consumers never see stale quotes; fan-out waits for the next flush.
func (in *Ingress) Submit(tick IncomingTick) {
	if tick.LTP <= 0 {
		return
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}

	in.store.ApplyQuote(tick.InstrumentToken, types.Quote{
		LTP: tick.LTP,
		Bid: tick.Bid,
		Ask: tick.Ask,
		OI:  tick.OI,
	})

	in.mu.Lock()
	if _, buffered := in.buffer[tick.InstrumentToken]; !buffered {
		in.order = append(in.order, tick.InstrumentToken)
	}
	in.buffer[tick.InstrumentToken] = tick
	in.mu.Unlock()
}

// Start launches the 4 Hz flush loop.
func (in *Ingress) Start() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stop != nil {
		return
	}
	in.stop = make(chan struct{})
	go in.run(in.stop)
}

// Stop halts the flush loop and drains the buffer.
func (in *Ingress) Stop() {
	in.mu.Lock()
	stop := in.stop
	in.stop = nil
	in.mu.Unlock()

	if stop != nil {
		close(stop)
		in.Flush()
	}
}

func (in *Ingress) run(stop chan struct{}) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			in.Flush()
		case <-stop:
			return
		}
	}
}

// Flush delivers the buffered batch. Exported so tests can drive the ingress
// without the timer.
func (in *Ingress) Flush() {
	in.mu.Lock()
	if len(in.buffer) == 0 {
		in.mu.Unlock()
		return
	}
	batch := make([]IncomingTick, 0, len(in.order))
	for _, token := range in.order {
		batch = append(batch, in.buffer[token])
	}
	in.buffer = make(map[int64]IncomingTick)
	in.order = in.order[:0]
	sinks := in.sinks
	in.mu.Unlock()

	in.bus.Publish(events.EventTickBatch, batch)
	for _, sink := range sinks {
		sink(batch)
	}
}
