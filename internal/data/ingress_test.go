package data

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/events"
	"github.com/meridian-desk/trading-core/pkg/types"
)

func newTestIngress(t *testing.T) (*Ingress, *Store, *events.Bus) {
	t.Helper()
	store := NewStore(zap.NewNop())
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	t.Cleanup(bus.Stop)
	return NewIngress(zap.NewNop(), store, bus), store, bus
}

func TestSubmitUpdatesStoreImmediately(t *testing.T) {
	in, store, _ := newTestIngress(t)
	store.AddContract(strike(2, "NIFTY25SEP24800CE", types.OptionTypeCE, 24800))

	in.Submit(IncomingTick{InstrumentToken: 2, LTP: 120, Bid: 119, Ask: 121})

	q, ok := store.QuoteByToken(2)
	if !ok || q.LTP != 120 || q.Bid != 119 {
		t.Fatalf("quote = %+v/%v, want stored before flush", q, ok)
	}
}

func TestSubmitDropsZeroPrice(t *testing.T) {
	in, store, _ := newTestIngress(t)

	in.Submit(IncomingTick{InstrumentToken: 2, LTP: 0})
	if _, ok := store.QuoteByToken(2); ok {
		t.Fatal("zero-price tick stored")
	}

	var batches [][]IncomingTick
	in.AddSink(func(batch []IncomingTick) { batches = append(batches, batch) })
	in.Flush()
	if len(batches) != 0 {
		t.Fatalf("batches = %d, want empty buffer not flushed", len(batches))
	}
}

func TestFlushCoalescesLatestPerToken(t *testing.T) {
	in, _, _ := newTestIngress(t)

	var batches [][]IncomingTick
	in.AddSink(func(batch []IncomingTick) { batches = append(batches, batch) })

	in.Submit(IncomingTick{InstrumentToken: 2, LTP: 120})
	in.Submit(IncomingTick{InstrumentToken: 3, LTP: 80})
	in.Submit(IncomingTick{InstrumentToken: 2, LTP: 121})
	in.Flush()

	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	batch := batches[0]
	if len(batch) != 2 {
		t.Fatalf("batch = %d ticks, want coalesced 2", len(batch))
	}
	// First-seen order is preserved; the later price wins.
	if batch[0].InstrumentToken != 2 || batch[0].LTP != 121 {
		t.Fatalf("batch[0] = %+v, want token 2 at 121", batch[0])
	}
	if batch[1].InstrumentToken != 3 {
		t.Fatalf("batch[1] = %+v, want token 3", batch[1])
	}

	// The buffer drains: a second flush delivers nothing.
	in.Flush()
	if len(batches) != 1 {
		t.Fatalf("batches after drain = %d, want 1", len(batches))
	}
}

func TestFlushPublishesTickBatch(t *testing.T) {
	in, _, bus := newTestIngress(t)

	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventTickBatch, func(event events.Event) { got <- event })

	in.Submit(IncomingTick{InstrumentToken: 2, LTP: 120})
	in.Flush()

	select {
	case event := <-got:
		batch, ok := event.Payload.([]IncomingTick)
		if !ok || len(batch) != 1 {
			t.Fatalf("payload = %+v", event.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick batch not published")
	}
}

func TestStopDrainsBuffer(t *testing.T) {
	in, _, _ := newTestIngress(t)

	var batches [][]IncomingTick
	in.AddSink(func(batch []IncomingTick) { batches = append(batches, batch) })

	in.Start()
	in.Submit(IncomingTick{InstrumentToken: 2, LTP: 120})
	in.Stop()

	if len(batches) == 0 {
		t.Fatal("buffered tick lost on Stop")
	}

	// Stop twice is safe.
	in.Stop()
}
