package data

import (
	"testing"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
)

func strike(token int64, symbol string, optType types.OptionType, strike float64) *types.Contract {
	return &types.Contract{
		InstrumentToken: token,
		TradingSymbol:   symbol,
		OptionType:      optType,
		Strike:          strike,
		LotSize:         75,
	}
}

func newLadderStore() *Store {
	s := NewStore(zap.NewNop())
	s.SetUnderlying(256265)
	s.AddContract(strike(1, "NIFTY25SEP24700CE", types.OptionTypeCE, 24700))
	s.AddContract(strike(2, "NIFTY25SEP24800CE", types.OptionTypeCE, 24800))
	s.AddContract(strike(3, "NIFTY25SEP24900CE", types.OptionTypeCE, 24900))
	s.AddContract(strike(4, "NIFTY25SEP24800PE", types.OptionTypePE, 24800))
	return s
}

func TestApplyQuoteUpdatesContractAndUnderlying(t *testing.T) {
	s := newLadderStore()

	s.ApplyQuote(2, types.Quote{LTP: 120, Bid: 119, Ask: 121})
	s.ApplyQuote(256265, types.Quote{LTP: 24815})

	q, ok := s.Quote("NIFTY25SEP24800CE")
	if !ok || q.LTP != 120 {
		t.Fatalf("quote = %+v/%v", q, ok)
	}
	c, _ := s.Contract(2)
	if c.Quote.LTP != 120 {
		t.Fatalf("contract quote = %+v, want refreshed", c.Quote)
	}
	if s.UnderlyingPrice() != 24815 {
		t.Fatalf("underlying = %v, want 24815", s.UnderlyingPrice())
	}

	// Zero-price underlying ticks do not clobber the last good price.
	s.ApplyQuote(256265, types.Quote{LTP: 0})
	if s.UnderlyingPrice() != 24815 {
		t.Fatalf("underlying after zero tick = %v, want 24815", s.UnderlyingPrice())
	}
}

func TestTokenForResolvesSymbol(t *testing.T) {
	s := newLadderStore()
	token, ok := s.TokenFor("NIFTY25SEP24800PE")
	if !ok || token != 4 {
		t.Fatalf("token = %d/%v, want 4", token, ok)
	}
	if _, ok := s.TokenFor("UNKNOWN"); ok {
		t.Fatal("unknown symbol resolved")
	}
}

func TestATMContractNearestStrike(t *testing.T) {
	s := newLadderStore()

	s.ApplyQuote(256265, types.Quote{LTP: 24830})
	c, ok := s.ATMContract(types.OptionTypeCE)
	if !ok || c.Strike != 24800 {
		t.Fatalf("atm = %+v/%v, want 24800 strike", c, ok)
	}

	s.ApplyQuote(256265, types.Quote{LTP: 24880})
	c, _ = s.ATMContract(types.OptionTypeCE)
	if c.Strike != 24900 {
		t.Fatalf("atm = %v, want 24900", c.Strike)
	}
}

func TestATMContractTieGoesLower(t *testing.T) {
	s := newLadderStore()
	// 24750 is equidistant from 24700 and 24800.
	s.ApplyQuote(256265, types.Quote{LTP: 24750})
	c, ok := s.ATMContract(types.OptionTypeCE)
	if !ok || c.Strike != 24700 {
		t.Fatalf("atm = %+v/%v, want lower strike on tie", c, ok)
	}
}

func TestATMContractUnavailable(t *testing.T) {
	s := newLadderStore()

	// No underlying price yet.
	if _, ok := s.ATMContract(types.OptionTypeCE); ok {
		t.Fatal("atm resolved without underlying price")
	}

	// No contracts of the requested type beyond the single PE.
	s.ApplyQuote(256265, types.Quote{LTP: 24830})
	if c, ok := s.ATMContract(types.OptionTypePE); !ok || c.InstrumentToken != 4 {
		t.Fatalf("pe atm = %+v/%v", c, ok)
	}

	empty := NewStore(zap.NewNop())
	empty.SetUnderlying(256265)
	empty.ApplyQuote(256265, types.Quote{LTP: 24830})
	if _, ok := empty.ATMContract(types.OptionTypeCE); ok {
		t.Fatal("atm resolved from empty catalog")
	}
}

func TestLadderSnapshotSortedByProximity(t *testing.T) {
	s := newLadderStore()

	ladder := s.LadderSnapshot(types.OptionTypeCE, 24830, 0)
	if len(ladder) != 3 {
		t.Fatalf("ladder = %d contracts, want 3", len(ladder))
	}
	if ladder[0].Strike != 24800 || ladder[1].Strike != 24900 || ladder[2].Strike != 24700 {
		t.Fatalf("ladder order = %v/%v/%v", ladder[0].Strike, ladder[1].Strike, ladder[2].Strike)
	}

	ladder = s.LadderSnapshot(types.OptionTypeCE, 24830, 2)
	if len(ladder) != 2 || ladder[0].Strike != 24800 {
		t.Fatalf("depth-limited ladder = %d, want 2 nearest", len(ladder))
	}
}
