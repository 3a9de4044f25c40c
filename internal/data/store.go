// Package data provides the in-process market data store: the latest quote
// per instrument and the option strike ladder snapshot.
package data

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
)

// Store holds the latest quotes and the instrument catalog. Readers get
// copies; the store owns its maps.
type Store struct {
	mu     sync.RWMutex
	logger *zap.Logger

	quotes        map[int64]types.Quote
	contracts     map[int64]*types.Contract
	symbolToToken map[string]int64

	underlyingToken int64
	underlyingLTP   float64
}

// NewStore creates an empty market data store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:        logger.Named("market-data"),
		quotes:        make(map[int64]types.Quote),
		contracts:     make(map[int64]*types.Contract),
		symbolToToken: make(map[string]int64),
	}
}

// SetUnderlying marks which token carries the underlying index price used
// for ATM resolution.
func (s *Store) SetUnderlying(token int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underlyingToken = token
}

// AddContract enrolls an instrument in the catalog.
func (s *Store) AddContract(c *types.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.InstrumentToken] = c
	s.symbolToToken[c.TradingSymbol] = c.InstrumentToken
}

// Contract returns the catalog entry for a token.
func (s *Store) Contract(token int64) (*types.Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[token]
	return c, ok
}

// TokenFor resolves a tradingsymbol to its instrument token.
func (s *Store) TokenFor(tradingsymbol string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.symbolToToken[tradingsymbol]
	return token, ok
}

// ApplyQuote stores the latest quote for a token and refreshes the cached
// contract quote.
func (s *Store) ApplyQuote(token int64, quote types.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotes[token] = quote
	if c, ok := s.contracts[token]; ok {
		c.Quote = quote
	}
	if token == s.underlyingToken && quote.LTP > 0 {
		s.underlyingLTP = quote.LTP
	}
}

// Quote returns the latest quote for a tradingsymbol.
func (s *Store) Quote(tradingsymbol string) (types.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.symbolToToken[tradingsymbol]
	if !ok {
		return types.Quote{}, false
	}
	quote, ok := s.quotes[token]
	return quote, ok
}

// QuoteByToken returns the latest quote for a token.
func (s *Store) QuoteByToken(token int64) (types.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quote, ok := s.quotes[token]
	return quote, ok
}

// UnderlyingPrice returns the last seen underlying index price.
func (s *Store) UnderlyingPrice() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.underlyingLTP
}

// ATMContract resolves the at-the-money contract of the requested option
// type against the current underlying price. The nearest strike wins; ties
// go to the lower strike.
func (s *Store) ATMContract(optionType types.OptionType) (*types.Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.underlyingLTP <= 0 {
		return nil, false
	}

	var best *types.Contract
	bestDist := math.MaxFloat64
	for _, c := range s.contracts {
		if c.OptionType != optionType || c.Strike <= 0 {
			continue
		}
		dist := math.Abs(c.Strike - s.underlyingLTP)
		if dist < bestDist || (dist == bestDist && best != nil && c.Strike < best.Strike) {
			best = c
			bestDist = dist
		}
	}
	if best == nil {
		s.logger.Warn("No ATM contract available",
			zap.String("option_type", string(optionType)),
			zap.Float64("underlying", s.underlyingLTP))
		return nil, false
	}
	return best, true
}

// LadderSnapshot returns the catalog contracts of one option type sorted by
// proximity to a price, nearest first.
func (s *Store) LadderSnapshot(optionType types.OptionType, around float64, depth int) []*types.Contract {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Contract
	for _, c := range s.contracts {
		if c.OptionType == optionType {
			out = append(out, c)
		}
	}
	sortByDistance(out, around)
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

func sortByDistance(contracts []*types.Contract, around float64) {
	for i := 1; i < len(contracts); i++ {
		for j := i; j > 0; j-- {
			if math.Abs(contracts[j].Strike-around) < math.Abs(contracts[j-1].Strike-around) {
				contracts[j], contracts[j-1] = contracts[j-1], contracts[j]
			} else {
				break
			}
		}
	}
}
