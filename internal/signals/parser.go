// Package signals parses and validates raw automation payloads arriving on
// the event bus before they reach the CVD coordinator.
package signals

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/internal/automation"
	"github.com/meridian-desk/trading-core/pkg/types"
	"github.com/meridian-desk/trading-core/pkg/utils"
)

// Parser validates raw signal and market-state payloads.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a signal parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("signal-parser")}
}

// ParseSignal decodes a raw cvd_signal payload.
func (p *Parser) ParseSignal(data []byte) (automation.Signal, error) {
	var sig automation.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return automation.Signal{}, fmt.Errorf("failed to parse signal: %w", err)
	}
	if err := p.validateSignal(&sig); err != nil {
		return automation.Signal{}, err
	}
	return sig, nil
}

// Normalize validates an already-decoded signal in place.
func (p *Parser) Normalize(sig *automation.Signal) error {
	return p.validateSignal(sig)
}

func (p *Parser) validateSignal(sig *automation.Signal) error {
	if sig.InstrumentToken <= 0 {
		return fmt.Errorf("signal missing instrument_token")
	}
	sig.Side = strings.ToLower(strings.TrimSpace(sig.Side))
	if sig.Side != types.SideLong && sig.Side != types.SideShort {
		return fmt.Errorf("invalid signal side %q", sig.Side)
	}
	if sig.Lots < 0 {
		return fmt.Errorf("negative lots %d", sig.Lots)
	}
	for _, v := range []float64{sig.EntryUnderlying, sig.StoplossPoints,
		sig.MaxProfitGivebackPoints, sig.ATRTrailingStepPoints} {
		if !utils.FiniteFloat(v) {
			return fmt.Errorf("non-finite numeric field in signal")
		}
	}
	return nil
}

// ParseMarketState decodes a raw cvd_market_state payload. Non-finite
// indicator values zero out rather than fail: the coordinator's per-bar
// guards handle them.
func (p *Parser) ParseMarketState(data []byte) (types.MarketStateFrame, error) {
	var frame types.MarketStateFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return types.MarketStateFrame{}, fmt.Errorf("failed to parse market state: %w", err)
	}
	if frame.InstrumentToken <= 0 {
		return types.MarketStateFrame{}, fmt.Errorf("market state missing instrument_token")
	}
	for _, v := range []*float64{&frame.PriceClose, &frame.EMA10, &frame.EMA51,
		&frame.CVDClose, &frame.CVDEMA10, &frame.CVDEMA51} {
		if !utils.FiniteFloat(*v) {
			p.logger.Warn("Non-finite market state field zeroed",
				zap.Int64("token", frame.InstrumentToken))
			*v = 0
		}
	}
	return frame, nil
}
