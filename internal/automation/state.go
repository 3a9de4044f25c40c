// Package automation owns the lifecycle of the single-chart CVD-driven
// automations: entries, reversals, exits, the 15:00 cutoff, pending-order
// retries, and state persistence.
package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
	"github.com/meridian-desk/trading-core/pkg/utils"
)

// stateFile is the persisted shape of cvd_automation_state_<mode>.json.
type stateFile struct {
	SavedAt     string                     `json:"saved_at"`
	TradingMode types.TradingMode          `json:"trading_mode"`
	Positions   map[string]json.RawMessage `json:"positions"`
}

// statePath returns the state file path for a mode.
func statePath(dir string, mode types.TradingMode) string {
	return filepath.Join(dir, fmt.Sprintf("cvd_automation_state_%s.json", mode))
}

// saveState atomically serializes the trades map keyed by token-as-string.
func (c *Coordinator) saveStateLocked() {
	positions := make(map[string]json.RawMessage, len(c.trades))
	for token, trade := range c.trades {
		data, err := json.Marshal(trade)
		if err != nil {
			c.logger.Error("Failed to marshal automation trade",
				zap.Int64("token", token), zap.Error(err))
			continue
		}
		positions[strconv.FormatInt(token, 10)] = data
	}

	state := stateFile{
		SavedAt:     utils.UTCTimestamp(c.clock()),
		TradingMode: c.mode,
		Positions:   positions,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		c.logger.Error("Failed to marshal automation state", zap.Error(err))
		return
	}

	tmp := c.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Error("Failed to write automation state", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, c.statePath); err != nil {
		c.logger.Error("Failed to replace automation state", zap.Error(err))
	}
}

// loadState restores persisted trades. Malformed entries are dropped without
// failing; a corrupt file leaves the coordinator empty.
func (c *Coordinator) loadState() {
	data, err := os.ReadFile(c.statePath)
	if err != nil {
		return
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("Ignoring corrupt automation state",
			zap.String("path", c.statePath), zap.Error(err))
		return
	}

	for tokenStr, raw := range state.Positions {
		token, err := strconv.ParseInt(tokenStr, 10, 64)
		if err != nil {
			continue
		}
		var trade types.AutomationTrade
		if err := json.Unmarshal(raw, &trade); err != nil {
			c.logger.Warn("Dropping malformed automation record",
				zap.String("token", tokenStr), zap.Error(err))
			continue
		}
		t := trade
		c.trades[token] = &t
	}
	if len(c.trades) > 0 {
		c.logger.Info("Restored automation state", zap.Int("trades", len(c.trades)))
	}
}
