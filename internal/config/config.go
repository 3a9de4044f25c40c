// Package config loads workstation settings from an optional YAML file and
// WORKSTATION_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/meridian-desk/trading-core/pkg/types"
)

// Config is the resolved workstation configuration.
type Config struct {
	TradingMode types.TradingMode `mapstructure:"trading_mode"`
	DataDir     string            `mapstructure:"data_dir"`
	HTTPAddr    string            `mapstructure:"http_addr"`

	DefaultProduct types.Product `mapstructure:"default_product"`
	DefaultSymbol  string        `mapstructure:"default_symbol"`
	DefaultLots    int           `mapstructure:"default_lots"`

	PaperBalance float64 `mapstructure:"paper_balance"`

	RiskIntradayDrawdownLimit float64 `mapstructure:"risk_intraday_drawdown_limit"`
	RiskMaxPortfolioLoss      float64 `mapstructure:"risk_max_portfolio_loss"`
	RiskMaxOpenPositions      int     `mapstructure:"risk_max_open_positions"`
	RiskMaxGrossOpenQuantity  int     `mapstructure:"risk_max_gross_open_quantity"`
	RiskExitOpenPositions     bool    `mapstructure:"risk_exit_open_positions"`

	EventBusWorkers int `mapstructure:"event_bus_workers"`
}

// RiskLimits assembles the risk controller limits.
func (c Config) RiskLimits() types.RiskLimits {
	return types.RiskLimits{
		IntradayDrawdownLimit: c.RiskIntradayDrawdownLimit,
		MaxPortfolioLoss:      c.RiskMaxPortfolioLoss,
		MaxOpenPositions:      c.RiskMaxOpenPositions,
		MaxGrossOpenQuantity:  c.RiskMaxGrossOpenQuantity,
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WORKSTATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("trading_mode", string(types.TradingModePaper))
	v.SetDefault("data_dir", filepath.Join(home, ".workstation"))
	v.SetDefault("http_addr", "127.0.0.1:7780")
	v.SetDefault("default_product", string(types.ProductMIS))
	v.SetDefault("default_symbol", "NIFTY")
	v.SetDefault("default_lots", 1)
	v.SetDefault("paper_balance", 1_000_000.0)
	v.SetDefault("risk_exit_open_positions", true)
	v.SetDefault("event_bus_workers", 4)
}

func (c Config) validate() error {
	switch c.TradingMode {
	case types.TradingModeLive, types.TradingModePaper:
	default:
		return fmt.Errorf("invalid trading_mode %q", c.TradingMode)
	}
	switch c.DefaultProduct {
	case types.ProductMIS, types.ProductNRML:
	default:
		return fmt.Errorf("invalid default_product %q", c.DefaultProduct)
	}
	if c.DefaultLots < 1 {
		return fmt.Errorf("default_lots must be at least 1, got %d", c.DefaultLots)
	}
	return nil
}
