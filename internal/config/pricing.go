package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// PricingConfig holds the per-1000-token rates used to derive cost estimates.
// Rates are kept as strings in the config file and parsed into decimals so
// accumulation never goes through floating point.
type PricingConfig struct {
	InputRatePer1000  string `mapstructure:"inputRatePer1000"`
	OutputRatePer1000 string `mapstructure:"outputRatePer1000"`
}

// RateTable is the parsed, ready-to-use form of PricingConfig.
type RateTable struct {
	InputRatePer1000  decimal.Decimal
	OutputRatePer1000 decimal.Decimal
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		InputRatePer1000:  "0.003",
		OutputRatePer1000: "0.015",
	}
}

// PricingHolder exposes the current rate table and swaps it atomically on
// config file changes.
type PricingHolder struct {
	current atomic.Value // holds RateTable
}

func NewPricingHolder() (*PricingHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tokenmeter/config") // Volume-mounted config
	v.AddConfigPath("/etc/tokenmeter")            // System config
	v.AddConfigPath(".")                          // Current directory (dev mode)

	v.SetEnvPrefix("TOKENMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPricingConfig()
		v.SetDefault("pricing.inputRatePer1000", defaults.InputRatePer1000)
		v.SetDefault("pricing.outputRatePer1000", defaults.OutputRatePer1000)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	table, err := parseRateTable(cfg)
	if err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(table)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		table, err := parseRateTable(updated)
		if err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(table)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPricingHolder returns a holder pinned to the given table. Used by
// tests and anywhere hot reload is not wanted.
func NewStaticPricingHolder(table RateTable) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(table)
	return holder
}

func (h *PricingHolder) Get() RateTable {
	return h.current.Load().(RateTable)
}

func parseRateTable(cfg PricingConfig) (RateTable, error) {
	if strings.TrimSpace(cfg.InputRatePer1000) == "" {
		return RateTable{}, errors.New("pricing.inputRatePer1000 cannot be empty")
	}
	if strings.TrimSpace(cfg.OutputRatePer1000) == "" {
		return RateTable{}, errors.New("pricing.outputRatePer1000 cannot be empty")
	}
	input, err := decimal.NewFromString(strings.TrimSpace(cfg.InputRatePer1000))
	if err != nil {
		return RateTable{}, err
	}
	output, err := decimal.NewFromString(strings.TrimSpace(cfg.OutputRatePer1000))
	if err != nil {
		return RateTable{}, err
	}
	if input.IsNegative() || output.IsNegative() {
		return RateTable{}, errors.New("pricing rates cannot be negative")
	}
	return RateTable{InputRatePer1000: input, OutputRatePer1000: output}, nil
}
