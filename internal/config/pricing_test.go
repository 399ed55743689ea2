package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRateTable(t *testing.T) {
	table, err := parseRateTable(DefaultPricingConfig())
	require.NoError(t, err)
	assert.True(t, table.InputRatePer1000.Equal(decimal.RequireFromString("0.003")))
	assert.True(t, table.OutputRatePer1000.Equal(decimal.RequireFromString("0.015")))
}

func TestParseRateTableRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  PricingConfig
	}{
		{name: "empty input rate", cfg: PricingConfig{InputRatePer1000: "", OutputRatePer1000: "0.015"}},
		{name: "empty output rate", cfg: PricingConfig{InputRatePer1000: "0.003", OutputRatePer1000: " "}},
		{name: "non-numeric", cfg: PricingConfig{InputRatePer1000: "abc", OutputRatePer1000: "0.015"}},
		{name: "negative", cfg: PricingConfig{InputRatePer1000: "-0.003", OutputRatePer1000: "0.015"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRateTable(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestStaticPricingHolder(t *testing.T) {
	table := RateTable{
		InputRatePer1000:  decimal.RequireFromString("0.001"),
		OutputRatePer1000: decimal.RequireFromString("0.002"),
	}
	holder := NewStaticPricingHolder(table)
	got := holder.Get()
	assert.True(t, got.InputRatePer1000.Equal(table.InputRatePer1000))
	assert.True(t, got.OutputRatePer1000.Equal(table.OutputRatePer1000))
}
