package pnl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRate(t *testing.T) {
	prices := flatPrices(map[string]float64{
		"BTCUSDT": 50000,
		"USDTRUB": 90,
		"ETHBTC":  0.05,
	})

	tests := []struct {
		name   string
		asset  string
		home   string
		want   float64
		wantOK bool
	}{
		{"identity", "USDT", "USDT", 1, true},
		{"direct pair", "BTC", "USDT", 50000, true},
		{"inverse pair", "RUB", "USDT", 1.0 / 90, true},
		{"one intermediate", "ETH", "USDT", 0.05 * 50000, true},
		{"unreachable", "XYZ", "USDT", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Rate(tt.asset, tt.home, prices)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestRate_IntermediateNeverUsesEndpoints(t *testing.T) {
	// Путь ETH -> ETH -> USDT не рассматривается: посредник не может
	// совпадать с концами
	prices := flatPrices(map[string]float64{})
	_, ok := Rate("ETH", "USDT", prices)
	assert.False(t, ok)
}
