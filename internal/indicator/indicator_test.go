package indicator

import (
	"math"
	"testing"

	"github.com/kirillm/trade-pilot/internal/domain"
)

func closes(vals ...float64) []domain.Candle {
	out := make([]domain.Candle, len(vals))
	for i, v := range vals {
		out[i] = domain.Candle{Open: v, High: v, Low: v, Close: v}
	}
	return out
}

func TestEMA(t *testing.T) {
	c := closes(1, 2, 3, 4, 5)
	ema := EMA(c, 3)

	if len(ema) != len(c) {
		t.Fatalf("EMA length = %d, want %d", len(ema), len(c))
	}
	for i := 0; i < 2; i++ {
		if !math.IsNaN(ema[i]) {
			t.Errorf("ema[%d] = %v, want NaN before first full window", i, ema[i])
		}
	}
	// SMA seed: (1+2+3)/3 = 2
	if math.Abs(ema[2]-2) > 1e-9 {
		t.Errorf("ema[2] = %v, want 2", ema[2])
	}
	// k = 0.5: 4*0.5 + 2*0.5 = 3, then 5*0.5 + 3*0.5 = 4
	if math.Abs(ema[3]-3) > 1e-9 {
		t.Errorf("ema[3] = %v, want 3", ema[3])
	}
	if math.Abs(ema[4]-4) > 1e-9 {
		t.Errorf("ema[4] = %v, want 4", ema[4])
	}
}

func TestEMA_NotEnoughData(t *testing.T) {
	ema := EMA(closes(1, 2), 5)
	for i, v := range ema {
		if !math.IsNaN(v) {
			t.Errorf("ema[%d] = %v, want NaN", i, v)
		}
	}
}

func TestATRPct(t *testing.T) {
	c := []domain.Candle{
		{High: 102, Low: 98, Close: 100},
		{High: 103, Low: 99, Close: 101},
		{High: 104, Low: 100, Close: 102},
		{High: 105, Low: 101, Close: 100},
	}
	got := ATRPct(c, 3)
	if got <= 0 {
		t.Fatalf("ATRPct = %v, want positive", got)
	}
	// Каждый диапазон 4 пункта при последнем close 100 => около 4%
	if got < 3 || got > 6 {
		t.Errorf("ATRPct = %v, want within [3, 6]", got)
	}
}

func TestATRPct_NotEnoughData(t *testing.T) {
	if got := ATRPct(closes(1, 2), 14); got != 0 {
		t.Errorf("ATRPct = %v, want 0", got)
	}
}

func TestADX_TrendingVsFlat(t *testing.T) {
	trending := make([]domain.Candle, 40)
	for i := range trending {
		base := 100 + float64(i)*2
		trending[i] = domain.Candle{High: base + 1, Low: base - 1, Close: base}
	}
	flat := make([]domain.Candle, 40)
	for i := range flat {
		offset := float64(i%2) * 0.5
		flat[i] = domain.Candle{High: 101 + offset, Low: 99 + offset, Close: 100 + offset}
	}

	adxTrend := ADX(trending, 14)
	adxFlat := ADX(flat, 14)

	if adxTrend <= adxFlat {
		t.Errorf("ADX trend (%v) should exceed ADX flat (%v)", adxTrend, adxFlat)
	}
	if adxTrend < 25 {
		t.Errorf("ADX of a monotone trend = %v, want >= 25", adxTrend)
	}
}

func TestADX_NotEnoughData(t *testing.T) {
	if got := ADX(closes(1, 2, 3), 14); got != 0 {
		t.Errorf("ADX = %v, want 0", got)
	}
}

func TestBollinger(t *testing.T) {
	c := closes(2, 4, 4, 4, 5, 5, 7, 9)
	mid, upper, lower, ok := Bollinger(c, 8, 2)
	if !ok {
		t.Fatal("Bollinger ok = false")
	}
	if math.Abs(mid-5) > 1e-9 {
		t.Errorf("mid = %v, want 5", mid)
	}
	// Стандартное отклонение выборки ровно 2
	if math.Abs(upper-9) > 1e-9 {
		t.Errorf("upper = %v, want 9", upper)
	}
	if math.Abs(lower-1) > 1e-9 {
		t.Errorf("lower = %v, want 1", lower)
	}
}

func TestBollingerBreakout(t *testing.T) {
	flat := closes(100, 100.2, 99.8, 100.1, 99.9, 100, 100.1, 99.9, 100, 100.05)

	breakout := append(append([]domain.Candle{}, flat...), domain.Candle{Close: 110, High: 110, Low: 110})
	if !BollingerBreakout(breakout, 10, 2) {
		t.Error("expected breakout above upper band")
	}

	quiet := append(append([]domain.Candle{}, flat...), domain.Candle{Close: 100.1, High: 100.1, Low: 100.1})
	if BollingerBreakout(quiet, 10, 2) {
		t.Error("did not expect breakout for an in-band close")
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"median", []float64{1, 2, 3, 4, 5}, 50, 3},
		{"p10 interpolated", []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, 10, 19},
		{"p90 interpolated", []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, 90, 91},
		{"below range", []float64{5, 1, 3}, 0, 1},
		{"above range", []float64{5, 1, 3}, 100, 5},
		{"empty", nil, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Percentile(tt.values, tt.p)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Percentile(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
			}
		})
	}
}
