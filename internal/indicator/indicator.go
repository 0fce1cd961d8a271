// Package indicator implements the technical helpers used by the risk
// governor and the grid range builder:
//
//	EMA(c, n)        – exponential moving average of Close
//	ATRPct(c, n)     – average true range as a percent of the last Close
//	ADX(c, n)        – average directional index (Wilder's smoothing)
//	Bollinger(c, n, k) – middle/upper/lower bands over Close
//	Percentile(v, p) – linear-interpolated percentile of a sample
//
// All functions take a slice of domain.Candle ordered oldest-first and are
// allocation-light; they run on every tick.
package indicator

import (
	"math"
	"sort"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// EMA returns the n-period exponential moving average of Close, aligned to c.
// Indices before the first full window are NaN.
func EMA(c []domain.Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) < n {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := 0; i < n; i++ {
		out[i] = math.NaN()
		sum += c[i].Close
	}
	k := 2.0 / float64(n+1)
	prev := sum / float64(n)
	out[n-1] = prev
	for i := n; i < len(c); i++ {
		prev = c[i].Close*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// ATRPct returns the n-period average true range expressed as a percent of
// the final Close. Returns 0 when there is not enough data.
func ATRPct(c []domain.Candle, n int) float64 {
	if n <= 0 || len(c) < n+1 {
		return 0
	}
	var atr float64
	for i := 1; i <= n; i++ {
		atr += trueRange(c[i], c[i-1])
	}
	atr /= float64(n)
	for i := n + 1; i < len(c); i++ {
		// Wilder smoothing
		atr = (atr*float64(n-1) + trueRange(c[i], c[i-1])) / float64(n)
	}
	last := c[len(c)-1].Close
	if last == 0 {
		return 0
	}
	return atr / last * 100
}

func trueRange(cur, prev domain.Candle) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// ADX returns the final n-period average directional index.
// Returns 0 when fewer than 2n+1 candles are supplied.
func ADX(c []domain.Candle, n int) float64 {
	if n <= 0 || len(c) < 2*n+1 {
		return 0
	}
	var trN, plusN, minusN float64
	dxs := make([]float64, 0, len(c))
	for i := 1; i < len(c); i++ {
		upMove := c[i].High - c[i-1].High
		downMove := c[i-1].Low - c[i].Low
		var plusDM, minusDM float64
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(c[i], c[i-1])

		if i <= n {
			trN += tr
			plusN += plusDM
			minusN += minusDM
			if i < n {
				continue
			}
		} else {
			trN = trN - trN/float64(n) + tr
			plusN = plusN - plusN/float64(n) + plusDM
			minusN = minusN - minusN/float64(n) + minusDM
		}

		if trN == 0 {
			dxs = append(dxs, 0)
			continue
		}
		plusDI := plusN / trN * 100
		minusDI := minusN / trN * 100
		sum := plusDI + minusDI
		if sum == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, math.Abs(plusDI-minusDI)/sum*100)
	}
	if len(dxs) < n {
		return 0
	}
	var adx float64
	for i := 0; i < n; i++ {
		adx += dxs[i]
	}
	adx /= float64(n)
	for i := n; i < len(dxs); i++ {
		adx = (adx*float64(n-1) + dxs[i]) / float64(n)
	}
	return adx
}

// Bollinger returns the middle band (SMA), upper and lower bands over the
// last n closes with k standard deviations. ok is false without enough data.
func Bollinger(c []domain.Candle, n int, k float64) (mid, upper, lower float64, ok bool) {
	if n <= 0 || len(c) < n {
		return 0, 0, 0, false
	}
	var sum float64
	for i := len(c) - n; i < len(c); i++ {
		sum += c[i].Close
	}
	mid = sum / float64(n)
	var variance float64
	for i := len(c) - n; i < len(c); i++ {
		d := c[i].Close - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(n))
	return mid, mid + k*sd, mid - k*sd, true
}

// BollingerBreakout reports whether the last close is outside the k-sigma
// bands over the previous n candles (the last candle is excluded from the
// band computation).
func BollingerBreakout(c []domain.Candle, n int, k float64) bool {
	if len(c) < n+1 {
		return false
	}
	_, upper, lower, ok := Bollinger(c[:len(c)-1], n, k)
	if !ok {
		return false
	}
	last := c[len(c)-1].Close
	return last > upper || last < lower
}

// Percentile computes the p-th percentile (0..100) of values with linear
// interpolation. Returns 0 on empty input.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Lows returns the Low of every candle.
func Lows(c []domain.Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].Low
	}
	return out
}

// Highs returns the High of every candle.
func Highs(c []domain.Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].High
	}
	return out
}
