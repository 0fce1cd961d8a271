package grid

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

// stubGateway минимальная заглушка биржи для тестов сетки
type stubGateway struct {
	exchange.Gateway
	filters *exchange.SymbolFilters
	candles []domain.Candle
}

func (s *stubGateway) GetSymbolFilters(_ context.Context, symbol string) (*exchange.SymbolFilters, error) {
	if s.filters == nil {
		return nil, errors.New("no filters")
	}
	return s.filters, nil
}

func (s *stubGateway) GetKlines(_ context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return s.candles, nil
}

func flatCandles(n int, low, high, close float64) []domain.Candle {
	out := make([]domain.Candle, n)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = domain.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour),
			Open:     close,
			High:     high,
			Low:      low,
			Close:    close,
		}
	}
	return out
}

func testEngine(gw *stubGateway, cfg Config) *Engine {
	return NewEngine(gw, nil, nil, nil, nil, nil, utils.NewLoggerTo(io.Discard, "error"), cfg)
}

func TestBuildLadder_Geometric(t *testing.T) {
	levels, prices := buildLadder(100, 121, 3, 0.4)

	require.Equal(t, 3, levels)
	require.Len(t, prices, 3)
	assert.InDelta(t, 100, prices[0], 1e-9)
	assert.InDelta(t, 110, prices[1], 1e-9)
	assert.Equal(t, 121.0, prices[2], "верхняя граница пришпиливается точно")

	// Шаг между соседними уровнями постоянный в отношении
	r1 := prices[1] / prices[0]
	r2 := prices[2] / prices[1]
	assert.InDelta(t, r1, r2, 1e-9)
}

func TestBuildLadder_ClampsLevels(t *testing.T) {
	// 2% диапазон не вмещает 10 уровней с шагом 0.5%
	levels, prices := buildLadder(100, 102, 10, 0.5)

	require.Equal(t, 4, levels)
	require.Len(t, prices, 4)
	for i := 1; i < len(prices); i++ {
		stepPct := (prices[i]/prices[i-1] - 1) * 100
		assert.GreaterOrEqual(t, stepPct, 0.5-1e-9)
	}
}

func TestBuildLadder_RejectsTooNarrow(t *testing.T) {
	levels, prices := buildLadder(100, 100.1, 5, 0.5)

	assert.Equal(t, 1, levels)
	assert.Nil(t, prices)
}

func TestBuildLadder_PricesAscending(t *testing.T) {
	_, prices := buildLadder(50, 75, 8, 0.1)
	for i := 1; i < len(prices); i++ {
		assert.Greater(t, prices[i], prices[i-1])
	}
}

func TestPlan_BuildsGrid(t *testing.T) {
	gw := &stubGateway{
		filters: &exchange.SymbolFilters{
			Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
			TickSize: 0.01, StepSize: 0.0001, MinQty: 0.0001, MinNotional: 5,
		},
		candles: flatCandles(48, 100, 110, 105),
	}
	e := testEngine(gw, DefaultConfig("USDT"))

	grid, err := e.Plan(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, domain.GridStopped, grid.Status)
	assert.InDelta(t, 100, grid.LowerPrice, 1e-9)
	assert.InDelta(t, 110, grid.UpperPrice, 1e-9)
	assert.Equal(t, 12, grid.Levels)
	assert.Len(t, grid.Prices, 12)

	// Бюджет делится поровну на levels-1 слотов
	assert.InDelta(t, e.cfg.AllocationHome/11, grid.OrderNotionalHome, 1e-9)
	assert.InDelta(t, e.cfg.AllocationHome, grid.Performance.QuoteVirtual, 1e-9)
	assert.InDelta(t, 0, grid.Performance.BaseVirtual, 1e-9)
}

func TestPlan_RejectsNarrowRange(t *testing.T) {
	gw := &stubGateway{
		filters: &exchange.SymbolFilters{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
		candles: flatCandles(48, 100, 101, 100.5), // 1% < MinRangePct 3%
	}
	e := testEngine(gw, DefaultConfig("USDT"))

	_, err := e.Plan(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrRangeRejected)
}

func TestPlan_RejectsTrendingMarket(t *testing.T) {
	candles := flatCandles(48, 100, 110, 105)
	candles[0].Close = 100
	candles[len(candles)-1].Close = 109 // движение 9 при диапазоне 10

	gw := &stubGateway{
		filters: &exchange.SymbolFilters{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
		candles: candles,
	}
	e := testEngine(gw, DefaultConfig("USDT"))

	_, err := e.Plan(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrRangeRejected)
}

func TestPlan_RejectsShortHistory(t *testing.T) {
	gw := &stubGateway{
		filters: &exchange.SymbolFilters{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"},
		candles: flatCandles(10, 100, 110, 105),
	}
	e := testEngine(gw, DefaultConfig("USDT"))

	_, err := e.Plan(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrRangeRejected)
}

func TestCommitted(t *testing.T) {
	grid := &domain.GridState{
		Orders: map[int]*domain.GridOrder{
			0: {Side: domain.SideBuy, Price: 100, Quantity: 1},
			1: {Side: domain.SideBuy, Price: 105, Quantity: 2},
			5: {Side: domain.SideSell, Price: 120, Quantity: 0.5},
		},
	}

	quote, base := committed(grid)
	assert.InDelta(t, 100*1+105*2, quote, 1e-9)
	assert.InDelta(t, 0.5, base, 1e-9)
}

func TestDefaultConfigRatios(t *testing.T) {
	cfg := DefaultConfig("USDT")
	// Геометрический шаг дефолтной сетки должен проходить собственный минимум
	ratio := math.Pow(1+cfg.MaxRangePct/100, 1/float64(cfg.Levels-1))
	assert.GreaterOrEqual(t, (ratio-1)*100, cfg.MinStepPct)
}
