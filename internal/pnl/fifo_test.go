package pnl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillm/trade-pilot/internal/domain"
)

func at(min int) time.Time {
	return time.Date(2026, 3, 1, 10, min, 0, 0, time.UTC)
}

func fill(minute int, symbol, side string, qty, price float64, tradeID string) domain.TradeFill {
	return domain.TradeFill{
		At:         at(minute),
		Symbol:     symbol,
		Module:     domain.ModulePortfolio,
		Side:       side,
		Qty:        qty,
		Price:      price,
		Notional:   qty * price,
		QuoteAsset: "USDT",
		OrderID:    "ord-" + tradeID,
		TradeID:    tradeID,
	}
}

func flatPrices(prices map[string]float64) PriceFunc {
	return func(pair string) (float64, bool) {
		p, ok := prices[pair]
		return p, ok
	}
}

func TestBook_FIFOMatching(t *testing.T) {
	b := &book{symbol: "BTCUSDT", quoteAsset: "USDT"}

	// BUY 1 @ 100, BUY 1 @ 110, SELL 1.5 @ 120
	b.applyBuy(1, 100)
	b.applyBuy(1, 110)
	b.applySell(1.5, 120)

	// (120-100)*1 + (120-110)*0.5 = 25
	assert.InDelta(t, 25, b.realizedQuote, 1e-9)
	require.Len(t, b.lots, 1)
	assert.InDelta(t, 0.5, b.lots[0].qty, 1e-9)
	assert.InDelta(t, 110, b.lots[0].price, 1e-9)
	assert.False(t, b.oversold)

	// Остаток 0.5 @ 110 по цене 130: нереализованные 10
	assert.InDelta(t, 10, b.unrealizedQuote(130), 1e-9)
}

func TestBook_OversoldFlagged(t *testing.T) {
	b := &book{symbol: "BTCUSDT"}

	b.applyBuy(1, 100)
	b.applySell(2, 120)

	assert.True(t, b.oversold)
	// Реализация считается только по отслеживаемому инвентарю
	assert.InDelta(t, 20, b.realizedQuote, 1e-9)
	assert.Empty(t, b.lots)
}

func TestDedup_TradeIDFirstWins(t *testing.T) {
	fills := []domain.TradeFill{
		fill(1, "BTCUSDT", domain.SideBuy, 1, 100, "t1"),
		fill(1, "BTCUSDT", domain.SideBuy, 1, 100, "t1"), // дубль
		fill(2, "BTCUSDT", domain.SideSell, 0.5, 120, "t2"),
	}

	out := Dedup(fills)

	require.Len(t, out, 2)
	assert.Equal(t, "t1", out[0].TradeID)
	assert.Equal(t, "t2", out[1].TradeID)
}

func TestDedup_OrderKeyMonotonicMerge(t *testing.T) {
	early := fill(1, "BTCUSDT", domain.SideBuy, 0.4, 100, "")
	later := fill(1, "BTCUSDT", domain.SideBuy, 1.0, 101, "")
	later.Notional = 101
	later.FeesHome = 0.2

	out := Dedup([]domain.TradeFill{early, later})

	// Агрегатная строка с большим qty побеждает частичную
	require.Len(t, out, 1)
	assert.InDelta(t, 1.0, out[0].Qty, 1e-9)
	assert.InDelta(t, 101, out[0].Notional, 1e-9)
	assert.InDelta(t, 0.2, out[0].FeesHome, 1e-9)

	// Идемпотентность: повторный прогон ничего не меняет
	again := Dedup(out)
	require.Len(t, again, 1)
	assert.Equal(t, out[0], again[0])
}

func TestDedup_SortsByTime(t *testing.T) {
	fills := []domain.TradeFill{
		fill(5, "BTCUSDT", domain.SideSell, 1, 120, "t2"),
		fill(1, "BTCUSDT", domain.SideBuy, 1, 100, "t1"),
	}

	out := Dedup(fills)

	require.Len(t, out, 2)
	assert.Equal(t, "t1", out[0].TradeID)
	assert.Equal(t, "t2", out[1].TradeID)
}

func TestReplay_WindowDeltas(t *testing.T) {
	fills := []domain.TradeFill{
		fill(0, "BTCUSDT", domain.SideBuy, 1, 100, "t1"),
		fill(10, "BTCUSDT", domain.SideBuy, 1, 110, "t2"),
		fill(20, "BTCUSDT", domain.SideSell, 1.5, 120, "t3"),
	}

	// Окно начинается перед вторым исполнением
	startPrices := flatPrices(map[string]float64{"BTCUSDT": 105})
	endPrices := flatPrices(map[string]float64{"BTCUSDT": 125})
	result := replay(fills, at(5), "USDT", startPrices, endPrices)

	start := result.start.symbols["BTCUSDT"]
	end := result.end.symbols["BTCUSDT"]

	// На границе окна: один лот 1 @ 100, цена 105
	assert.InDelta(t, 0, start.realizedHome, 1e-9)
	assert.InDelta(t, 5, start.unrealizedHome, 1e-9)

	// В конце: реализовано 25, остаток 0.5 @ 110 по цене 125
	assert.InDelta(t, 25, end.realizedHome, 1e-9)
	assert.InDelta(t, 7.5, end.unrealizedHome, 1e-9)
	assert.Empty(t, result.oversold)
}

func TestReplay_NoFillsInsideWindow(t *testing.T) {
	fills := []domain.TradeFill{
		fill(0, "BTCUSDT", domain.SideBuy, 1, 100, "t1"),
	}

	startPrices := flatPrices(map[string]float64{"BTCUSDT": 105})
	endPrices := flatPrices(map[string]float64{"BTCUSDT": 110})
	result := replay(fills, at(30), "USDT", startPrices, endPrices)

	// Стартовый снапшот строится по конечному состоянию и стартовым ценам
	start := result.start.symbols["BTCUSDT"]
	end := result.end.symbols["BTCUSDT"]
	assert.InDelta(t, 5, start.unrealizedHome, 1e-9)
	assert.InDelta(t, 10, end.unrealizedHome, 1e-9)
}

func TestReplay_MissingPriceFlagged(t *testing.T) {
	fills := []domain.TradeFill{
		fill(10, "BTCUSDT", domain.SideBuy, 1, 100, "t1"),
	}

	noPrices := flatPrices(nil)
	result := replay(fills, at(0), "USDT", noPrices, noPrices)

	end := result.end.symbols["BTCUSDT"]
	assert.True(t, end.priceMissing)
	assert.InDelta(t, 0, end.unrealizedHome, 1e-9)
}

func TestReplay_ForeignQuoteConverted(t *testing.T) {
	f := fill(10, "ETHBTC", domain.SideBuy, 2, 0.05, "t1")
	f.QuoteAsset = "BTC"
	sell := fill(20, "ETHBTC", domain.SideSell, 2, 0.06, "t2")
	sell.QuoteAsset = "BTC"

	prices := flatPrices(map[string]float64{
		"ETHBTC":  0.06,
		"BTCUSDT": 50000,
	})
	result := replay([]domain.TradeFill{f, sell}, at(0), "USDT", prices, prices)

	end := result.end.symbols["ETHBTC"]
	// Реализовано 0.02 BTC * 50000 = 1000 USDT
	assert.False(t, end.fxMissing)
	assert.InDelta(t, 1000, end.realizedHome, 1e-6)
}

func TestReplay_MissingFXFlagged(t *testing.T) {
	f := fill(10, "XYZEUR", domain.SideBuy, 1, 100, "t1")
	f.QuoteAsset = "EUR"

	prices := flatPrices(map[string]float64{"XYZEUR": 100})
	result := replay([]domain.TradeFill{f}, at(0), "USDT", prices, prices)

	end := result.end.symbols["XYZEUR"]
	assert.True(t, end.fxMissing)
	assert.InDelta(t, 0, end.realizedHome, 1e-9)
}
