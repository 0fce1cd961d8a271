package pnl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

// SymbolPnL атрибуция окна по одному символу (home-валюта)
type SymbolPnL struct {
	Symbol         string  `json:"symbol"`
	RealizedHome   float64 `json:"realized_home"`
	UnrealizedHome float64 `json:"unrealized_home"`
	FeesHome       float64 `json:"fees_home"`
	TotalHome      float64 `json:"total_home"`
}

// Report итог сверки PnL за окно [Start, End]
type Report struct {
	Start            time.Time   `json:"start"`
	End              time.Time   `json:"end"`
	HomeAsset        string      `json:"home_asset"`
	RealizedHome     float64     `json:"realized_home"`
	UnrealizedHome   float64     `json:"unrealized_home"`
	FeesHome         float64     `json:"fees_home"`
	EquityChangeHome float64     `json:"equity_change_home"`
	ResidualHome     float64     `json:"residual_home"`
	PerSymbol        []SymbolPnL `json:"per_symbol"`
	Notes            []string    `json:"notes"`
	Narrative        string      `json:"narrative"`
}

// Engine сверяет леджер исполнений с экономикой портфеля. Читает только
// durable-леджер и историю цен; живое состояние процесса не трогает.
type Engine struct {
	fills   domain.FillRepository
	equity  domain.EquityRepository
	gateway exchange.Gateway
	logger  *utils.Logger
	home    string
}

func NewEngine(fills domain.FillRepository, equity domain.EquityRepository, gateway exchange.Gateway, logger *utils.Logger, home string) *Engine {
	return &Engine{
		fills:   fills,
		equity:  equity,
		gateway: gateway,
		logger:  logger,
		home:    home,
	}
}

// klineHistoryLimit максимум часовых свечей, запрашиваемых за раз у биржи.
// Старт окна глубже этого горизонта опирается на самую старую доступную свечу.
const klineHistoryLimit = 1000

// Window строит отчет за окно [start, now]
func (e *Engine) Window(ctx context.Context, start time.Time) (*Report, error) {
	now := time.Now()
	fills, err := e.fills.GetRange(time.Time{}, now)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать леджер: %w", err)
	}
	fills = Dedup(fills)

	pairs := collectPairs(fills, e.home)
	endPrices := e.fetchPrices(ctx, pairs, nil)
	startPrices := e.fetchPrices(ctx, pairs, &start)

	result := replay(fills, start, e.home, startPrices, endPrices)

	report := &Report{
		Start:     start,
		End:       now,
		HomeAsset: e.home,
	}
	e.fold(report, &result)
	if now.Sub(start) > klineHistoryLimit*time.Hour {
		report.Notes = append(report.Notes,
			"window start beyond kline history, start prices approximated by oldest candle")
	}
	e.attachEquity(report, start)
	report.Narrative = narrate(report)
	return report, nil
}

// fold собирает оконные дельты из двух снапшотов
func (e *Engine) fold(report *Report, result *replayResult) {
	noteSet := make(map[string]bool)
	for symbol, endSnap := range result.end.symbols {
		startSnap := result.start.symbols[symbol]

		if endSnap.fxMissing || startSnap.fxMissing {
			// Нет FX-курса до home: символ исключается из итогов
			noteSet[fmt.Sprintf("missing FX rate for %s, symbol excluded", symbol)] = true
			continue
		}
		if endSnap.priceMissing || startSnap.priceMissing {
			noteSet[fmt.Sprintf("missing price for %s, unrealized excluded", symbol)] = true
		}

		row := SymbolPnL{
			Symbol:         symbol,
			RealizedHome:   endSnap.realizedHome - startSnap.realizedHome,
			UnrealizedHome: endSnap.unrealizedHome - startSnap.unrealizedHome,
			FeesHome:       endSnap.feesHome - startSnap.feesHome,
		}
		row.TotalHome = row.RealizedHome + row.UnrealizedHome - row.FeesHome

		report.RealizedHome += row.RealizedHome
		report.UnrealizedHome += row.UnrealizedHome
		report.FeesHome += row.FeesHome
		report.PerSymbol = append(report.PerSymbol, row)
	}

	for _, symbol := range result.oversold {
		noteSet[fmt.Sprintf("sells exceeded tracked inventory for %s", symbol)] = true
	}
	for note := range noteSet {
		report.Notes = append(report.Notes, note)
	}
	sort.Strings(report.Notes)

	// Атрибуция ранжируется по абсолютному вкладу
	sort.Slice(report.PerSymbol, func(i, j int) bool {
		return math.Abs(report.PerSymbol[i].TotalHome) > math.Abs(report.PerSymbol[j].TotalHome)
	})
}

// attachEquity подтягивает границы окна из снапшотов капитала и считает
// residual = equityChange - сумма компонент (дрейф учета)
func (e *Engine) attachEquity(report *Report, start time.Time) {
	startSnap, err := e.equity.LastBefore(start)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("Не удалось получить стартовый снапшот капитала: %v", err)
		}
		report.Notes = append(report.Notes, "no equity snapshot at window start, residual unavailable")
		return
	}
	endSnap, err := e.equity.Latest()
	if err != nil {
		report.Notes = append(report.Notes, "no equity snapshot at window end, residual unavailable")
		return
	}

	report.EquityChangeHome = endSnap.EquityHome - startSnap.EquityHome
	report.ResidualHome = report.EquityChangeHome -
		(report.RealizedHome + report.UnrealizedHome - report.FeesHome)
}

// fetchPrices загружает цены пар ограниченно-параллельно. at=nil дает
// текущие цены; иначе берется свеча, покрывающая момент at.
func (e *Engine) fetchPrices(ctx context.Context, pairs []string, at *time.Time) PriceFunc {
	var mu sync.Mutex
	prices := make(map[string]float64, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			price, err := e.priceAt(gctx, pair, at)
			if err != nil {
				// Отсутствующая пара — ожидаемо для многоходовой конверсии
				return nil
			}
			mu.Lock()
			prices[pair] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return func(pair string) (float64, bool) {
		price, ok := prices[pair]
		return price, ok
	}
}

func (e *Engine) priceAt(ctx context.Context, pair string, at *time.Time) (float64, error) {
	if at == nil {
		return e.gateway.GetPrice(ctx, pair)
	}
	hours := int(time.Since(*at).Hours()) + 2
	if hours > klineHistoryLimit {
		hours = klineHistoryLimit
	}
	candles, err := e.gateway.GetKlines(ctx, pair, "60", hours)
	if err != nil {
		return 0, err
	}
	for _, c := range candles {
		if !c.OpenTime.Before(*at) {
			return c.Open, nil
		}
	}
	if len(candles) > 0 {
		return candles[len(candles)-1].Close, nil
	}
	return 0, fmt.Errorf("no klines for %s", pair)
}

// collectPairs собирает все пары, которые могут понадобиться снапшотам:
// сами символы, пары quote/home в обе стороны и ходы через посредников
func collectPairs(fills []domain.TradeFill, home string) []string {
	set := make(map[string]bool)
	quotes := make(map[string]bool)
	for _, f := range fills {
		set[f.Symbol] = true
		if f.QuoteAsset != "" && f.QuoteAsset != home {
			quotes[f.QuoteAsset] = true
		}
	}
	for quote := range quotes {
		set[quote+home] = true
		set[home+quote] = true
		for _, mid := range domain.IntermediateAssets {
			if mid == quote || mid == home {
				continue
			}
			set[quote+mid] = true
			set[mid+quote] = true
			set[mid+home] = true
			set[home+mid] = true
		}
	}

	pairs := make([]string, 0, len(set))
	for pair := range set {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	return pairs
}

// narrate собирает человекочитаемое объяснение из знаков компонент
func narrate(r *Report) string {
	net := r.RealizedHome + r.UnrealizedHome - r.FeesHome
	var verdict string
	switch {
	case net > 0 && r.RealizedHome >= 0:
		verdict = "profit driven by closed trades"
	case net > 0:
		verdict = "profit driven by open positions marking up"
	case net < 0 && r.UnrealizedHome < 0:
		verdict = "loss mostly from open positions marking down"
	case net < 0 && r.RealizedHome < 0:
		verdict = "loss locked in by closed trades"
	default:
		verdict = "flat window"
	}
	if r.FeesHome > 0 && r.FeesHome > math.Abs(r.RealizedHome)/2 {
		verdict += "; fee drag is significant"
	}
	return fmt.Sprintf("%s: realized %+.2f, unrealized %+.2f, fees %.2f %s (residual %+.2f)",
		verdict, r.RealizedHome, r.UnrealizedHome, r.FeesHome, r.HomeAsset, r.ResidualHome)
}
