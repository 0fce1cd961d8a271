package grid

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/internal/execution"
	"github.com/kirillm/trade-pilot/internal/indicator"
	"github.com/kirillm/trade-pilot/internal/state"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

// Config параметры grid-движка
type Config struct {
	HomeAsset           string
	Levels              int
	AllocationHome      float64
	MinRangePct         float64
	MaxRangePct         float64
	TrendRatioCap       float64
	MinStepPct          float64
	BreakoutBufferPct   float64
	LiquidateOnBreakout bool
	BootstrapBasePct    float64
	FeePctEstimate      float64 // оценка комиссии на исполнение, % от notional
	GapBandPct          float64
	MaxNewOrdersPerTick int
	RequeryPerTick      int
	KlineInterval       string
	KlineLimit          int
}

// DefaultConfig дефолтные параметры сетки
func DefaultConfig(homeAsset string) Config {
	return Config{
		HomeAsset:           homeAsset,
		Levels:              12,
		AllocationHome:      500,
		MinRangePct:         3,
		MaxRangePct:         40,
		TrendRatioCap:       0.6,
		MinStepPct:          0.4,
		BreakoutBufferPct:   1.0,
		LiquidateOnBreakout: true,
		BootstrapBasePct:    40,
		FeePctEstimate:      0.1, // спотовый taker Bybit
		GapBandPct:          0.25,
		MaxNewOrdersPerTick: 4,
		RequeryPerTick:      5,
		KlineInterval:       "60",
		KlineLimit:          168,
	}
}

// OrderObserver получает уведомление о каждом ордере, замеченном движком.
// Реализуется fill-sync очередью.
type OrderObserver interface {
	Observe(symbol, orderID string)
	ObserveMissing(symbol, orderID string)
}

// Notifier получает уведомления об остановках сеток. Может быть nil.
type Notifier interface {
	GridStopped(symbol, reason string)
}

// Engine управляет сетками лимитных ордеров: одна сетка на символ против
// фиксированного home-бюджета
type Engine struct {
	gateway   exchange.Gateway
	executor  *execution.Executor
	store     *state.Store
	observer  OrderObserver
	decisions domain.DecisionRepository
	notifier  Notifier
	logger    *utils.Logger
	cfg       Config
}

func NewEngine(
	gateway exchange.Gateway,
	executor *execution.Executor,
	store *state.Store,
	observer OrderObserver,
	decisions domain.DecisionRepository,
	notifier Notifier,
	logger *utils.Logger,
	cfg Config,
) *Engine {
	return &Engine{
		gateway:   gateway,
		executor:  executor,
		store:     store,
		observer:  observer,
		decisions: decisions,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
	}
}

// record пишет запись решения в журнал; сбой журнала не прерывает работу
func (e *Engine) record(symbol, action, reason string) {
	if e.decisions == nil {
		return
	}
	if err := e.decisions.Save(&domain.DecisionRecord{
		At:     time.Now(),
		Symbol: symbol,
		Action: action,
		Reason: reason,
	}); err != nil {
		e.logger.Warn("Не удалось сохранить решение по сетке %s: %v", symbol, err)
	}
}

// Plan строит сетку по авто-диапазону из недавних klines.
// Возвращает ErrRangeRejected если диапазон не проходит проверки.
func (e *Engine) Plan(ctx context.Context, symbol string) (*domain.GridState, error) {
	filters, err := e.gateway.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить фильтры %s: %w", symbol, err)
	}

	candles, err := e.gateway.GetKlines(ctx, symbol, e.cfg.KlineInterval, e.cfg.KlineLimit)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить klines %s: %w", symbol, err)
	}
	if len(candles) < 20 {
		return nil, fmt.Errorf("%w: недостаточно свечей (%d)", domain.ErrRangeRejected, len(candles))
	}

	lower := indicator.Percentile(indicator.Lows(candles), 10)
	upper := indicator.Percentile(indicator.Highs(candles), 90)
	if lower <= 0 || upper <= lower {
		return nil, fmt.Errorf("%w: вырожденный диапазон [%.8f, %.8f]", domain.ErrRangeRejected, lower, upper)
	}

	rangePct := (upper - lower) / lower * 100
	if rangePct < e.cfg.MinRangePct || rangePct > e.cfg.MaxRangePct {
		return nil, fmt.Errorf("%w: ширина диапазона %.2f%% вне [%.2f%%, %.2f%%]",
			domain.ErrRangeRejected, rangePct, e.cfg.MinRangePct, e.cfg.MaxRangePct)
	}

	// Направленное движение за окно относительно ширины диапазона:
	// трендовый рынок сетке противопоказан
	move := math.Abs(candles[len(candles)-1].Close - candles[0].Close)
	trendRatio := move / (upper - lower)
	if trendRatio > e.cfg.TrendRatioCap {
		return nil, fmt.Errorf("%w: trend-ratio %.2f превышает предел %.2f",
			domain.ErrRangeRejected, trendRatio, e.cfg.TrendRatioCap)
	}

	levels, prices := buildLadder(lower, upper, e.cfg.Levels, e.cfg.MinStepPct)
	if levels < 2 {
		return nil, fmt.Errorf("%w: меньше 2 уровней после зажима шага", domain.ErrRangeRejected)
	}

	now := time.Now()
	grid := &domain.GridState{
		Symbol:            symbol,
		Status:            domain.GridStopped,
		BaseAsset:         filters.BaseAsset,
		QuoteAsset:        filters.QuoteAsset,
		HomeAsset:         e.cfg.HomeAsset,
		LowerPrice:        lower,
		UpperPrice:        upper,
		Levels:            levels,
		Prices:            prices,
		OrderNotionalHome: e.cfg.AllocationHome / float64(levels-1),
		AllocationHome:    e.cfg.AllocationHome,
		Orders:            make(map[int]*domain.GridOrder),
		Performance: domain.GridPerformance{
			QuoteVirtual:   e.cfg.AllocationHome,
			StartValueHome: e.cfg.AllocationHome,
			LastValueHome:  e.cfg.AllocationHome,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return grid, nil
}

// buildLadder строит геометрическую лестницу цен; число уровней зажимается
// вниз пока шаг между соседними уровнями меньше минимального
func buildLadder(lower, upper float64, levels int, minStepPct float64) (int, []float64) {
	if levels < 2 {
		levels = 2
	}
	for levels > 2 {
		ratio := math.Pow(upper/lower, 1/float64(levels-1))
		if (ratio-1)*100 >= minStepPct {
			break
		}
		levels--
	}
	ratio := math.Pow(upper/lower, 1/float64(levels-1))
	if (ratio-1)*100 < minStepPct {
		return 1, nil // даже 2 уровня не дают минимальный шаг
	}

	prices := make([]float64, levels)
	for i := 0; i < levels; i++ {
		prices[i] = lower * math.Pow(ratio, float64(i))
	}
	prices[levels-1] = upper // защита от дрейфа плавающей точки
	return levels, prices
}

// Start строит и запускает сетку для символа
func (e *Engine) Start(ctx context.Context, symbol string) (*domain.GridState, error) {
	if e.store.EmergencyStop() {
		e.record(symbol, domain.ActionSkip, "grid start refused: emergency stop")
		return nil, domain.ErrEmergencyStop
	}
	if existing, ok := e.store.Grid(symbol); ok && existing.Status == domain.GridRunning {
		return nil, fmt.Errorf("сетка %s уже запущена", symbol)
	}

	grid, err := e.Plan(ctx, symbol)
	if err != nil {
		e.record(symbol, domain.ActionSkip, fmt.Sprintf("grid start rejected: %v", err))
		return nil, err
	}
	grid.Status = domain.GridRunning
	if err := e.store.SetGrid(grid); err != nil {
		return nil, fmt.Errorf("не удалось сохранить сетку %s: %w", symbol, err)
	}

	e.record(symbol, domain.ActionGridStart,
		fmt.Sprintf("%d levels, range [%.8f, %.8f], budget %.2f %s",
			grid.Levels, grid.LowerPrice, grid.UpperPrice, grid.AllocationHome, grid.HomeAsset))
	e.logger.Info("Сетка %s запущена: %d уровней, диапазон [%.8f, %.8f], бюджет %.2f %s",
		symbol, grid.Levels, grid.LowerPrice, grid.UpperPrice, grid.AllocationHome, grid.HomeAsset)
	return grid, nil
}

// Stop останавливает сетку: отменяет ордера и опционально ликвидирует базу.
// Остановленная сетка требует явного рестарта.
func (e *Engine) Stop(ctx context.Context, symbol string, liquidate bool) error {
	grid, ok := e.store.Grid(symbol)
	if !ok {
		return fmt.Errorf("сетка %s: %w", symbol, domain.ErrNotFound)
	}

	e.cancelAll(ctx, &grid)
	if liquidate {
		e.liquidateBase(ctx, &grid)
	}

	grid.Status = domain.GridStopped
	if err := e.store.SetGrid(&grid); err != nil {
		return fmt.Errorf("не удалось сохранить сетку %s: %w", symbol, err)
	}

	reason := "manual stop"
	if liquidate {
		reason = "manual stop with liquidation"
	}
	e.record(symbol, domain.ActionGridStop, reason)
	if e.notifier != nil {
		e.notifier.GridStopped(symbol, reason)
	}
	e.logger.Info("Сетка %s остановлена", symbol)
	return nil
}

// cancelAll отменяет все отслеживаемые ордера; отдельные сбои логируются и
// пропускаются
func (e *Engine) cancelAll(ctx context.Context, grid *domain.GridState) {
	for level, order := range grid.Orders {
		if err := e.gateway.CancelOrder(ctx, grid.Symbol, order.OrderID); err != nil {
			e.logger.Warn("Не удалось отменить ордер %s уровня %d: %v", order.OrderID, level, err)
		}
		e.observer.Observe(grid.Symbol, order.OrderID)
		delete(grid.Orders, level)
	}
}

// liquidateBase продает виртуальный базовый остаток в home-актив и сразу
// отражает продажу в виртуальном леджере
func (e *Engine) liquidateBase(ctx context.Context, grid *domain.GridState) {
	if grid.Performance.BaseVirtual <= 0 {
		return
	}
	price, err := e.gateway.GetPrice(ctx, grid.Symbol)
	if err != nil {
		e.logger.Warn("Ликвидация %s: нет цены: %v", grid.Symbol, err)
		return
	}
	result, err := e.executor.Place(ctx, execution.OrderRequest{
		Symbol: grid.Symbol,
		Side:   domain.SideSell,
		Qty:    grid.Performance.BaseVirtual,
	})
	if err != nil {
		e.logger.Warn("Ликвидация %s не удалась: %v", grid.Symbol, err)
		return
	}
	e.observer.Observe(grid.Symbol, result.OrderID)

	grid.Performance.QuoteVirtual += result.Qty * price
	grid.Performance.BaseVirtual -= result.Qty
	if grid.Performance.BaseVirtual < 0 {
		grid.Performance.BaseVirtual = 0
	}
	grid.Performance.FeesHome += result.Qty * price * e.cfg.FeePctEstimate / 100
	e.logger.Info("Ликвидирован базовый остаток %s: %.8f @ %.8f", grid.Symbol, result.Qty, price)
}
