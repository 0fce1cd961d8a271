package grid

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/internal/execution"
)

// ReconcileAll прогоняет сверку по всем запущенным сеткам. Ошибка одной
// сетки переводит её в статус error (повтор на следующем тике) и не трогает
// остальные.
func (e *Engine) ReconcileAll(ctx context.Context, buyPaused bool) {
	for _, grid := range e.store.Grids() {
		if grid.Status != domain.GridRunning && grid.Status != domain.GridError {
			continue
		}
		grid := grid
		if err := e.reconcile(ctx, &grid, buyPaused); err != nil {
			e.logger.Error("Сверка сетки %s: %v", grid.Symbol, err)
			grid.Status = domain.GridError
			if saveErr := e.store.SetGrid(&grid); saveErr != nil {
				e.logger.Error("Не удалось сохранить статус сетки %s: %v", grid.Symbol, saveErr)
			}
			continue
		}
	}
}

// reconcile выполняет один проход сверки для одной сетки
func (e *Engine) reconcile(ctx context.Context, grid *domain.GridState, buyPaused bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic в сверке %s: %v", grid.Symbol, r)
		}
	}()

	price, err := e.gateway.GetPrice(ctx, grid.Symbol)
	if err != nil {
		return fmt.Errorf("не удалось получить цену: %w", err)
	}

	// Сетка в error после успешного получения цены возвращается в работу
	grid.Status = domain.GridRunning

	// 1. Пробой диапазона: терминальный переход в stopped
	buffer := e.cfg.BreakoutBufferPct / 100
	if price < grid.LowerPrice*(1-buffer) || price > grid.UpperPrice*(1+buffer) {
		reason := fmt.Sprintf("breakout: price %.8f outside [%.8f, %.8f]",
			price, grid.LowerPrice, grid.UpperPrice)
		e.logger.Warn("Сетка %s: цена %.8f вне диапазона [%.8f, %.8f], остановка",
			grid.Symbol, price, grid.LowerPrice, grid.UpperPrice)
		e.cancelAll(ctx, grid)
		if e.cfg.LiquidateOnBreakout {
			e.liquidateBase(ctx, grid)
		}
		grid.Performance.Breakouts++
		grid.Status = domain.GridStopped
		e.revalue(grid, price)
		e.record(grid.Symbol, domain.ActionGridStop, reason)
		if e.notifier != nil {
			e.notifier.GridStopped(grid.Symbol, reason)
		}
		return e.store.SetGrid(grid)
	}

	// 2. Бутстрап базового инвентаря к целевой доле
	if !buyPaused {
		e.bootstrap(ctx, grid, price)
	}

	// 3. Сверка отслеживаемых ордеров с открытыми на бирже
	open, err := e.syncOrders(ctx, grid)
	if err != nil {
		return err
	}

	// 4. Размещение недостающих уровней
	if err := e.placeMissing(ctx, grid, price, buyPaused, open); err != nil {
		return err
	}

	// Переоценка по текущей цене выполняется на каждом тике
	e.revalue(grid, price)
	return e.store.SetGrid(grid)
}

// bootstrap доводит долю базового актива до целевого процента рыночной
// покупкой; сбой логируется и пропускается
func (e *Engine) bootstrap(ctx context.Context, grid *domain.GridState, price float64) {
	if e.cfg.BootstrapBasePct <= 0 {
		return
	}
	perf := &grid.Performance
	total := perf.BaseVirtual*price + perf.QuoteVirtual
	if total <= 0 {
		return
	}
	basePct := perf.BaseVirtual * price / total * 100
	if basePct >= e.cfg.BootstrapBasePct {
		return
	}

	deficitHome := (e.cfg.BootstrapBasePct - basePct) / 100 * total
	if deficitHome > perf.QuoteVirtual {
		deficitHome = perf.QuoteVirtual
	}
	qty := deficitHome / price
	result, err := e.executor.Place(ctx, execution.OrderRequest{
		Symbol: grid.Symbol,
		Side:   domain.SideBuy,
		Qty:    qty,
	})
	if err != nil {
		e.logger.Debug("Бутстрап %s пропущен: %v", grid.Symbol, err)
		return
	}
	e.observer.Observe(grid.Symbol, result.OrderID)

	perf.BaseVirtual += result.Qty
	perf.QuoteVirtual -= result.Qty * price
	if perf.QuoteVirtual < 0 {
		perf.QuoteVirtual = 0
	}
	perf.FeesHome += result.Qty * price * e.cfg.FeePctEstimate / 100
	e.logger.Info("Бутстрап %s: куплено %.8f @ %.8f", grid.Symbol, result.Qty, price)
}

// syncOrders сверяет локальную карту ордеров с открытыми на бирже: пропавшие
// ордера ограниченно перепроверяются на исполнение и складываются в
// виртуальный леджер. Возвращает список живых ордеров для placeMissing.
func (e *Engine) syncOrders(ctx context.Context, grid *domain.GridState) ([]exchange.OrderInfo, error) {
	open, err := e.gateway.GetOpenOrders(ctx, grid.Symbol)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить открытые ордера: %w", err)
	}

	liveByID := make(map[string]bool, len(open))
	now := time.Now()
	for _, o := range open {
		liveByID[o.OrderID] = true
	}

	requeried := 0
	for level, order := range grid.Orders {
		if liveByID[order.OrderID] {
			order.LastSeenAt = now
			continue
		}

		// Ордер пропал из открытых. Ограниченное число перепроверок за тик;
		// остальные уходят в очередь пропавших ордеров.
		if requeried >= e.cfg.RequeryPerTick {
			e.observer.ObserveMissing(grid.Symbol, order.OrderID)
			delete(grid.Orders, level)
			continue
		}
		requeried++

		info, err := e.gateway.GetOrder(ctx, grid.Symbol, order.OrderID)
		if err != nil {
			e.logger.Warn("Сетка %s: ордер %s не найден: %v", grid.Symbol, order.OrderID, err)
			e.observer.ObserveMissing(grid.Symbol, order.OrderID)
			delete(grid.Orders, level)
			continue
		}

		if info.Status == "Filled" || info.ExecutedQty > 0 {
			e.applyFill(grid, order, info.ExecutedQty, info.AvgPrice)
			e.observer.Observe(grid.Symbol, order.OrderID)
			// orderId остается привязан к уровню до этого момента, поэтому
			// одно и то же исполнение не может быть учтено дважды
			delete(grid.Orders, level)
			continue
		}
		if !info.IsTerminal() {
			// Ордер жив, просто не попал в выдачу открытых; оставляем
			order.LastSeenAt = now
			continue
		}
		delete(grid.Orders, level)
	}
	return open, nil
}

// applyFill аддитивно применяет исполнение к виртуальному леджеру.
// BaseVirtual/QuoteVirtual не уходят в минус.
func (e *Engine) applyFill(grid *domain.GridState, order *domain.GridOrder, qty, avgPrice float64) {
	if qty <= 0 {
		qty = order.Quantity
	}
	if avgPrice <= 0 {
		avgPrice = order.Price
	}
	perf := &grid.Performance
	notional := qty * avgPrice

	if order.Side == domain.SideBuy {
		perf.BaseVirtual += qty
		perf.QuoteVirtual -= notional
		if perf.QuoteVirtual < 0 {
			perf.QuoteVirtual = 0
		}
		perf.FillsBuy++
	} else {
		perf.BaseVirtual -= qty
		if perf.BaseVirtual < 0 {
			perf.BaseVirtual = 0
		}
		perf.QuoteVirtual += notional
		perf.FillsSell++
	}
	perf.FeesHome += notional * e.cfg.FeePctEstimate / 100
	e.logger.Info("Сетка %s: исполнен %s %.8f @ %.8f", grid.Symbol, order.Side, qty, avgPrice)
}

// placeMissing размещает лимитные ордера на непокрытых уровнях. Уровень
// покрыт, если за ним числится отслеживаемый ордер ИЛИ на бирже уже висит
// живой ордер по этой цене (потеря карты после рестарта или неполной
// синхронизации не должна дублировать реальный инвентарь).
func (e *Engine) placeMissing(ctx context.Context, grid *domain.GridState, price float64, buyPaused bool, open []exchange.OrderInfo) error {
	committedQuote, committedBase := committed(grid)
	gap := e.cfg.GapBandPct / 100
	placed := 0

	for level, levelPrice := range grid.Prices {
		if placed >= e.cfg.MaxNewOrdersPerTick {
			break
		}
		if _, ok := grid.Orders[level]; ok {
			continue
		}
		if coveredByLive(open, levelPrice) {
			continue
		}
		// Полоса без торговли вокруг текущей цены
		if math.Abs(levelPrice-price)/price < gap {
			continue
		}

		side := domain.SideSell
		if levelPrice < price {
			side = domain.SideBuy
		}
		if side == domain.SideBuy && buyPaused {
			continue
		}

		qty := grid.OrderNotionalHome / levelPrice

		// Бюджет, уже закоммиченный в другие открытые ордера, тратить нельзя
		if side == domain.SideBuy {
			if grid.Performance.QuoteVirtual-committedQuote < qty*levelPrice {
				continue
			}
		} else {
			if grid.Performance.BaseVirtual-committedBase < qty {
				continue
			}
		}

		result, err := e.executor.Place(ctx, execution.OrderRequest{
			Symbol: grid.Symbol,
			Side:   side,
			Qty:    qty,
			Price:  levelPrice,
		})
		if err != nil {
			// Нарушение фильтров или отказ биржи: пропускаем уровень
			e.logger.Debug("Сетка %s: уровень %d пропущен: %v", grid.Symbol, level, err)
			continue
		}

		now := time.Now()
		grid.Orders[level] = &domain.GridOrder{
			OrderID:    result.OrderID,
			Side:       side,
			Price:      result.Price,
			Quantity:   result.Qty,
			PlacedAt:   now,
			LastSeenAt: now,
		}
		if side == domain.SideBuy {
			committedQuote += result.Qty * result.Price
		} else {
			committedBase += result.Qty
		}
		e.observer.Observe(grid.Symbol, result.OrderID)
		placed++
	}
	return nil
}

// coveredByLive сообщает, что на уровне уже висит живой биржевой ордер.
// Живые цены округлены под тик, поэтому сравнение с малым допуском.
func coveredByLive(open []exchange.OrderInfo, levelPrice float64) bool {
	for _, o := range open {
		if math.Abs(o.Price-levelPrice) <= levelPrice*1e-4 {
			return true
		}
	}
	return false
}

// committed суммирует бюджет, занятый открытыми ордерами
func committed(grid *domain.GridState) (quote, base float64) {
	for _, order := range grid.Orders {
		if order.Side == domain.SideBuy {
			quote += order.Quantity * order.Price
		} else {
			base += order.Quantity
		}
	}
	return quote, base
}

// revalue переоценивает инвентарь по текущей цене
func (e *Engine) revalue(grid *domain.GridState, price float64) {
	perf := &grid.Performance
	perf.LastValueHome = perf.BaseVirtual*price + perf.QuoteVirtual
	perf.PnLHome = perf.LastValueHome - perf.StartValueHome - perf.FeesHome
	if perf.StartValueHome > 0 {
		perf.PnLPct = perf.PnLHome / perf.StartValueHome * 100
	}
}
