package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
)

var (
	ErrKillSwitchActive = errors.New("kill switch is active")
	ErrDustQuantity     = errors.New("quantity rounds to dust")
)

// OrderRequest запрос на размещение ордера
type OrderRequest struct {
	Symbol string
	Side   string
	Qty    float64
	// Price > 0 дает лимитный ордер, иначе рыночный
	Price float64
}

// OrderResult результат исполнения. Возвращается всегда, даже при отказе —
// Reason пригоден для показа оператору.
type OrderResult struct {
	Success    bool
	OrderID    string
	Qty        float64
	Price      float64
	ExecutedAt time.Time
	Reason     string
	Err        error
}

// Executor проводит все мутационные вызовы к бирже: проверка kill switch,
// округление под биржевые фильтры, минимумы qty/notional.
type Executor struct {
	gateway    exchange.Gateway
	killSwitch *KillSwitch
}

func NewExecutor(gateway exchange.Gateway, killSwitch *KillSwitch) *Executor {
	return &Executor{
		gateway:    gateway,
		killSwitch: killSwitch,
	}
}

// KillSwitch возвращает управляемый kill switch
func (e *Executor) KillSwitch() *KillSwitch {
	return e.killSwitch
}

// Place размещает ордер, приведя количество к фильтрам символа.
// RiskIncreasing-ордера (покупки) блокируются активным kill switch;
// продажи (сокращение риска) проходят всегда.
func (e *Executor) Place(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Side == domain.SideBuy && e.killSwitch.IsActive() {
		return &OrderResult{
			Success:    false,
			ExecutedAt: time.Now(),
			Reason:     "kill switch active",
			Err:        ErrKillSwitchActive,
		}, ErrKillSwitchActive
	}

	filters, err := e.gateway.GetSymbolFilters(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить фильтры %s: %w", req.Symbol, err)
	}

	refPrice := req.Price
	if refPrice <= 0 {
		refPrice, err = e.gateway.GetPrice(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("не удалось получить цену %s: %w", req.Symbol, err)
		}
	}

	qty, err := ClampQty(req.Qty, refPrice, filters)
	if err != nil {
		return &OrderResult{
			Success:    false,
			ExecutedAt: time.Now(),
			Reason:     err.Error(),
			Err:        err,
		}, err
	}

	var info *exchange.OrderInfo
	if req.Price > 0 {
		price := RoundToTick(req.Price, filters.TickSize)
		info, err = e.gateway.PlaceLimitOrder(ctx, req.Symbol, req.Side, qty, price)
	} else {
		info, err = e.gateway.PlaceMarketOrder(ctx, req.Symbol, req.Side, qty)
	}
	if err != nil {
		return &OrderResult{
			Success:    false,
			ExecutedAt: time.Now(),
			Reason:     "exchange rejected order",
			Err:        err,
		}, err
	}

	return &OrderResult{
		Success:    true,
		OrderID:    info.OrderID,
		Qty:        qty,
		Price:      info.Price,
		ExecutedAt: time.Now(),
		Reason:     "ok",
	}, nil
}

// ClampQty округляет количество вниз к шагу лота и проверяет минимумы.
// Возвращает ErrDustQuantity / ErrBelowMinNotional когда ордер невозможен.
func ClampQty(qty, price float64, filters *exchange.SymbolFilters) (float64, error) {
	rounded := RoundToStep(qty, filters.StepSize)
	if rounded <= 0 || rounded < filters.MinQty {
		return 0, ErrDustQuantity
	}
	if price > 0 && rounded*price < filters.MinNotional {
		return 0, domain.ErrBelowMinNotional
	}
	return rounded, nil
}

// RoundToStep округляет вниз до кратного шагу лота
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

// RoundToTick округляет цену до кратного тику
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
