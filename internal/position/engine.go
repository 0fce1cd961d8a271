package position

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/internal/execution"
	"github.com/kirillm/trade-pilot/internal/state"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

// Mode режим работы движка
type Mode string

const (
	// ModeSingle один слот позиции на горизонт для одного символа
	ModeSingle Mode = "single"
	// ModePortfolio много символов под общим аллокационным лимитом
	ModePortfolio Mode = "portfolio"
)

// Config параметры движка позиций
type Config struct {
	Mode              Mode
	Symbol            string // обязателен для ModeSingle
	HomeAsset         string
	MaxPositions      int
	AllocationCapHome float64
	Cooldown          time.Duration
	MinConfidence     float64
	RiskOffSentiment  float64
	Blacklist         []string
	QuoteWhitelist    []string
}

// DefaultConfig дефолтные параметры портфельного режима
func DefaultConfig(homeAsset string) Config {
	return Config{
		Mode:              ModePortfolio,
		HomeAsset:         homeAsset,
		MaxPositions:      5,
		AllocationCapHome: 1000,
		Cooldown:          4 * time.Hour,
		MinConfidence:     0.55,
		RiskOffSentiment:  -0.5,
		QuoteWhitelist:    []string{"USDT", "USDC"},
	}
}

// SignalProvider upstream-источник рекомендаций (advisory слой)
type SignalProvider interface {
	Signals(ctx context.Context) ([]domain.Signal, error)
}

// OrderObserver получает уведомления об ордерах для fill-sync
type OrderObserver interface {
	Observe(symbol, orderID string)
}

// Engine управляет жизненным циклом позиций: открытие, выход, сверка
// с живыми балансами
type Engine struct {
	gateway   exchange.Gateway
	executor  *execution.Executor
	store     *state.Store
	prices    *execution.PriceCache
	observer  OrderObserver
	decisions domain.DecisionRepository
	logger    *utils.Logger
	cfg       Config
}

func NewEngine(
	gateway exchange.Gateway,
	executor *execution.Executor,
	store *state.Store,
	prices *execution.PriceCache,
	observer OrderObserver,
	decisions domain.DecisionRepository,
	logger *utils.Logger,
	cfg Config,
) *Engine {
	return &Engine{
		gateway:   gateway,
		executor:  executor,
		store:     store,
		prices:    prices,
		observer:  observer,
		decisions: decisions,
		logger:    logger,
		cfg:       cfg,
	}
}

// Tick один проход движка: сверка, затем строго выход-перед-входом.
// За тик коммитится не больше одного действия (кроме macro risk-off,
// который закрывает весь портфель разом).
func (e *Engine) Tick(ctx context.Context, decision domain.RiskDecision, signals []domain.Signal) {
	if err := e.Reconcile(ctx); err != nil {
		e.logger.Warn("Сверка позиций не удалась, тик пропущен: %v", err)
		return
	}

	exited, err := e.evaluateExits(ctx, signals)
	if err != nil {
		e.logger.Error("Ошибка оценки выходов: %v", err)
		return
	}
	if exited {
		return
	}

	if decision.EntriesPaused || e.executor.KillSwitch().IsActive() || e.store.EmergencyStop() {
		return
	}
	if err := e.evaluateEntries(ctx, signals); err != nil {
		e.logger.Error("Ошибка оценки входов: %v", err)
	}
}

// Reconcile обрезает или удаляет каждую позицию, чей записанный размер
// превышает живой биржевой баланс — до любых действий, чтобы не торговать
// на протухшем инвентаре.
func (e *Engine) Reconcile(ctx context.Context) error {
	positions := e.store.Positions()
	if len(positions) == 0 {
		return nil
	}

	balances, err := e.gateway.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("не удалось получить балансы: %w", err)
	}

	for _, p := range positions {
		if p.Venue != domain.VenueSpot {
			continue
		}
		live := balances[p.BaseAsset].Free + balances[p.BaseAsset].Locked

		filters, err := e.gateway.GetSymbolFilters(ctx, p.Symbol)
		if err != nil {
			e.logger.Warn("Сверка %s: нет фильтров: %v", p.Symbol, err)
			continue
		}

		switch {
		case live < filters.MinQty:
			// Баланс испарился или округлился в пыль
			e.logger.Warn("Позиция %s: живой баланс %.8f ниже минимума, позиция снята", p.Key(), live)
			if err := e.store.DeletePosition(p.Key()); err != nil {
				e.logger.Error("Не удалось удалить позицию %s: %v", p.Key(), err)
			}
		case live < p.Size:
			e.logger.Warn("Позиция %s: размер %.8f урезан до живого баланса %.8f", p.Key(), p.Size, live)
			p.Size = live
			if err := e.store.SetPosition(&p); err != nil {
				e.logger.Error("Не удалось сохранить позицию %s: %v", p.Key(), err)
			}
		}
	}
	return nil
}

// evaluateExits проверяет выходы в порядке приоритета: macro risk-off,
// затем SL/TP, затем смена стороны сигнала или символьный halt.
// Возвращает true если был выход (вход в этом тике уже не рассматривается).
func (e *Engine) evaluateExits(ctx context.Context, signals []domain.Signal) (bool, error) {
	positions := e.store.Positions()
	if len(positions) == 0 {
		return false, nil
	}

	// Macro risk-off закрывает все позиции
	if sentiment, ok := aggregateSentiment(signals); ok && sentiment <= e.cfg.RiskOffSentiment {
		e.logger.Warn("Macro risk-off (sentiment %.2f): закрываю все позиции", sentiment)
		for _, p := range positions {
			e.closePosition(ctx, &p, fmt.Sprintf("macro risk-off: sentiment %.2f", sentiment))
		}
		return true, nil
	}

	bySignal := make(map[string]domain.Signal, len(signals))
	for _, s := range signals {
		bySignal[s.Symbol+":"+s.Horizon] = s
	}

	for _, p := range positions {
		price, err := e.prices.Get(ctx, p.Symbol)
		if err != nil {
			e.logger.Warn("Выходы %s: нет цены: %v", p.Symbol, err)
			continue
		}

		if reason, triggered := priceExit(&p, price); triggered {
			e.closePosition(ctx, &p, reason)
			return true, nil
		}

		if s, ok := bySignal[p.Key()]; ok {
			if s.Halt {
				e.closePosition(ctx, &p, "trade halt for symbol")
				return true, nil
			}
			if s.Side != "" && s.Side != p.Side {
				e.closePosition(ctx, &p, fmt.Sprintf("strategy side flip to %s", s.Side))
				return true, nil
			}
		}
	}
	return false, nil
}

// priceExit проверяет stop-loss и take-profit против текущей цены
func priceExit(p *domain.Position, price float64) (string, bool) {
	if p.Side == domain.SideBuy {
		if p.StopLoss > 0 && price <= p.StopLoss {
			return fmt.Sprintf("stop-loss: %.8f <= %.8f", price, p.StopLoss), true
		}
		for _, tp := range p.TakeProfit {
			if tp > 0 && price >= tp {
				return fmt.Sprintf("take-profit: %.8f >= %.8f", price, tp), true
			}
		}
		return "", false
	}
	// SELL позиция (futures): зеркальные условия
	if p.StopLoss > 0 && price >= p.StopLoss {
		return fmt.Sprintf("stop-loss: %.8f >= %.8f", price, p.StopLoss), true
	}
	for _, tp := range p.TakeProfit {
		if tp > 0 && price <= tp {
			return fmt.Sprintf("take-profit: %.8f <= %.8f", price, tp), true
		}
	}
	return "", false
}

// Close закрывает позицию по ключу symbol:horizon (императивный вход для
// внешнего слоя)
func (e *Engine) Close(ctx context.Context, key, reason string) error {
	p, ok := e.store.Position(key)
	if !ok {
		return fmt.Errorf("позиция %s: %w", key, domain.ErrNotFound)
	}
	e.closePosition(ctx, &p, reason)
	return nil
}

// closePosition снимает защитный ордер, продает размер позиции и удаляет её.
// Закрытие терминально для ключа до нового открытия.
func (e *Engine) closePosition(ctx context.Context, p *domain.Position, reason string) {
	if p.OCOOrderID != "" {
		if err := e.gateway.CancelOrder(ctx, p.Symbol, p.OCOOrderID); err != nil {
			e.logger.Warn("Не удалось отменить защитный ордер %s: %v", p.OCOOrderID, err)
		}
	}

	closeSide := domain.SideSell
	if p.Side == domain.SideSell {
		closeSide = domain.SideBuy
	}
	result, err := e.executor.Place(ctx, execution.OrderRequest{
		Symbol: p.Symbol,
		Side:   closeSide,
		Qty:    p.Size,
	})
	if err != nil {
		e.logger.Error("Не удалось закрыть позицию %s: %v", p.Key(), err)
		e.record(p.Symbol, domain.ActionError, fmt.Sprintf("close failed: %v", err))
		return
	}
	e.observer.Observe(p.Symbol, result.OrderID)

	if err := e.store.DeletePosition(p.Key()); err != nil {
		e.logger.Error("Не удалось удалить позицию %s: %v", p.Key(), err)
	}
	e.markTraded(p.Key())
	e.record(p.Symbol, domain.ActionClose, reason)
	e.logger.Info("Позиция %s закрыта: %s", p.Key(), reason)
}

// record пишет запись решения; сбой журнала не прерывает работу
func (e *Engine) record(symbol, action, reason string) {
	rec := &domain.DecisionRecord{
		At:     time.Now(),
		Symbol: symbol,
		Action: action,
		Reason: reason,
	}
	if err := e.decisions.Save(rec); err != nil {
		e.logger.Warn("Не удалось сохранить решение: %v", err)
	}
	if err := e.store.UpdateMeta(func(m *domain.PayloadMeta) {
		m.LastDecision = rec
	}); err != nil {
		e.logger.Warn("Не удалось обновить meta: %v", err)
	}
}

func (e *Engine) markTraded(key string) {
	if err := e.store.UpdateMeta(func(m *domain.PayloadMeta) {
		if m.LastTradeAt == nil {
			m.LastTradeAt = make(map[string]time.Time)
		}
		m.LastTradeAt[key] = time.Now()
	}); err != nil {
		e.logger.Warn("Не удалось обновить cooldown: %v", err)
	}
}

// aggregateSentiment усредняет сентимент по сигналам
func aggregateSentiment(signals []domain.Signal) (float64, bool) {
	if len(signals) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range signals {
		sum += s.Sentiment
	}
	return sum / float64(len(signals)), true
}

// isStablePair сообщает, что и база и квота — стейблкоины
func isStablePair(base, quote string) bool {
	return isStable(base) && isStable(quote)
}

func isStable(asset string) bool {
	switch strings.ToUpper(asset) {
	case "USDT", "USDC", "DAI", "TUSD", "FDUSD", "BUSD":
		return true
	}
	return false
}
