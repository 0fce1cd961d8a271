package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/internal/execution"
)

// evaluateEntries перебирает кандидатов по убыванию уверенности и коммитит
// не больше одного входа. Ожидаемые отказы по кандидату (минимумы биржи,
// нехватка баланса) пропускают кандидата; неожиданная ошибка прерывает
// весь проход.
func (e *Engine) evaluateEntries(ctx context.Context, signals []domain.Signal) error {
	candidates := make([]domain.Signal, 0, len(signals))
	for _, s := range signals {
		if reason, ok := e.admit(&s); !ok {
			e.logger.Debug("Кандидат %s отклонен: %s", s.Symbol, reason)
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	positions := e.store.Positions()
	if e.cfg.MaxPositions > 0 && len(positions) >= e.cfg.MaxPositions {
		return nil
	}
	usedHome := 0.0
	for _, p := range positions {
		usedHome += p.NotionalHome
	}
	budgetHome := e.cfg.AllocationCapHome - usedHome
	if budgetHome <= 0 {
		return nil
	}

	balances, err := e.gateway.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("не удалось получить балансы: %w", err)
	}

	for _, candidate := range candidates {
		opened, err := e.tryOpen(ctx, &candidate, budgetHome, balances)
		if err != nil {
			if isCandidateSkip(err) {
				e.logger.Debug("Вход %s пропущен: %v", candidate.Symbol, err)
				continue
			}
			return err
		}
		if opened {
			// Один вход на тик; следующие кандидаты ждут следующего тика
			return nil
		}
	}
	return nil
}

// admit применяет фильтры допуска кандидата
func (e *Engine) admit(s *domain.Signal) (string, bool) {
	if e.cfg.Mode == ModeSingle && s.Symbol != e.cfg.Symbol {
		return "not the configured symbol", false
	}
	if s.Side != domain.SideBuy {
		return "only long spot entries", false
	}
	if s.Halt {
		return "symbol halted", false
	}
	if s.Confidence < e.cfg.MinConfidence {
		return fmt.Sprintf("confidence %.2f below %.2f", s.Confidence, e.cfg.MinConfidence), false
	}
	for _, blocked := range e.cfg.Blacklist {
		if s.Symbol == blocked {
			return "blacklisted", false
		}
	}
	if _, exists := e.store.Position(s.Symbol + ":" + s.Horizon); exists {
		return "already positioned", false
	}

	meta := e.store.Meta()
	if last, ok := meta.LastTradeAt[s.Symbol+":"+s.Horizon]; ok {
		if time.Since(last) < e.cfg.Cooldown {
			return "cooldown not elapsed", false
		}
	}
	return "", true
}

// tryOpen пытается открыть позицию по кандидату
func (e *Engine) tryOpen(ctx context.Context, s *domain.Signal, budgetHome float64, balances map[string]exchange.Balance) (bool, error) {
	filters, err := e.gateway.GetSymbolFilters(ctx, s.Symbol)
	if err != nil {
		return false, fmt.Errorf("не удалось получить фильтры %s: %w", s.Symbol, err)
	}
	if !e.quoteAllowed(filters.QuoteAsset) {
		return false, nil
	}
	if isStablePair(filters.BaseAsset, filters.QuoteAsset) {
		return false, nil
	}

	price, err := e.prices.Get(ctx, s.Symbol)
	if err != nil {
		return false, fmt.Errorf("%w: нет цены %s", errSkipCandidate, s.Symbol)
	}

	// Размер: предложение стратегии, зажатое бюджетом и ликвидностью квоты
	qty := s.SuggestedQty
	if budgetQty := budgetHome / price; qty <= 0 || qty > budgetQty {
		qty = budgetQty
	}

	freeQuote := balances[filters.QuoteAsset].Free
	if freeQuote < qty*price && filters.QuoteAsset != e.cfg.HomeAsset {
		// Одна конверсия home -> quote на той же площадке
		converted, err := e.convert(ctx, e.cfg.HomeAsset, filters.QuoteAsset, qty*price-freeQuote, balances)
		if err != nil {
			e.logger.Debug("Конверсия для %s не удалась: %v", s.Symbol, err)
		}
		freeQuote += converted
	}
	if liquidityQty := freeQuote / price; qty > liquidityQty {
		qty = liquidityQty
	}
	if qty <= 0 {
		return false, fmt.Errorf("%w: нет ликвидности для %s", errSkipCandidate, s.Symbol)
	}

	result, err := e.executor.Place(ctx, execution.OrderRequest{
		Symbol: s.Symbol,
		Side:   domain.SideBuy,
		Qty:    qty,
	})
	if err != nil {
		return false, err
	}
	e.observer.Observe(s.Symbol, result.OrderID)

	position := &domain.Position{
		Symbol:       s.Symbol,
		Horizon:      s.Horizon,
		Side:         domain.SideBuy,
		EntryPrice:   price,
		Size:         result.Qty,
		StopLoss:     s.StopLoss,
		TakeProfit:   append([]float64(nil), s.TakeProfit...),
		BaseAsset:    filters.BaseAsset,
		QuoteAsset:   filters.QuoteAsset,
		HomeAsset:    e.cfg.HomeAsset,
		NotionalHome: result.Qty * price,
		Venue:        domain.VenueSpot,
		OpenedAt:     time.Now(),
	}

	// Позиция сохраняется до постановки защитного ордера: сбой OCO не должен
	// потерять живую позицию
	if err := e.store.SetPosition(position); err != nil {
		return false, fmt.Errorf("не удалось сохранить позицию %s: %w", position.Key(), err)
	}
	e.markTraded(position.Key())
	e.record(s.Symbol, domain.ActionOpen,
		fmt.Sprintf("entry %s qty %.8f @ %.8f (confidence %.2f)", s.Horizon, result.Qty, price, s.Confidence))

	e.armProtection(ctx, position)
	e.logger.Info("Открыта позиция %s: %.8f @ %.8f", position.Key(), result.Qty, price)
	return true, nil
}

// armProtection ставит OCO stop-loss/take-profit; сбой только логируется
func (e *Engine) armProtection(ctx context.Context, p *domain.Position) {
	if p.StopLoss <= 0 && len(p.TakeProfit) == 0 {
		return
	}
	takeProfit := 0.0
	if len(p.TakeProfit) > 0 {
		takeProfit = p.TakeProfit[0]
	}
	info, err := e.gateway.PlaceProtectiveOrder(ctx, p.Symbol, p.Size, p.StopLoss, takeProfit)
	if err != nil {
		e.logger.Warn("Не удалось поставить защитный ордер %s: %v", p.Key(), err)
		return
	}
	p.OCOOrderID = info.OrderID
	if err := e.store.SetPosition(p); err != nil {
		e.logger.Error("Не удалось сохранить OCO id %s: %v", p.Key(), err)
	}
}

// Open императивно открывает позицию по сигналу (внешний слой)
func (e *Engine) Open(ctx context.Context, s *domain.Signal) error {
	if reason, ok := e.admit(s); !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, reason)
	}
	balances, err := e.gateway.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("не удалось получить балансы: %w", err)
	}
	opened, err := e.tryOpen(ctx, s, e.cfg.AllocationCapHome, balances)
	if err != nil {
		return err
	}
	if !opened {
		return fmt.Errorf("%w: кандидат отфильтрован", domain.ErrInvalidInput)
	}
	return nil
}

// convert покупает need единиц квотного актива за home через прямую пару.
// Возвращает фактически купленное количество.
func (e *Engine) convert(ctx context.Context, home, quote string, need float64, balances map[string]exchange.Balance) (float64, error) {
	if balances[home].Free <= 0 {
		return 0, domain.ErrInsufficientBalance
	}
	pair := quote + home // например USDTUSDC при home=USDC
	result, err := e.executor.Place(ctx, execution.OrderRequest{
		Symbol: pair,
		Side:   domain.SideBuy,
		Qty:    need,
	})
	if err != nil {
		return 0, err
	}
	e.observer.Observe(pair, result.OrderID)
	return result.Qty, nil
}

func (e *Engine) quoteAllowed(quote string) bool {
	if len(e.cfg.QuoteWhitelist) == 0 {
		return true
	}
	for _, allowed := range e.cfg.QuoteWhitelist {
		if quote == allowed {
			return true
		}
	}
	return false
}

// SweepUnused продает неиспользуемые базовые остатки в home-актив.
// Остаток неиспользуемый, если он не принадлежит открытой позиции или
// запущенной сетке. Пыль ниже биржевых минимумов остается лежать.
func (e *Engine) SweepUnused(ctx context.Context) (int, error) {
	balances, err := e.gateway.GetBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("не удалось получить балансы: %w", err)
	}

	inUse := map[string]bool{e.cfg.HomeAsset: true}
	for _, p := range e.store.Positions() {
		inUse[p.BaseAsset] = true
	}
	for _, g := range e.store.Grids() {
		if g.Status == domain.GridRunning {
			inUse[g.BaseAsset] = true
		}
	}

	swept := 0
	for asset, balance := range balances {
		if inUse[asset] || isStable(asset) || balance.Free <= 0 {
			continue
		}
		pair := asset + e.cfg.HomeAsset
		result, err := e.executor.Place(ctx, execution.OrderRequest{
			Symbol: pair,
			Side:   domain.SideSell,
			Qty:    balance.Free,
		})
		if err != nil {
			// Нет прямой пары или остаток пылевой: пропускаем актив
			e.logger.Debug("Sweep %s пропущен: %v", asset, err)
			continue
		}
		e.observer.Observe(pair, result.OrderID)
		e.record(pair, domain.ActionSweep, fmt.Sprintf("swept %.8f %s", result.Qty, asset))
		e.logger.Info("Sweep: продано %.8f %s", result.Qty, asset)
		swept++
	}
	return swept, nil
}

// errSkipCandidate помечает ожидаемый отказ по одному кандидату
var errSkipCandidate = errors.New("candidate skipped")

// isCandidateSkip отличает ожидаемый отказ по кандидату от неожиданной ошибки
func isCandidateSkip(err error) bool {
	return errors.Is(err, errSkipCandidate) ||
		errors.Is(err, execution.ErrDustQuantity) ||
		errors.Is(err, domain.ErrBelowMinNotional) ||
		errors.Is(err, domain.ErrInsufficientBalance) ||
		errors.Is(err, execution.ErrKillSwitchActive)
}
