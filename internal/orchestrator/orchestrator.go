package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/internal/execution"
	"github.com/kirillm/trade-pilot/internal/grid"
	"github.com/kirillm/trade-pilot/internal/indicator"
	"github.com/kirillm/trade-pilot/internal/pnl"
	"github.com/kirillm/trade-pilot/internal/position"
	"github.com/kirillm/trade-pilot/internal/risk"
	"github.com/kirillm/trade-pilot/internal/state"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

// Notifier внешний канал уведомлений. Может быть nil.
type Notifier interface {
	RiskStateChanged(d domain.RiskDecision)
	Emergency(text string)
}

// Config конфигурация цикла управления
type Config struct {
	Interval             time.Duration
	RepresentativeSymbol string // символ для трендовых индикаторов риск-машины
	HomeAsset            string
	FeeBurnWindow        time.Duration // окно расчета fee-burn
	PeakWindow           time.Duration // окно скользящего пика капитала для расчета просадки
	KlineInterval        string
	KlineLimit           int
	PrefetchLimit        int
}

func DefaultConfig() Config {
	return Config{
		Interval:             time.Minute,
		RepresentativeSymbol: "BTCUSDT",
		HomeAsset:            "USDT",
		FeeBurnWindow:        24 * time.Hour,
		PeakWindow:           7 * 24 * time.Hour,
		KlineInterval:        "60",
		KlineLimit:           100,
		PrefetchLimit:        4,
	}
}

// Orchestrator координатор торгового цикла: на каждом тике обновляет
// рыночный и риск-контекст, прогоняет риск-машину, затем сетки и позиции.
// Тики не перекрываются: если предыдущий еще идет, очередной пропускается.
type Orchestrator struct {
	gateway   exchange.Gateway
	store     *state.Store
	governor  *risk.Governor
	grids     *grid.Engine
	positions *position.Engine
	signals   position.SignalProvider
	prices    *execution.PriceCache
	equity    domain.EquityRepository
	fills     domain.FillRepository
	notifier  Notifier
	logger    *utils.Logger
	cfg       Config

	ticker    *time.Ticker
	stopChan  chan struct{}
	tickGuard chan struct{}
	isRunning bool
}

func New(
	gateway exchange.Gateway,
	store *state.Store,
	governor *risk.Governor,
	grids *grid.Engine,
	positions *position.Engine,
	signals position.SignalProvider,
	prices *execution.PriceCache,
	equity domain.EquityRepository,
	fills domain.FillRepository,
	notifier Notifier,
	logger *utils.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	guard := make(chan struct{}, 1)
	guard <- struct{}{}
	return &Orchestrator{
		gateway:   gateway,
		store:     store,
		governor:  governor,
		grids:     grids,
		positions: positions,
		signals:   signals,
		prices:    prices,
		equity:    equity,
		fills:     fills,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
		ticker:    time.NewTicker(cfg.Interval),
		stopChan:  make(chan struct{}),
		tickGuard: guard,
	}
}

// Start запускает цикл управления
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.isRunning {
		return fmt.Errorf("orchestrator уже запущен")
	}
	o.isRunning = true
	o.logger.Info("🚀 Цикл управления запущен (интервал %v)", o.cfg.Interval)

	go o.run(ctx)
	return nil
}

// Stop останавливает цикл управления
func (o *Orchestrator) Stop() {
	if !o.isRunning {
		return
	}
	o.logger.Info("🛑 Останавливаем цикл управления...")
	close(o.stopChan)
	o.ticker.Stop()
	o.isRunning = false
	o.logger.Info("✅ Цикл управления остановлен")
}

func (o *Orchestrator) run(ctx context.Context) {
	// Первый тик сразу после старта
	o.Tick(ctx)

	for {
		select {
		case <-o.ticker.C:
			if err := o.Tick(ctx); err != nil {
				o.logger.Warn("Тик пропущен: %v", err)
			}
		case <-o.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick выполняет один проход цикла. Возвращает ErrTickInProgress,
// если предыдущий тик еще не завершился.
func (o *Orchestrator) Tick(ctx context.Context) error {
	select {
	case <-o.tickGuard:
	default:
		return domain.ErrTickInProgress
	}
	defer func() { o.tickGuard <- struct{}{} }()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic в тике: %v", r)
		}
	}()

	o.prices.Reset()
	o.prices.Prefetch(ctx, o.tickSymbols(), o.cfg.PrefetchLimit)

	decision := o.refreshRisk(ctx)

	o.grids.ReconcileAll(ctx, decision.GridBuyPausedGlobal)

	signals := o.collectSignals(ctx)
	o.positions.Tick(ctx, decision, signals)
	return nil
}

// tickSymbols собирает все символы, цены которых понадобятся тику
func (o *Orchestrator) tickSymbols() []string {
	seen := map[string]bool{o.cfg.RepresentativeSymbol: true}
	for _, p := range o.store.Positions() {
		seen[p.Symbol] = true
	}
	for _, g := range o.store.Grids() {
		if g.Status == domain.GridRunning {
			seen[g.Symbol] = true
		}
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	return symbols
}

// refreshRisk пересчитывает капитал, базисы дня и пика, fee-burn и тренд,
// скармливает их риск-машине и сохраняет решение в payload. Любая ошибка
// подготовки входов оставляет предыдущее решение в силе.
func (o *Orchestrator) refreshRisk(ctx context.Context) domain.RiskDecision {
	previous := o.governor.Decision()

	inputs, err := o.gatherInputs(ctx)
	if err != nil {
		o.logger.Warn("Не удалось подготовить входы риск-машины: %v", err)
		return o.governor.Evaluate(nil)
	}

	decision := o.governor.Evaluate(inputs)

	if err := o.store.UpdateMeta(func(m *domain.PayloadMeta) {
		d := decision
		m.RiskDecision = &d
	}); err != nil {
		o.logger.Warn("Не удалось сохранить риск-решение: %v", err)
	}

	if decision.State != previous.State {
		o.logger.Info("⚖️ Риск-состояние: %s -> %s (причины: %v)",
			previous.State, decision.State, decision.Reasons)
		if o.notifier != nil {
			o.notifier.RiskStateChanged(decision)
		}
	}
	return decision
}

func (o *Orchestrator) gatherInputs(ctx context.Context) (*risk.Inputs, error) {
	equity, err := o.computeEquity(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := o.equity.Save(&domain.EquitySnapshot{
		At:         now,
		HomeAsset:  o.cfg.HomeAsset,
		EquityHome: equity,
	}); err != nil {
		o.logger.Warn("Не удалось сохранить снапшот капитала: %v", err)
	}

	var dayStart float64
	if err := o.store.UpdateMeta(func(m *domain.PayloadMeta) {
		day := now.Truncate(24 * time.Hour)
		if !m.DayStart.Equal(day) {
			m.DayStart = day
			m.DayStartEquity = equity
		}
		if equity > m.PeakEquity {
			m.PeakEquity = equity
		}
		dayStart = m.DayStartEquity
	}); err != nil {
		return nil, fmt.Errorf("не удалось обновить базисы капитала: %w", err)
	}

	trend, err := o.trendInputs(ctx)
	if err != nil {
		return nil, err
	}

	return &risk.Inputs{
		EquityHome:        equity,
		DayStartEquity:    dayStart,
		RollingPeakEquity: o.rollingPeak(now, equity),
		FeeBurnPct:        o.feeBurnPct(equity),
		Trend:             *trend,
		ManualHalt:        o.store.EmergencyStop(),
	}, nil
}

// rollingPeak максимум капитала за скользящее окно. Старые максимумы
// за пределами окна выходят из расчета, и просадка меряется от недавнего
// пика, а не от исторического. Текущий снапшот уже сохранен, но на случай
// ошибки чтения пик не опускается ниже текущего капитала.
func (o *Orchestrator) rollingPeak(now time.Time, equity float64) float64 {
	peak, err := o.equity.MaxSince(now.Add(-o.cfg.PeakWindow))
	if err != nil {
		o.logger.Warn("Не удалось прочитать пик капитала за окно: %v", err)
	}
	if peak < equity {
		peak = equity
	}
	return peak
}

// computeEquity сводит все балансы в home-валюту по текущим ценам
func (o *Orchestrator) computeEquity(ctx context.Context) (float64, error) {
	balances, err := o.gateway.GetBalances(ctx)
	if err != nil {
		return 0, fmt.Errorf("не удалось получить балансы: %w", err)
	}

	priceOf := func(pair string) (float64, bool) {
		price, err := o.prices.Get(ctx, pair)
		if err != nil || price <= 0 {
			return 0, false
		}
		return price, true
	}

	var total float64
	for asset, bal := range balances {
		qty := bal.Free + bal.Locked
		if qty <= 0 {
			continue
		}
		if asset == o.cfg.HomeAsset {
			total += qty
			continue
		}
		rate, ok := pnl.Rate(asset, o.cfg.HomeAsset, priceOf)
		if !ok {
			o.logger.Warn("Нет курса %s->%s, актив не учтен в капитале", asset, o.cfg.HomeAsset)
			continue
		}
		total += qty * rate
	}
	return total, nil
}

// feeBurnPct комиссии за окно в процентах от текущего капитала
func (o *Orchestrator) feeBurnPct(equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	now := time.Now()
	fills, err := o.fills.GetRange(now.Add(-o.cfg.FeeBurnWindow), now)
	if err != nil {
		o.logger.Warn("Не удалось прочитать леджер для fee-burn: %v", err)
		return 0
	}
	var fees float64
	for _, f := range fills {
		fees += f.FeesHome
	}
	return fees / equity * 100
}

// trendInputs считает трендовые индикаторы по репрезентативному символу
func (o *Orchestrator) trendInputs(ctx context.Context) (*risk.TrendInputs, error) {
	candles, err := o.gateway.GetKlines(ctx, o.cfg.RepresentativeSymbol, o.cfg.KlineInterval, o.cfg.KlineLimit)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить klines %s: %w", o.cfg.RepresentativeSymbol, err)
	}
	if len(candles) < 30 {
		return nil, fmt.Errorf("недостаточно истории %s: %d свечей", o.cfg.RepresentativeSymbol, len(candles))
	}

	emaFast := indicator.EMA(candles, 20)
	emaSlow := indicator.EMA(candles, 50)
	aligned := false
	if len(emaFast) > 0 && len(emaSlow) > 0 {
		aligned = emaFast[len(emaFast)-1] > emaSlow[len(emaSlow)-1]
	}

	return &risk.TrendInputs{
		ADX:               indicator.ADX(candles, 14),
		ATRPct:            indicator.ATRPct(candles, 14),
		BollingerBreakout: indicator.BollingerBreakout(candles, 20, 2),
		EMAAligned:        aligned,
	}, nil
}

func (o *Orchestrator) collectSignals(ctx context.Context) []domain.Signal {
	if o.signals == nil {
		return nil
	}
	signals, err := o.signals.Signals(ctx)
	if err != nil {
		o.logger.Warn("Провайдер сигналов недоступен: %v", err)
		return nil
	}
	return signals
}

// IsRunning проверяет, запущен ли цикл
func (o *Orchestrator) IsRunning() bool {
	return o.isRunning
}
