package grid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/internal/execution"
	"github.com/kirillm/trade-pilot/internal/state"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

// memRepo хранит payload в памяти
type memRepo struct {
	sections map[string]map[string]json.RawMessage
}

func newMemRepo() *memRepo {
	return &memRepo{sections: make(map[string]map[string]json.RawMessage)}
}

func (r *memRepo) LoadSection(section string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	for k, v := range r.sections[section] {
		out[k] = v
	}
	return out, nil
}

func (r *memRepo) SaveKey(section, key string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if r.sections[section] == nil {
		r.sections[section] = make(map[string]json.RawMessage)
	}
	r.sections[section][key] = data
	return nil
}

func (r *memRepo) DeleteKey(section, key string) error {
	delete(r.sections[section], key)
	return nil
}

// fakeExchange заглушка биржи с управляемыми открытыми ордерами
type fakeExchange struct {
	exchange.Gateway
	filters   *exchange.SymbolFilters
	candles   []domain.Candle
	price     float64
	open      []exchange.OrderInfo
	orders    map[string]*exchange.OrderInfo
	placed    []exchange.OrderInfo
	cancelled []string
	orderSeq  int
}

func newFakeExchange(symbol, base, quote string, price float64) *fakeExchange {
	return &fakeExchange{
		filters: &exchange.SymbolFilters{
			Symbol:      symbol,
			BaseAsset:   base,
			QuoteAsset:  quote,
			TickSize:    0.01,
			StepSize:    0.001,
			MinQty:      0.001,
			MinNotional: 5,
		},
		price:  price,
		orders: make(map[string]*exchange.OrderInfo),
	}
}

func (f *fakeExchange) GetSymbolFilters(_ context.Context, symbol string) (*exchange.SymbolFilters, error) {
	return f.filters, nil
}

func (f *fakeExchange) GetPrice(_ context.Context, symbol string) (float64, error) {
	if f.price <= 0 {
		return 0, errors.New("no price")
	}
	return f.price, nil
}

func (f *fakeExchange) GetKlines(_ context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	return f.candles, nil
}

func (f *fakeExchange) GetOpenOrders(_ context.Context, symbol string) ([]exchange.OrderInfo, error) {
	return f.open, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, symbol, orderID string) (*exchange.OrderInfo, error) {
	info, ok := f.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return info, nil
}

func (f *fakeExchange) PlaceLimitOrder(_ context.Context, symbol, side string, qty, price float64) (*exchange.OrderInfo, error) {
	f.orderSeq++
	info := exchange.OrderInfo{
		OrderID:  fmt.Sprintf("grid-%d", f.orderSeq),
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Status:   "New",
	}
	f.placed = append(f.placed, info)
	return &info, nil
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, symbol, side string, qty float64) (*exchange.OrderInfo, error) {
	f.orderSeq++
	info := exchange.OrderInfo{
		OrderID:  fmt.Sprintf("mkt-%d", f.orderSeq),
		Symbol:   symbol,
		Side:     side,
		Price:    f.price,
		Quantity: qty,
		Status:   "Filled",
	}
	f.placed = append(f.placed, info)
	return &info, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

// recorder фиксирует вызовы Observe/ObserveMissing
type recorder struct {
	observed []string
	missing  []string
}

func (r *recorder) Observe(symbol, orderID string)        { r.observed = append(r.observed, orderID) }
func (r *recorder) ObserveMissing(symbol, orderID string) { r.missing = append(r.missing, orderID) }

// memDecisions журнал решений в памяти
type memDecisions struct {
	records []domain.DecisionRecord
}

func (d *memDecisions) Save(rec *domain.DecisionRecord) error {
	d.records = append(d.records, *rec)
	return nil
}

func (d *memDecisions) Recent(limit int) ([]domain.DecisionRecord, error) {
	return d.records, nil
}

func (d *memDecisions) last(t *testing.T) domain.DecisionRecord {
	t.Helper()
	require.NotEmpty(t, d.records)
	return d.records[len(d.records)-1]
}

// stopWatcher фиксирует уведомления об остановках сеток
type stopWatcher struct {
	stops []string
}

func (w *stopWatcher) GridStopped(symbol, reason string) {
	w.stops = append(w.stops, symbol+": "+reason)
}

type gridEnv struct {
	gw        *fakeExchange
	store     *state.Store
	engine    *Engine
	observer  *recorder
	decisions *memDecisions
	watcher   *stopWatcher
}

func newGridEnv(t *testing.T, gw *fakeExchange, cfg Config) *gridEnv {
	t.Helper()
	store, err := state.Load(newMemRepo())
	require.NoError(t, err)

	observer := &recorder{}
	decisions := &memDecisions{}
	watcher := &stopWatcher{}
	executor := execution.NewExecutor(gw, execution.NewKillSwitch())
	logger := utils.NewLoggerTo(io.Discard, "error")

	engine := NewEngine(gw, executor, store, observer, decisions, watcher, logger, cfg)
	return &gridEnv{gw: gw, store: store, engine: engine, observer: observer, decisions: decisions, watcher: watcher}
}

func reconcileConfig() Config {
	cfg := DefaultConfig("USDT")
	cfg.BootstrapBasePct = 0
	return cfg
}

// runningGrid сетка из трех уровней с запасом и базы, и котировки
func runningGrid(symbol string) *domain.GridState {
	now := time.Now()
	return &domain.GridState{
		Symbol:            symbol,
		Status:            domain.GridRunning,
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		HomeAsset:         "USDT",
		LowerPrice:        100,
		UpperPrice:        120,
		Levels:            3,
		Prices:            []float64{100, 110, 120},
		OrderNotionalHome: 100,
		AllocationHome:    300,
		Orders:            make(map[int]*domain.GridOrder),
		Performance: domain.GridPerformance{
			BaseVirtual:    1,
			QuoteVirtual:   300,
			StartValueHome: 300,
			LastValueHome:  300,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestReconcile_DoesNotDoubleLiveCoveredLevel(t *testing.T) {
	gw := newFakeExchange("BTCUSDT", "BTC", "USDT", 104)
	// На бирже уже висит живой SELL по уровню 110, но локальная карта пуста
	// (такое остается после рестарта с потерей payload)
	gw.open = []exchange.OrderInfo{
		{OrderID: "live-1", Symbol: "BTCUSDT", Side: domain.SideSell, Price: 110, Quantity: 0.4, Status: "New"},
	}
	env := newGridEnv(t, gw, reconcileConfig())

	grid := runningGrid("BTCUSDT")
	require.NoError(t, env.store.SetGrid(grid))

	require.NoError(t, env.engine.reconcile(context.Background(), grid, false))

	for _, o := range gw.placed {
		assert.NotEqual(t, 110.0, o.Price, "уровень с живым ордером не должен дублироваться")
	}
	// Непокрытые уровни при этом выставляются
	require.Len(t, gw.placed, 2)
	assert.Equal(t, domain.SideBuy, gw.placed[0].Side)
	assert.InDelta(t, 100, gw.placed[0].Price, 1e-9)
	assert.Equal(t, domain.SideSell, gw.placed[1].Side)
	assert.InDelta(t, 120, gw.placed[1].Price, 1e-9)
}

func TestSyncOrders_KeepsLiveOrderAbsentFromOpenList(t *testing.T) {
	gw := newFakeExchange("BTCUSDT", "BTC", "USDT", 104)
	gw.orders["tracked-1"] = &exchange.OrderInfo{
		OrderID: "tracked-1", Symbol: "BTCUSDT", Side: domain.SideSell,
		Price: 110, Quantity: 0.5, Status: "New",
	}
	env := newGridEnv(t, gw, reconcileConfig())

	grid := runningGrid("BTCUSDT")
	grid.Orders[1] = &domain.GridOrder{
		OrderID: "tracked-1", Side: domain.SideSell, Price: 110, Quantity: 0.5,
	}

	_, err := env.engine.syncOrders(context.Background(), grid)
	require.NoError(t, err)

	// Ордер жив по детализации, хоть и выпал из списка открытых
	require.Contains(t, grid.Orders, 1)
	assert.Equal(t, "tracked-1", grid.Orders[1].OrderID)
	assert.False(t, grid.Orders[1].LastSeenAt.IsZero())
	assert.Empty(t, env.observer.missing)
}

func TestSyncOrders_DropsCancelledOrder(t *testing.T) {
	gw := newFakeExchange("BTCUSDT", "BTC", "USDT", 104)
	gw.orders["tracked-1"] = &exchange.OrderInfo{
		OrderID: "tracked-1", Symbol: "BTCUSDT", Status: "Cancelled",
	}
	env := newGridEnv(t, gw, reconcileConfig())

	grid := runningGrid("BTCUSDT")
	grid.Orders[1] = &domain.GridOrder{
		OrderID: "tracked-1", Side: domain.SideSell, Price: 110, Quantity: 0.5,
	}

	_, err := env.engine.syncOrders(context.Background(), grid)
	require.NoError(t, err)

	assert.NotContains(t, grid.Orders, 1)
	assert.Zero(t, grid.Performance.FillsSell, "отмена не считается исполнением")
}

func TestApplyFill_AccruesFees(t *testing.T) {
	cfg := reconcileConfig()
	cfg.FeePctEstimate = 0.1
	env := newGridEnv(t, newFakeExchange("BTCUSDT", "BTC", "USDT", 104), cfg)

	grid := runningGrid("BTCUSDT")
	buy := &domain.GridOrder{Side: domain.SideBuy, Price: 100, Quantity: 1}
	sell := &domain.GridOrder{Side: domain.SideSell, Price: 110, Quantity: 0.5}

	env.engine.applyFill(grid, buy, 1, 100)
	env.engine.applyFill(grid, sell, 0.5, 110)

	// 0.1% от 100 + 0.1% от 55
	assert.InDelta(t, 0.155, grid.Performance.FeesHome, 1e-9)

	// Комиссии вычитаются из PnL при переоценке
	env.engine.revalue(grid, 104)
	perf := grid.Performance
	assert.InDelta(t, perf.LastValueHome-perf.StartValueHome-perf.FeesHome, perf.PnLHome, 1e-9)
}

func TestReconcile_BreakoutRecordsDecisionAndNotifies(t *testing.T) {
	gw := newFakeExchange("BTCUSDT", "BTC", "USDT", 130) // далеко выше диапазона
	cfg := reconcileConfig()
	cfg.LiquidateOnBreakout = false
	env := newGridEnv(t, gw, cfg)

	grid := runningGrid("BTCUSDT")
	require.NoError(t, env.store.SetGrid(grid))

	require.NoError(t, env.engine.reconcile(context.Background(), grid, false))

	assert.Equal(t, domain.GridStopped, grid.Status)
	rec := env.decisions.last(t)
	assert.Equal(t, domain.ActionGridStop, rec.Action)
	assert.Contains(t, rec.Reason, "breakout")
	require.Len(t, env.watcher.stops, 1)
	assert.Contains(t, env.watcher.stops[0], "BTCUSDT")
}

func TestStop_RecordsDecisionAndNotifies(t *testing.T) {
	gw := newFakeExchange("BTCUSDT", "BTC", "USDT", 104)
	env := newGridEnv(t, gw, reconcileConfig())

	grid := runningGrid("BTCUSDT")
	grid.Orders[0] = &domain.GridOrder{OrderID: "ord-0", Side: domain.SideBuy, Price: 100, Quantity: 1}
	require.NoError(t, env.store.SetGrid(grid))

	require.NoError(t, env.engine.Stop(context.Background(), "BTCUSDT", false))

	assert.Equal(t, []string{"ord-0"}, gw.cancelled)
	rec := env.decisions.last(t)
	assert.Equal(t, domain.ActionGridStop, rec.Action)
	assert.Equal(t, "manual stop", rec.Reason)
	require.Len(t, env.watcher.stops, 1)
	assert.Contains(t, env.watcher.stops[0], "manual stop")
}

func TestStart_RecordsDecision(t *testing.T) {
	gw := newFakeExchange("BTCUSDT", "BTC", "USDT", 105)
	gw.candles = flatCandles(48, 100, 110, 105)
	env := newGridEnv(t, gw, reconcileConfig())

	grid, err := env.engine.Start(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, domain.GridRunning, grid.Status)

	rec := env.decisions.last(t)
	assert.Equal(t, domain.ActionGridStart, rec.Action)
	assert.Contains(t, rec.Reason, "levels")
}

func TestStart_RejectionRecordsSkip(t *testing.T) {
	gw := newFakeExchange("BTCUSDT", "BTC", "USDT", 105)
	gw.candles = flatCandles(48, 100, 101, 100.5) // диапазон уже минимального
	env := newGridEnv(t, gw, reconcileConfig())

	_, err := env.engine.Start(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, domain.ErrRangeRejected)

	rec := env.decisions.last(t)
	assert.Equal(t, domain.ActionSkip, rec.Action)
	assert.Contains(t, rec.Reason, "grid start rejected")
}

func TestStart_RefusedDuringEmergencyStop(t *testing.T) {
	gw := newFakeExchange("BTCUSDT", "BTC", "USDT", 105)
	env := newGridEnv(t, gw, reconcileConfig())
	require.NoError(t, env.store.UpdateMeta(func(m *domain.PayloadMeta) {
		m.EmergencyStop = true
	}))

	_, err := env.engine.Start(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, domain.ErrEmergencyStop)

	rec := env.decisions.last(t)
	assert.Equal(t, domain.ActionSkip, rec.Action)
	assert.Contains(t, rec.Reason, "emergency stop")
}

func TestCoveredByLive(t *testing.T) {
	open := []exchange.OrderInfo{{Price: 110.0}}

	assert.True(t, coveredByLive(open, 110))
	assert.True(t, coveredByLive(open, 110.005), "округление под тик внутри допуска")
	assert.False(t, coveredByLive(open, 120))
	assert.False(t, coveredByLive(nil, 110))
}
