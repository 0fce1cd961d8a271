package fillsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/internal/execution"
	"github.com/kirillm/trade-pilot/internal/pnl"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

// Config параметры очереди синхронизации исполнений
type Config struct {
	QueueSize        int           // емкость основной очереди
	MissingQueueSize int           // емкость очереди пропавших ордеров
	Workers          int64         // число одновременных синхронизаций
	Debounce         time.Duration // минимальный интервал между постановками одного ключа
	MissingRetryMax  int           // попыток на пропавший ордер до отказа
	HomeAsset        string
}

func DefaultConfig() Config {
	return Config{
		QueueSize:        256,
		MissingQueueSize: 64,
		Workers:          4,
		Debounce:         5 * time.Second,
		MissingRetryMax:  3,
		HomeAsset:        "USDT",
	}
}

type task struct {
	symbol  string
	orderID string
	module  string
	missing bool
	attempt int
}

func (t task) key() string {
	return t.symbol + "|" + t.orderID
}

// Queue отвязывает наблюдение ордеров на тике от загрузки исполнений.
// Постановка дедуплицируется по ключу (symbol, orderId) и дебаунсится;
// переполнение вытесняет самую старую запись. Фиксированное число задач
// работает одновременно, in-flight-набор не дает двум воркерам
// синхронизировать один ордер параллельно.
type Queue struct {
	gateway exchange.Gateway
	fills   domain.FillRepository
	prices  *execution.PriceCache
	logger  *utils.Logger
	cfg     Config

	mu       sync.Mutex
	queue    []task
	retry    []task
	queued   map[string]bool
	inFlight map[string]bool
	lastEnq  map[string]time.Time

	sem  *semaphore.Weighted
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewQueue(gateway exchange.Gateway, fills domain.FillRepository, prices *execution.PriceCache, logger *utils.Logger, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Queue{
		gateway:  gateway,
		fills:    fills,
		prices:   prices,
		logger:   logger,
		cfg:      cfg,
		queued:   make(map[string]bool),
		inFlight: make(map[string]bool),
		lastEnq:  make(map[string]time.Time),
		sem:      semaphore.NewWeighted(cfg.Workers),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// ModuleObserver привязывает наблюдения к модулю-источнику ("grid" или
// "portfolio"), чтобы леджер знал, чья это активность
type ModuleObserver struct {
	q      *Queue
	module string
}

func (q *Queue) ForModule(module string) *ModuleObserver {
	return &ModuleObserver{q: q, module: module}
}

func (o *ModuleObserver) Observe(symbol, orderID string) {
	o.q.enqueue(task{symbol: symbol, orderID: orderID, module: o.module})
}

// ObserveMissing регистрирует ордер, пропавший из открытых без
// терминального статуса; такие ордера повторяются ограниченно
func (o *ModuleObserver) ObserveMissing(symbol, orderID string) {
	o.q.enqueue(task{symbol: symbol, orderID: orderID, module: o.module, missing: true})
}

// Start запускает диспетчер. Останавливается по Stop или отмене ctx.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.dispatch(ctx)
}

func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()
	for {
		t, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		q.wg.Add(1)
		go func(t task) {
			defer q.wg.Done()
			defer q.sem.Release(1)
			q.process(ctx, t)
		}(t)
	}
}

func (q *Queue) enqueue(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := t.key()
	if q.queued[key] || q.inFlight[key] {
		return
	}
	if last, ok := q.lastEnq[key]; ok && time.Since(last) < q.cfg.Debounce {
		return
	}

	target, capacity := &q.queue, q.cfg.QueueSize
	if t.missing {
		target, capacity = &q.retry, q.cfg.MissingQueueSize
	}
	if capacity > 0 && len(*target) >= capacity {
		dropped := (*target)[0]
		*target = (*target)[1:]
		delete(q.queued, dropped.key())
		q.logger.Warn("Очередь синхронизации переполнена, вытеснен %s", dropped.key())
	}
	*target = append(*target, t)
	q.queued[key] = true
	q.lastEnq[key] = time.Now()
	q.pruneLocked()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pruneLocked не дает дебаунс-карте расти бесконечно
func (q *Queue) pruneLocked() {
	if len(q.lastEnq) < 4*(q.cfg.QueueSize+q.cfg.MissingQueueSize) {
		return
	}
	cutoff := time.Now().Add(-2 * q.cfg.Debounce)
	for key, at := range q.lastEnq {
		if at.Before(cutoff) && !q.queued[key] && !q.inFlight[key] {
			delete(q.lastEnq, key)
		}
	}
}

func (q *Queue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var t task
	switch {
	case len(q.queue) > 0:
		t, q.queue = q.queue[0], q.queue[1:]
	case len(q.retry) > 0:
		t, q.retry = q.retry[0], q.retry[1:]
	default:
		return task{}, false
	}
	key := t.key()
	delete(q.queued, key)
	q.inFlight[key] = true
	return t, true
}

func (q *Queue) finish(t task) {
	q.mu.Lock()
	delete(q.inFlight, t.key())
	q.mu.Unlock()
}

// requeue возвращает пропавший ордер в очередь повторов в обход дебаунса
func (q *Queue) requeue(t task) {
	t.attempt++
	if t.attempt > q.cfg.MissingRetryMax {
		q.logger.Warn("Ордер %s так и не дал исполнений после %d попыток, сдаемся", t.key(), t.attempt-1)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	key := t.key()
	if q.queued[key] {
		return
	}
	if q.cfg.MissingQueueSize > 0 && len(q.retry) >= q.cfg.MissingQueueSize {
		dropped := q.retry[0]
		q.retry = q.retry[1:]
		delete(q.queued, dropped.key())
		q.logger.Warn("Очередь повторов переполнена, вытеснен %s", dropped.key())
	}
	q.retry = append(q.retry, t)
	q.queued[key] = true
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) process(ctx context.Context, t task) {
	defer q.finish(t)

	records, err := q.gateway.GetOrderFills(ctx, t.symbol, t.orderID)
	if err != nil {
		q.logger.Warn("Не удалось получить исполнения %s: %v", t.key(), err)
		if t.missing {
			q.requeue(t)
		}
		return
	}
	if len(records) == 0 {
		if t.missing {
			q.requeue(t)
		}
		return
	}

	for _, fill := range q.convert(ctx, t, records) {
		fill := fill
		if err := q.fills.Upsert(&fill); err != nil {
			q.logger.Error("Не удалось сохранить исполнение %s: %v", t.key(), err)
		}
	}
}

// convert превращает биржевые исполнения в строки леджера. Если у всех
// записей есть execId, каждая пишется отдельно под защитой уникальности
// trade_id; иначе весь ордер сворачивается в одну синтетическую
// агрегатную строку, которую monotonic-max upsert по ключу ордера не
// даст посчитать дважды.
func (q *Queue) convert(ctx context.Context, t task, records []exchange.FillRecord) []domain.TradeFill {
	quote := q.quoteAsset(ctx, t.symbol)

	allTagged := true
	for _, r := range records {
		if r.TradeID == "" {
			allTagged = false
			break
		}
	}

	if allTagged {
		out := make([]domain.TradeFill, 0, len(records))
		for _, r := range records {
			out = append(out, domain.TradeFill{
				At:         r.At,
				Symbol:     t.symbol,
				Module:     t.module,
				Side:       r.Side,
				Qty:        r.Qty,
				Price:      r.Price,
				Notional:   r.Qty * r.Price,
				FeeAsset:   r.FeeAsset,
				FeeAmount:  r.FeeAmount,
				FeesHome:   q.feeHome(ctx, r.FeeAsset, r.FeeAmount),
				QuoteAsset: quote,
				OrderID:    t.orderID,
				TradeID:    r.TradeID,
			})
		}
		return out
	}

	var qty, notional, feeHome float64
	agg := domain.TradeFill{
		Symbol:     t.symbol,
		Module:     t.module,
		Side:       records[0].Side,
		FeeAsset:   records[0].FeeAsset,
		QuoteAsset: quote,
		OrderID:    t.orderID,
	}
	for _, r := range records {
		qty += r.Qty
		notional += r.Qty * r.Price
		agg.FeeAmount += r.FeeAmount
		feeHome += q.feeHome(ctx, r.FeeAsset, r.FeeAmount)
		if r.At.After(agg.At) {
			agg.At = r.At
		}
	}
	agg.Qty = qty
	agg.Notional = notional
	agg.FeesHome = feeHome
	if qty > 0 {
		agg.Price = notional / qty
	}
	return []domain.TradeFill{agg}
}

func (q *Queue) quoteAsset(ctx context.Context, symbol string) string {
	filters, err := q.gateway.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return ""
	}
	return filters.QuoteAsset
}

// feeHome переводит комиссию в home-валюту по текущим ценам; при
// отсутствии курса комиссия остается неучтенной в home-колонке
func (q *Queue) feeHome(ctx context.Context, asset string, amount float64) float64 {
	if amount == 0 {
		return 0
	}
	if asset == q.cfg.HomeAsset {
		return amount
	}
	priceOf := func(pair string) (float64, bool) {
		price, err := q.prices.Get(ctx, pair)
		if err != nil || price <= 0 {
			return 0, false
		}
		return price, true
	}
	rate, ok := pnl.Rate(asset, q.cfg.HomeAsset, priceOf)
	if !ok {
		q.logger.Warn("Нет курса %s->%s для пересчета комиссии", asset, q.cfg.HomeAsset)
		return 0
	}
	return amount * rate
}
