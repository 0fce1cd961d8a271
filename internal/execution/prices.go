package execution

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kirillm/trade-pilot/internal/exchange"
)

// PriceCache кэш цен на один тик. Prefetch тянет цены ограниченным числом
// параллельных запросов, чтобы биржевой I/O по несвязанным символам не
// блокировал цикл; промахи дотягиваются лениво.
type PriceCache struct {
	mu      sync.RWMutex
	gateway exchange.Gateway
	prices  map[string]float64
}

func NewPriceCache(gateway exchange.Gateway) *PriceCache {
	return &PriceCache{
		gateway: gateway,
		prices:  make(map[string]float64),
	}
}

// Prefetch параллельно загружает цены символов (не более limit одновременно).
// Ошибки по отдельным символам глотаются: символ просто остается без цены.
func (pc *PriceCache) Prefetch(ctx context.Context, symbols []string, limit int) {
	if limit <= 0 {
		limit = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			price, err := pc.gateway.GetPrice(ctx, symbol)
			if err != nil {
				return nil
			}
			pc.mu.Lock()
			pc.prices[symbol] = price
			pc.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Get возвращает цену из кэша, при промахе спрашивает биржу
func (pc *PriceCache) Get(ctx context.Context, symbol string) (float64, error) {
	pc.mu.RLock()
	price, ok := pc.prices[symbol]
	pc.mu.RUnlock()
	if ok {
		return price, nil
	}

	price, err := pc.gateway.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	pc.mu.Lock()
	pc.prices[symbol] = price
	pc.mu.Unlock()
	return price, nil
}

// Reset очищает кэш перед новым тиком
func (pc *PriceCache) Reset() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.prices = make(map[string]float64)
}
