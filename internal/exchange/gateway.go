package exchange

import (
	"context"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// Balance баланс одной монеты
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Ticker 24-часовой снапшот по символу
type Ticker struct {
	Symbol       string
	LastPrice    float64
	HighPrice24h float64
	LowPrice24h  float64
	Turnover24h  float64
	ChangePct24h float64
}

// OrderInfo нормализованное представление ордера
type OrderInfo struct {
	OrderID     string
	OrderLinkID string
	Symbol      string
	Side        string
	Type        string
	Price       float64
	Quantity    float64
	ExecutedQty float64
	AvgPrice    float64
	Status      string
	CreatedAt   time.Time
}

// IsTerminal сообщает, что ордер больше не активен на бирже
func (o *OrderInfo) IsTerminal() bool {
	switch o.Status {
	case "Filled", "Cancelled", "Rejected", "Deactivated":
		return true
	}
	return false
}

// FillRecord исполнение (execution) по ордеру
type FillRecord struct {
	TradeID   string
	OrderID   string
	Symbol    string
	Side      string
	Qty       float64
	Price     float64
	FeeAsset  string
	FeeAmount float64
	At        time.Time
}

// SymbolFilters биржевые фильтры округления и минимумов
type SymbolFilters struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// Gateway интерфейс биржевого шлюза. Все вызовы могут падать транзиентно;
// вызывающая сторона обязана трактовать ошибку как "пропустить и повторить
// на следующем тике".
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
	GetBalances(ctx context.Context) (map[string]Balance, error)
	GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)

	PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error)
	PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64) (*OrderInfo, error)
	// PlaceProtectiveOrder размещает парный stop-loss/take-profit (OCO) ордер
	PlaceProtectiveOrder(ctx context.Context, symbol string, qty, stopLoss, takeProfit float64) (*OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error)
	GetOrderFills(ctx context.Context, symbol, orderID string) ([]FillRecord, error)
}
