package domain

import "time"

// Position представляет отслеживаемую позицию (спот или фьючерс)
type Position struct {
	Symbol       string    `json:"symbol"`
	Horizon      string    `json:"horizon"` // "intraday", "swing", "long"
	Side         string    `json:"side"`    // "BUY" or "SELL"
	EntryPrice   float64   `json:"entry_price"`
	Size         float64   `json:"size"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   []float64 `json:"take_profit"`
	BaseAsset    string    `json:"base_asset"`
	QuoteAsset   string    `json:"quote_asset"`
	HomeAsset    string    `json:"home_asset"`
	NotionalHome float64   `json:"notional_home"`
	OCOOrderID   string    `json:"oco_order_id,omitempty"`
	Venue        string    `json:"venue"` // "spot", "futures"
	Leverage     float64   `json:"leverage,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Key возвращает ключ позиции в persisted payload
func (p *Position) Key() string {
	return p.Symbol + ":" + p.Horizon
}

// GridOrder представляет отслеживаемый ордер на уровне сетки.
// Существует только пока ордер считается открытым на бирже.
type GridOrder struct {
	OrderID    string    `json:"order_id"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	PlacedAt   time.Time `json:"placed_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// GridPerformance виртуальный леджер сетки.
// Инвариант: BaseVirtual и QuoteVirtual никогда не отрицательные.
type GridPerformance struct {
	BaseVirtual    float64 `json:"base_virtual"`
	QuoteVirtual   float64 `json:"quote_virtual"`
	FeesHome       float64 `json:"fees_home"`
	FillsBuy       int     `json:"fills_buy"`
	FillsSell      int     `json:"fills_sell"`
	Breakouts      int     `json:"breakouts"`
	StartValueHome float64 `json:"start_value_home"`
	LastValueHome  float64 `json:"last_value_home"`
	PnLHome        float64 `json:"pnl_home"`
	PnLPct         float64 `json:"pnl_pct"`
}

// GridState представляет состояние сетки для одного символа.
// Инвариант: Prices строго возрастает и построен от одного геометрического шага.
type GridState struct {
	Symbol            string             `json:"symbol"`
	Status            string             `json:"status"` // "running", "stopped", "error"
	BaseAsset         string             `json:"base_asset"`
	QuoteAsset        string             `json:"quote_asset"`
	HomeAsset         string             `json:"home_asset"`
	LowerPrice        float64            `json:"lower_price"`
	UpperPrice        float64            `json:"upper_price"`
	Levels            int                `json:"levels"`
	Prices            []float64          `json:"prices"`
	OrderNotionalHome float64            `json:"order_notional_home"`
	AllocationHome    float64            `json:"allocation_home"`
	Orders            map[int]*GridOrder `json:"orders"` // level -> ордер
	Performance       GridPerformance    `json:"performance"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RiskDecision решение риск-машины. Синглтон на процесс.
type RiskDecision struct {
	State               string    `json:"state"` // "NORMAL", "CAUTION", "HALT"
	Since               time.Time `json:"since"`
	Reasons             []string  `json:"reasons"`
	EntriesPaused       bool      `json:"entries_paused"`
	GridBuyPausedGlobal bool      `json:"grid_buy_paused_global"`
}

// TradeFill строка append-only леджера исполнений
type TradeFill struct {
	ID         int64     `db:"id"`
	At         time.Time `db:"at"`
	Symbol     string    `db:"symbol"`
	Module     string    `db:"module"` // "grid" or "portfolio"
	Side       string    `db:"side"`
	Qty        float64   `db:"qty"`
	Price      float64   `db:"price"`
	Notional   float64   `db:"notional"`
	FeeAsset   string    `db:"fee_asset"`
	FeeAmount  float64   `db:"fee_amount"`
	FeesHome   float64   `db:"fees_home"`
	QuoteAsset string    `db:"quote_asset"`
	OrderID    string    `db:"order_id"`
	TradeID    string    `db:"trade_id"`
}

// EquitySnapshot снапшот общего капитала в home-валюте
type EquitySnapshot struct {
	ID         int64     `db:"id"`
	At         time.Time `db:"at"`
	HomeAsset  string    `db:"home_asset"`
	EquityHome float64   `db:"equity_home"`
}

// DecisionRecord запись о принятом (или отклоненном) действии
type DecisionRecord struct {
	ID     int64     `db:"id"`
	At     time.Time `db:"at"`
	Symbol string    `db:"symbol"`
	Action string    `db:"action"`
	Reason string    `db:"reason"`
}

// Candle представляет свечу kline
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Signal рекомендация от upstream-провайдера стратегии
type Signal struct {
	Symbol       string
	Horizon      string
	Side         string
	Confidence   float64
	SuggestedQty float64
	StopLoss     float64
	TakeProfit   []float64
	Sentiment    float64 // агрегированный макро-сентимент [-1..1]
	Halt         bool    // торговый стоп по символу
}

// PayloadMeta метаданные persisted payload
type PayloadMeta struct {
	EmergencyStop  bool                 `json:"emergency_stop"`
	DayStart       time.Time            `json:"day_start"`
	DayStartEquity float64              `json:"day_start_equity"`
	PeakEquity     float64              `json:"peak_equity"`
	LastDecision   *DecisionRecord      `json:"last_decision,omitempty"`
	LastTradeAt    map[string]time.Time `json:"last_trade_at"` // symbol:horizon -> время
	RiskDecision   *RiskDecision        `json:"risk_decision,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// PersistedPayload агрегат всего durable-состояния процесса
type PersistedPayload struct {
	Positions map[string]*Position  `json:"positions"` // symbol:horizon -> позиция
	Grids     map[string]*GridState `json:"grids"`     // symbol -> сетка
	Meta      PayloadMeta           `json:"meta"`
}
