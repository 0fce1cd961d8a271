package domain

// Trade sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Grid statuses
const (
	GridRunning = "running"
	GridStopped = "stopped"
	GridError   = "error"
)

// Risk governor states
const (
	RiskNormal  = "NORMAL"
	RiskCaution = "CAUTION"
	RiskHalt    = "HALT"
)

// Risk reason tags
const (
	ReasonDrawdownDaily   = "drawdown_daily"
	ReasonDrawdownRolling = "drawdown_rolling"
	ReasonTrend           = "trend"
	ReasonFeeBurn         = "fee_burn"
	ReasonVolSpike        = "vol_spike"
	ReasonManual          = "manual"
)

// Fill modules
const (
	ModuleGrid      = "grid"
	ModulePortfolio = "portfolio"
)

// Venues
const (
	VenueSpot    = "spot"
	VenueFutures = "futures"
)

// Order types
const (
	OrderTypeMarket = "Market"
	OrderTypeLimit  = "Limit"
)

// Decision actions
const (
	ActionOpen      = "open"
	ActionClose     = "close"
	ActionGridStart = "grid_start"
	ActionGridStop  = "grid_stop"
	ActionSweep     = "sweep"
	ActionSkip      = "skip"
	ActionError     = "error"
)

// Payload sections in durable storage
const (
	SectionPositions = "positions"
	SectionGrids     = "grids"
	SectionMeta      = "meta"
)

// MetaKey единственный ключ секции meta
const MetaKey = "meta"

// Bybit constants
const (
	BybitCategorySpot   = "spot"
	BybitAccountUnified = "UNIFIED"
	BybitRecvWindow     = "5000"
)

// IntermediateAssets активы-посредники для многоходовой FX-конверсии
var IntermediateAssets = []string{"USDC", "USDT", "BTC", "ETH", "BNB"}
