package domain

import (
	"encoding/json"
	"time"
)

// FillRepository определяет интерфейс леджера исполнений.
// Upsert идемпотентен: по trade_id, либо по (symbol, module, side, order_id)
// с монотонным слиянием qty/notional.
type FillRepository interface {
	Upsert(fill *TradeFill) error
	GetRange(start, end time.Time) ([]TradeFill, error)
	GetBySymbol(symbol string, start, end time.Time) ([]TradeFill, error)
	Count() (int64, error)
}

// EquityRepository определяет интерфейс для снапшотов капитала
type EquityRepository interface {
	Save(snapshot *EquitySnapshot) error
	Latest() (*EquitySnapshot, error)
	LastBefore(t time.Time) (*EquitySnapshot, error)
	MaxSince(t time.Time) (float64, error)
}

// DecisionRepository определяет интерфейс для записей решений
type DecisionRepository interface {
	Save(decision *DecisionRecord) error
	Recent(limit int) ([]DecisionRecord, error)
}

// PayloadRepository определяет интерфейс durable-хранилища payload.
// Запись идет по отдельным ключам секции, никогда целым документом.
type PayloadRepository interface {
	LoadSection(section string) (map[string]json.RawMessage, error)
	SaveKey(section, key string, doc interface{}) error
	DeleteKey(section, key string) error
}
