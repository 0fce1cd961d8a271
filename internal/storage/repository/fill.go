package repository

import (
	"database/sql"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// FillRepository реализует append-only леджер исполнений.
// Дедупликация: по trade_id если он есть, иначе по (symbol, module, side,
// order_id) с монотонным слиянием qty/notional — повторное наблюдение того же
// ордера никогда не удваивает счет.
type FillRepository struct {
	db *sql.DB
}

func NewFillRepository(db *sql.DB) *FillRepository {
	return &FillRepository{db: db}
}

// Upsert идемпотентно сохраняет исполнение
func (r *FillRepository) Upsert(fill *domain.TradeFill) error {
	if fill.TradeID != "" {
		query := `
			INSERT INTO fills (at, symbol, module, side, qty, price, notional, fee_asset, fee_amount, fees_home, quote_asset, order_id, trade_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (trade_id) WHERE trade_id <> '' DO NOTHING
		`
		_, err := r.db.Exec(query,
			fill.At, fill.Symbol, fill.Module, fill.Side,
			fill.Qty, fill.Price, fill.Notional,
			fill.FeeAsset, fill.FeeAmount, fill.FeesHome,
			fill.QuoteAsset, fill.OrderID, fill.TradeID,
		)
		return err
	}

	// Синтетическая агрегатная строка без trade_id: qty/notional могут только расти
	query := `
		INSERT INTO fills (at, symbol, module, side, qty, price, notional, fee_asset, fee_amount, fees_home, quote_asset, order_id, trade_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, '')
		ON CONFLICT (symbol, module, side, order_id) WHERE trade_id = '' DO UPDATE SET
			qty        = GREATEST(fills.qty, EXCLUDED.qty),
			notional   = GREATEST(fills.notional, EXCLUDED.notional),
			price      = CASE WHEN EXCLUDED.qty >= fills.qty THEN EXCLUDED.price ELSE fills.price END,
			fee_amount = GREATEST(fills.fee_amount, EXCLUDED.fee_amount),
			fees_home  = GREATEST(fills.fees_home, EXCLUDED.fees_home)
	`
	_, err := r.db.Exec(query,
		fill.At, fill.Symbol, fill.Module, fill.Side,
		fill.Qty, fill.Price, fill.Notional,
		fill.FeeAsset, fill.FeeAmount, fill.FeesHome,
		fill.QuoteAsset, fill.OrderID,
	)
	return err
}

// GetRange получает исполнения за период по всем символам
func (r *FillRepository) GetRange(start, end time.Time) ([]domain.TradeFill, error) {
	query := `
		SELECT id, at, symbol, module, side, qty, price, notional,
		       COALESCE(fee_asset, ''), fee_amount, fees_home,
		       COALESCE(quote_asset, ''), COALESCE(order_id, ''), COALESCE(trade_id, '')
		FROM fills
		WHERE at >= $1 AND at <= $2
		ORDER BY at ASC, id ASC
	`
	return r.queryFills(query, start, end)
}

// GetBySymbol получает исполнения за период по одному символу
func (r *FillRepository) GetBySymbol(symbol string, start, end time.Time) ([]domain.TradeFill, error) {
	query := `
		SELECT id, at, symbol, module, side, qty, price, notional,
		       COALESCE(fee_asset, ''), fee_amount, fees_home,
		       COALESCE(quote_asset, ''), COALESCE(order_id, ''), COALESCE(trade_id, '')
		FROM fills
		WHERE symbol = $1 AND at >= $2 AND at <= $3
		ORDER BY at ASC, id ASC
	`
	return r.queryFills(query, symbol, start, end)
}

// Count возвращает размер леджера
func (r *FillRepository) Count() (int64, error) {
	var count int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&count)
	return count, err
}

func (r *FillRepository) queryFills(query string, args ...interface{}) ([]domain.TradeFill, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []domain.TradeFill
	for rows.Next() {
		var fill domain.TradeFill
		err := rows.Scan(
			&fill.ID,
			&fill.At,
			&fill.Symbol,
			&fill.Module,
			&fill.Side,
			&fill.Qty,
			&fill.Price,
			&fill.Notional,
			&fill.FeeAsset,
			&fill.FeeAmount,
			&fill.FeesHome,
			&fill.QuoteAsset,
			&fill.OrderID,
			&fill.TradeID,
		)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}

	return fills, rows.Err()
}
