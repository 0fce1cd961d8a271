package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// EquityRepository реализует работу со снапшотами капитала
type EquityRepository struct {
	db *sql.DB
}

func NewEquityRepository(db *sql.DB) *EquityRepository {
	return &EquityRepository{db: db}
}

// Save сохраняет новый снапшот
func (r *EquityRepository) Save(snapshot *domain.EquitySnapshot) error {
	query := `
		INSERT INTO equity_snapshots (at, home_asset, equity_home)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	return r.db.QueryRow(query, snapshot.At, snapshot.HomeAsset, snapshot.EquityHome).Scan(&snapshot.ID)
}

// Latest получает последний снапшот
func (r *EquityRepository) Latest() (*domain.EquitySnapshot, error) {
	query := `
		SELECT id, at, home_asset, equity_home
		FROM equity_snapshots
		ORDER BY at DESC
		LIMIT 1
	`
	return r.queryOne(query)
}

// LastBefore получает последний снапшот не позже t — граница PnL-окна
func (r *EquityRepository) LastBefore(t time.Time) (*domain.EquitySnapshot, error) {
	query := `
		SELECT id, at, home_asset, equity_home
		FROM equity_snapshots
		WHERE at <= $1
		ORDER BY at DESC
		LIMIT 1
	`
	return r.queryOne(query, t)
}

// MaxSince возвращает максимум капитала среди снапшотов не старше t.
// Если снапшотов в окне нет — возвращает 0.
func (r *EquityRepository) MaxSince(t time.Time) (float64, error) {
	query := `
		SELECT COALESCE(MAX(equity_home), 0)
		FROM equity_snapshots
		WHERE at >= $1
	`
	var peak float64
	if err := r.db.QueryRow(query, t).Scan(&peak); err != nil {
		return 0, err
	}
	return peak, nil
}

func (r *EquityRepository) queryOne(query string, args ...interface{}) (*domain.EquitySnapshot, error) {
	var s domain.EquitySnapshot
	err := r.db.QueryRow(query, args...).Scan(&s.ID, &s.At, &s.HomeAsset, &s.EquityHome)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
