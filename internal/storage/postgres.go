package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/storage/repository"
	_ "github.com/lib/pq"
)

// PostgresStorage является фасадом для работы с PostgreSQL через репозитории
type PostgresStorage struct {
	db        *sql.DB
	fills     *repository.FillRepository
	equity    *repository.EquityRepository
	decisions *repository.DecisionRepository
	payload   *repository.PayloadRepository
}

func NewPostgresStorage(host string, port int, user, password, dbname, sslmode string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*PostgresStorage, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	storage := &PostgresStorage{
		db:        db,
		fills:     repository.NewFillRepository(db),
		equity:    repository.NewEquityRepository(db),
		decisions: repository.NewDecisionRepository(db),
		payload:   repository.NewPayloadRepository(db),
	}

	if err := storage.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) migrate() error {
	migrations := []string{
		// Леджер исполнений: trade_id уникален когда есть; синтетические
		// агрегаты без trade_id уникальны по ключу ордера
		`CREATE TABLE IF NOT EXISTS fills (
			id BIGSERIAL PRIMARY KEY,
			at TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			module VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			qty DECIMAL(24, 10) NOT NULL,
			price DECIMAL(24, 10) NOT NULL,
			notional DECIMAL(24, 10) NOT NULL,
			fee_asset VARCHAR(20),
			fee_amount DECIMAL(24, 10) NOT NULL DEFAULT 0,
			fees_home DECIMAL(24, 10) NOT NULL DEFAULT 0,
			quote_asset VARCHAR(20),
			order_id VARCHAR(100),
			trade_id VARCHAR(100) NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_trade_id
			ON fills (trade_id) WHERE trade_id <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_order_key
			ON fills (symbol, module, side, order_id) WHERE trade_id = ''`,
		`CREATE INDEX IF NOT EXISTS idx_fills_at ON fills (at)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol_at ON fills (symbol, at)`,
		// Снапшоты капитала
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id BIGSERIAL PRIMARY KEY,
			at TIMESTAMPTZ NOT NULL,
			home_asset VARCHAR(20) NOT NULL,
			equity_home DECIMAL(24, 10) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_snapshots_at ON equity_snapshots (at)`,
		// Журнал решений
		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			at TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(20),
			action VARCHAR(30) NOT NULL,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_at ON decisions (at)`,
		// Persisted payload: (section, key) -> JSON документ
		`CREATE TABLE IF NOT EXISTS payload (
			section VARCHAR(30) NOT NULL,
			key VARCHAR(50) NOT NULL,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (section, key)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Fills возвращает репозиторий леджера исполнений
func (s *PostgresStorage) Fills() domain.FillRepository {
	return s.fills
}

// Equity возвращает репозиторий снапшотов капитала
func (s *PostgresStorage) Equity() domain.EquityRepository {
	return s.equity
}

// Decisions возвращает журнал решений
func (s *PostgresStorage) Decisions() domain.DecisionRepository {
	return s.decisions
}

// Payload возвращает репозиторий persisted payload
func (s *PostgresStorage) Payload() domain.PayloadRepository {
	return s.payload
}

// Close закрывает соединение с базой данных
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// DB возвращает указатель на *sql.DB
func (s *PostgresStorage) DB() *sql.DB {
	return s.db
}
