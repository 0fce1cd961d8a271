package repository

import (
	"database/sql"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// DecisionRepository реализует журнал решений контроллера
type DecisionRepository struct {
	db *sql.DB
}

func NewDecisionRepository(db *sql.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// Save сохраняет запись о решении
func (r *DecisionRepository) Save(decision *domain.DecisionRecord) error {
	query := `
		INSERT INTO decisions (at, symbol, action, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	return r.db.QueryRow(query, decision.At, decision.Symbol, decision.Action, decision.Reason).Scan(&decision.ID)
}

// Recent получает последние N решений
func (r *DecisionRepository) Recent(limit int) ([]domain.DecisionRecord, error) {
	query := `
		SELECT id, at, COALESCE(symbol, ''), action, COALESCE(reason, '')
		FROM decisions
		ORDER BY at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []domain.DecisionRecord
	for rows.Next() {
		var d domain.DecisionRecord
		if err := rows.Scan(&d.ID, &d.At, &d.Symbol, &d.Action, &d.Reason); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}

	return decisions, rows.Err()
}
