package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// PayloadRepository хранит persisted payload по секциям и ключам.
// Каждая мутация пишет только затронутый ключ, никогда весь документ.
type PayloadRepository struct {
	db *sql.DB
}

func NewPayloadRepository(db *sql.DB) *PayloadRepository {
	return &PayloadRepository{db: db}
}

// LoadSection загружает все ключи секции
func (r *PayloadRepository) LoadSection(section string) (map[string]json.RawMessage, error) {
	query := `SELECT key, doc FROM payload WHERE section = $1`
	rows, err := r.db.Query(query, section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, err
		}
		docs[key] = json.RawMessage(doc)
	}

	return docs, rows.Err()
}

// SaveKey атомарно апсертит один ключ секции
func (r *PayloadRepository) SaveKey(section, key string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	query := `
		INSERT INTO payload (section, key, doc, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (section, key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
	`
	_, err = r.db.Exec(query, section, key, data)
	return err
}

// DeleteKey удаляет один ключ секции
func (r *PayloadRepository) DeleteKey(section, key string) error {
	_, err := r.db.Exec(`DELETE FROM payload WHERE section = $1 AND key = $2`, section, key)
	return err
}
