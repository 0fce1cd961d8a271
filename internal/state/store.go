package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// Store владеет единственным экземпляром persisted payload процесса.
// Вся мутация идет через методы с field-scoped записью в durable-хранилище;
// глобальных переменных нет, объект создается один раз при старте.
type Store struct {
	mu      sync.RWMutex
	repo    domain.PayloadRepository
	payload domain.PersistedPayload
}

// Load загружает payload из хранилища (get-or-create семантика)
func Load(repo domain.PayloadRepository) (*Store, error) {
	s := &Store{
		repo: repo,
		payload: domain.PersistedPayload{
			Positions: make(map[string]*domain.Position),
			Grids:     make(map[string]*domain.GridState),
			Meta: domain.PayloadMeta{
				LastTradeAt: make(map[string]time.Time),
			},
		},
	}

	positions, err := repo.LoadSection(domain.SectionPositions)
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить позиции: %w", err)
	}
	for key, doc := range positions {
		var p domain.Position
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("не удалось распарсить позицию %s: %w", key, err)
		}
		s.payload.Positions[key] = &p
	}

	grids, err := repo.LoadSection(domain.SectionGrids)
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить сетки: %w", err)
	}
	for key, doc := range grids {
		var g domain.GridState
		if err := json.Unmarshal(doc, &g); err != nil {
			return nil, fmt.Errorf("не удалось распарсить сетку %s: %w", key, err)
		}
		if g.Orders == nil {
			g.Orders = make(map[int]*domain.GridOrder)
		}
		s.payload.Grids[key] = &g
	}

	meta, err := repo.LoadSection(domain.SectionMeta)
	if err != nil {
		return nil, fmt.Errorf("не удалось загрузить meta: %w", err)
	}
	if doc, ok := meta[domain.MetaKey]; ok {
		if err := json.Unmarshal(doc, &s.payload.Meta); err != nil {
			return nil, fmt.Errorf("не удалось распарсить meta: %w", err)
		}
		if s.payload.Meta.LastTradeAt == nil {
			s.payload.Meta.LastTradeAt = make(map[string]time.Time)
		}
	}

	return s, nil
}

// ==================== POSITIONS ====================

// Position возвращает копию позиции по ключу symbol:horizon
func (s *Store) Position(key string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payload.Positions[key]
	if !ok {
		return domain.Position{}, false
	}
	return clonePosition(p), true
}

// Positions возвращает снапшот всех позиций
func (s *Store) Positions() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.payload.Positions))
	for _, p := range s.payload.Positions {
		out = append(out, clonePosition(p))
	}
	return out
}

// SetPosition сохраняет позицию и пишет только её ключ в хранилище
func (s *Store) SetPosition(p *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := clonePosition(p)
	s.payload.Positions[p.Key()] = &stored
	return s.repo.SaveKey(domain.SectionPositions, p.Key(), &stored)
}

// DeletePosition удаляет позицию
func (s *Store) DeletePosition(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.payload.Positions, key)
	return s.repo.DeleteKey(domain.SectionPositions, key)
}

// ==================== GRIDS ====================

// Grid возвращает копию состояния сетки
func (s *Store) Grid(symbol string) (domain.GridState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.payload.Grids[symbol]
	if !ok {
		return domain.GridState{}, false
	}
	return cloneGrid(g), true
}

// Grids возвращает снапшот всех сеток
func (s *Store) Grids() []domain.GridState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.GridState, 0, len(s.payload.Grids))
	for _, g := range s.payload.Grids {
		out = append(out, cloneGrid(g))
	}
	return out
}

// SetGrid сохраняет состояние сетки
func (s *Store) SetGrid(g *domain.GridState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.UpdatedAt = time.Now()
	stored := cloneGrid(g)
	s.payload.Grids[g.Symbol] = &stored
	return s.repo.SaveKey(domain.SectionGrids, g.Symbol, &stored)
}

// DeleteGrid удаляет сетку
func (s *Store) DeleteGrid(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.payload.Grids, symbol)
	return s.repo.DeleteKey(domain.SectionGrids, symbol)
}

// ==================== META ====================

// Meta возвращает копию метаданных
func (s *Store) Meta() domain.PayloadMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMeta(&s.payload.Meta)
}

// UpdateMeta применяет мутацию к метаданным и сохраняет секцию meta
func (s *Store) UpdateMeta(mutate func(m *domain.PayloadMeta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.payload.Meta)
	s.payload.Meta.UpdatedAt = time.Now()
	stored := cloneMeta(&s.payload.Meta)
	return s.repo.SaveKey(domain.SectionMeta, domain.MetaKey, &stored)
}

// EmergencyStop сообщает, активирован ли аварийный стоп
func (s *Store) EmergencyStop() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payload.Meta.EmergencyStop
}

func clonePosition(p *domain.Position) domain.Position {
	out := *p
	out.TakeProfit = append([]float64(nil), p.TakeProfit...)
	return out
}

func cloneGrid(g *domain.GridState) domain.GridState {
	out := *g
	out.Prices = append([]float64(nil), g.Prices...)
	out.Orders = make(map[int]*domain.GridOrder, len(g.Orders))
	for level, order := range g.Orders {
		copied := *order
		out.Orders[level] = &copied
	}
	return out
}

func cloneMeta(m *domain.PayloadMeta) domain.PayloadMeta {
	out := *m
	out.LastTradeAt = make(map[string]time.Time, len(m.LastTradeAt))
	for k, v := range m.LastTradeAt {
		out.LastTradeAt[k] = v
	}
	if m.LastDecision != nil {
		copied := *m.LastDecision
		out.LastDecision = &copied
	}
	if m.RiskDecision != nil {
		copied := *m.RiskDecision
		copied.Reasons = append([]string(nil), m.RiskDecision.Reasons...)
		out.RiskDecision = &copied
	}
	return out
}
