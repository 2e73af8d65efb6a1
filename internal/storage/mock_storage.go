package storage

import (
	"sync"

	"github.com/jspahr/openrange/internal/models"
)

// MemoryStorage implements Interface in memory for tests and can be
// primed with failures.
type MemoryStorage struct {
	mu sync.Mutex

	SaveErr error // injected: returned by every write when set
	LoadErr error // injected: returned by every read when set

	markers   map[string]*models.DailyMarker
	trades    map[string][]models.ClosedTrade
	account   *models.Account
	positions []models.Position
	ranges    map[string]map[string]models.OpeningRange
	signals   map[string][]models.GatedSignal

	SaveAccountCalls int
}

var _ Interface = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		markers: make(map[string]*models.DailyMarker),
		trades:  make(map[string][]models.ClosedTrade),
		ranges:  make(map[string]map[string]models.OpeningRange),
		signals: make(map[string][]models.GatedSignal),
	}
}

func (m *MemoryStorage) SaveMarker(marker *models.DailyMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.markers[marker.Date] = marker.Clone()
	return nil
}

func (m *MemoryStorage) LoadMarker(date string) (*models.DailyMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	mk, ok := m.markers[date]
	if !ok {
		return nil, ErrNotFound
	}
	return mk.Clone(), nil
}

func (m *MemoryStorage) AppendTrade(date string, trade *models.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.trades[date] = append(m.trades[date], *trade)
	return nil
}

func (m *MemoryStorage) LoadTrades(date string) ([]models.ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return append([]models.ClosedTrade(nil), m.trades[date]...), nil
}

func (m *MemoryStorage) SaveAccount(account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveAccountCalls++
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cp := *account
	m.account = &cp
	return nil
}

func (m *MemoryStorage) LoadAccount() (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.account == nil {
		return nil, ErrNotFound
	}
	cp := *m.account
	return &cp, nil
}

func (m *MemoryStorage) SaveOpenPositions(positions []models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.positions = append([]models.Position(nil), positions...)
	return nil
}

func (m *MemoryStorage) LoadOpenPositions() ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return append([]models.Position(nil), m.positions...), nil
}

func (m *MemoryStorage) SaveOpeningRanges(date string, ranges map[string]models.OpeningRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cp := make(map[string]models.OpeningRange, len(ranges))
	for k, v := range ranges {
		cp[k] = v
	}
	m.ranges[date] = cp
	return nil
}

func (m *MemoryStorage) LoadOpeningRanges(date string) (map[string]models.OpeningRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	out := make(map[string]models.OpeningRange, len(m.ranges[date]))
	for k, v := range m.ranges[date] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStorage) ArchiveSignals(date string, signals []models.GatedSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.signals[date] = append([]models.GatedSignal(nil), signals...)
	return nil
}

func (m *MemoryStorage) LoadSignals(date string) ([]models.GatedSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return append([]models.GatedSignal(nil), m.signals[date]...), nil
}
