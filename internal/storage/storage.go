// Package storage persists the agent's durable state: daily markers,
// closed trades, the account checkpoint, open positions and the signal
// archive. The file backend writes JSON with a temp-file rename so a
// crash mid-write never corrupts state.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jspahr/openrange/internal/models"
)

// JSONStorage is the file-backed store. Layout under the root:
//
//	markers/<date>.json
//	trades/<date>.json
//	ranges/<date>.json
//	signals/<date>.json
//	account.json
//	positions.json
type JSONStorage struct {
	mu   sync.RWMutex
	root string
}

var _ Interface = (*JSONStorage)(nil)

// NewJSONStorage creates the file store rooted at dir, creating the
// directory tree as needed.
func NewJSONStorage(dir string) (*JSONStorage, error) {
	for _, sub := range []string{"", "markers", "trades", "ranges", "signals"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}
	return &JSONStorage{root: dir}, nil
}

func (s *JSONStorage) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (s *JSONStorage) readJSON(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- paths are built from the configured root
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// SaveMarker persists the daily marker.
func (s *JSONStorage) SaveMarker(marker *models.DailyMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.root, "markers", marker.Date+".json"), marker)
}

// LoadMarker loads the marker for a date, ErrNotFound when absent.
func (s *JSONStorage) LoadMarker(date string) (*models.DailyMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m models.DailyMarker
	if err := s.readJSON(filepath.Join(s.root, "markers", date+".json"), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendTrade appends one closed trade to the day's log.
func (s *JSONStorage) AppendTrade(date string, trade *models.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, "trades", date+".json")
	var trades []models.ClosedTrade
	if err := s.readJSON(path, &trades); err != nil && err != ErrNotFound {
		return err
	}
	trades = append(trades, *trade)
	return s.writeJSON(path, trades)
}

// LoadTrades returns the day's closed trades, empty when none.
func (s *JSONStorage) LoadTrades(date string) ([]models.ClosedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var trades []models.ClosedTrade
	if err := s.readJSON(filepath.Join(s.root, "trades", date+".json"), &trades); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return trades, nil
}

// SaveAccount persists the cash checkpoint.
func (s *JSONStorage) SaveAccount(account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account.UpdatedAt = time.Now().UTC()
	return s.writeJSON(filepath.Join(s.root, "account.json"), account)
}

// LoadAccount loads the cash checkpoint, ErrNotFound when absent.
func (s *JSONStorage) LoadAccount() (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var a models.Account
	if err := s.readJSON(filepath.Join(s.root, "account.json"), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveOpenPositions replaces the open-positions snapshot.
func (s *JSONStorage) SaveOpenPositions(positions []models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if positions == nil {
		positions = []models.Position{}
	}
	return s.writeJSON(filepath.Join(s.root, "positions.json"), positions)
}

// LoadOpenPositions loads the snapshot, empty when absent.
func (s *JSONStorage) LoadOpenPositions() ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var positions []models.Position
	if err := s.readJSON(filepath.Join(s.root, "positions.json"), &positions); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return positions, nil
}

// SaveOpeningRanges persists the day's captured ranges.
func (s *JSONStorage) SaveOpeningRanges(date string, ranges map[string]models.OpeningRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.root, "ranges", date+".json"), ranges)
}

// LoadOpeningRanges loads the day's ranges, empty when absent.
func (s *JSONStorage) LoadOpeningRanges(date string) (map[string]models.OpeningRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ranges := make(map[string]models.OpeningRange)
	if err := s.readJSON(filepath.Join(s.root, "ranges", date+".json"), &ranges); err != nil {
		if err == ErrNotFound {
			return map[string]models.OpeningRange{}, nil
		}
		return nil, err
	}
	return ranges, nil
}

// ArchiveSignals persists the gated cohort, rejections included.
func (s *JSONStorage) ArchiveSignals(date string, signals []models.GatedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if signals == nil {
		signals = []models.GatedSignal{}
	}
	return s.writeJSON(filepath.Join(s.root, "signals", date+".json"), signals)
}

// LoadSignals loads the day's archived cohort, empty when absent.
func (s *JSONStorage) LoadSignals(date string) ([]models.GatedSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var signals []models.GatedSignal
	if err := s.readJSON(filepath.Join(s.root, "signals", date+".json"), &signals); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return signals, nil
}
