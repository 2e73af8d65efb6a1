// Package orb captures and stores the opening range: the first fifteen
// minutes of each symbol's session.
package orb

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jspahr/openrange/internal/marketdata"
	"github.com/jspahr/openrange/internal/models"
)

const (
	captureRetries        = 3
	captureInitialBackoff = 500 * time.Millisecond
)

// Store holds the day's opening ranges. Written once by the capture
// step, read-only afterwards.
type Store struct {
	mu         sync.RWMutex
	date       string
	ranges     map[string]*models.OpeningRange
	untradable map[string]bool
}

// NewStore creates an empty opening-range store.
func NewStore() *Store {
	return &Store{
		ranges:     make(map[string]*models.OpeningRange),
		untradable: make(map[string]bool),
	}
}

// Get returns the opening range for a symbol, or nil.
func (s *Store) Get(symbol string) *models.OpeningRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ranges[symbol]
}

// Untradable reports whether capture gave up on a symbol today.
func (s *Store) Untradable(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.untradable[symbol]
}

// Symbols returns the symbols with a captured range, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ranges))
	for sym := range s.ranges {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// All returns a snapshot copy of the captured ranges.
func (s *Store) All() map[string]models.OpeningRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.OpeningRange, len(s.ranges))
	for sym, r := range s.ranges {
		out[sym] = *r
	}
	return out
}

// Reset clears the store for a new trading day.
func (s *Store) Reset(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.date = date
	s.ranges = make(map[string]*models.OpeningRange)
	s.untradable = make(map[string]bool)
}

// Restore loads previously captured ranges, used on cold start when the
// capture phase already completed today.
func (s *Store) Restore(date string, ranges map[string]models.OpeningRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.date = date
	s.ranges = make(map[string]*models.OpeningRange, len(ranges))
	for sym := range ranges {
		r := ranges[sym]
		s.ranges[sym] = &r
	}
	s.untradable = make(map[string]bool)
}

// Capturer builds opening ranges from the 06:45 quote snapshot.
type Capturer struct {
	data   *marketdata.Service
	store  *Store
	logger *log.Logger
}

// NewCapturer creates a Capturer writing into store.
func NewCapturer(data *marketdata.Service, store *Store, logger *log.Logger) *Capturer {
	return &Capturer{data: data, store: store, logger: logger}
}

// Capture snapshots all universe symbols and freezes one OpeningRange
// per symbol. Symbols missing from the snapshot are retried with
// exponential backoff; after exhaustion they are marked un-tradeable for
// the day. Returns the number captured.
func (c *Capturer) Capture(ctx context.Context, symbols []string, date string) (int, error) {
	if len(symbols) == 0 {
		return 0, fmt.Errorf("orb capture: empty universe")
	}

	pending := append([]string(nil), symbols...)
	backoff := captureInitialBackoff

	for attempt := 0; attempt <= captureRetries && len(pending) > 0; attempt++ {
		if attempt > 0 {
			c.logger.Printf("ORB capture retry %d/%d for %d symbols", attempt, captureRetries, len(pending))
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return c.captured(), ctx.Err()
			}
		}

		quotes, err := c.data.Quotes(ctx, pending)
		if err != nil {
			c.logger.Printf("ORB capture fetch failed: %v", err)
			continue
		}

		var still []string
		for _, sym := range pending {
			q, ok := quotes[sym]
			if !ok || q.Last <= 0 {
				still = append(still, sym)
				continue
			}
			if err := c.freeze(sym, date, q); err != nil {
				c.logger.Printf("ORB capture rejected %s: %v", sym, err)
				still = append(still, sym)
			}
		}
		pending = still
	}

	for _, sym := range pending {
		c.logger.Printf("ORB capture exhausted retries, marking %s un-tradeable", sym)
		c.store.mu.Lock()
		c.store.untradable[sym] = true
		c.store.mu.Unlock()
	}

	return c.captured(), nil
}

func (c *Capturer) captured() int {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return len(c.store.ranges)
}

// freeze validates and stores the range from a snapshot quote. The
// session high/low/open at 06:45 are the opening-range bounds; the last
// trade is the range close.
func (c *Capturer) freeze(symbol, date string, q models.Quote) error {
	r := &models.OpeningRange{
		Symbol:     symbol,
		Date:       date,
		High:       q.High,
		Low:        q.Low,
		Open:       q.Open,
		Close:      q.Last,
		Volume:     q.Volume,
		CapturedAt: q.Timestamp,
	}

	// Snapshot quotes can report a last trade a hair outside the
	// session range when the tape is fast; clamp instead of rejecting.
	if r.Close > r.High {
		r.High = r.Close
	}
	if r.Close < r.Low {
		r.Low = r.Close
	}

	if err := r.Validate(); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if existing, ok := c.store.ranges[symbol]; ok && existing.Date == date {
		// Exactly one range per (symbol, date).
		return nil
	}
	c.store.ranges[symbol] = r
	return nil
}
