// Package marketdata caches broker market data behind short TTLs so the
// 30-second scanner and monitor loops do not hammer the gateway.
package marketdata

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jspahr/openrange/internal/broker"
	"github.com/jspahr/openrange/internal/models"
)

const (
	// Quotes go stale almost immediately; bars and ADV are slow-moving.
	quoteTTL = 1 * time.Second
	barsTTL  = 5 * time.Minute
	advTTL   = 12 * time.Hour

	fetchConcurrency = 8
)

type quoteEntry struct {
	quote   models.Quote
	fetched time.Time
}

type barsEntry struct {
	bars    []models.Bar
	fetched time.Time
}

type advEntry struct {
	adv     int64
	fetched time.Time
}

// Service is a read-through cache over the broker gateway.
type Service struct {
	broker broker.Broker
	logger *log.Logger

	mu     sync.RWMutex
	quotes map[string]quoteEntry
	bars   map[string]barsEntry
	advs   map[string]advEntry
}

// NewService creates a market data cache over the given gateway.
func NewService(b broker.Broker, logger *log.Logger) *Service {
	return &Service{
		broker: b,
		logger: logger,
		quotes: make(map[string]quoteEntry),
		bars:   make(map[string]barsEntry),
		advs:   make(map[string]advEntry),
	}
}

// Quotes returns quotes for all symbols, serving cache hits newer than
// one second and fetching the remainder in a single batched call.
// Cached quotes are tagged SourceCached with their age in AgeMs.
func (s *Service) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	now := time.Now()
	out := make(map[string]models.Quote, len(symbols))
	var missing []string

	s.mu.RLock()
	for _, sym := range symbols {
		if e, ok := s.quotes[sym]; ok && now.Sub(e.fetched) < quoteTTL {
			q := e.quote
			q.Source = models.SourceCached
			q.AgeMs = now.Sub(e.fetched).Milliseconds()
			out[sym] = q
		} else {
			missing = append(missing, sym)
		}
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := s.broker.BatchQuotes(ctx, missing)
	if err != nil {
		// Serve whatever the cache still holds; the caller decides
		// whether partial coverage is acceptable.
		if len(out) > 0 {
			s.logger.Printf("quote fetch failed, serving %d cached of %d requested: %v", len(out), len(symbols), err)
			return out, nil
		}
		return nil, err
	}

	fetchedAt := time.Now()
	s.mu.Lock()
	for sym, q := range fresh {
		s.quotes[sym] = quoteEntry{quote: q, fetched: fetchedAt}
		out[sym] = q
	}
	s.mu.Unlock()

	return out, nil
}

// Quote returns a single symbol's quote through the batch path.
func (s *Service) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	qs, err := s.Quotes(ctx, []string{symbol})
	if err != nil {
		return models.Quote{}, err
	}
	q, ok := qs[symbol]
	if !ok {
		return models.Quote{}, &broker.APIError{Status: 404, Body: "no quote for " + symbol}
	}
	return q, nil
}

// Bar fetches a single aggregate bar over [start, end). Uncached: the
// callers that need it ask for a fixed historical window once.
func (s *Service) Bar(ctx context.Context, symbol string, start, end time.Time) (*models.Bar, error) {
	return s.broker.GetBar(ctx, symbol, start, end)
}

// IntradayBars returns session minute bars, cached for five minutes.
func (s *Service) IntradayBars(ctx context.Context, symbol string, sessionStart time.Time) ([]models.Bar, error) {
	s.mu.RLock()
	e, ok := s.bars[symbol]
	s.mu.RUnlock()
	if ok && time.Since(e.fetched) < barsTTL {
		return e.bars, nil
	}

	bars, err := s.broker.GetIntradayBars(ctx, symbol, sessionStart)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.bars[symbol] = barsEntry{bars: bars, fetched: time.Now()}
	s.mu.Unlock()
	return bars, nil
}

// ADV returns the average daily volume, cached for the session.
func (s *Service) ADV(ctx context.Context, symbol string, lookbackDays int) (int64, error) {
	s.mu.RLock()
	e, ok := s.advs[symbol]
	s.mu.RUnlock()
	if ok && time.Since(e.fetched) < advTTL {
		return e.adv, nil
	}

	adv, err := s.broker.GetADV(ctx, symbol, lookbackDays)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.advs[symbol] = advEntry{adv: adv, fetched: time.Now()}
	s.mu.Unlock()
	return adv, nil
}

// PrefetchBars warms the bar cache for a symbol set with bounded
// concurrency. Individual failures are logged, not fatal: a symbol with
// no bars simply computes degraded features later.
func (s *Service) PrefetchBars(ctx context.Context, symbols []string, sessionStart time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			if _, err := s.IntradayBars(gctx, sym, sessionStart); err != nil {
				s.logger.Printf("bar prefetch failed for %s: %v", sym, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// PrefetchADV warms the ADV cache for a symbol set.
func (s *Service) PrefetchADV(ctx context.Context, symbols []string, lookbackDays int) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			if _, err := s.ADV(gctx, sym, lookbackDays); err != nil {
				s.logger.Printf("ADV prefetch failed for %s: %v", sym, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Reset clears all caches. Called at the daily reset.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = make(map[string]quoteEntry)
	s.bars = make(map[string]barsEntry)
	s.advs = make(map[string]advEntry)
}
