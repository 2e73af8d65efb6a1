package marketdata

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jspahr/openrange/internal/models"
)

// countingGateway counts calls so the tests can assert cache behavior.
type countingGateway struct {
	mu         sync.Mutex
	quoteCalls  int
	barCalls    int
	advCalls    int
	failQuotes  bool
	omitSymbols map[string]bool
}

func (g *countingGateway) BatchQuotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quoteCalls++
	if g.failQuotes {
		return nil, errors.New("gateway down")
	}
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		if g.omitSymbols[s] {
			continue
		}
		out[s] = models.Quote{Symbol: s, Last: 100, Source: models.SourceBroker, Timestamp: time.Now()}
	}
	return out, nil
}

func (g *countingGateway) GetBar(_ context.Context, symbol string, start, end time.Time) (*models.Bar, error) {
	return &models.Bar{Symbol: symbol, Start: start, End: end, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000}, nil
}

func (g *countingGateway) GetIntradayBars(_ context.Context, symbol string, _ time.Time) ([]models.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.barCalls++
	return []models.Bar{{Symbol: symbol, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000}}, nil
}

func (g *countingGateway) GetADV(_ context.Context, symbol string, _ int) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advCalls++
	return 5_000_000, nil
}

func (g *countingGateway) GetAccountBalance(context.Context) (float64, error) { return 0, nil }

func (g *countingGateway) IsTradingDay(context.Context, time.Time) (bool, error) { return true, nil }

func (g *countingGateway) PlaceOrder(context.Context, string, string, models.Side, int, models.OrderType) (*models.Fill, error) {
	return nil, errors.New("market data only")
}

func newTestService(g *countingGateway) *Service {
	return NewService(g, log.New(io.Discard, "", 0))
}

func TestQuotesServedFromCacheWithinTTL(t *testing.T) {
	g := &countingGateway{}
	s := newTestService(g)
	ctx := context.Background()

	first, err := s.Quotes(ctx, []string{"AAPL", "NVDA"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, models.SourceBroker, first["AAPL"].Source)

	second, err := s.Quotes(ctx, []string{"AAPL", "NVDA"})
	require.NoError(t, err)
	assert.Equal(t, models.SourceCached, second["AAPL"].Source)
	assert.Equal(t, 1, g.quoteCalls)
}

func TestQuotesFetchesOnlyMissingSymbols(t *testing.T) {
	g := &countingGateway{}
	s := newTestService(g)
	ctx := context.Background()

	_, err := s.Quotes(ctx, []string{"AAPL"})
	require.NoError(t, err)

	out, err := s.Quotes(ctx, []string{"AAPL", "NVDA"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, models.SourceCached, out["AAPL"].Source)
	assert.Equal(t, models.SourceBroker, out["NVDA"].Source)
	assert.Equal(t, 2, g.quoteCalls)
}

func TestQuotesServesStaleCacheOnFetchFailure(t *testing.T) {
	g := &countingGateway{}
	s := newTestService(g)
	ctx := context.Background()

	_, err := s.Quotes(ctx, []string{"AAPL"})
	require.NoError(t, err)

	g.failQuotes = true
	out, err := s.Quotes(ctx, []string{"AAPL", "NVDA"})
	require.NoError(t, err)
	assert.Contains(t, out, "AAPL")
	assert.NotContains(t, out, "NVDA")

	// Nothing cached at all: the failure surfaces.
	s.Reset()
	_, err = s.Quotes(ctx, []string{"AAPL"})
	assert.Error(t, err)
}

func TestQuoteMissingSymbolIs404(t *testing.T) {
	g := &countingGateway{omitSymbols: map[string]bool{"DELISTED": true}}
	s := newTestService(g)

	_, err := s.Quote(context.Background(), "AAPL")
	require.NoError(t, err)

	_, err = s.Quote(context.Background(), "DELISTED")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestIntradayBarsCached(t *testing.T) {
	g := &countingGateway{}
	s := newTestService(g)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	_, err := s.IntradayBars(ctx, "AAPL", start)
	require.NoError(t, err)
	_, err = s.IntradayBars(ctx, "AAPL", start)
	require.NoError(t, err)
	assert.Equal(t, 1, g.barCalls)
}

func TestADVCachedForSession(t *testing.T) {
	g := &countingGateway{}
	s := newTestService(g)
	ctx := context.Background()

	adv, err := s.ADV(ctx, "AAPL", 90)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), adv)

	_, err = s.ADV(ctx, "AAPL", 90)
	require.NoError(t, err)
	assert.Equal(t, 1, g.advCalls)
}

func TestPrefetchWarmsCaches(t *testing.T) {
	g := &countingGateway{}
	s := newTestService(g)
	ctx := context.Background()
	symbols := []string{"AAPL", "NVDA", "TSLA"}

	s.PrefetchBars(ctx, symbols, time.Now().Add(-time.Hour))
	s.PrefetchADV(ctx, symbols, 90)
	assert.Equal(t, 3, g.barCalls)
	assert.Equal(t, 3, g.advCalls)

	// Subsequent reads hit the warm cache.
	_, err := s.ADV(ctx, "NVDA", 90)
	require.NoError(t, err)
	assert.Equal(t, 3, g.advCalls)
}

func TestResetClearsCaches(t *testing.T) {
	g := &countingGateway{}
	s := newTestService(g)
	ctx := context.Background()

	_, err := s.ADV(ctx, "AAPL", 90)
	require.NoError(t, err)
	s.Reset()
	_, err = s.ADV(ctx, "AAPL", 90)
	require.NoError(t, err)
	assert.Equal(t, 2, g.advCalls)
}
