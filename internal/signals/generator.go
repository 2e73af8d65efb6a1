// Package signals implements the breakout signal pipeline: generation
// during the collection window, multi-factor ranking, and the red-day
// filter that can veto the whole cohort.
package signals

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jspahr/openrange/internal/indicators"
	"github.com/jspahr/openrange/internal/marketdata"
	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/orb"
)

// Breakout buffer above the range high, 10 basis points.
const breakoutBuffer = 1.001

// Generator scans the universe during the collection window and emits at
// most one signal per symbol per day. Later scans refresh the feature
// bundle on an already-emitted signal instead of duplicating it.
type Generator struct {
	data         *marketdata.Service
	ranges       *orb.Store
	logger       *log.Logger
	benchmark    string
	advLookback  int
	sessionStart time.Time

	mu      sync.Mutex
	signals map[string]*models.Signal
}

// NewGenerator creates a signal generator over the captured ranges.
func NewGenerator(data *marketdata.Service, ranges *orb.Store, benchmark string, advLookback int, logger *log.Logger) *Generator {
	return &Generator{
		data:        data,
		ranges:      ranges,
		logger:      logger,
		benchmark:   benchmark,
		advLookback: advLookback,
		signals:     make(map[string]*models.Signal),
	}
}

// Reset clears accumulated signals and pins the session start for bar
// fetches. Called at the daily reset.
func (g *Generator) Reset(sessionStart time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionStart = sessionStart
	g.signals = make(map[string]*models.Signal)
}

// Scan runs one pass over the universe. prevBarStart/prevBarEnd bound
// the reference bar (the 15-minute bar preceding the execution window).
func (g *Generator) Scan(ctx context.Context, symbols []string, prevBarStart, prevBarEnd time.Time) {
	quotes, err := g.data.Quotes(ctx, symbols)
	if err != nil {
		g.logger.Printf("signal scan: quote fetch failed: %v", err)
		return
	}

	benchQuote, err := g.data.Quote(ctx, g.benchmark)
	if err != nil {
		g.logger.Printf("signal scan: benchmark quote failed: %v", err)
	}
	benchBars, err := g.data.IntradayBars(ctx, g.benchmark, g.sessionStart)
	if err != nil {
		g.logger.Printf("signal scan: benchmark bars failed: %v", err)
	}

	for _, sym := range symbols {
		if g.ranges.Untradable(sym) {
			continue
		}
		rng := g.ranges.Get(sym)
		if rng == nil {
			continue
		}
		q, ok := quotes[sym]
		if !ok || q.Last <= 0 {
			continue
		}

		if g.has(sym) {
			// Refresh features on the existing signal only.
			g.refresh(ctx, sym, q, benchQuote, benchBars, rng)
			continue
		}

		bar, err := g.prevBar(ctx, sym, prevBarStart, prevBarEnd)
		if err != nil {
			g.logger.Printf("signal scan: previous bar failed for %s: %v", sym, err)
			continue
		}

		if !breakoutLong(q.Last, bar, rng) {
			continue
		}

		feats := g.features(ctx, sym, q, benchQuote, benchBars, rng)
		sig := &models.Signal{
			Symbol:       sym,
			Side:         models.SideLong,
			CurrentPrice: q.Last,
			Features:     feats,
			GeneratedAt:  time.Now().UTC(),
		}

		g.mu.Lock()
		g.signals[sym] = sig
		g.mu.Unlock()
		g.logger.Printf("signal emitted: %s LONG at %.2f (range high %.2f)", sym, q.Last, rng.High)
	}
}

// breakoutLong checks the three-part long entry: price cleared the range
// high with a 10 bp buffer, the reference bar closed above the high, and
// the reference bar was green.
func breakoutLong(price float64, prevBar *models.Bar, rng *models.OpeningRange) bool {
	if prevBar == nil {
		return false
	}
	return price >= rng.High*breakoutBuffer &&
		prevBar.Close > rng.High &&
		prevBar.IsGreen()
}

// breakoutShort is the symmetric short entry. Validated for
// completeness; no call-site emits short signals.
func breakoutShort(price float64, prevBar *models.Bar, rng *models.OpeningRange) bool {
	if prevBar == nil {
		return false
	}
	return price <= rng.Low*(2-breakoutBuffer) &&
		prevBar.Close < rng.Low &&
		!prevBar.IsGreen()
}

func (g *Generator) has(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.signals[symbol]
	return ok
}

func (g *Generator) prevBar(ctx context.Context, symbol string, start, end time.Time) (*models.Bar, error) {
	bars, err := g.data.IntradayBars(ctx, symbol, g.sessionStart)
	if err != nil || len(bars) == 0 {
		// Fall back to a direct aggregate fetch.
		return g.barFromGateway(ctx, symbol, start, end)
	}

	agg := models.Bar{Symbol: symbol, Start: start, End: end}
	var n int
	for i := range bars {
		b := &bars[i]
		if b.Start.Before(start) || !b.Start.Before(end) {
			continue
		}
		if n == 0 {
			agg.Open = b.Open
			agg.High = b.High
			agg.Low = b.Low
		}
		if b.High > agg.High {
			agg.High = b.High
		}
		if b.Low < agg.Low {
			agg.Low = b.Low
		}
		agg.Close = b.Close
		agg.Volume += b.Volume
		n++
	}
	if n == 0 {
		return g.barFromGateway(ctx, symbol, start, end)
	}
	return &agg, nil
}

func (g *Generator) barFromGateway(ctx context.Context, symbol string, start, end time.Time) (*models.Bar, error) {
	return g.data.Bar(ctx, symbol, start, end)
}

func (g *Generator) features(ctx context.Context, symbol string, q, bench models.Quote,
	benchBars []models.Bar, rng *models.OpeningRange) models.Features {

	bars, err := g.data.IntradayBars(ctx, symbol, g.sessionStart)
	if err != nil {
		g.logger.Printf("feature bars failed for %s: %v", symbol, err)
	}
	adv, err := g.data.ADV(ctx, symbol, g.advLookback)
	if err != nil {
		g.logger.Printf("feature ADV failed for %s: %v", symbol, err)
	}

	feats, err := indicators.Compute(indicators.Inputs{
		Quote:         q,
		Bars:          bars,
		BenchmarkBars: benchBars,
		Benchmark:     bench,
		Range:         rng,
		ADV:           adv,
	})
	if err != nil {
		g.logger.Printf("feature compute failed for %s: %v", symbol, err)
	}
	return feats
}

func (g *Generator) refresh(ctx context.Context, symbol string, q, bench models.Quote,
	benchBars []models.Bar, rng *models.OpeningRange) {

	feats := g.features(ctx, symbol, q, bench, benchBars, rng)

	g.mu.Lock()
	defer g.mu.Unlock()
	if sig, ok := g.signals[symbol]; ok {
		sig.CurrentPrice = q.Last
		sig.Features = feats
	}
}

// Snapshot returns the current signal set, sorted by symbol. At the end
// of the collection window this becomes the frozen cohort.
func (g *Generator) Snapshot() []models.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.Signal, 0, len(g.signals))
	for _, s := range g.signals {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
