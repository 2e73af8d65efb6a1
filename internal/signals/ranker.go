package signals

import (
	"sort"

	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/util"
)

// Factor weights. They sum to 1.0 so the priority score stays in [0,1].
const (
	weightVWAP       = 0.27
	weightRS         = 0.25
	weightORBVolume  = 0.22
	weightConfidence = 0.13
	weightRSIContext = 0.10
	weightORBRange   = 0.03
)

// rsiSweetSpot is the RSI the context sub-score rewards: strong momentum
// that is not yet overbought.
const rsiSweetSpot = 60.0

// Rank scores the cohort and returns it sorted descending by priority,
// rank 1..N. Sub-scores are rank-based percentiles over the cohort; ties
// inside a factor and equal final scores both break by symbol ascending,
// so the ordering is deterministic for a given input set.
func Rank(cohort []models.Signal) []models.RankedSignal {
	n := len(cohort)
	if n == 0 {
		return nil
	}

	vwapP := percentiles(cohort, func(s *models.Signal) float64 { return s.Features.VWAPDistancePct })
	rsP := percentiles(cohort, func(s *models.Signal) float64 { return s.Features.RSVsSPYPct })
	orbVolP := percentiles(cohort, func(s *models.Signal) float64 { return s.Features.ORBVolumeRatio })
	rsiCtxP := percentiles(cohort, func(s *models.Signal) float64 { return rsiContext(s.Features.RSI) })
	orbRangeP := percentiles(cohort, func(s *models.Signal) float64 { return s.Features.EntryBarVolatilityPct })

	out := make([]models.RankedSignal, n)
	for i := range cohort {
		s := cohort[i]
		score := weightVWAP*vwapP[s.Symbol] +
			weightRS*rsP[s.Symbol] +
			weightORBVolume*orbVolP[s.Symbol] +
			weightConfidence*util.Clamp(s.Features.Confidence, 0, 1) +
			weightRSIContext*rsiCtxP[s.Symbol] +
			weightORBRange*orbRangeP[s.Symbol]
		out[i] = models.RankedSignal{Signal: s, PriorityScore: util.Clamp(score, 0, 1)}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].Symbol < out[j].Symbol
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// rsiContext scores closeness to the sweet spot: 1.0 at RSI 60, falling
// linearly to 0 at distance 60.
func rsiContext(rsi float64) float64 {
	d := rsi - rsiSweetSpot
	if d < 0 {
		d = -d
	}
	return util.Clamp(1-d/rsiSweetSpot, 0, 1)
}

// percentiles maps each symbol to its rank-based percentile of the raw
// value across the cohort: idx/(N-1) after an ascending sort with symbol
// tiebreak. A singleton cohort scores 1.0.
func percentiles(cohort []models.Signal, raw func(*models.Signal) float64) map[string]float64 {
	n := len(cohort)
	out := make(map[string]float64, n)
	if n == 1 {
		out[cohort[0].Symbol] = 1.0
		return out
	}

	type pair struct {
		symbol string
		value  float64
	}
	pairs := make([]pair, n)
	for i := range cohort {
		pairs[i] = pair{symbol: cohort[i].Symbol, value: raw(&cohort[i])}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].value != pairs[j].value {
			return pairs[i].value < pairs[j].value
		}
		return pairs[i].symbol < pairs[j].symbol
	})
	for i, p := range pairs {
		out[p.symbol] = float64(i) / float64(n-1)
	}
	return out
}
