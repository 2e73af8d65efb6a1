package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jspahr/openrange/internal/models"
)

func sig(symbol string, f models.Features) models.Signal {
	return models.Signal{
		Symbol:       symbol,
		Side:         models.SideLong,
		CurrentPrice: 100,
		Features:     f,
	}
}

func TestRankEmptyCohort(t *testing.T) {
	assert.Nil(t, Rank(nil))
}

func TestRankSingletonScoresFullPercentiles(t *testing.T) {
	out := Rank([]models.Signal{sig("AAA", models.Features{Confidence: 0.5})})
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Rank)
	// All percentile factors score 1.0; only confidence drags.
	assert.InDelta(t, 0.27+0.25+0.22+0.13*0.5+0.10+0.03, out[0].PriorityScore, 1e-9)
}

func TestRankOrdersDescendingWithStableRanks(t *testing.T) {
	cohort := []models.Signal{
		sig("WEAK", models.Features{VWAPDistancePct: -1, RSVsSPYPct: -2, ORBVolumeRatio: 0.5, RSI: 20, Confidence: 0.1}),
		sig("MID", models.Features{VWAPDistancePct: 0.5, RSVsSPYPct: 0.5, ORBVolumeRatio: 1.2, RSI: 55, Confidence: 0.5}),
		sig("STRONG", models.Features{VWAPDistancePct: 2, RSVsSPYPct: 3, ORBVolumeRatio: 2.5, RSI: 60, Confidence: 0.9}),
	}

	out := Rank(cohort)
	require.Len(t, out, 3)
	assert.Equal(t, "STRONG", out[0].Symbol)
	assert.Equal(t, "MID", out[1].Symbol)
	assert.Equal(t, "WEAK", out[2].Symbol)
	for i, r := range out {
		assert.Equal(t, i+1, r.Rank)
		assert.GreaterOrEqual(t, r.PriorityScore, 0.0)
		assert.LessOrEqual(t, r.PriorityScore, 1.0)
	}
	assert.Greater(t, out[0].PriorityScore, out[1].PriorityScore)
	assert.Greater(t, out[1].PriorityScore, out[2].PriorityScore)
}

func TestRankTiesBreakBySymbolDeterministically(t *testing.T) {
	// Identical features everywhere: percentile ties resolve by symbol
	// ascending, so the ordering is fixed regardless of input order.
	same := models.Features{VWAPDistancePct: 1, RSVsSPYPct: 1, ORBVolumeRatio: 1, RSI: 60, Confidence: 0.5}
	a := Rank([]models.Signal{sig("ZED", same), sig("ALPHA", same), sig("MIKE", same)})
	b := Rank([]models.Signal{sig("MIKE", same), sig("ZED", same), sig("ALPHA", same)})

	require.Len(t, a, 3)
	for i := range a {
		assert.Equal(t, a[i].Symbol, b[i].Symbol)
		assert.Equal(t, a[i].Rank, b[i].Rank)
	}
}

func TestRankIsDeterministic(t *testing.T) {
	cohort := []models.Signal{
		sig("AAA", models.Features{VWAPDistancePct: 0.1, RSI: 50, Confidence: 0.4}),
		sig("BBB", models.Features{VWAPDistancePct: 0.2, RSI: 65, Confidence: 0.6}),
		sig("CCC", models.Features{VWAPDistancePct: 0.3, RSI: 80, Confidence: 0.2}),
	}
	assert.Equal(t, Rank(cohort), Rank(cohort))
}

func TestRSIContext(t *testing.T) {
	assert.InDelta(t, 1.0, rsiContext(60), 1e-9)
	assert.InDelta(t, rsiContext(50), rsiContext(70), 1e-9)
	assert.Greater(t, rsiContext(65), rsiContext(90))
	assert.Equal(t, 0.0, rsiContext(0))
}

func TestPercentilesRankBased(t *testing.T) {
	cohort := []models.Signal{
		sig("LOW", models.Features{RSVsSPYPct: -1}),
		sig("MID", models.Features{RSVsSPYPct: 0}),
		sig("HIGH", models.Features{RSVsSPYPct: 5}),
	}
	p := percentiles(cohort, func(s *models.Signal) float64 { return s.Features.RSVsSPYPct })
	assert.Equal(t, 0.0, p["LOW"])
	assert.Equal(t, 0.5, p["MID"])
	assert.Equal(t, 1.0, p["HIGH"])
}
