package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jspahr/openrange/internal/models"
)

func gatedSignal(symbol string, rank int, price float64) models.GatedSignal {
	return models.GatedSignal{
		RankedSignal: models.RankedSignal{
			Signal: models.Signal{
				Symbol:       symbol,
				Side:         models.SideLong,
				CurrentPrice: price,
			},
			Rank: rank,
		},
	}
}

func defaultParams() Params {
	return Params{
		AccountCash:      100_000,
		TargetDeployment: 0.90,
		MaxPositionFrac:  0.35,
		SlipGuardEnabled: false,
		ADVCapFrac:       0.01,
	}
}

func TestSizeRespectsPositionCap(t *testing.T) {
	signals := []models.GatedSignal{
		gatedSignal("AAA", 1, 50),
		gatedSignal("BBB", 2, 120),
		gatedSignal("CCC", 3, 33),
	}
	p := defaultParams()

	orders := Size(signals, p)
	require.NotEmpty(t, orders)

	cap := p.AccountCash * p.MaxPositionFrac
	for _, o := range orders {
		assert.LessOrEqual(t, o.Notional(), cap, "position %s exceeds cap", o.Symbol)
	}
}

func TestSizeRespectsBudgetWithSlack(t *testing.T) {
	signals := []models.GatedSignal{
		gatedSignal("AAA", 1, 412.50),
		gatedSignal("BBB", 2, 87.10),
		gatedSignal("CCC", 3, 251.33),
		gatedSignal("DDD", 4, 19.85),
		gatedSignal("EEE", 5, 64.02),
	}
	p := defaultParams()

	orders := Size(signals, p)
	require.NotEmpty(t, orders)

	var total float64
	for _, o := range orders {
		total += o.Notional()
	}
	assert.LessOrEqual(t, total, p.AccountCash*(p.TargetDeployment+0.05))
	// Typical inputs deploy close to the target.
	assert.GreaterOrEqual(t, total, p.AccountCash*(p.TargetDeployment-0.02))
}

func TestSizeIsDeterministic(t *testing.T) {
	signals := []models.GatedSignal{
		gatedSignal("AAA", 1, 99.99),
		gatedSignal("BBB", 2, 45.67),
		gatedSignal("CCC", 3, 210.01),
	}
	p := defaultParams()

	first := Size(signals, p)
	second := Size(signals, p)
	assert.Equal(t, first, second)
}

func TestSizePreservesRankOrder(t *testing.T) {
	signals := []models.GatedSignal{
		gatedSignal("ZZZ", 1, 30),
		gatedSignal("MMM", 2, 30),
		gatedSignal("AAA", 3, 30),
	}

	orders := Size(signals, defaultParams())
	require.Len(t, orders, 3)
	assert.Equal(t, []string{"ZZZ", "MMM", "AAA"}, []string{orders[0].Symbol, orders[1].Symbol, orders[2].Symbol})
	for i, o := range orders {
		assert.Equal(t, i+1, o.Rank)
	}
}

func TestSizeRankMultipliersFrontLoad(t *testing.T) {
	signals := []models.GatedSignal{
		gatedSignal("AAA", 1, 10),
		gatedSignal("BBB", 2, 10),
		gatedSignal("CCC", 3, 10),
	}
	p := defaultParams()
	// Large cap so the multipliers are the only shaping force.
	p.MaxPositionFrac = 1.0

	orders := Size(signals, p)
	require.Len(t, orders, 3)
	assert.Greater(t, orders[0].Quantity, orders[1].Quantity)
	assert.Greater(t, orders[1].Quantity, orders[2].Quantity)
}

func TestSizeADVCapLimitsIlliquidSymbols(t *testing.T) {
	signals := []models.GatedSignal{
		gatedSignal("THIN", 1, 100),
		gatedSignal("FAT", 2, 100),
	}
	p := defaultParams()
	p.SlipGuardEnabled = true
	p.ADV = map[string]int64{
		"THIN": 10_000,     // cap = 10000 * 0.01 * 100 = $10k
		"FAT":  50_000_000, // effectively uncapped
	}

	orders := Size(signals, p)
	require.Len(t, orders, 2)
	require.Equal(t, "THIN", orders[0].Symbol)
	assert.LessOrEqual(t, orders[0].Notional(), 10_000.0) // ADV cap: 10k shares * 1% * $100
	assert.Greater(t, orders[1].Notional(), orders[0].Notional())
}

func TestSizeDropsZeroQuantity(t *testing.T) {
	signals := []models.GatedSignal{
		gatedSignal("CHEAP", 1, 10),
		gatedSignal("PRICY", 2, 500_000), // more than any single allocation
	}

	orders := Size(signals, defaultParams())
	require.Len(t, orders, 1)
	assert.Equal(t, "CHEAP", orders[0].Symbol)
}

func TestSizeEmptyAndInvalidInputs(t *testing.T) {
	assert.Nil(t, Size(nil, defaultParams()))

	p := defaultParams()
	p.AccountCash = 0
	assert.Nil(t, Size([]models.GatedSignal{gatedSignal("AAA", 1, 10)}, p))
}

func TestRankMultiplierTiers(t *testing.T) {
	cases := []struct {
		rank int
		want float64
	}{
		{1, 3.0}, {2, 2.5}, {3, 2.0}, {4, 1.71}, {5, 1.71},
		{6, 1.5}, {10, 1.5}, {11, 1.2}, {15, 1.2}, {16, 1.0}, {40, 1.0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, rankMultiplier(c.rank), "rank %d", c.rank)
	}
}
