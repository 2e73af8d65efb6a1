// Package sizing converts the ranked surviving signals into integer
// share quantities through a deterministic six-step dollar pipeline.
// The sizer is pure: no I/O, no clocks, identical output for identical
// input.
package sizing

import (
	"math"

	"github.com/jspahr/openrange/internal/models"
)

// budgetSlack is the tolerated overshoot of the deployment target after
// rounding up and redistribution: 5% of account cash.
const budgetSlack = 0.05

// Params carries the sizing configuration and per-symbol market data.
type Params struct {
	AccountCash      float64 // A
	TargetDeployment float64 // T, fraction of A to deploy
	MaxPositionFrac  float64 // M, per-position cap as fraction of A
	SlipGuardEnabled bool
	ADVCapFrac       float64          // fraction of ADV a single order may consume
	ADV              map[string]int64 // average daily volume per symbol
}

// Size runs the six steps over the accepted cohort, preserving rank
// order in the output. Symbols rounding to zero shares are dropped.
func Size(signals []models.GatedSignal, p Params) []models.SizedOrder {
	n := len(signals)
	if n == 0 || p.AccountCash <= 0 || p.TargetDeployment <= 0 {
		return nil
	}

	budget := p.AccountCash * p.TargetDeployment
	posCap := p.AccountCash * p.MaxPositionFrac

	// Step 1: fair share scaled by rank multiplier.
	fairShare := budget / float64(n)
	alloc := make([]float64, n)
	for i := range signals {
		alloc[i] = fairShare * rankMultiplier(signals[i].Rank)
	}

	// Steps 2 and 3: per-position cap, then the ADV slip guard. The
	// combined per-symbol ceiling also bounds rounding and
	// redistribution below, so the slip guard cannot be undone by the
	// later steps.
	ceiling := make([]float64, n)
	for i := range signals {
		ceiling[i] = posCap
		if p.SlipGuardEnabled {
			if adv := p.ADV[signals[i].Symbol]; adv > 0 {
				advCap := float64(adv) * p.ADVCapFrac * signals[i].CurrentPrice
				ceiling[i] = math.Min(ceiling[i], advCap)
			}
		}
		alloc[i] = math.Min(alloc[i], ceiling[i])
	}

	// Step 4: normalize down to the budget. Under-allocation is left
	// for redistribution to fill.
	var total float64
	for _, a := range alloc {
		total += a
	}
	if total > budget {
		scale := budget / total
		for i := range alloc {
			alloc[i] *= scale
		}
	}

	// Step 5: integer rounding, trying one extra share when the
	// overage stays inside the slack and the position cap.
	maxSpend := p.AccountCash * (p.TargetDeployment + budgetSlack)
	qty := make([]int, n)
	var spent float64
	for i := range signals {
		price := signals[i].CurrentPrice
		if price <= 0 {
			continue
		}
		q := int(math.Floor(alloc[i] / price))
		up := float64(q+1) * price
		if up <= ceiling[i] && spent+up <= maxSpend {
			q++
		}
		qty[i] = q
		spent += float64(q) * price
	}

	// Step 6: redistribute the unused budget one share at a time in
	// rank order while the per-symbol ceiling and the slack bound hold.
	// Stops once the target deployment is reached.
	for spent < budget {
		added := false
		for i := range signals {
			if spent >= budget {
				break
			}
			if qty[i] == 0 {
				continue // dropped in step 5, stays dropped
			}
			price := signals[i].CurrentPrice
			next := float64(qty[i]+1) * price
			if next > ceiling[i] || spent+price > maxSpend {
				continue
			}
			qty[i]++
			spent += price
			added = true
		}
		if !added {
			break
		}
	}

	out := make([]models.SizedOrder, 0, n)
	for i := range signals {
		if qty[i] == 0 {
			continue
		}
		out = append(out, models.SizedOrder{
			Symbol:   signals[i].Symbol,
			Side:     signals[i].Side,
			Quantity: qty[i],
			Price:    signals[i].CurrentPrice,
			Rank:     signals[i].Rank,
		})
	}
	return out
}

// rankMultiplier front-loads capital onto the best-ranked signals.
func rankMultiplier(rank int) float64 {
	switch {
	case rank == 1:
		return 3.0
	case rank == 2:
		return 2.5
	case rank == 3:
		return 2.0
	case rank <= 5:
		return 1.71
	case rank <= 10:
		return 1.5
	case rank <= 15:
		return 1.2
	default:
		return 1.0
	}
}
