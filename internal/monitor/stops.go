// Package monitor evaluates open positions every thirty seconds: stop
// progression, the ordered exit trigger ladder, and the fifteen-minute
// portfolio health check.
package monitor

import (
	"time"

	"github.com/jspahr/openrange/internal/config"
	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/util"
)

// FloorStopTier returns the permanent stop distance for a position,
// tiered by the entry bar's volatility (the opening range width in
// percent). Wider ranges get wider stops.
func FloorStopTier(rangePct float64) float64 {
	switch {
	case rangePct >= 6:
		return 0.08
	case rangePct >= 3:
		return 0.05
	case rangePct >= 2:
		return 0.03
	default:
		return 0.02
	}
}

// InitFloorStop sets the floor and current stop at fill time. Long only;
// the floor is never relaxed afterwards.
func InitFloorStop(p *models.Position, rangePct float64) {
	tier := FloorStopTier(rangePct)
	p.EntryBarVolatilityPct = rangePct
	p.FloorStop = p.EntryPrice * (1 - tier)
	p.CurrentStop = p.FloorStop
}

// StopEngine advances breakeven and trailing stops on each tick.
type StopEngine struct {
	cfg config.StopsConfig
}

// NewStopEngine builds a stop engine from the stops configuration.
func NewStopEngine(cfg config.StopsConfig) *StopEngine {
	return &StopEngine{cfg: cfg}
}

// Advance arms breakeven and trailing as their thresholds are met and
// raises the current stop. The stop only ever tightens.
func (e *StopEngine) Advance(p *models.Position, price float64, now time.Time) {
	unrealized := p.UnrealizedPct(price)
	ageMin := p.Age(now).Minutes()

	if !p.BreakevenArmed &&
		unrealized >= e.cfg.BreakevenThreshold &&
		ageMin >= e.cfg.BreakevenTimeMin {
		p.BreakevenArmed = true
		p.RaiseStop(p.EntryPrice * (1 + e.cfg.BreakevenOffset))
	}

	if !p.TrailingArmed &&
		unrealized >= e.cfg.TrailingActivationThreshold &&
		ageMin >= e.cfg.TrailingActivationTimeMin {
		p.TrailingArmed = true
	}

	if p.TrailingArmed {
		p.TrailingDistancePct = e.trailingDistance(p, unrealized)
		p.RaiseStop(p.PeakPrice * (1 - p.TrailingDistancePct))
	}
}

// trailingDistance widens the base trail for volatile entries and for
// positions deep in profit, bounded to [min, max].
func (e *StopEngine) trailingDistance(p *models.Position, unrealized float64) float64 {
	d := e.cfg.BaseTrailing
	if p.EntryBarVolatilityPct >= 6 {
		d += 0.005
	}
	if unrealized >= 0.03 {
		d += 0.005
	}
	return util.Clamp(d, e.cfg.TrailingMin, e.cfg.TrailingMax)
}
