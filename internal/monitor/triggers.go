package monitor

import (
	"time"

	"github.com/jspahr/openrange/internal/config"
	"github.com/jspahr/openrange/internal/models"
)

// Trigger numbering follows the fixed evaluation order; the first match
// wins. Triggers 4 is an arming step that never exits by itself.
const (
	takeProfitArmThreshold = 0.03
	gapRiskThreshold       = 0.02
	rsiExitLevel           = 45.0
	rsiExitSustain         = 90 * time.Second
	rsiExitLossThreshold   = -0.00375
)

// Observation is one tick's market view of a position.
type Observation struct {
	Price float64
	RSI   float64 // 0 when unavailable; the RSI exit then never fires
	Now   time.Time
}

// DayState carries the portfolio-level inputs that gate two triggers.
type DayState struct {
	WeakDay        bool // health WARNING enabled the no-momentum exit
	ForcedClose    bool // wall clock at or past the forced-close time
	EmergencyClose bool // health EMERGENCY: close everything
	WeakDayClose   bool // health WARNING: close losing positions
}

// Engine evaluates the trigger ladder for one position per tick.
type Engine struct {
	stops    *StopEngine
	stopsCfg config.StopsConfig
	rapidCfg config.RapidExitConfig
}

// NewEngine builds a trigger engine.
func NewEngine(stops *StopEngine, stopsCfg config.StopsConfig, rapidCfg config.RapidExitConfig) *Engine {
	return &Engine{stops: stops, stopsCfg: stopsCfg, rapidCfg: rapidCfg}
}

// Evaluate updates excursion and stops, then walks the ladder. It
// returns the exit reason and true when the position should close now.
func (e *Engine) Evaluate(p *models.Position, obs Observation, day DayState) (models.ExitReason, bool) {
	p.UpdateExcursion(obs.Price, obs.Now)
	e.stops.Advance(p, obs.Price, obs.Now)

	unrealized := p.UnrealizedPct(obs.Price)
	peak := p.PeakPct()
	age := p.Age(obs.Now)

	// 1-3: stop hit. The reason reflects which mechanism armed the
	// level that fired.
	if obs.Price <= p.CurrentStop {
		switch {
		case p.TrailingArmed:
			return models.ExitReasonTrailingStop, true
		case p.BreakevenArmed:
			return models.ExitReasonBreakevenStop, true
		default:
			return models.ExitReasonStopLoss, true
		}
	}

	// 4: take-profit arming. Forces the trail on; never exits.
	if unrealized >= takeProfitArmThreshold && !p.TrailingArmed {
		p.TrailingArmed = true
		p.TrailingDistancePct = e.stops.trailingDistance(p, unrealized)
		p.RaiseStop(p.PeakPrice * (1 - p.TrailingDistancePct))
	}

	// 5: profit timeout. In profit but never armed a stop upgrade.
	if age.Hours() >= e.stopsCfg.ProfitTimeoutHours &&
		unrealized > 0 &&
		!p.BreakevenArmed && !p.TrailingArmed {
		return models.ExitReasonProfitTimeout, true
	}

	// 6: max hold.
	if age.Hours() >= e.stopsCfg.MaxHoldTimeHours {
		return models.ExitReasonMaxHold, true
	}

	// 7: no-momentum rapid exit, only on portfolio-weak days.
	if day.WeakDay &&
		age >= 15*time.Minute &&
		peak < e.rapidCfg.NoMomentumThreshold {
		return models.ExitReasonNoMomentum, true
	}

	// 8: immediate reversal in the first minutes.
	if age >= 5*time.Minute && age <= 10*time.Minute &&
		unrealized <= -e.rapidCfg.ReversalThreshold {
		return models.ExitReasonReversal, true
	}

	// 9: weak position that never got going.
	if age >= 20*time.Minute &&
		unrealized <= -e.rapidCfg.WeakThreshold &&
		peak < e.rapidCfg.WeakPeakThreshold {
		return models.ExitReasonWeakPosition, true
	}

	// 10: sustained weak RSI while underwater.
	if e.rsiExit(p, obs, unrealized) {
		return models.ExitReasonRSI, true
	}

	// 11: gap off the peak.
	if p.PeakPrice > 0 && (p.PeakPrice-obs.Price)/p.PeakPrice > gapRiskThreshold {
		return models.ExitReasonGapRisk, true
	}

	// 12: forced close at the end-of-day cutoff.
	if day.ForcedClose {
		return models.ExitReasonForcedClose, true
	}

	// 13: portfolio emergency.
	if day.EmergencyClose {
		return models.ExitReasonHealthEmergency, true
	}

	// 14: weak-day exit for losing positions.
	if day.WeakDayClose && unrealized < -0.005 {
		return models.ExitReasonHealthWeakDay, true
	}

	return "", false
}

// rsiExit tracks the sustained-below-threshold window on the position.
func (e *Engine) rsiExit(p *models.Position, obs Observation, unrealized float64) bool {
	if obs.RSI <= 0 || obs.RSI >= rsiExitLevel {
		p.RSIBelowSince = time.Time{}
		return false
	}
	if p.RSIBelowSince.IsZero() {
		p.RSIBelowSince = obs.Now
		return false
	}
	return obs.Now.Sub(p.RSIBelowSince) >= rsiExitSustain &&
		unrealized <= rsiExitLossThreshold
}
