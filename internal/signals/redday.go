package signals

import (
	"fmt"
	"log"

	"github.com/jspahr/openrange/internal/models"
)

// Portfolio pattern thresholds.
const (
	oversoldRSI   = 40.0
	overboughtRSI = 80.0
	weakVolume    = 1.0

	p1OversoldFrac   = 0.70
	p2OverboughtFrac = 0.80
	weakVolumeFrac   = 0.80
)

// CohortStats are aggregates over the ranked cohort that the red-day
// patterns and overrides consume.
type CohortStats struct {
	Count          int
	PctWeakVolume  float64
	PctOversold    float64
	PctOverbought  float64
	AvgRSI         float64
	AvgMACD        float64
	AvgVWAPDist    float64
	AvgRSVsSPY     float64
	AvgVolumeRatio float64
}

// ComputeCohortStats aggregates the feature bundles of a ranked cohort.
func ComputeCohortStats(cohort []models.RankedSignal) CohortStats {
	st := CohortStats{Count: len(cohort)}
	if st.Count == 0 {
		return st
	}

	var weak, oversold, overbought int
	for i := range cohort {
		f := &cohort[i].Features
		if f.VolumeRatio < weakVolume {
			weak++
		}
		if f.RSI < oversoldRSI {
			oversold++
		}
		if f.RSI > overboughtRSI {
			overbought++
		}
		st.AvgRSI += f.RSI
		st.AvgMACD += f.MACDHistogram
		st.AvgVWAPDist += f.VWAPDistancePct
		st.AvgRSVsSPY += f.RSVsSPYPct
		st.AvgVolumeRatio += f.VolumeRatio
	}

	n := float64(st.Count)
	st.PctWeakVolume = float64(weak) / n
	st.PctOversold = float64(oversold) / n
	st.PctOverbought = float64(overbought) / n
	st.AvgRSI /= n
	st.AvgMACD /= n
	st.AvgVWAPDist /= n
	st.AvgRSVsSPY /= n
	st.AvgVolumeRatio /= n
	return st
}

// Verdict is the red-day filter's decision for a cohort.
type Verdict struct {
	IsRedDay bool
	Pattern  string // RED_DAY_P1 | RED_DAY_P2 | RED_DAY_P3, empty when clear
	Override string // which override cleared a matched pattern, if any
	Failsafe bool   // stale-data failsafe activated
}

// Evaluate applies the portfolio-level red-day patterns with their
// overrides and the data-quality failsafe.
func Evaluate(st CohortStats) Verdict {
	if st.Count == 0 {
		return Verdict{}
	}

	// Stale data: averages of zero mean the feed never populated.
	// Trading a red-day call on dead inputs is worse than not calling
	// one, so clear everything and flag it.
	if st.AvgRSI == 0 || st.AvgVolumeRatio == 0 {
		return Verdict{Failsafe: true}
	}

	pattern := ""
	switch {
	case st.PctOversold >= p1OversoldFrac && st.PctWeakVolume >= weakVolumeFrac:
		pattern = "RED_DAY_P1"
	case st.PctOverbought >= p2OverboughtFrac && st.PctWeakVolume >= weakVolumeFrac:
		pattern = "RED_DAY_P2"
	case st.PctWeakVolume >= weakVolumeFrac:
		pattern = "RED_DAY_P3"
	}
	if pattern == "" {
		return Verdict{}
	}

	switch {
	case st.AvgMACD > 0 && st.AvgRSVsSPY > 2.0:
		return Verdict{Pattern: pattern, Override: "primary"}
	case st.AvgMACD > 10.0 && st.AvgRSVsSPY == 0:
		return Verdict{Pattern: pattern, Override: "secondary"}
	case st.AvgVWAPDist > 1.0 && st.AvgMACD > 0:
		return Verdict{Pattern: pattern, Override: "tertiary"}
	}

	return Verdict{IsRedDay: true, Pattern: pattern}
}

// Filter is a pluggable per-signal veto applied after the portfolio
// gate. The options overlay supplies its own; the baseline uses the
// weak-signal filter below.
type Filter interface {
	// Reject returns a non-empty reason to drop the signal.
	Reject(sig *models.RankedSignal) string
}

// WeakSignalFilter rejects individually weak signals: below-average
// volume combined with any of oversold RSI, dead momentum, or trading
// below VWAP.
type WeakSignalFilter struct{}

// Reject implements Filter.
func (WeakSignalFilter) Reject(sig *models.RankedSignal) string {
	f := &sig.Features
	if f.VolumeRatio >= weakVolume {
		return ""
	}
	switch {
	case f.RSI < oversoldRSI:
		return "WEAK_VOLUME_OVERSOLD"
	case f.MACDHistogram <= 0 && f.RSVsSPYPct <= 0:
		return "WEAK_VOLUME_NO_MOMENTUM"
	case f.VWAPDistancePct < -0.5:
		return "WEAK_VOLUME_BELOW_VWAP"
	}
	return ""
}

// NopFilter never rejects. Used when the per-signal veto is disabled.
type NopFilter struct{}

// Reject implements Filter.
func (NopFilter) Reject(*models.RankedSignal) string { return "" }

var (
	_ Filter = WeakSignalFilter{}
	_ Filter = NopFilter{}
)

// Gate applies the portfolio verdict and then the per-signal filter to a
// ranked cohort. When enabled is false the whole filter is a pass-through
// that still records the verdict fields.
func Gate(cohort []models.RankedSignal, filter Filter, enabled bool, logger *log.Logger) ([]models.GatedSignal, Verdict) {
	stats := ComputeCohortStats(cohort)
	var verdict Verdict
	if enabled {
		verdict = Evaluate(stats)
	}

	if verdict.Failsafe {
		logger.Printf("red-day failsafe: stale cohort data (avg_rsi=%.1f avg_volume_ratio=%.2f), all flags cleared",
			stats.AvgRSI, stats.AvgVolumeRatio)
	} else if verdict.IsRedDay {
		logger.Printf("red day declared: %s (weak=%.0f%% oversold=%.0f%% overbought=%.0f%%)",
			verdict.Pattern, stats.PctWeakVolume*100, stats.PctOversold*100, stats.PctOverbought*100)
	} else if verdict.Override != "" {
		logger.Printf("red-day pattern %s cleared by %s override", verdict.Pattern, verdict.Override)
	}

	out := make([]models.GatedSignal, 0, len(cohort))
	for i := range cohort {
		gs := models.GatedSignal{RankedSignal: cohort[i], IsRedDay: verdict.IsRedDay}
		switch {
		case verdict.IsRedDay:
			gs.Rejected = true
			gs.RejectReason = verdict.Pattern
		case verdict.Failsafe:
			// Flags cleared; per-signal filter still applies.
			if reason := filter.Reject(&cohort[i]); reason != "" {
				gs.Rejected = true
				gs.RejectReason = reason
			}
		default:
			if reason := filter.Reject(&cohort[i]); reason != "" {
				gs.Rejected = true
				gs.RejectReason = reason
			}
		}
		if gs.Rejected {
			logger.Printf("signal rejected: %s rank=%d reason=%s", gs.Symbol, gs.Rank, gs.RejectReason)
		}
		out = append(out, gs)
	}
	return out, verdict
}

// Accepted returns the non-rejected subset in rank order.
func Accepted(gated []models.GatedSignal) []models.GatedSignal {
	out := make([]models.GatedSignal, 0, len(gated))
	for _, g := range gated {
		if !g.Rejected {
			out = append(out, g)
		}
	}
	return out
}

// String summarises a verdict for alerts.
func (v Verdict) String() string {
	switch {
	case v.Failsafe:
		return "FAILSAFE"
	case v.IsRedDay:
		return v.Pattern
	case v.Override != "":
		return fmt.Sprintf("%s overridden (%s)", v.Pattern, v.Override)
	default:
		return "CLEAR"
	}
}
