package monitor

import (
	"fmt"
	"log"
	"time"

	"github.com/jspahr/openrange/internal/config"
	"github.com/jspahr/openrange/internal/models"
)

// HealthLevel is the portfolio health verdict for one window.
type HealthLevel string

const (
	HealthOK        HealthLevel = "OK"
	HealthWarning   HealthLevel = "WARNING"
	HealthEmergency HealthLevel = "EMERGENCY"
)

// HealthReport is the outcome of one health evaluation.
type HealthReport struct {
	WindowKey string      `json:"window_key"`
	Level     HealthLevel `json:"level"`
	Flags     []string    `json:"flags"`

	WinRate          float64 `json:"win_rate"`
	AvgPnLPct        float64 `json:"avg_pnl_pct"`
	PctMomentumPos   float64 `json:"pct_momentum_positive"`
	AvgPeakPct       float64 `json:"avg_peak_pct"`
	PctLosingNow     float64 `json:"pct_losing_now"`
	OpenPositions    int     `json:"open_positions"`
	ClosedToday      int     `json:"closed_today"`
}

// PositionView is a read-only snapshot of one open position for health
// evaluation: current price alongside the position record.
type PositionView struct {
	Position models.Position
	Price    float64
}

// HealthMonitor computes the five red flags every window and dedups by
// window key so a restarted process never double-acts.
type HealthMonitor struct {
	cfg    config.HealthConfig
	logger *log.Logger

	evaluated map[string]bool
}

// NewHealthMonitor creates a health monitor.
func NewHealthMonitor(cfg config.HealthConfig, logger *log.Logger) *HealthMonitor {
	return &HealthMonitor{cfg: cfg, logger: logger, evaluated: make(map[string]bool)}
}

// Reset clears the dedup record at the daily reset.
func (h *HealthMonitor) Reset() {
	h.evaluated = make(map[string]bool)
}

// WindowKey buckets a wall-clock time into its 15-minute window.
func (h *HealthMonitor) WindowKey(now time.Time) string {
	freq := h.cfg.CheckFrequencyMin
	if freq <= 0 {
		freq = 15
	}
	bucket := now.Truncate(time.Duration(freq) * time.Minute)
	return bucket.Format("2006-01-02T15:04")
}

// Evaluate computes the report for the current window, or nil when this
// window was already evaluated or there is nothing to measure.
func (h *HealthMonitor) Evaluate(open []PositionView, closed []models.ClosedTrade, now time.Time) *HealthReport {
	key := h.WindowKey(now)
	if h.evaluated[key] {
		return nil
	}
	h.evaluated[key] = true

	total := len(open) + len(closed)
	if total == 0 {
		return nil
	}

	var wins, momentumPos, losingNow int
	var pnlSum, peakSum float64

	for i := range closed {
		t := &closed[i]
		if t.PnLPct > 0 {
			wins++
		}
		pnlSum += t.PnLPct
		peakSum += t.PeakPct()
		if t.PeakPct() > 0 {
			momentumPos++
		}
	}
	for i := range open {
		v := &open[i]
		u := v.Position.UnrealizedPct(v.Price)
		if u > 0 {
			wins++
		} else {
			losingNow++
		}
		pnlSum += u
		peakSum += v.Position.PeakPct()
		if v.Position.PeakPct() > 0 {
			momentumPos++
		}
	}

	r := &HealthReport{
		WindowKey:      key,
		WinRate:        float64(wins) / float64(total),
		AvgPnLPct:      pnlSum / float64(total),
		PctMomentumPos: float64(momentumPos) / float64(total),
		AvgPeakPct:     peakSum / float64(total),
		OpenPositions:  len(open),
		ClosedToday:    len(closed),
	}
	if len(open) > 0 {
		r.PctLosingNow = float64(losingNow) / float64(len(open))
	}

	if r.WinRate < h.cfg.WinRateThreshold {
		r.Flags = append(r.Flags, fmt.Sprintf("win_rate %.2f < %.2f", r.WinRate, h.cfg.WinRateThreshold))
	}
	if r.AvgPnLPct < h.cfg.AvgPnLThreshold {
		r.Flags = append(r.Flags, fmt.Sprintf("avg_pnl %.4f < %.4f", r.AvgPnLPct, h.cfg.AvgPnLThreshold))
	}
	if r.PctMomentumPos < h.cfg.MomentumThreshold {
		r.Flags = append(r.Flags, fmt.Sprintf("momentum %.2f < %.2f", r.PctMomentumPos, h.cfg.MomentumThreshold))
	}
	if r.AvgPeakPct < h.cfg.WeakPeaksThreshold {
		r.Flags = append(r.Flags, fmt.Sprintf("avg_peak %.4f < %.4f", r.AvgPeakPct, h.cfg.WeakPeaksThreshold))
	}
	if len(open) > 0 && r.PctLosingNow == 1.0 {
		r.Flags = append(r.Flags, "all open positions losing")
	}

	switch {
	case len(r.Flags) >= 3:
		r.Level = HealthEmergency
	case len(r.Flags) == 2:
		r.Level = HealthWarning
	default:
		r.Level = HealthOK
	}

	if r.Level != HealthOK {
		h.logger.Printf("portfolio health %s (%d flags): %v", r.Level, len(r.Flags), r.Flags)
	}
	return r
}
