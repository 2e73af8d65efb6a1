package monitor

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jspahr/openrange/internal/config"
	"github.com/jspahr/openrange/internal/models"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		CheckFrequencyMin:  15,
		WinRateThreshold:   0.35,
		AvgPnLThreshold:    -0.005,
		MomentumThreshold:  0.40,
		WeakPeaksThreshold: 0.008,
	}
}

func newHealthMonitor() *HealthMonitor {
	return NewHealthMonitor(testHealthConfig(), log.New(io.Discard, "", 0))
}

func openView(symbol string, price, peak float64) PositionView {
	entry := time.Date(2026, 8, 24, 14, 50, 0, 0, time.UTC)
	p := models.NewPosition("demo_"+symbol+"_260824_000001", symbol, models.SideLong, 100, 50, entry)
	if peak > p.PeakPrice {
		p.PeakPrice = peak
	}
	return PositionView{Position: *p, Price: price}
}

func closedTrade(symbol string, pnlPct, peak float64) models.ClosedTrade {
	return models.ClosedTrade{
		Position: models.Position{
			Symbol:     symbol,
			Side:       models.SideLong,
			EntryPrice: 100,
			PeakPrice:  peak,
			Quantity:   50,
		},
		PnLPct: pnlPct,
	}
}

func TestHealthEmergencyWhenEverythingIsLosing(t *testing.T) {
	h := newHealthMonitor()
	now := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

	open := []PositionView{
		openView("AAA", 99, 0),
		openView("BBB", 98.5, 0),
		openView("CCC", 99.2, 0),
	}

	r := h.Evaluate(open, nil, now)
	require.NotNil(t, r)
	assert.Equal(t, HealthEmergency, r.Level)
	assert.Len(t, r.Flags, 5)
	assert.Equal(t, 0.0, r.WinRate)
	assert.Equal(t, 1.0, r.PctLosingNow)
}

func TestHealthWarningAtTwoFlags(t *testing.T) {
	h := newHealthMonitor()
	now := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

	// One losing open position and two closed winners with small peaks:
	// only the all-losing and weak-peaks flags trip.
	open := []PositionView{openView("AAA", 99.8, 0)}
	closed := []models.ClosedTrade{
		closedTrade("BBB", 0.01, 100.5),
		closedTrade("CCC", 0.01, 100.5),
	}

	r := h.Evaluate(open, closed, now)
	require.NotNil(t, r)
	assert.Equal(t, HealthWarning, r.Level)
	assert.Len(t, r.Flags, 2)
	assert.InDelta(t, 2.0/3.0, r.WinRate, 1e-9)
}

func TestHealthOKWhenWinning(t *testing.T) {
	h := newHealthMonitor()
	now := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

	open := []PositionView{
		openView("AAA", 102, 102.5),
		openView("BBB", 101.5, 102),
	}
	closed := []models.ClosedTrade{closedTrade("CCC", 0.015, 102)}

	r := h.Evaluate(open, closed, now)
	require.NotNil(t, r)
	assert.Equal(t, HealthOK, r.Level)
	assert.Empty(t, r.Flags)
}

func TestHealthDedupsByWindow(t *testing.T) {
	h := newHealthMonitor()
	now := time.Date(2026, 8, 24, 15, 31, 0, 0, time.UTC)
	open := []PositionView{openView("AAA", 99, 0)}

	require.NotNil(t, h.Evaluate(open, nil, now))
	assert.Nil(t, h.Evaluate(open, nil, now.Add(2*time.Minute)), "same window evaluated twice")

	// Next window evaluates again; reset clears the record entirely.
	require.NotNil(t, h.Evaluate(open, nil, now.Add(15*time.Minute)))
	h.Reset()
	assert.NotNil(t, h.Evaluate(open, nil, now))
}

func TestHealthNothingToMeasure(t *testing.T) {
	h := newHealthMonitor()
	now := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
	assert.Nil(t, h.Evaluate(nil, nil, now))
}

func TestWindowKeyBuckets(t *testing.T) {
	h := newHealthMonitor()
	base := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)

	assert.Equal(t, h.WindowKey(base.Add(7*time.Minute)), h.WindowKey(base.Add(14*time.Minute)))
	assert.NotEqual(t, h.WindowKey(base.Add(14*time.Minute)), h.WindowKey(base.Add(16*time.Minute)))
}
