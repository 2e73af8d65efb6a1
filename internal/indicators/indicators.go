// Package indicators computes the feature bundle attached to signals:
// RSI, MACD histogram, VWAP distance, relative strength vs the benchmark,
// and volume-derived ratios.
package indicators

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/util"
)

const (
	rsiPeriod      = 14
	macdFastPeriod = 12
	macdSlowPeriod = 26
	macdSignal     = 9

	// Minute bars in a full regular session, used to scale ADV down to
	// the 15-minute opening window.
	sessionMinutes = 390
)

// RSI returns the latest 14-period RSI from minute closes, or 0 when the
// series is too short. A zero RSI propagates into the red-day
// data-quality failsafe downstream.
func RSI(closes []float64) float64 {
	if len(closes) <= rsiPeriod {
		return 0
	}
	out := talib.Rsi(closes, rsiPeriod)
	return out[len(out)-1]
}

// MACDHistogram returns the latest MACD(12,26,9) histogram value from
// minute closes, or 0 when the series is too short.
func MACDHistogram(closes []float64) float64 {
	if len(closes) <= macdSlowPeriod+macdSignal {
		return 0
	}
	_, _, hist := talib.Macd(closes, macdFastPeriod, macdSlowPeriod, macdSignal)
	return hist[len(hist)-1]
}

// VWAP computes the day-to-date volume-weighted average price from
// intraday bars, using the bar midpoint as the traded price proxy.
func VWAP(bars []models.Bar) float64 {
	var pv, vol float64
	for i := range bars {
		b := &bars[i]
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * float64(b.Volume)
		vol += float64(b.Volume)
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// Closes extracts the close series from bars.
func Closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		out[i] = bars[i].Close
	}
	return out
}

// SessionReturnPct is the percent move from the session open to price.
func SessionReturnPct(bars []models.Bar, price float64) float64 {
	if len(bars) == 0 {
		return 0
	}
	return util.PctChange(price, bars[0].Open) * 100
}

// Inputs carries everything needed to compute one symbol's features.
type Inputs struct {
	Quote         models.Quote
	Bars          []models.Bar // symbol minute bars, session open to now
	BenchmarkBars []models.Bar // benchmark minute bars over the same span
	Benchmark     models.Quote
	Range         *models.OpeningRange
	ADV           int64 // average daily volume over the slip-guard lookback
}

// Compute builds the full feature bundle for a signal.
func Compute(in Inputs) (models.Features, error) {
	if in.Range == nil {
		return models.Features{}, fmt.Errorf("indicators: no opening range for %s", in.Quote.Symbol)
	}

	closes := Closes(in.Bars)
	price := in.Quote.Last

	var f models.Features
	f.RSI = RSI(closes)
	f.MACDHistogram = MACDHistogram(closes)

	if vwap := VWAP(in.Bars); vwap > 0 {
		f.VWAPDistancePct = util.PctChange(price, vwap) * 100
	}

	symbolRet := SessionReturnPct(in.Bars, price)
	benchRet := SessionReturnPct(in.BenchmarkBars, in.Benchmark.Last)
	f.RSVsSPYPct = symbolRet - benchRet

	// Volume ratios compare day-to-date and opening-window volume against
	// the symbol's pro-rated average volume for the same span.
	if in.ADV > 0 && len(in.Bars) > 0 {
		elapsed := float64(len(in.Bars))
		expected := float64(in.ADV) * elapsed / sessionMinutes
		if expected > 0 {
			f.VolumeRatio = float64(in.Quote.Volume) / expected
		}
		expectedORB := float64(in.ADV) * 15 / sessionMinutes
		if expectedORB > 0 {
			f.ORBVolumeRatio = float64(in.Range.Volume) / expectedORB
		}
	}

	if len(in.Bars) > 0 {
		last := in.Bars[len(in.Bars)-1]
		if last.Low > 0 {
			f.EntryBarVolatilityPct = (last.High - last.Low) / last.Low * 100
		}
	}

	f.Confidence = confidence(price, in.Range, f)
	return f, nil
}

// confidence scores breakout quality in [0,1]: how far price cleared the
// range high, with volume confirmation and momentum agreement.
func confidence(price float64, orb *models.OpeningRange, f models.Features) float64 {
	if orb.High <= 0 {
		return 0
	}

	score := 0.5

	// Up to +0.25 for breakout extension beyond the range high.
	extension := util.PctChange(price, orb.High)
	score += util.Clamp(extension*50, -0.25, 0.25)

	// Up to +0.15 for above-average volume.
	if f.VolumeRatio > 1.0 {
		score += util.Clamp((f.VolumeRatio-1.0)*0.15, 0, 0.15)
	} else {
		score -= util.Clamp((1.0-f.VolumeRatio)*0.15, 0, 0.15)
	}

	// +0.10 when MACD momentum agrees with the breakout direction.
	if f.MACDHistogram > 0 {
		score += 0.10
	}

	return util.Clamp(score, 0, 1)
}
