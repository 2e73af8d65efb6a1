package models

import "time"

// Features is the indicator bundle attached to a signal at generation
// time. All percentage fields are expressed in percent, not fractions.
type Features struct {
	RSI                   float64 `json:"rsi"`
	MACDHistogram         float64 `json:"macd_histogram"`
	VWAPDistancePct       float64 `json:"vwap_distance_pct"`
	RSVsSPYPct            float64 `json:"rs_vs_spy_pct"`
	VolumeRatio           float64 `json:"volume_ratio"`
	ORBVolumeRatio        float64 `json:"orb_volume_ratio"`
	EntryBarVolatilityPct float64 `json:"entry_bar_volatility_pct"`
	Confidence            float64 `json:"confidence"` // [0,1]
}

// Signal is a raw candidate entry produced during the collection window.
// Later scans for the same symbol update the feature bundle in place of
// emitting a new signal; at most one signal per (symbol, date).
type Signal struct {
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	CurrentPrice float64   `json:"current_price"`
	Features     Features  `json:"features"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// RankedSignal is a Signal after the multi-factor ranker has scored it.
// Ranked signals are ordered rank 1..N, descending by priority.
type RankedSignal struct {
	Signal
	PriorityScore float64 `json:"priority_score"` // [0,1]
	Rank          int     `json:"rank"`           // 1-based
}

// GatedSignal is a RankedSignal after the red-day filter. Rejected
// signals are dropped from the execution set but retained in the
// archive with their reason.
type GatedSignal struct {
	RankedSignal
	IsRedDay     bool   `json:"is_red_day"`
	Rejected     bool   `json:"rejected"`
	RejectReason string `json:"reject_reason,omitempty"`
}

// SizedOrder is the sizer's output for one surviving signal: an integer
// share quantity ready for batch execution.
type SizedOrder struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Rank     int     `json:"rank"`
}

// Notional returns the dollar value of the order.
func (o *SizedOrder) Notional() float64 {
	return float64(o.Quantity) * o.Price
}
