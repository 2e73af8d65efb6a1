// Package models provides data structures and state management for the
// intraday trading agent: quotes, opening ranges, signals, positions and
// the per-day run marker.
package models

import (
	"fmt"
	"time"
)

// DataSource tags where a market data record came from so downstream
// consumers can reason about provenance (stale-data failsafe).
type DataSource string

const (
	// SourceBroker marks data returned live by the broker gateway.
	SourceBroker DataSource = "broker"
	// SourceFallback marks synthetic or fallback data (demo mode).
	SourceFallback DataSource = "fallback"
	// SourceCached marks data served from the quote cache.
	SourceCached DataSource = "cached"
)

// Quote is a point-in-time snapshot for a single symbol.
type Quote struct {
	Symbol    string     `json:"symbol"`
	Last      float64    `json:"last"`
	Bid       float64    `json:"bid"`
	Ask       float64    `json:"ask"`
	Volume    int64      `json:"volume"`
	High      float64    `json:"high"`
	Low       float64    `json:"low"`
	Open      float64    `json:"open"`
	Timestamp time.Time  `json:"timestamp"`
	Source    DataSource `json:"source"`
	AgeMs     int64      `json:"age_ms"`
}

// Bar is an aggregated OHLCV bar over [Start, End).
type Bar struct {
	Symbol string    `json:"symbol"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// IsGreen reports whether the bar closed above its open.
func (b *Bar) IsGreen() bool {
	return b.Close > b.Open
}

// OpeningRange holds the first-15-minute range for one symbol on one
// trading day. It is created once at the end of the capture window and
// immutable for the rest of the session.
type OpeningRange struct {
	Symbol     string    `json:"symbol"`
	Date       string    `json:"date"` // YYYY-MM-DD in market time
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Open       float64   `json:"open"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	CapturedAt time.Time `json:"captured_at"`
}

// RangePct returns the opening range width as a percentage of the low.
func (o *OpeningRange) RangePct() float64 {
	if o.Low <= 0 {
		return 0
	}
	return (o.High - o.Low) / o.Low * 100
}

// Validate enforces the OHLC ordering invariants.
func (o *OpeningRange) Validate() error {
	if o.Low > o.High {
		return fmt.Errorf("opening range %s: low %.2f > high %.2f", o.Symbol, o.Low, o.High)
	}
	if o.Open < o.Low || o.Open > o.High {
		return fmt.Errorf("opening range %s: open %.2f outside [%.2f, %.2f]", o.Symbol, o.Open, o.Low, o.High)
	}
	if o.Close < o.Low || o.Close > o.High {
		return fmt.Errorf("opening range %s: close %.2f outside [%.2f, %.2f]", o.Symbol, o.Close, o.Low, o.High)
	}
	if o.Volume < 0 {
		return fmt.Errorf("opening range %s: negative volume %d", o.Symbol, o.Volume)
	}
	return nil
}

// Side is the direction of a signal or position.
type Side string

const (
	// SideLong is a long entry.
	SideLong Side = "LONG"
	// SideShort is a short entry. Validation rules exist symmetrically
	// but no call-site currently emits short signals.
	SideShort Side = "SHORT"
)

// OrderType identifies how an order should be priced.
type OrderType string

const (
	// OrderTypeMarket is a market order.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit is a limit order.
	OrderTypeLimit OrderType = "limit"
)

// Fill is the broker's response to a successfully placed order.
type Fill struct {
	OrderID    string    `json:"order_id"`
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   int       `json:"quantity"` // filled quantity, may be < requested
	AvgPrice   float64   `json:"avg_price"`
	FilledAt   time.Time `json:"filled_at"`
	PartialFor int       `json:"partial_for,omitempty"` // requested quantity when partial
}
