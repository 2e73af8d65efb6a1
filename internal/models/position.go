package models

import (
	"fmt"
	"strings"
	"time"
)

// ExitReason identifies which of the monitor's triggers closed a position.
type ExitReason string

const (
	ExitReasonStopLoss        ExitReason = "stop_loss"
	ExitReasonTrailingStop    ExitReason = "trailing_stop"
	ExitReasonBreakevenStop   ExitReason = "breakeven_stop"
	ExitReasonProfitTimeout   ExitReason = "profit_timeout"
	ExitReasonMaxHold         ExitReason = "max_hold_time"
	ExitReasonNoMomentum      ExitReason = "no_momentum_rapid_exit"
	ExitReasonReversal        ExitReason = "immediate_reversal"
	ExitReasonWeakPosition    ExitReason = "weak_position"
	ExitReasonRSI             ExitReason = "rsi_exit"
	ExitReasonGapRisk         ExitReason = "gap_risk"
	ExitReasonForcedClose     ExitReason = "forced_close"
	ExitReasonHealthEmergency ExitReason = "portfolio_emergency"
	ExitReasonHealthWeakDay   ExitReason = "weak_day_exit"
)

// Position is an open exposure under management by the monitor. Only the
// orchestrator's FSM task mutates positions; everything else works on
// copies or snapshots.
type Position struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   int     `json:"quantity"`

	EntryTime           time.Time `json:"entry_time"`
	PeakPrice           float64   `json:"peak_price"`
	PeakTime            time.Time `json:"peak_time"`
	MaxAdverseExcursion float64   `json:"max_adverse_excursion"` // most negative unrealized pct seen

	// Stop state. FloorStop is set once at fill and never relaxed;
	// CurrentStop only tightens for long positions.
	FloorStop           float64 `json:"floor_stop"`
	CurrentStop         float64 `json:"current_stop"`
	BreakevenArmed      bool    `json:"breakeven_armed"`
	TrailingArmed       bool    `json:"trailing_armed"`
	TrailingDistancePct float64 `json:"trailing_distance_pct"`

	// EntryBarVolatilityPct is the opening range's range percentage at
	// entry, used to pick the floor stop tier.
	EntryBarVolatilityPct float64 `json:"entry_bar_volatility_pct"`

	// RSIBelowSince tracks the start of a sustained RSI-below-threshold
	// stretch for the RSI exit trigger. Zero when RSI is healthy.
	RSIBelowSince time.Time `json:"rsi_below_since,omitempty"`

	StateMachine *StateMachine `json:"-"`     // runtime only
	State        PositionState `json:"state"` // canonical persisted state
}

// NewPositionID builds the stable position identifier:
// <mode>_<symbol>_<yymmdd>_<microsec>.
func NewPositionID(mode, symbol string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%d",
		strings.ToLower(mode), symbol, now.Format("060102"), now.UnixMicro()%1_000_000)
}

// NewPosition creates a position at fill time with its state machine
// initialized and the peak seeded at the entry price.
func NewPosition(id, symbol string, side Side, entryPrice float64, quantity int, entryTime time.Time) *Position {
	return &Position{
		ID:           id,
		Symbol:       symbol,
		Side:         side,
		EntryPrice:   entryPrice,
		Quantity:     quantity,
		EntryTime:    entryTime,
		PeakPrice:    entryPrice,
		PeakTime:     entryTime,
		StateMachine: NewStateMachine(),
		State:        StatePending,
	}
}

// UnrealizedPct returns the fractional unrealized return at price.
func (p *Position) UnrealizedPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	pct := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == SideShort {
		return -pct
	}
	return pct
}

// PeakPct returns the best fractional return reached so far.
func (p *Position) PeakPct() float64 {
	return p.UnrealizedPct(p.PeakPrice)
}

// Age returns how long the position has been open as of now.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// UpdateExcursion records a new price observation, advancing the peak
// and the max adverse excursion. The peak never moves down.
func (p *Position) UpdateExcursion(price float64, now time.Time) {
	if price > p.PeakPrice {
		p.PeakPrice = price
		p.PeakTime = now
	}
	if u := p.UnrealizedPct(price); u < p.MaxAdverseExcursion {
		p.MaxAdverseExcursion = u
	}
}

// RaiseStop tightens the current stop to the given level if it is higher.
// The stop never drops below the floor.
func (p *Position) RaiseStop(level float64) {
	if level > p.CurrentStop {
		p.CurrentStop = level
	}
	if p.CurrentStop < p.FloorStop {
		p.CurrentStop = p.FloorStop
	}
}

// TransitionState moves the position to a new state and keeps the
// canonical persisted state in sync with the runtime machine.
func (p *Position) TransitionState(to PositionState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", p.ID, err)
	}
	p.State = to
	return nil
}

// GetCurrentState returns the canonical persisted state.
func (p *Position) GetCurrentState() PositionState {
	return p.State
}

func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
	return p.StateMachine
}

// ValidateState checks the position's stop and excursion invariants.
func (p *Position) ValidateState() error {
	if p.Quantity <= 0 && p.State != StateClosed {
		return fmt.Errorf("position %s: quantity must be > 0 (current: %d)", p.ID, p.Quantity)
	}
	if p.CurrentStop < p.FloorStop {
		return fmt.Errorf("position %s: current stop %.4f below floor %.4f", p.ID, p.CurrentStop, p.FloorStop)
	}
	if p.PeakPrice < p.EntryPrice && p.Side == SideLong {
		return fmt.Errorf("position %s: peak %.4f below entry %.4f", p.ID, p.PeakPrice, p.EntryPrice)
	}
	return nil
}

// ClosedTrade is the append-only record of a completed position.
type ClosedTrade struct {
	Position
	ExitPrice   float64    `json:"exit_price"`
	ExitTime    time.Time  `json:"exit_time"`
	Reason      ExitReason `json:"exit_reason"`
	PnLAbsolute float64    `json:"pnl_absolute"`
	PnLPct      float64    `json:"pnl_pct"`
}

// NewClosedTrade derives the trade record for a position exiting at the
// given price. PnL is qty * (exit - entry) for longs.
func NewClosedTrade(p *Position, exitPrice float64, exitTime time.Time, reason ExitReason) *ClosedTrade {
	pnl := float64(p.Quantity) * (exitPrice - p.EntryPrice)
	if p.Side == SideShort {
		pnl = -pnl
	}
	return &ClosedTrade{
		Position:    *p,
		ExitPrice:   exitPrice,
		ExitTime:    exitTime,
		Reason:      reason,
		PnLAbsolute: pnl,
		PnLPct:      p.UnrealizedPct(exitPrice),
	}
}

// Account tracks session cash. Updated atomically on every close.
type Account struct {
	CashBalance     float64   `json:"cash_balance"`
	StartingBalance float64   `json:"starting_balance"`
	UpdatedAt       time.Time `json:"updated_at"`
}
