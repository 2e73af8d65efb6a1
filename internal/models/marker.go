package models

import (
	"sync"
	"time"
)

// Phase is a stage of the intraday state machine. Transitions are driven
// by wall clock in the scheduling timezone (Pacific).
type Phase string

const (
	PhaseIdle           Phase = "IDLE"
	PhaseMorningAlert   Phase = "MORNING_ALERT"
	PhaseORBCapture     Phase = "ORB_CAPTURE"
	PhaseSOPrefetch     Phase = "SO_PREFETCH"
	PhaseSOCollection   Phase = "SO_COLLECTION"
	PhaseBatchExecution Phase = "BATCH_EXECUTION"
	PhaseMonitoring     Phase = "MONITORING"
	PhaseEODClose       Phase = "EOD_CLOSE"
	PhaseEODReport      Phase = "EOD_REPORT"
	PhaseDrain          Phase = "DRAIN"
)

// DailyMarker records which phases completed and which alerts were sent
// for one trading day. It is the dedup and crash-recovery record: a
// phase whose completion flag is set is skipped on restart, and a flagged
// alert kind is never re-sent.
//
// The marker is shared between the phase FSM, the monitor loop, and the
// health cron job, so all field access goes through the locked methods.
// Persist via Clone, never by marshaling the live marker.
type DailyMarker struct {
	mu sync.Mutex

	Date            string          `json:"date"` // YYYY-MM-DD market time
	PhasesCompleted map[Phase]bool  `json:"phases_completed"`
	AlertsSent      map[string]bool `json:"alerts_sent"`
	ExecutedSymbols []string        `json:"executed_symbols"`
	RedDayFailsafe  bool            `json:"red_day_failsafe"`
	ReadOnly        bool            `json:"read_only"` // live auth failure locks out new orders
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewDailyMarker creates an empty marker for the given date.
func NewDailyMarker(date string) *DailyMarker {
	return &DailyMarker{
		Date:            date,
		PhasesCompleted: make(map[Phase]bool),
		AlertsSent:      make(map[string]bool),
	}
}

// PhaseDone reports whether a phase completed today.
func (m *DailyMarker) PhaseDone(p Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PhasesCompleted[p]
}

// MarkPhaseDone flags a phase as completed.
func (m *DailyMarker) MarkPhaseDone(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PhasesCompleted == nil {
		m.PhasesCompleted = make(map[Phase]bool)
	}
	m.PhasesCompleted[p] = true
	m.UpdatedAt = time.Now().UTC()
}

// AlertSent reports whether an alert key was already sent today.
func (m *DailyMarker) AlertSent(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AlertsSent[key]
}

// MarkAlertSent flags an alert key as sent.
func (m *DailyMarker) MarkAlertSent(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AlertsSent == nil {
		m.AlertsSent = make(map[string]bool)
	}
	m.AlertsSent[key] = true
	m.UpdatedAt = time.Now().UTC()
}

// AddExecutedSymbol records a filled entry for the day.
func (m *DailyMarker) AddExecutedSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecutedSymbols = append(m.ExecutedSymbols, symbol)
	m.UpdatedAt = time.Now().UTC()
}

// Executed returns a copy of the day's filled symbols.
func (m *DailyMarker) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ExecutedSymbols...)
}

// SetReadOnly flips the day to read-only and reports whether it already
// was, so the caller alerts exactly once.
func (m *DailyMarker) SetReadOnly() (already bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	already = m.ReadOnly
	m.ReadOnly = true
	m.UpdatedAt = time.Now().UTC()
	return already
}

// IsReadOnly reports whether order placement is locked out.
func (m *DailyMarker) IsReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ReadOnly
}

// SetRedDayFailsafe records that the stale-data failsafe fired.
func (m *DailyMarker) SetRedDayFailsafe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RedDayFailsafe = true
	m.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to marshal and persist while the live
// marker keeps taking writes.
func (m *DailyMarker) Clone() *DailyMarker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := &DailyMarker{
		Date:            m.Date,
		PhasesCompleted: make(map[Phase]bool, len(m.PhasesCompleted)),
		AlertsSent:      make(map[string]bool, len(m.AlertsSent)),
		ExecutedSymbols: append([]string(nil), m.ExecutedSymbols...),
		RedDayFailsafe:  m.RedDayFailsafe,
		ReadOnly:        m.ReadOnly,
		UpdatedAt:       m.UpdatedAt,
	}
	for p, done := range m.PhasesCompleted {
		cp.PhasesCompleted[p] = done
	}
	for k, sent := range m.AlertsSent {
		cp.AlertsSent[k] = sent
	}
	return cp
}
