// Package alerts defines the notification surface: typed alert kinds, a
// sink interface, and the per-day dedup that keeps restarts from
// re-sending.
package alerts

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jspahr/openrange/internal/models"
)

// Kind labels an alert. One-per-day kinds dedup on the kind alone;
// repeatable kinds (exits, health) dedup on kind plus a discriminator.
type Kind string

const (
	KindMorning          Kind = "MORNING"
	KindHoliday          Kind = "HOLIDAY"
	KindORBCapture       Kind = "ORB_CAPTURE"
	KindSignalCollection Kind = "SIGNAL_COLLECTION"
	KindBatchExecution   Kind = "BATCH_EXECUTION"
	KindIndividualExit   Kind = "INDIVIDUAL_EXIT"
	KindAggregatedExit   Kind = "AGGREGATED_EXIT"
	KindHealthWarning    Kind = "HEALTH_WARNING"
	KindHealthEmergency  Kind = "HEALTH_EMERGENCY"
	KindEODReport        Kind = "EOD_REPORT"
)

// Alert is one notification.
type Alert struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
}

// Sink delivers alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Send(a Alert) error
}

// LogSink writes alerts to the process log. The default sink; outbound
// channels (mail, chat) plug in behind the same interface.
type LogSink struct {
	Logger *log.Logger
}

// Send implements Sink.
func (s *LogSink) Send(a Alert) error {
	s.Logger.Printf("ALERT [%s] %s: %s", a.Kind, a.Subject, a.Body)
	return nil
}

var _ Sink = (*LogSink)(nil)

// Notifier wraps a sink with the DailyMarker dedup: an alert key that is
// already flagged in the marker is silently skipped. Safe for concurrent
// senders; the marker pointer itself is guarded so the daily rebind does
// not race in-flight sends.
type Notifier struct {
	sink   Sink
	logger *log.Logger

	mu     sync.Mutex
	marker *models.DailyMarker
}

// NewNotifier creates a notifier bound to the day's marker.
func NewNotifier(sink Sink, marker *models.DailyMarker, logger *log.Logger) *Notifier {
	return &Notifier{sink: sink, marker: marker, logger: logger}
}

// SetMarker rebinds the notifier at the daily reset.
func (n *Notifier) SetMarker(marker *models.DailyMarker) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.marker = marker
}

func (n *Notifier) currentMarker() *models.DailyMarker {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.marker
}

// Send delivers the alert unless its dedup key already fired today.
// key is usually string(kind); repeatable kinds append a discriminator
// such as the position ID or health window.
func (n *Notifier) Send(key string, a Alert) error {
	marker := n.currentMarker()
	if marker != nil && marker.AlertSent(key) {
		return nil
	}
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	if err := n.sink.Send(a); err != nil {
		return fmt.Errorf("alert %s: %w", key, err)
	}
	if marker != nil {
		marker.MarkAlertSent(key)
	}
	return nil
}

// SendKind delivers a one-per-day alert keyed on its kind alone.
func (n *Notifier) SendKind(kind Kind, subject, body string) error {
	return n.Send(string(kind), Alert{Kind: kind, Subject: subject, Body: body})
}

// FormatEODReport renders the end-of-day summary body.
func FormatEODReport(date string, trades []models.ClosedTrade, account models.Account) string {
	var wins int
	var pnl float64
	byReason := make(map[models.ExitReason]int)
	for i := range trades {
		if trades[i].PnLAbsolute > 0 {
			wins++
		}
		pnl += trades[i].PnLAbsolute
		byReason[trades[i].Reason]++
	}

	winRate := 0.0
	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades)) * 100
	}

	body := fmt.Sprintf("%s: %d trades, win rate %.0f%%, P&L %+.2f, cash %.2f",
		date, len(trades), winRate, pnl, account.CashBalance)

	reasons := make([]string, 0, len(byReason))
	for r := range byReason {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		body += fmt.Sprintf("\n  %s: %d", r, byReason[models.ExitReason(r)])
	}
	return body
}
