package alerts

import (
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jspahr/openrange/internal/models"
)

type recordingSink struct {
	sent []Alert
	err  error
}

func (s *recordingSink) Send(a Alert) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, a)
	return nil
}

func TestNotifierDedupsByKey(t *testing.T) {
	sink := &recordingSink{}
	marker := models.NewDailyMarker("2026-08-24")
	n := NewNotifier(sink, marker, log.New(io.Discard, "", 0))

	require.NoError(t, n.SendKind(KindMorning, "pre-flight", "universe ok"))
	require.NoError(t, n.SendKind(KindMorning, "pre-flight", "universe ok"))
	assert.Len(t, sink.sent, 1)
	assert.True(t, marker.AlertSent(string(KindMorning)))

	// Repeatable kinds use a discriminator and dedup per key.
	require.NoError(t, n.Send("INDIVIDUAL_EXIT:demo_AAPL_1", Alert{Kind: KindIndividualExit}))
	require.NoError(t, n.Send("INDIVIDUAL_EXIT:demo_AAPL_1", Alert{Kind: KindIndividualExit}))
	require.NoError(t, n.Send("INDIVIDUAL_EXIT:demo_NVDA_2", Alert{Kind: KindIndividualExit}))
	assert.Len(t, sink.sent, 3)
}

func TestNotifierSurvivesRestart(t *testing.T) {
	sink := &recordingSink{}
	marker := models.NewDailyMarker("2026-08-24")
	n := NewNotifier(sink, marker, log.New(io.Discard, "", 0))
	require.NoError(t, n.SendKind(KindORBCapture, "captured", "150 ranges"))

	// A restart rebuilds the notifier from the persisted marker.
	restarted := NewNotifier(sink, marker, log.New(io.Discard, "", 0))
	require.NoError(t, restarted.SendKind(KindORBCapture, "captured", "150 ranges"))
	assert.Len(t, sink.sent, 1)
}

func TestNotifierFailureDoesNotMarkSent(t *testing.T) {
	sink := &recordingSink{err: errors.New("smtp down")}
	marker := models.NewDailyMarker("2026-08-24")
	n := NewNotifier(sink, marker, log.New(io.Discard, "", 0))

	err := n.SendKind(KindEODReport, "eod", "summary")
	require.Error(t, err)
	assert.False(t, marker.AlertSent(string(KindEODReport)))

	// Delivery succeeds on a later attempt.
	sink.err = nil
	require.NoError(t, n.SendKind(KindEODReport, "eod", "summary"))
	assert.Len(t, sink.sent, 1)
}

func TestNotifierStampsTime(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, models.NewDailyMarker("2026-08-24"), log.New(io.Discard, "", 0))
	require.NoError(t, n.SendKind(KindHoliday, "holiday", "market closed"))
	require.Len(t, sink.sent, 1)
	assert.False(t, sink.sent[0].Time.IsZero())
}

func TestSetMarkerResetsDedup(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier(sink, models.NewDailyMarker("2026-08-24"), log.New(io.Discard, "", 0))
	require.NoError(t, n.SendKind(KindMorning, "pre-flight", ""))

	n.SetMarker(models.NewDailyMarker("2026-08-25"))
	require.NoError(t, n.SendKind(KindMorning, "pre-flight", ""))
	assert.Len(t, sink.sent, 2)
}

func TestFormatEODReport(t *testing.T) {
	trades := []models.ClosedTrade{
		{PnLAbsolute: 120, Reason: models.ExitReasonTrailingStop},
		{PnLAbsolute: -45, Reason: models.ExitReasonStopLoss},
		{PnLAbsolute: 80, Reason: models.ExitReasonTrailingStop},
		{PnLAbsolute: -10, Reason: models.ExitReasonForcedClose},
	}
	body := FormatEODReport("2026-08-24", trades, models.Account{CashBalance: 100_145})

	assert.Contains(t, body, "4 trades")
	assert.Contains(t, body, "win rate 50%")
	assert.Contains(t, body, "+145.00")
	assert.Contains(t, body, "trailing_stop: 2")
	assert.Contains(t, body, "forced_close: 1")
}

func TestFormatEODReportNoTrades(t *testing.T) {
	body := FormatEODReport("2026-08-24", nil, models.Account{CashBalance: 100_000})
	assert.Contains(t, body, "0 trades")
	assert.Contains(t, body, "win rate 0%")
}
