package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jspahr/openrange/internal/alerts"
	"github.com/jspahr/openrange/internal/broker"
	"github.com/jspahr/openrange/internal/config"
	"github.com/jspahr/openrange/internal/marketdata"
	"github.com/jspahr/openrange/internal/mock"
	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/storage"
)

func testConfig(mode string) *config.Config {
	return &config.Config{
		Environment: config.EnvironmentConfig{Mode: mode, LogLevel: "info"},
		Universe:    config.UniverseConfig{Symbols: []string{"AAPL", "NVDA"}, Benchmark: "SPY"},
		Broker:      config.BrokerConfig{APIKey: "key", AccountID: "acct", RateLimit: 10, BatchSize: 25},
		Schedule: config.ScheduleConfig{
			SchedulingTimezone: "America/Los_Angeles",
			MarketTimezone:     "America/New_York",
		},
		Allocation: config.AllocationConfig{
			SOCapitalPct: 90, CashReservePct: 10,
			MaxPositionSizePct: 35, MaxConcurrentPositions: 15,
		},
		Sizing: config.SizingConfig{SlipGuardADVPct: 1, SlipGuardLookbackDays: 90},
		Stops: config.StopsConfig{
			BreakevenThreshold: 0.0075, BreakevenTimeMin: 6.4, BreakevenOffset: 0.002,
			TrailingActivationThreshold: 0.007, TrailingActivationTimeMin: 6.4,
			BaseTrailing: 0.015, TrailingMin: 0.015, TrailingMax: 0.025,
			ProfitTimeoutHours: 2.5, MaxHoldTimeHours: 4,
		},
		RapidExits: config.RapidExitConfig{
			NoMomentumThreshold: 0.003, ReversalThreshold: 0.005,
			WeakThreshold: 0.003, WeakPeakThreshold: 0.002,
		},
		Health: config.HealthConfig{
			CheckFrequencyMin: 15, WinRateThreshold: 0.35, AvgPnLThreshold: -0.005,
			MomentumThreshold: 0.40, WeakPeaksThreshold: 0.008,
		},
		Storage: config.StorageConfig{Backend: "file", Path: "state"},
	}
}

func newTestOrchestrator(store storage.Interface, mode string) *Orchestrator {
	logger := log.New(io.Discard, "", 0)
	gw := mock.NewBroker(100_000)
	return New(Deps{
		Config: testConfig(mode),
		Logger: logger,
		Data:   marketdata.NewService(gw, logger),
		Store:  store,
		Sink:   &alerts.LogSink{Logger: logger},
		Broker: gw,
	})
}

func marketDateToday(t *testing.T) string {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Now().In(loc).Format("2006-01-02")
}

func TestResumeColdStartCreatesMarker(t *testing.T) {
	store := storage.NewMemoryStorage()
	o := newTestOrchestrator(store, "demo")

	require.NoError(t, o.resume())

	require.NotNil(t, o.marker)
	assert.Equal(t, marketDateToday(t), o.marker.Date)
	assert.Empty(t, o.open)
	assert.Empty(t, o.closedToday)
}

func TestResumeRestoresDayState(t *testing.T) {
	store := storage.NewMemoryStorage()
	date := marketDateToday(t)

	marker := models.NewDailyMarker(date)
	marker.MarkPhaseDone(models.PhaseMorningAlert)
	marker.MarkPhaseDone(models.PhaseORBCapture)
	require.NoError(t, store.SaveMarker(marker))

	require.NoError(t, store.SaveOpeningRanges(date, map[string]models.OpeningRange{
		"AAPL": {Symbol: "AAPL", Date: date, High: 192, Low: 190, Open: 190.5, Close: 191.5, Volume: 400_000},
	}))
	require.NoError(t, store.SaveAccount(&models.Account{CashBalance: 50_000, StartingBalance: 50_000}))

	open := models.NewPosition("demo_AAPL_260824_000001", "AAPL", models.SideLong, 100, 10, time.Now().UTC())
	require.NoError(t, open.TransitionState(models.StateOpen, "order_filled"))
	stale := *models.NewPosition("demo_NVDA_260824_000002", "NVDA", models.SideLong, 200, 5, time.Now().UTC())
	stale.State = models.StateClosed
	require.NoError(t, store.SaveOpenPositions([]models.Position{*open, stale}))
	require.NoError(t, store.AppendTrade(date, &models.ClosedTrade{Position: models.Position{ID: "t1", Symbol: "TSLA"}, PnLAbsolute: 25}))

	o := newTestOrchestrator(store, "demo")
	require.NoError(t, o.resume())

	assert.True(t, o.marker.PhaseDone(models.PhaseORBCapture))
	assert.Equal(t, 50_000.0, o.account.CashBalance)
	require.NotNil(t, o.ranges.Get("AAPL"))

	// Only non-closed positions come back under management, with a
	// rebuilt state machine.
	require.Len(t, o.open, 1)
	restored := o.open["demo_AAPL_260824_000001"]
	require.NotNil(t, restored)
	assert.Equal(t, models.StateOpen, restored.GetCurrentState())
	require.NotNil(t, restored.StateMachine)

	require.Len(t, o.closedToday, 1)
	assert.Equal(t, "t1", o.closedToday[0].ID)
}

func TestRolloverStartsFreshDay(t *testing.T) {
	store := storage.NewMemoryStorage()
	o := newTestOrchestrator(store, "demo")

	old := models.NewDailyMarker("2026-08-21")
	old.MarkPhaseDone(models.PhaseEODReport)
	o.marker = old
	o.notifier.SetMarker(old)
	o.closedToday = []models.ClosedTrade{{Position: models.Position{ID: "t1"}}}
	o.day.WeakDay = true
	o.lastScan = time.Now()

	now := o.sched.Now()
	o.rolloverIfNewDay(now)

	require.NotNil(t, o.marker)
	assert.Equal(t, o.marketDate(now), o.marker.Date)
	assert.False(t, o.marker.PhaseDone(models.PhaseEODReport))
	assert.Empty(t, o.closedToday)
	assert.False(t, o.day.WeakDay)
	assert.True(t, o.lastScan.IsZero())

	saved, err := store.LoadMarker(o.marker.Date)
	require.NoError(t, err)
	assert.Equal(t, o.marker.Date, saved.Date)

	// Same date: the marker stays.
	current := o.marker
	o.rolloverIfNewDay(now)
	assert.Same(t, current, o.marker)
}

func TestMarkDonePersistsPhases(t *testing.T) {
	store := storage.NewMemoryStorage()
	o := newTestOrchestrator(store, "demo")
	require.NoError(t, o.resume())

	o.markDone(models.PhaseMorningAlert, models.PhaseIdle)

	saved, err := store.LoadMarker(o.marker.Date)
	require.NoError(t, err)
	assert.True(t, saved.PhaseDone(models.PhaseMorningAlert))
	assert.True(t, saved.PhaseDone(models.PhaseIdle))
	assert.False(t, saved.PhaseDone(models.PhaseORBCapture))
}

func TestHandleAuthFailure(t *testing.T) {
	authErr := fmt.Errorf("gateway: %w", broker.ErrAuthFailure)

	demo := newTestOrchestrator(storage.NewMemoryStorage(), "demo")
	require.NoError(t, demo.resume())
	assert.False(t, demo.handleAuthFailure(authErr))
	assert.False(t, demo.marker.IsReadOnly())

	live := newTestOrchestrator(storage.NewMemoryStorage(), "live")
	require.NoError(t, live.resume())
	assert.False(t, live.handleAuthFailure(errors.New("transient timeout")))
	assert.False(t, live.marker.IsReadOnly())

	assert.True(t, live.handleAuthFailure(authErr))
	assert.True(t, live.marker.IsReadOnly())
	// Repeat failures stay read-only and still report true.
	assert.True(t, live.handleAuthFailure(authErr))
	assert.True(t, live.marker.IsReadOnly())
}

func TestPrefetchMarksPhase(t *testing.T) {
	store := storage.NewMemoryStorage()
	o := newTestOrchestrator(store, "demo")
	require.NoError(t, o.resume())

	date := o.marker.Date
	o.ranges.Restore(date, map[string]models.OpeningRange{
		"AAPL": {Symbol: "AAPL", Date: date, High: 192, Low: 190, Open: 190.5, Close: 191.5},
	})

	o.prefetchData(context.Background(), o.sched.Now())
	assert.True(t, o.marker.PhaseDone(models.PhaseSOPrefetch))
}

func TestCurrentPhaseByClock(t *testing.T) {
	o := newTestOrchestrator(storage.NewMemoryStorage(), "demo")
	require.NoError(t, o.resume())
	loc := o.cfg.SchedulingLocation()
	at := func(h, m int) time.Time {
		return time.Date(2026, 8, 24, h, m, 0, 0, loc)
	}

	tests := []struct {
		h, m int
		want models.Phase
	}{
		{5, 0, models.PhaseIdle},
		{5, 45, models.PhaseMorningAlert},
		{6, 50, models.PhaseORBCapture},
		{7, 20, models.PhaseSOCollection},
		{8, 0, models.PhaseMonitoring},
		{12, 56, models.PhaseEODClose},
		{13, 10, models.PhaseEODReport},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, o.currentPhaseLocked(at(tc.h, tc.m)), "at %02d:%02d", tc.h, tc.m)
	}

	o.marker.MarkPhaseDone(models.PhaseEODReport)
	assert.Equal(t, models.PhaseIdle, o.currentPhaseLocked(at(13, 30)))

	o.drain()
	assert.Equal(t, models.PhaseDrain, o.currentPhaseLocked(at(13, 30)))
	assert.False(t, o.CurrentStatus().Running)
}

func TestCurrentStatusSnapshot(t *testing.T) {
	o := newTestOrchestrator(storage.NewMemoryStorage(), "demo")
	require.NoError(t, o.resume())

	pos := models.NewPosition("demo_AAPL_260824_000001", "AAPL", models.SideLong, 100, 10, time.Now().UTC())
	require.NoError(t, pos.TransitionState(models.StateOpen, "order_filled"))
	o.mu.Lock()
	o.open[pos.ID] = pos
	o.closedToday = []models.ClosedTrade{{Position: models.Position{ID: "t1"}}, {Position: models.Position{ID: "t2"}}}
	o.mu.Unlock()

	st := o.CurrentStatus()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.OpenPositions)
	assert.Equal(t, 2, st.ClosedToday)
	assert.False(t, st.ReadOnly)
}

// stubGateway scripts quote failures and can hold exit orders in flight
// behind a gate.
type stubGateway struct {
	mu         sync.Mutex
	quotesErr  error
	quotePrice float64
	placeGate  chan struct{} // when non-nil, PlaceOrder blocks until closed
	entered    chan struct{} // when non-nil, signalled as PlaceOrder begins
	orders     int
}

func (g *stubGateway) BatchQuotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	g.mu.Lock()
	err := g.quotesErr
	price := g.quotePrice
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		out[s] = models.Quote{Symbol: s, Last: price, Source: models.SourceBroker, Timestamp: time.Now()}
	}
	return out, nil
}

func (g *stubGateway) PlaceOrder(_ context.Context, clientID, symbol string, side models.Side,
	quantity int, _ models.OrderType) (*models.Fill, error) {
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.placeGate != nil {
		<-g.placeGate
	}
	g.mu.Lock()
	g.orders++
	price := g.quotePrice
	g.mu.Unlock()
	return &models.Fill{
		OrderID:  clientID + "-filled",
		ClientID: clientID,
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		AvgPrice: price,
		FilledAt: time.Now().UTC(),
	}, nil
}

func (g *stubGateway) GetBar(context.Context, string, time.Time, time.Time) (*models.Bar, error) {
	return nil, errors.New("no bars")
}

func (g *stubGateway) GetIntradayBars(context.Context, string, time.Time) ([]models.Bar, error) {
	return nil, errors.New("no bars")
}

func (g *stubGateway) GetADV(context.Context, string, int) (int64, error) { return 0, nil }

func (g *stubGateway) GetAccountBalance(context.Context) (float64, error) { return 0, nil }

func (g *stubGateway) IsTradingDay(context.Context, time.Time) (bool, error) { return true, nil }

func newStubOrchestrator(gw *stubGateway) *Orchestrator {
	logger := log.New(io.Discard, "", 0)
	return New(Deps{
		Config: testConfig("demo"),
		Logger: logger,
		Data:   marketdata.NewService(gw, logger),
		Store:  storage.NewMemoryStorage(),
		Sink:   &alerts.LogSink{Logger: logger},
		Broker: gw,
	})
}

func TestClosePositionSingleFlight(t *testing.T) {
	gw := &stubGateway{
		quotePrice: 99,
		placeGate:  make(chan struct{}),
		entered:    make(chan struct{}, 1),
	}
	o := newStubOrchestrator(gw)
	require.NoError(t, o.resume())

	pos := models.NewPosition("demo_AAPL_260824_000001", "AAPL", models.SideLong, 100, 10,
		time.Now().UTC().Add(-time.Hour))
	require.NoError(t, pos.TransitionState(models.StateOpen, "order_filled"))
	o.mu.Lock()
	o.open[pos.ID] = pos
	o.account.CashBalance = 1000
	o.mu.Unlock()

	// The forced-close sweep and the monitor pass race on one position.
	// The first caller is held at the gateway; the second must bounce off
	// the claim instead of placing a second exit order.
	first := make(chan error, 1)
	go func() {
		_, err := o.closePosition(context.Background(), pos, models.ExitReasonForcedClose)
		first <- err
	}()
	<-gw.entered

	_, err := o.closePosition(context.Background(), pos, models.ExitReasonForcedClose)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	close(gw.placeGate)
	require.NoError(t, <-first)

	gw.mu.Lock()
	orders := gw.orders
	gw.mu.Unlock()
	assert.Equal(t, 1, orders, "one exit order reached the broker")

	o.mu.Lock()
	defer o.mu.Unlock()
	require.Len(t, o.closedToday, 1)
	assert.Empty(t, o.open)
	assert.Empty(t, o.closing)
	assert.InDelta(t, 1000+990, o.account.CashBalance, 1e-9, "proceeds credited once")
}

func TestMonitorPassKeepsWeakDaySweepOnQuoteFailure(t *testing.T) {
	gw := &stubGateway{quotesErr: errors.New("gateway down"), quotePrice: 100.2}
	o := newStubOrchestrator(gw)
	require.NoError(t, o.resume())

	pos := models.NewPosition("demo_AAPL_260824_000001", "AAPL", models.SideLong, 100, 10,
		time.Now().UTC())
	require.NoError(t, pos.TransitionState(models.StateOpen, "order_filled"))
	o.mu.Lock()
	o.open[pos.ID] = pos
	o.day.WeakDay = true
	o.day.WeakDayClose = true
	o.mu.Unlock()

	// A failed pass evaluates nothing; the sweep stays armed.
	o.monitorPass(context.Background())
	o.mu.Lock()
	armed := o.day.WeakDayClose
	o.mu.Unlock()
	assert.True(t, armed)

	gw.mu.Lock()
	gw.quotesErr = nil
	gw.mu.Unlock()

	o.monitorPass(context.Background())
	o.mu.Lock()
	defer o.mu.Unlock()
	assert.False(t, o.day.WeakDayClose, "sweep consumed by an evaluating pass")
	assert.Len(t, o.open, 1, "profitable position survives the weak-day sweep")
}

func TestFormatBatchAlert(t *testing.T) {
	body := formatBatchAlert(2, 0, []string{"AAPL x10 @ 100.00", "NVDA x5 @ 200.00"}, nil)
	assert.Contains(t, body, "2 filled, 0 failed")
	assert.NotContains(t, body, "AGGREGATED_EXECUTION_REJECTED")

	body = formatBatchAlert(1, 2, []string{"AAPL x10 @ 100.00"}, []string{"ZION", "MRNA"})
	assert.Contains(t, body, "1 filled, 2 failed")
	assert.Contains(t, body, "AGGREGATED_EXECUTION_REJECTED: MRNA, ZION")
}
