// Package orchestrator drives the trading day: the time-of-day phase
// machine, the signal scanner, the position monitor, and the portfolio
// health check. All mutable day-state lives here and is serialized
// through one mutex; the loops compute decisions and apply them through
// the same lock, so two triggers firing in one tick resolve to a single
// exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jspahr/openrange/internal/alerts"
	"github.com/jspahr/openrange/internal/broker"
	"github.com/jspahr/openrange/internal/config"
	"github.com/jspahr/openrange/internal/executor"
	"github.com/jspahr/openrange/internal/marketdata"
	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/monitor"
	"github.com/jspahr/openrange/internal/orb"
	"github.com/jspahr/openrange/internal/retry"
	"github.com/jspahr/openrange/internal/scheduler"
	"github.com/jspahr/openrange/internal/signals"
	"github.com/jspahr/openrange/internal/storage"
)

// Loop cadences. The FSM polls the wall clock; the scanner and monitor
// tick on the 30-second contract.
const (
	fsmTick     = 5 * time.Second
	scanTick    = 30 * time.Second
	monitorTick = 30 * time.Second

	phaseCallTimeout = 10 * time.Second
	prefetchTimeout  = 60 * time.Second
)

// Minutes from Pacific midnight for each phase boundary.
const (
	minMorningAlert = 5*60 + 30  // 05:30
	minCapture      = 6*60 + 45  // 06:45
	minPrefetch     = 7*60 + 10  // 07:10
	minCollectFrom  = 7*60 + 15  // 07:15
	minCollectTo    = 7*60 + 30  // 07:30, also batch execution
	minHealthFrom   = 7*60 + 45  // 07:45
	minHealthTo     = 12*60 + 45 // 12:45
	minForcedClose  = 12*60 + 55 // 12:55
	minEODReport    = 13 * 60    // 13:00
)

// Market-time bar boundaries (Eastern) used by the generator.
const (
	sessionOpenHour  = 9
	sessionOpenMin   = 30
	prevBarStartHour = 10 // 10:00-10:15 ET is 07:00-07:15 PT
)

// Orchestrator owns the trading day.
type Orchestrator struct {
	cfg      *config.Config
	logger   *log.Logger
	data     *marketdata.Service
	ranges   *orb.Store
	capturer *orb.Capturer
	gen      *signals.Generator
	filter   signals.Filter
	exec     *executor.Executor
	engine   *monitor.Engine
	health   *monitor.HealthMonitor
	store    storage.Interface
	notifier *alerts.Notifier
	sched    *scheduler.Scheduler

	brk broker.Broker

	mu          sync.Mutex
	lastScan    time.Time
	marker      *models.DailyMarker
	account     models.Account
	open        map[string]*models.Position // keyed by position ID
	closing     map[string]bool             // position IDs with an exit in flight
	closedToday []models.ClosedTrade
	cohort      []models.GatedSignal // frozen at batch execution
	day         monitor.DayState
	startedAt   time.Time
	draining    bool
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config   *config.Config
	Logger   *log.Logger
	Data     *marketdata.Service
	Store    storage.Interface
	Sink     alerts.Sink
	Broker   broker.Broker
	Filter   signals.Filter // nil selects the baseline weak-signal filter
}

// New wires an orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	ranges := orb.NewStore()
	stops := monitor.NewStopEngine(d.Config.Stops)
	filter := d.Filter
	if filter == nil {
		filter = signals.WeakSignalFilter{}
	}

	o := &Orchestrator{
		cfg:      d.Config,
		logger:   d.Logger,
		data:     d.Data,
		ranges:   ranges,
		capturer: orb.NewCapturer(d.Data, ranges, d.Logger),
		gen: signals.NewGenerator(d.Data, ranges, d.Config.Universe.Benchmark,
			d.Config.Sizing.SlipGuardLookbackDays, d.Logger),
		filter:   filter,
		exec:     executor.New(d.Broker, d.Config.Environment.Mode, d.Logger),
		engine:   monitor.NewEngine(stops, d.Config.Stops, d.Config.RapidExits),
		health:   monitor.NewHealthMonitor(d.Config.Health, d.Logger),
		store:    d.Store,
		notifier: alerts.NewNotifier(d.Sink, nil, d.Logger),
		sched:    scheduler.New(d.Config.SchedulingLocation(), d.Logger),
		brk:      d.Broker,
		open:     make(map[string]*models.Position),
		closing:  make(map[string]bool),
	}
	return o
}

// Run executes until ctx is cancelled, then drains: loops stop, pending
// state persists, and Run returns nil for a clean drain.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = time.Now()

	if err := o.resume(); err != nil {
		return fmt.Errorf("cold start resume: %w", err)
	}

	freq := o.cfg.Health.CheckFrequencyMin
	if err := o.sched.AddJob(fmt.Sprintf("*/%d * * * *", freq), "portfolio-health", func() {
		o.healthCheck(ctx)
	}); err != nil {
		return err
	}
	o.sched.Start()
	defer o.sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.fsmLoop(gctx) })
	g.Go(func() error { return o.monitorLoop(gctx) })

	err := g.Wait()
	o.drain()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fsmLoop polls the Pacific wall clock and advances phases.
func (o *Orchestrator) fsmLoop(ctx context.Context) error {
	ticker := time.NewTicker(fsmTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.step(ctx, o.sched.Now())
		}
	}
}

// now's minutes from Pacific midnight.
func minuteOfDay(now time.Time) int {
	return now.Hour()*60 + now.Minute()
}

// date in market time (Eastern) as YYYY-MM-DD.
func (o *Orchestrator) marketDate(now time.Time) string {
	return now.In(o.cfg.MarketLocation()).Format("2006-01-02")
}

// resume reconstructs the day from the state store on cold start.
// Completed phases are skipped; open positions return to management.
func (o *Orchestrator) resume() error {
	now := o.sched.Now()
	date := o.marketDate(now)

	marker, err := o.store.LoadMarker(date)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		marker = models.NewDailyMarker(date)
	}

	o.mu.Lock()
	o.marker = marker
	o.notifier.SetMarker(marker)
	o.mu.Unlock()

	if acct, err := o.store.LoadAccount(); err == nil {
		o.mu.Lock()
		o.account = *acct
		o.mu.Unlock()
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if marker.PhaseDone(models.PhaseORBCapture) {
		ranges, err := o.store.LoadOpeningRanges(date)
		if err != nil {
			return err
		}
		o.ranges.Restore(date, ranges)
		o.logger.Printf("restored %d opening ranges for %s", len(ranges), date)
	}

	positions, err := o.store.LoadOpenPositions()
	if err != nil {
		return err
	}
	o.mu.Lock()
	for i := range positions {
		p := positions[i]
		if p.State == models.StateClosed {
			continue
		}
		p.StateMachine = models.NewStateMachineFromState(p.State)
		o.open[p.ID] = &p
	}
	o.mu.Unlock()
	if len(positions) > 0 {
		o.logger.Printf("restored %d open positions", len(o.open))
	}

	trades, err := o.store.LoadTrades(date)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.closedToday = trades
	o.mu.Unlock()

	o.gen.Reset(o.sessionStart(now))
	return nil
}

// sessionStart returns today's 09:30 Eastern in market time.
func (o *Orchestrator) sessionStart(now time.Time) time.Time {
	et := now.In(o.cfg.MarketLocation())
	return time.Date(et.Year(), et.Month(), et.Day(),
		sessionOpenHour, sessionOpenMin, 0, 0, o.cfg.MarketLocation())
}

// prevBarWindow returns the 10:00-10:15 Eastern reference bar bounds.
func (o *Orchestrator) prevBarWindow(now time.Time) (time.Time, time.Time) {
	et := now.In(o.cfg.MarketLocation())
	start := time.Date(et.Year(), et.Month(), et.Day(),
		prevBarStartHour, 0, 0, 0, o.cfg.MarketLocation())
	return start, start.Add(15 * time.Minute)
}

// persistMarker writes the marker, logging rather than failing the
// phase: a marker write failure degrades dedup, not correctness of the
// in-process day.
func (o *Orchestrator) persistMarker() {
	o.mu.Lock()
	marker := o.marker
	o.mu.Unlock()
	if marker == nil {
		return
	}
	if err := o.store.SaveMarker(marker.Clone()); err != nil {
		o.logger.Printf("marker persist failed: %v", err)
	}
}

// persistPositions snapshots open positions to the store.
func (o *Orchestrator) persistPositions() {
	o.mu.Lock()
	snapshot := make([]models.Position, 0, len(o.open))
	for _, p := range o.open {
		snapshot = append(snapshot, *p)
	}
	o.mu.Unlock()
	metricOpenPositions.Set(float64(len(snapshot)))
	if err := o.store.SaveOpenPositions(snapshot); err != nil {
		o.logger.Printf("positions persist failed: %v", err)
	}
}

// persistAccount writes the cash checkpoint with retries; losing the
// checkpoint desyncs reported cash from the trade log.
func (o *Orchestrator) persistAccount(ctx context.Context) {
	o.mu.Lock()
	acct := o.account
	o.mu.Unlock()

	_, err := retry.Do(ctx, o.logger, retry.Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Timeout:        30 * time.Second,
	}, "account persist", func(context.Context) (struct{}, error) {
		return struct{}{}, o.store.SaveAccount(&acct)
	})
	if err != nil {
		o.logger.Printf("account persist failed after retries: %v", err)
	}
}

// drain flushes state on shutdown.
func (o *Orchestrator) drain() {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	o.logger.Printf("draining: persisting state before exit")
	o.persistMarker()
	o.persistPositions()
	o.persistAccount(context.Background())
}

// Status is the health endpoint's view of the orchestrator.
type Status struct {
	Phase         models.Phase `json:"phase"`
	Running       bool         `json:"running"`
	UptimeSeconds int64        `json:"uptime_s"`
	OpenPositions int          `json:"open_positions"`
	ClosedToday   int          `json:"closed_today"`
	SignalsToday  int          `json:"signals_today"`
	ReadOnly      bool         `json:"read_only"`
}

// CurrentStatus reports a snapshot for the dashboard.
func (o *Orchestrator) CurrentStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		Phase:         o.currentPhaseLocked(o.sched.Now()),
		Running:       !o.draining,
		UptimeSeconds: int64(time.Since(o.startedAt).Seconds()),
		OpenPositions: len(o.open),
		ClosedToday:   len(o.closedToday),
		SignalsToday:  len(o.cohort),
	}
	if o.marker != nil {
		st.ReadOnly = o.marker.IsReadOnly()
	}
	return st
}

// currentPhaseLocked derives the nominal phase from the wall clock and
// the marker. Callers hold o.mu.
func (o *Orchestrator) currentPhaseLocked(now time.Time) models.Phase {
	m := minuteOfDay(now)
	switch {
	case o.draining:
		return models.PhaseDrain
	case o.marker != nil && o.marker.PhaseDone(models.PhaseEODReport):
		return models.PhaseIdle
	case m >= minEODReport:
		return models.PhaseEODReport
	case m >= minForcedClose:
		return models.PhaseEODClose
	case m >= minCollectTo:
		return models.PhaseMonitoring
	case m >= minCollectFrom:
		return models.PhaseSOCollection
	case m >= minCapture:
		return models.PhaseORBCapture
	case m >= minMorningAlert:
		return models.PhaseMorningAlert
	default:
		return models.PhaseIdle
	}
}
