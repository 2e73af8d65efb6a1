package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jspahr/openrange/internal/alerts"
	"github.com/jspahr/openrange/internal/broker"
	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/monitor"
	"github.com/jspahr/openrange/internal/signals"
	"github.com/jspahr/openrange/internal/sizing"
)

// step advances the phase machine for the current wall clock. Every
// action checks its completion flag first, so a restart or a slow tick
// never repeats work.
func (o *Orchestrator) step(ctx context.Context, now time.Time) {
	o.rolloverIfNewDay(now)

	o.mu.Lock()
	marker := o.marker
	o.mu.Unlock()
	if marker == nil {
		return
	}

	m := minuteOfDay(now)

	if m >= minMorningAlert && !marker.PhaseDone(models.PhaseMorningAlert) {
		o.morningPreflight(ctx, now)
	}
	if marker.PhaseDone(models.PhaseIdle) {
		// Holiday or non-trading day short-circuited the whole day.
		return
	}
	if m >= minCapture && !marker.PhaseDone(models.PhaseORBCapture) && marker.PhaseDone(models.PhaseMorningAlert) {
		o.captureOpeningRanges(ctx, now)
	}
	if m >= minPrefetch && !marker.PhaseDone(models.PhaseSOPrefetch) && marker.PhaseDone(models.PhaseORBCapture) {
		o.prefetchData(ctx, now)
	}
	if m >= minCollectFrom && m < minCollectTo && marker.PhaseDone(models.PhaseORBCapture) {
		o.scanOnce(ctx, now)
	}
	if m >= minCollectTo && !marker.PhaseDone(models.PhaseBatchExecution) && marker.PhaseDone(models.PhaseORBCapture) {
		o.executeBatch(ctx, now)
	}
	if m >= minForcedClose && !marker.PhaseDone(models.PhaseEODClose) {
		o.mu.Lock()
		o.day.ForcedClose = true
		o.mu.Unlock()
		o.forceCloseAll(ctx)
	}
	if m >= minEODReport && !marker.PhaseDone(models.PhaseEODReport) && marker.PhaseDone(models.PhaseEODClose) {
		o.eodReport(now)
	}
}

// rolloverIfNewDay swaps in a fresh marker and clears day state when the
// market date changes.
func (o *Orchestrator) rolloverIfNewDay(now time.Time) {
	date := o.marketDate(now)

	o.mu.Lock()
	if o.marker != nil && o.marker.Date == date {
		o.mu.Unlock()
		return
	}
	o.marker = models.NewDailyMarker(date)
	o.notifier.SetMarker(o.marker)
	o.closedToday = nil
	o.cohort = nil
	o.day = monitor.DayState{}
	o.lastScan = time.Time{}
	o.mu.Unlock()

	o.ranges.Reset(date)
	o.gen.Reset(o.sessionStart(now))
	o.health.Reset()
	o.data.Reset()
	o.logger.Printf("daily reset for %s", date)
	o.persistMarker()
}

// morningPreflight checks for holidays and non-trading days, sending the
// morning alert or short-circuiting the day.
func (o *Orchestrator) morningPreflight(ctx context.Context, now time.Time) {
	date := o.marketDate(now)

	if o.cfg.IsHoliday(date) {
		o.logger.Printf("%s is a configured holiday, idling for the day", date)
		_ = o.notifier.SendKind(alerts.KindHoliday, "Market holiday",
			fmt.Sprintf("%s is a holiday; no trading today", date))
		o.markDone(models.PhaseMorningAlert, models.PhaseIdle)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, phaseCallTimeout)
	defer cancel()
	trading, err := o.brokerTradingDay(callCtx, now)
	if err != nil {
		o.logger.Printf("trading-day check failed, will retry next tick: %v", err)
		return
	}
	if !trading {
		_ = o.notifier.SendKind(alerts.KindHoliday, "Market closed",
			fmt.Sprintf("%s is not a trading day", date))
		o.markDone(models.PhaseMorningAlert, models.PhaseIdle)
		return
	}

	_ = o.notifier.SendKind(alerts.KindMorning, "Session starting",
		fmt.Sprintf("%s: universe of %d symbols, mode %s",
			date, len(o.cfg.Universe.Symbols), o.cfg.Environment.Mode))
	o.markDone(models.PhaseMorningAlert)
}

func (o *Orchestrator) brokerTradingDay(ctx context.Context, now time.Time) (bool, error) {
	trading, err := o.brk.IsTradingDay(ctx, now)
	if err != nil && o.handleAuthFailure(err) {
		// Read-only mode still observes the market.
		return true, nil
	}
	return trading, err
}

// captureOpeningRanges runs the 06:45 snapshot with the 10-second phase
// budget, persists the result, and alerts.
func (o *Orchestrator) captureOpeningRanges(ctx context.Context, now time.Time) {
	date := o.marketDate(now)

	captureCtx, cancel := context.WithTimeout(ctx, phaseCallTimeout)
	defer cancel()

	captured, err := o.capturer.Capture(captureCtx, o.cfg.Universe.Symbols, date)
	if err != nil {
		o.logger.Printf("ORB capture error: %v", err)
	}
	if captured == 0 {
		o.logger.Printf("ORB capture got nothing, will retry next tick")
		return
	}

	if err := o.store.SaveOpeningRanges(date, o.ranges.All()); err != nil {
		o.logger.Printf("opening range persist failed: %v", err)
	}

	_ = o.notifier.SendKind(alerts.KindORBCapture, "Opening ranges captured",
		fmt.Sprintf("%d/%d symbols captured", captured, len(o.cfg.Universe.Symbols)))
	o.markDone(models.PhaseORBCapture)
}

// prefetchData warms the bar and ADV caches for the captured symbols
// plus the benchmark, so the first collection scan hits warm caches.
// Best effort: collection proceeds even when the warm-up misses.
func (o *Orchestrator) prefetchData(ctx context.Context, now time.Time) {
	symbols := append(o.ranges.Symbols(), o.cfg.Universe.Benchmark)

	warmCtx, cancel := context.WithTimeout(ctx, prefetchTimeout)
	defer cancel()
	o.data.PrefetchBars(warmCtx, symbols, o.sessionStart(now))
	o.data.PrefetchADV(warmCtx, symbols, o.cfg.Sizing.SlipGuardLookbackDays)
	o.markDone(models.PhaseSOPrefetch)
}

// scanOnce runs one generator pass, rate-limited to the scan cadence.
func (o *Orchestrator) scanOnce(ctx context.Context, now time.Time) {
	o.mu.Lock()
	if !o.lastScan.IsZero() && now.Sub(o.lastScan) < scanTick {
		o.mu.Unlock()
		return
	}
	o.lastScan = now
	o.mu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, phaseCallTimeout)
	defer cancel()

	prevStart, prevEnd := o.prevBarWindow(now)
	o.gen.Scan(scanCtx, o.ranges.Symbols(), prevStart, prevEnd)
}

// executeBatch freezes the cohort, ranks, gates, sizes, and places the
// batch. One pass per day.
func (o *Orchestrator) executeBatch(ctx context.Context, now time.Time) {
	date := o.marketDate(now)
	cohort := o.gen.Snapshot()

	ranked := signals.Rank(cohort)
	gated, verdict := signals.Gate(ranked, o.filter, o.cfg.RedDayEnabled(), o.logger)

	o.mu.Lock()
	o.cohort = gated
	marker := o.marker
	o.mu.Unlock()
	if verdict.Failsafe && marker != nil {
		marker.SetRedDayFailsafe()
	}
	readOnly := marker != nil && marker.IsReadOnly()

	if err := o.store.ArchiveSignals(date, gated); err != nil {
		o.logger.Printf("signal archive failed: %v", err)
	}
	_ = o.notifier.SendKind(alerts.KindSignalCollection, "Signal collection complete",
		fmt.Sprintf("%d signals, red-day verdict %s", len(cohort), verdict))

	accepted := signals.Accepted(gated)
	if len(accepted) > o.cfg.Allocation.MaxConcurrentPositions {
		accepted = accepted[:o.cfg.Allocation.MaxConcurrentPositions]
	}

	if len(accepted) == 0 || readOnly {
		reason := "no surviving signals"
		if readOnly {
			reason = "read-only mode (auth failure)"
		} else if verdict.IsRedDay {
			reason = verdict.Pattern
		}
		_ = o.notifier.SendKind(alerts.KindBatchExecution, "No orders placed", reason)
		o.markDone(models.PhaseSOCollection, models.PhaseBatchExecution)
		return
	}

	cash, err := o.refreshCash(ctx)
	if err != nil {
		o.logger.Printf("balance fetch failed, will retry next tick: %v", err)
		return
	}

	orders := sizing.Size(accepted, sizing.Params{
		AccountCash:      cash,
		TargetDeployment: o.cfg.TargetDeployment(),
		MaxPositionFrac:  o.cfg.MaxPositionFraction(),
		SlipGuardEnabled: o.cfg.SlipGuardEnabled(),
		ADVCapFrac:       o.cfg.Sizing.SlipGuardADVPct / 100,
		ADV:              o.advMap(ctx, accepted),
	})

	results := o.exec.PlaceBatch(ctx, orders)

	metricSignals.Set(float64(len(cohort)))

	var filled, failed int
	var lines, rejected []string
	for _, r := range results {
		if r.Err != nil {
			failed++
			metricOrdersFailed.Inc()
			rejected = append(rejected, r.Order.Symbol)
			if o.handleAuthFailure(r.Err) {
				break
			}
			continue
		}
		filled++
		metricOrdersFilled.Inc()
		pos := r.Position
		rangePct := 0.0
		if rng := o.ranges.Get(pos.Symbol); rng != nil {
			rangePct = rng.RangePct()
		}
		monitor.InitFloorStop(pos, rangePct)

		o.mu.Lock()
		o.open[pos.ID] = pos
		o.account.CashBalance -= float64(pos.Quantity) * pos.EntryPrice
		o.mu.Unlock()
		if marker != nil {
			marker.AddExecutedSymbol(pos.Symbol)
		}
		lines = append(lines, fmt.Sprintf("%s x%d @ %.2f", pos.Symbol, pos.Quantity, pos.EntryPrice))
	}
	sort.Strings(lines)

	o.persistPositions()
	o.persistAccount(ctx)
	_ = o.notifier.SendKind(alerts.KindBatchExecution, "Batch executed",
		formatBatchAlert(filled, failed, lines, rejected))
	o.markDone(models.PhaseSOCollection, models.PhaseBatchExecution)
}

// formatBatchAlert renders the batch execution summary. A failed entry
// abandons its signal for the day, reported under the aggregated
// rejection reason.
func formatBatchAlert(filled, failed int, fills, rejected []string) string {
	body := fmt.Sprintf("%d filled, %d failed", filled, failed)
	if len(fills) > 0 {
		body += "\n" + strings.Join(fills, "\n")
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		body += "\nAGGREGATED_EXECUTION_REJECTED: " + strings.Join(rejected, ", ")
	}
	return body
}

// refreshCash pulls the broker balance, falling back to the checkpoint
// when the gateway is down but we have a recent number.
func (o *Orchestrator) refreshCash(ctx context.Context) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, phaseCallTimeout)
	defer cancel()

	cash, err := o.brk.GetAccountBalance(callCtx)
	if err != nil {
		if o.handleAuthFailure(err) {
			return 0, err
		}
		o.mu.Lock()
		checkpoint := o.account
		o.mu.Unlock()
		if checkpoint.CashBalance > 0 {
			o.logger.Printf("balance fetch failed, using checkpoint %.2f: %v", checkpoint.CashBalance, err)
			return checkpoint.CashBalance, nil
		}
		return 0, err
	}

	o.mu.Lock()
	o.account.CashBalance = cash
	if o.account.StartingBalance == 0 {
		o.account.StartingBalance = cash
	}
	o.mu.Unlock()
	return cash, nil
}

func (o *Orchestrator) advMap(ctx context.Context, accepted []models.GatedSignal) map[string]int64 {
	out := make(map[string]int64, len(accepted))
	for i := range accepted {
		sym := accepted[i].Symbol
		adv, err := o.data.ADV(ctx, sym, o.cfg.Sizing.SlipGuardLookbackDays)
		if err != nil {
			o.logger.Printf("ADV lookup failed for %s, slip guard skipped: %v", sym, err)
			continue
		}
		out[sym] = adv
	}
	return out
}

// eodReport sends the end-of-day summary once all exposure is flat.
func (o *Orchestrator) eodReport(now time.Time) {
	o.mu.Lock()
	openCount := len(o.open)
	trades := append([]models.ClosedTrade(nil), o.closedToday...)
	acct := o.account
	o.mu.Unlock()

	if openCount > 0 {
		o.logger.Printf("EOD report deferred: %d positions still open", openCount)
		return
	}

	date := o.marketDate(now)
	_ = o.notifier.SendKind(alerts.KindEODReport, "End of day report",
		alerts.FormatEODReport(date, trades, acct))
	o.markDone(models.PhaseEODReport)
}

// markDone flags phases complete and persists the marker.
func (o *Orchestrator) markDone(phases ...models.Phase) {
	o.mu.Lock()
	if o.marker != nil {
		for _, p := range phases {
			o.marker.MarkPhaseDone(p)
		}
	}
	o.mu.Unlock()
	o.persistMarker()
}

// handleAuthFailure flips the day to read-only on a live-mode auth
// failure. Demo mode ignores it (the mock gateway cannot auth-fail).
func (o *Orchestrator) handleAuthFailure(err error) bool {
	if !errors.Is(err, broker.ErrAuthFailure) {
		return false
	}
	if !o.cfg.IsLive() {
		return false
	}
	o.mu.Lock()
	marker := o.marker
	o.mu.Unlock()
	if marker != nil && !marker.SetReadOnly() {
		o.logger.Printf("broker auth failure in live mode: entering read-only for the day")
		o.persistMarker()
	}
	return true
}
