package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jspahr/openrange/internal/alerts"
	"github.com/jspahr/openrange/internal/indicators"
	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/monitor"
)

// monitorLoop ticks every 30 seconds while positions are open.
func (o *Orchestrator) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.monitorPass(ctx)
		}
	}
}

// monitorPass fetches quotes for all open positions, walks the trigger
// ladder, and executes any exits. Quote fetches are batched; position
// mutations and account updates stay serialized under the day lock.
func (o *Orchestrator) monitorPass(ctx context.Context) {
	o.mu.Lock()
	if len(o.open) == 0 {
		if len(o.closing) == 0 && o.day.ForcedClose && o.marker != nil && !o.marker.PhaseDone(models.PhaseEODClose) {
			o.mu.Unlock()
			o.markDone(models.PhaseEODClose)
			return
		}
		o.mu.Unlock()
		return
	}
	day := o.day
	positions := make([]*models.Position, 0, len(o.open))
	symbols := make([]string, 0, len(o.open))
	for _, p := range o.open {
		positions = append(positions, p)
		symbols = append(symbols, p.Symbol)
	}
	o.mu.Unlock()

	passCtx, cancel := context.WithTimeout(ctx, phaseCallTimeout)
	quotes, err := o.data.Quotes(passCtx, symbols)
	cancel()
	if err != nil {
		// The weak-day sweep, if armed, stays armed for the next pass.
		o.logger.Printf("monitor pass: quote fetch failed: %v", err)
		return
	}

	// The weak-day close is a one-shot sweep per warning, consumed only
	// by a pass that actually evaluates positions; the weak-day mode
	// itself (trigger 7) stays on.
	o.mu.Lock()
	o.day.WeakDayClose = false
	o.mu.Unlock()

	now := time.Now().UTC()
	type pendingExit struct {
		pos    *models.Position
		reason models.ExitReason
	}
	var exits []pendingExit

	for _, p := range positions {
		q, ok := quotes[p.Symbol]
		if !ok || q.Last <= 0 {
			continue
		}

		obs := monitor.Observation{Price: q.Last, RSI: o.positionRSI(ctx, p.Symbol, now), Now: now}

		o.mu.Lock()
		if o.closing[p.ID] {
			// An exit is already in flight on another task.
			o.mu.Unlock()
			continue
		}
		reason, exit := o.engine.Evaluate(p, obs, day)
		if err := p.ValidateState(); err != nil {
			// A broken invariant means the position's risk controls
			// cannot be trusted; get flat.
			o.logger.Printf("invariant violation, forcing exit: %v", err)
			reason, exit = models.ExitReasonStopLoss, true
		}
		o.mu.Unlock()

		if exit {
			exits = append(exits, pendingExit{pos: p, reason: reason})
		}
	}

	var closed []models.ClosedTrade
	for _, e := range exits {
		trade, err := o.closePosition(ctx, e.pos, e.reason)
		if err != nil {
			o.logger.Printf("exit failed for %s: %v", e.pos.Symbol, err)
			continue
		}
		closed = append(closed, *trade)
	}

	if len(closed) == 0 {
		return
	}
	o.persistPositions()

	if len(closed) == 1 {
		t := closed[0]
		_ = o.notifier.Send("INDIVIDUAL_EXIT:"+t.ID, alerts.Alert{
			Kind:    alerts.KindIndividualExit,
			Subject: fmt.Sprintf("Closed %s (%s)", t.Symbol, t.Reason),
			Body:    fmt.Sprintf("x%d @ %.2f, P&L %+.2f (%.2f%%)", t.Quantity, t.ExitPrice, t.PnLAbsolute, t.PnLPct*100),
		})
		return
	}

	var lines []string
	for i := range closed {
		t := &closed[i]
		lines = append(lines, fmt.Sprintf("%s %s %+.2f", t.Symbol, t.Reason, t.PnLAbsolute))
	}
	_ = o.notifier.Send(fmt.Sprintf("AGGREGATED_EXIT:%d", now.Unix()), alerts.Alert{
		Kind:    alerts.KindAggregatedExit,
		Subject: fmt.Sprintf("Closed %d positions", len(closed)),
		Body:    strings.Join(lines, "\n"),
	})
}

// positionRSI computes RSI from cached intraday bars; zero disables the
// RSI exit for this tick.
func (o *Orchestrator) positionRSI(ctx context.Context, symbol string, now time.Time) float64 {
	barCtx, cancel := context.WithTimeout(ctx, phaseCallTimeout)
	defer cancel()
	bars, err := o.data.IntradayBars(barCtx, symbol, o.sessionStart(now))
	if err != nil {
		return 0
	}
	return indicators.RSI(indicators.Closes(bars))
}

// closePosition executes the exit and applies the close atomically from
// an observer's viewpoint: trade appended first (the log is the source
// of truth), then cash, then the checkpoint. A position can be claimed
// for closing exactly once; the monitor and the forced-close sweep
// racing on the same position resolve to a single exit.
func (o *Orchestrator) closePosition(ctx context.Context, p *models.Position, reason models.ExitReason) (*models.ClosedTrade, error) {
	o.mu.Lock()
	if o.closing[p.ID] {
		o.mu.Unlock()
		return nil, fmt.Errorf("position %s: exit already in flight", p.ID)
	}
	o.closing[p.ID] = true
	// Out of the open set while the exit runs, so snapshots and sweeps
	// never observe a position mid-transition.
	delete(o.open, p.ID)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.closing, p.ID)
		o.mu.Unlock()
	}()

	trade, err := o.exec.PlaceExit(ctx, p, reason)
	if err != nil {
		o.handleAuthFailure(err)
		// Back under management for the next pass.
		o.mu.Lock()
		o.open[p.ID] = p
		o.mu.Unlock()
		return nil, err
	}

	date := trade.ExitTime.In(o.cfg.MarketLocation()).Format("2006-01-02")
	if err := o.store.AppendTrade(date, trade); err != nil {
		o.logger.Printf("trade append failed for %s: %v", trade.ID, err)
	}

	metricExits.WithLabelValues(string(reason)).Inc()
	metricRealizedPnL.Add(trade.PnLAbsolute)

	o.mu.Lock()
	o.closedToday = append(o.closedToday, *trade)
	proceeds := float64(trade.Quantity) * trade.ExitPrice
	if trade.Side == models.SideShort {
		proceeds = float64(trade.Quantity)*trade.EntryPrice + trade.PnLAbsolute
	}
	o.account.CashBalance += proceeds
	o.mu.Unlock()

	o.persistAccount(ctx)
	return trade, nil
}

// forceCloseAll closes every open position with the forced-close reason.
// Runs on the FSM task at the 12:55 cutoff.
func (o *Orchestrator) forceCloseAll(ctx context.Context) {
	o.mu.Lock()
	positions := make([]*models.Position, 0, len(o.open))
	for _, p := range o.open {
		positions = append(positions, p)
	}
	o.mu.Unlock()

	if len(positions) == 0 {
		o.markDone(models.PhaseEODClose)
		return
	}

	var lines []string
	for _, p := range positions {
		trade, err := o.closePosition(ctx, p, models.ExitReasonForcedClose)
		if err != nil {
			o.logger.Printf("forced close failed for %s: %v", p.Symbol, err)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %+.2f", trade.Symbol, trade.PnLAbsolute))
	}
	o.persistPositions()

	o.mu.Lock()
	remaining := len(o.open) + len(o.closing)
	o.mu.Unlock()

	if len(lines) > 0 {
		_ = o.notifier.Send("AGGREGATED_EXIT:forced", alerts.Alert{
			Kind:    alerts.KindAggregatedExit,
			Subject: fmt.Sprintf("Forced close: %d positions", len(lines)),
			Body:    strings.Join(lines, "\n"),
		})
	}
	if remaining == 0 {
		o.markDone(models.PhaseEODClose)
	}
}

// healthCheck runs on the 15-minute cron inside [07:45, 12:45] Pacific.
// It only sets flags and alerts; the monitor pass performs the exits on
// its next tick through triggers 13 and 14.
func (o *Orchestrator) healthCheck(ctx context.Context) {
	now := o.sched.Now()
	m := minuteOfDay(now)
	if m < minHealthFrom || m > minHealthTo {
		return
	}

	o.mu.Lock()
	symbols := make([]string, 0, len(o.open))
	for _, p := range o.open {
		symbols = append(symbols, p.Symbol)
	}
	closed := append([]models.ClosedTrade(nil), o.closedToday...)
	o.mu.Unlock()

	views := make([]monitor.PositionView, 0, len(symbols))
	if len(symbols) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, phaseCallTimeout)
		quotes, err := o.data.Quotes(callCtx, symbols)
		cancel()
		if err != nil {
			o.logger.Printf("health check: quote fetch failed: %v", err)
			return
		}

		o.mu.Lock()
		for _, p := range o.open {
			if q, ok := quotes[p.Symbol]; ok && q.Last > 0 {
				views = append(views, monitor.PositionView{Position: *p, Price: q.Last})
			}
		}
		o.mu.Unlock()
	}

	report := o.health.Evaluate(views, closed, now)
	if report == nil || report.Level == monitor.HealthOK {
		return
	}

	switch report.Level {
	case monitor.HealthEmergency:
		o.mu.Lock()
		o.day.EmergencyClose = true
		o.mu.Unlock()
		_ = o.notifier.Send("HEALTH_EMERGENCY:"+report.WindowKey, alerts.Alert{
			Kind:    alerts.KindHealthEmergency,
			Subject: "Portfolio EMERGENCY: closing all positions",
			Body:    strings.Join(report.Flags, "\n"),
		})
	case monitor.HealthWarning:
		o.mu.Lock()
		o.day.WeakDay = true
		o.day.WeakDayClose = true
		o.mu.Unlock()
		_ = o.notifier.Send("HEALTH_WARNING:"+report.WindowKey, alerts.Alert{
			Kind:    alerts.KindHealthWarning,
			Subject: "Portfolio WARNING: weak-day mode",
			Body:    strings.Join(report.Flags, "\n"),
		})
	}
}
