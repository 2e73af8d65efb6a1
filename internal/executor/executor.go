// Package executor turns sized orders into broker fills and open
// positions. One executor serves both demo and live runs; the gateway
// behind the Broker interface decides whether orders are real.
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jspahr/openrange/internal/broker"
	"github.com/jspahr/openrange/internal/models"
	"github.com/jspahr/openrange/internal/retry"
)

// Executor places entry batches and exit orders. Idempotency is per
// client order ID, which is the position ID: replaying a batch after a
// crash cannot double-fill.
type Executor struct {
	broker broker.Broker
	logger *log.Logger
	mode   string // demo | live
}

// New creates an executor over the given gateway.
func New(b broker.Broker, mode string, logger *log.Logger) *Executor {
	return &Executor{broker: b, logger: logger, mode: mode}
}

// BatchResult reports one order's outcome within a batch.
type BatchResult struct {
	Order    models.SizedOrder
	Position *models.Position // nil when the order failed
	Err      error
}

// PlaceBatch submits the sized orders sequentially in rank order and
// returns a result per order. A failed order does not abort the batch.
// Partial fills open a position for the filled quantity; the residual is
// dropped.
func (e *Executor) PlaceBatch(ctx context.Context, orders []models.SizedOrder) []BatchResult {
	results := make([]BatchResult, 0, len(orders))
	for _, o := range orders {
		pos, err := e.placeEntry(ctx, o)
		if err != nil {
			e.logger.Printf("batch order failed: %s x%d: %v", o.Symbol, o.Quantity, err)
		}
		results = append(results, BatchResult{Order: o, Position: pos, Err: err})
	}
	return results
}

func (e *Executor) placeEntry(ctx context.Context, o models.SizedOrder) (*models.Position, error) {
	now := time.Now().UTC()
	id := models.NewPositionID(e.mode, o.Symbol, now)

	fill, err := retry.Do(ctx, e.logger, retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Timeout:        45 * time.Second,
	}, "entry order "+o.Symbol, func(ctx context.Context) (*models.Fill, error) {
		return e.broker.PlaceOrder(ctx, id, o.Symbol, o.Side, o.Quantity, models.OrderTypeMarket)
	})
	if err != nil {
		return nil, err
	}
	if fill.Quantity <= 0 {
		return nil, fmt.Errorf("entry order %s: zero fill", o.Symbol)
	}

	if fill.Quantity < o.Quantity {
		e.logger.Printf("partial fill on %s: %d of %d, residual dropped", o.Symbol, fill.Quantity, o.Quantity)
	}

	pos := models.NewPosition(id, o.Symbol, o.Side, fill.AvgPrice, fill.Quantity, fill.FilledAt)
	if err := pos.TransitionState(models.StateOpen, "order_filled"); err != nil {
		return nil, fmt.Errorf("position %s: %w", id, err)
	}
	e.logger.Printf("filled %s %s x%d @ %.2f (rank %d)", o.Side, o.Symbol, fill.Quantity, fill.AvgPrice, o.Rank)
	return pos, nil
}

// PlaceExit closes a position at market and returns the resulting
// ClosedTrade. The exit client ID derives from the position ID plus the
// reason, so a retried exit for the same reason is idempotent while a
// later different-reason exit is not blocked.
func (e *Executor) PlaceExit(ctx context.Context, pos *models.Position, reason models.ExitReason) (*models.ClosedTrade, error) {
	if pos.GetCurrentState() == models.StateClosed {
		return nil, fmt.Errorf("position %s already closed", pos.ID)
	}

	exitSide := models.SideShort
	if pos.Side == models.SideShort {
		exitSide = models.SideLong
	}
	clientID := fmt.Sprintf("%s_exit_%s", pos.ID, reason)

	if err := pos.TransitionState(models.StateExiting, "exit_triggered"); err != nil {
		// Forced closes may fire while an exit is already in flight.
		if pos.GetCurrentState() != models.StateExiting {
			return nil, fmt.Errorf("position %s: %w", pos.ID, err)
		}
	}

	fill, err := retry.Do(ctx, e.logger, retry.Config{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
		Timeout:        90 * time.Second,
	}, "exit order "+pos.Symbol, func(ctx context.Context) (*models.Fill, error) {
		return e.broker.PlaceOrder(ctx, clientID, pos.Symbol, exitSide, pos.Quantity, models.OrderTypeMarket)
	})
	if err != nil {
		// Back under management; the monitor retries on its next pass.
		if terr := pos.TransitionState(models.StateOpen, "exit_failed"); terr != nil {
			e.logger.Printf("position %s: exit failed and reopen transition rejected: %v", pos.ID, terr)
		}
		return nil, fmt.Errorf("exit %s (%s): %w", pos.Symbol, reason, err)
	}

	if err := pos.TransitionState(models.StateClosed, "exit_filled"); err != nil {
		return nil, fmt.Errorf("position %s: %w", pos.ID, err)
	}

	trade := models.NewClosedTrade(pos, fill.AvgPrice, fill.FilledAt, reason)
	e.logger.Printf("closed %s x%d @ %.2f reason=%s pnl=%.2f (%.2f%%)",
		pos.Symbol, pos.Quantity, fill.AvgPrice, reason, trade.PnLAbsolute, trade.PnLPct*100)
	return trade, nil
}
