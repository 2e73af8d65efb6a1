package storage

import (
	"errors"

	"github.com/jspahr/openrange/internal/models"
)

// ErrNotFound is returned when a requested record does not exist yet
// (no marker for the date, no account checkpoint, and so on).
var ErrNotFound = errors.New("storage: record not found")

// Interface is the durable state store contract.
//
// Implementations must be safe for concurrent use - callers can assume
// all methods are goroutine-safe. In practice only the orchestrator's
// FSM task writes; the cold-start restore path reads.
type Interface interface {
	// Daily marker: phase completion and alert dedup flags.
	SaveMarker(marker *models.DailyMarker) error
	LoadMarker(date string) (*models.DailyMarker, error)

	// Closed trades, append-only per day. The trade log is the source
	// of truth; the account checkpoint is derived from it.
	AppendTrade(date string, trade *models.ClosedTrade) error
	LoadTrades(date string) ([]models.ClosedTrade, error)

	// Account cash checkpoint.
	SaveAccount(account *models.Account) error
	LoadAccount() (*models.Account, error)

	// Open positions snapshot, replaced wholesale on every change so a
	// restart during MONITORING resumes with live exposure intact.
	SaveOpenPositions(positions []models.Position) error
	LoadOpenPositions() ([]models.Position, error)

	// Opening ranges for the day, written once after capture.
	SaveOpeningRanges(date string, ranges map[string]models.OpeningRange) error
	LoadOpeningRanges(date string) (map[string]models.OpeningRange, error)

	// Signal archive: the gated cohort including rejected signals with
	// their reasons.
	ArchiveSignals(date string, signals []models.GatedSignal) error
	LoadSignals(date string) ([]models.GatedSignal, error)
}

// Statistics summarizes the trade history for reporting.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
}

// ComputeStatistics derives summary statistics from a trade list.
func ComputeStatistics(trades []models.ClosedTrade) *Statistics {
	st := &Statistics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return st
	}

	var winSum, lossSum, running, peak float64
	for i := range trades {
		pnl := trades[i].PnLAbsolute
		st.TotalPnL += pnl
		if pnl > 0 {
			st.WinningTrades++
			winSum += pnl
		} else {
			st.LosingTrades++
			lossSum += pnl
		}

		running += pnl
		if running > peak {
			peak = running
		}
		if dd := peak - running; dd > st.MaxDrawdown {
			st.MaxDrawdown = dd
		}
	}

	st.WinRate = float64(st.WinningTrades) / float64(st.TotalTrades)
	if st.WinningTrades > 0 {
		st.AverageWin = winSum / float64(st.WinningTrades)
	}
	if st.LosingTrades > 0 {
		st.AverageLoss = lossSum / float64(st.LosingTrades)
	}
	return st
}
