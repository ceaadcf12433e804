package auction

import (
	"time"

	"github.com/gavelhq/gavel/internal/database/models"
)

// The state machine is a pure decision layer: no I/O, no side effects. Both
// the scheduler and read paths use it, so a read never contradicts what the
// scheduler will eventually persist.

// NextStatus returns the single time-driven transition due for an auction at
// now, or the current status when none is due. Cancellation is not
// time-driven and never returned here.
func NextStatus(a *models.Auction, now time.Time) models.AuctionStatus {
	return stepStatus(a.Status, a, now)
}

// EffectiveStatus applies time-driven transitions transitively. A pending
// auction whose whole window already elapsed reports ended, having logically
// passed through active.
func EffectiveStatus(a *models.Auction, now time.Time) models.AuctionStatus {
	status := a.Status
	for {
		next := stepStatus(status, a, now)
		if next == status {
			return status
		}
		status = next
	}
}

func stepStatus(status models.AuctionStatus, a *models.Auction, now time.Time) models.AuctionStatus {
	switch status {
	case models.AuctionStatusPending:
		if !now.Before(a.StartTime) {
			return models.AuctionStatusActive
		}
	case models.AuctionStatusActive:
		if !now.Before(a.EndTime) {
			return models.AuctionStatusEnded
		}
	}
	return status
}

// CanTransition reports whether an explicit transition from one status to
// another is legal. Time-driven transitions only move forward; cancellation
// is reachable from pending or active.
func CanTransition(from, to models.AuctionStatus) bool {
	switch to {
	case models.AuctionStatusActive:
		return from == models.AuctionStatusPending
	case models.AuctionStatusEnded:
		return from == models.AuctionStatusActive
	case models.AuctionStatusCancelled:
		return !from.IsTerminal()
	}
	return false
}
