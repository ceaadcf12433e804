package auction

import (
	"time"

	"github.com/gavelhq/gavel/internal/database/models"
)

const (
	EventJoined        = "joined"
	EventLeft          = "left"
	EventBidAccepted   = "bid_accepted"
	EventCountdown     = "countdown"
	EventStatusChanged = "status_changed"
)

// Publisher fans an event out to every subscriber of an auction's topic.
// Publish never blocks the caller and never reports failure: delivery is
// best-effort with respect to the committing operation.
type Publisher interface {
	Publish(auctionID int64, event any)
}

type BidAcceptedEvent struct {
	Type      string    `json:"type"`
	AuctionID int64     `json:"auctionId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBidAcceptedEvent(bid *models.Bid) BidAcceptedEvent {
	return BidAcceptedEvent{
		Type:      EventBidAccepted,
		AuctionID: bid.AuctionID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Timestamp: bid.Timestamp,
	}
}

type CountdownEvent struct {
	Type             string `json:"type"`
	AuctionID        int64  `json:"auctionId"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

func NewCountdownEvent(a *models.Auction, now time.Time) CountdownEvent {
	return CountdownEvent{
		Type:             EventCountdown,
		AuctionID:        a.ID,
		RemainingSeconds: a.RemainingSeconds(now),
	}
}

type StatusChangedEvent struct {
	Type      string               `json:"type"`
	AuctionID int64                `json:"auctionId"`
	Status    models.AuctionStatus `json:"status"`
}

func NewStatusChangedEvent(auctionID int64, status models.AuctionStatus) StatusChangedEvent {
	return StatusChangedEvent{
		Type:      EventStatusChanged,
		AuctionID: auctionID,
		Status:    status,
	}
}
