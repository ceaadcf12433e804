package models

import (
	"time"

	"github.com/uptrace/bun"
)

type AuctionStatus string

const (
	AuctionStatusPending   AuctionStatus = "pending"
	AuctionStatusActive    AuctionStatus = "active"
	AuctionStatusEnded     AuctionStatus = "ended"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// IsTerminal reports whether no further status transition is legal.
func (s AuctionStatus) IsTerminal() bool {
	return s == AuctionStatusEnded || s == AuctionStatusCancelled
}

type Auction struct {
	bun.BaseModel `bun:"table:auctions,alias:a"`

	ID        int64  `bun:"id,pk,autoincrement"`
	Code      string `bun:"code,notnull,unique"`
	ProductID int64  `bun:"product_id,notnull"`
	Quantity  int    `bun:"quantity,notnull"`

	StartPrice   int64 `bun:"start_price,notnull"`
	CurrentPrice int64 `bun:"current_price,notnull"`
	MinIncrement int64 `bun:"min_increment,notnull"`
	// MaxPrice of 0 means no ceiling.
	MaxPrice int64 `bun:"max_price,notnull,default:0"`

	HighestBidderID string        `bun:"highest_bidder_id"`
	Status          AuctionStatus `bun:"status,notnull"`

	// PriceVersion is the optimistic concurrency token: every committed bid
	// bumps it, and a bid commit is conditioned on the version it read.
	PriceVersion int64 `bun:"price_version,notnull,default:0"`

	StartTime time.Time `bun:"start_time,notnull"`
	EndTime   time.Time `bun:"end_time,notnull"`

	LastBidTime time.Time `bun:"last_bid_time,nullzero"`
	BidCount    int       `bun:"bid_count"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`

	Bids []*Bid `bun:"rel:has-many,join:id=auction_id"`
}

// MinimumBid returns the lowest amount the next bid may carry.
func (a *Auction) MinimumBid() int64 {
	return a.CurrentPrice + a.MinIncrement
}

func (a *Auction) HasBids() bool {
	return a.BidCount > 0
}

// RemainingSeconds returns the whole seconds left until EndTime, floored at 0.
func (a *Auction) RemainingSeconds(now time.Time) int64 {
	remaining := a.EndTime.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

type Bid struct {
	bun.BaseModel `bun:"table:auction_bids,alias:ab"`

	ID        int64  `bun:"id,pk,autoincrement"`
	AuctionID int64  `bun:"auction_id,notnull"`
	BidderID  string `bun:"bidder_id,notnull"`
	Amount    int64  `bun:"amount,notnull"`

	// IsWinning is true for exactly one bid per auction once any bid exists.
	// The flag flips to the newest accepted bid inside the same transaction
	// that inserts it.
	IsWinning bool `bun:"is_winning,notnull,default:false"`

	Timestamp time.Time `bun:"timestamp,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// WinnerNotification records that the winner of an ended auction has been
// notified. The unique auction_id column is what makes re-running the
// scheduler's notification step a no-op.
type WinnerNotification struct {
	bun.BaseModel `bun:"table:auction_notifications,alias:an"`

	ID        int64     `bun:"id,pk,autoincrement"`
	AuctionID int64     `bun:"auction_id,notnull,unique"`
	BidderID  string    `bun:"bidder_id,notnull"`
	Amount    int64     `bun:"amount,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}
