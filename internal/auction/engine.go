package auction

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gavelhq/gavel/internal/database/models"
	"github.com/gavelhq/gavel/internal/metrics"
)

const (
	defaultBidRetries   = 3
	defaultMinIncrement = 1
	codeLength          = 6
	codeRetries         = 5
)

// Store is the durable record of auctions and bids. Implementations must be
// transactional at single-auction granularity; CommitBid in particular must
// apply its whole write set atomically, conditioned on the price version the
// engine read.
type Store interface {
	Create(ctx context.Context, auction *models.Auction) error
	GetByID(ctx context.Context, id int64) (*models.Auction, error)
	GetWithBids(ctx context.Context, id int64) (*models.Auction, error)
	GetByCode(ctx context.Context, code string) (*models.Auction, error)
	ListActive(ctx context.Context) ([]*models.Auction, error)

	// CommitBid atomically demotes the prior winning bid, inserts bid as the
	// winning one, and advances the auction's price state. It returns
	// ErrConflict when expectedVersion no longer matches the persisted row.
	CommitBid(ctx context.Context, auctionID int64, expectedVersion int64, bid *models.Bid) error

	// ActivateIfDue flips a single pending auction to active once its start
	// time has passed. The write is idempotent and race-safe: it reports
	// false when the auction was not pending or not yet due.
	ActivateIfDue(ctx context.Context, auctionID int64, now time.Time) (bool, error)

	// TransitionDue batch-moves every auction in from-status whose deadline
	// has passed into to-status and returns the transitioned rows.
	TransitionDue(ctx context.Context, from, to models.AuctionStatus, now time.Time) ([]*models.Auction, error)

	// Cancel marks a non-terminal auction cancelled; reports false when the
	// auction had already reached a terminal status.
	Cancel(ctx context.Context, auctionID int64) (bool, error)

	// ListEndedWithoutNotification returns ended auctions that have a highest
	// bidder but no winner notification row yet, so the notification step can
	// be re-run until it sticks.
	ListEndedWithoutNotification(ctx context.Context) ([]*models.Auction, error)

	// RecordWinnerNotification inserts a notification record, reporting false
	// when one already exists for the auction.
	RecordWinnerNotification(ctx context.Context, n *models.WinnerNotification) (bool, error)
}

// Engine validates and commits bids against auctions. It holds no locks:
// every commit is a single conditional write, retried against fresh state on
// conflict.
type Engine struct {
	store     Store
	publisher Publisher

	minIncrement int64
	bidRetries   int
	now          func() time.Time

	usedCodes sync.Map
}

type EngineOption func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithBidRetries bounds the optimistic retry loop in PlaceBid.
func WithBidRetries(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.bidRetries = n
		}
	}
}

// WithDefaultMinIncrement sets the increment applied to auctions created
// without one.
func WithDefaultMinIncrement(inc int64) EngineOption {
	return func(e *Engine) {
		if inc > 0 {
			e.minIncrement = inc
		}
	}
}

func NewEngine(store Store, publisher Publisher, opts ...EngineOption) *Engine {
	if store == nil {
		panic("auction store cannot be nil")
	}
	if publisher == nil {
		panic("event publisher cannot be nil")
	}

	e := &Engine{
		store:        store,
		publisher:    publisher,
		minIncrement: defaultMinIncrement,
		bidRetries:   defaultBidRetries,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateAuctionParams carries the caller-supplied fields of a new auction.
type CreateAuctionParams struct {
	ProductID    int64
	Quantity     int
	StartPrice   int64
	MinIncrement int64
	MaxPrice     int64
	StartTime    time.Time
	EndTime      time.Time
}

func (e *Engine) CreateAuction(ctx context.Context, params CreateAuctionParams) (*models.Auction, error) {
	now := e.now()

	if params.ProductID <= 0 {
		return nil, fmt.Errorf("%w: auction requires a product reference", ErrInvalid)
	}
	if params.StartPrice <= 0 {
		return nil, fmt.Errorf("%w: start price must be positive, got %d", ErrInvalid, params.StartPrice)
	}
	if !params.EndTime.After(params.StartTime) {
		return nil, fmt.Errorf("%w: end time %s must be after start time %s", ErrInvalid, params.EndTime, params.StartTime)
	}
	if params.StartTime.Before(now) {
		return nil, fmt.Errorf("%w: start time %s must be in the future", ErrInvalid, params.StartTime)
	}
	if params.MinIncrement < 0 {
		return nil, fmt.Errorf("%w: minimum increment cannot be negative, got %d", ErrInvalid, params.MinIncrement)
	}
	if params.MaxPrice != 0 && params.MaxPrice < params.StartPrice {
		return nil, fmt.Errorf("%w: price ceiling %d is below start price %d", ErrInvalid, params.MaxPrice, params.StartPrice)
	}

	quantity := params.Quantity
	if quantity < 1 {
		quantity = 1
	}
	increment := params.MinIncrement
	if increment == 0 {
		increment = e.minIncrement
	}

	code, err := e.generateAuctionCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate auction code: %w", err)
	}

	auction := &models.Auction{
		Code:         code,
		ProductID:    params.ProductID,
		Quantity:     quantity,
		StartPrice:   params.StartPrice,
		CurrentPrice: params.StartPrice,
		MinIncrement: increment,
		MaxPrice:     params.MaxPrice,
		Status:       models.AuctionStatusPending,
		StartTime:    params.StartTime,
		EndTime:      params.EndTime,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.Create(ctx, auction); err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}

	slog.Info("Auction created",
		slog.String("type", "bid"),
		slog.String("code", auction.Code),
		slog.Int64("auction_id", auction.ID),
		slog.Int64("product_id", auction.ProductID),
		slog.Int64("start_price", auction.StartPrice),
		slog.Time("start_time", auction.StartTime),
		slog.Time("end_time", auction.EndTime))

	return auction, nil
}

// PlaceBid validates and atomically commits a single bid. All expected
// refusals come back as *RejectionError; anything else is an internal fault.
func (e *Engine) PlaceBid(ctx context.Context, auctionID int64, bidderID string, amount int64) (*models.Bid, error) {
	if bidderID == "" {
		return nil, reject(ReasonNotFound, "bidder identity is required")
	}

	for attempt := 0; attempt < e.bidRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.BidsRejected.WithLabelValues(string(ReasonTimeout)).Inc()
			return nil, reject(ReasonTimeout, "bid could not complete in time")
		}

		bid, err := e.tryPlaceBid(ctx, auctionID, bidderID, amount)
		if errors.Is(err, ErrConflict) {
			metrics.BidConflicts.Inc()
			slog.Debug("Bid hit a stale price version, retrying",
				slog.String("type", "bid"),
				slog.Int64("auction_id", auctionID),
				slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			if rej := RejectionOf(err); rej != nil {
				metrics.BidsRejected.WithLabelValues(string(rej.Reason)).Inc()
			}
			return nil, err
		}

		metrics.BidsAccepted.Inc()
		// Fan-out after the durable commit; a failed publish never rolls the
		// bid back.
		e.publisher.Publish(bid.AuctionID, NewBidAcceptedEvent(bid))
		return bid, nil
	}

	metrics.BidsRejected.WithLabelValues(string(ReasonConflict)).Inc()
	return nil, reject(ReasonConflict, "auction price changed repeatedly, resubmit with fresh state")
}

func (e *Engine) tryPlaceBid(ctx context.Context, auctionID int64, bidderID string, amount int64) (*models.Bid, error) {
	auction, err := e.store.GetByID(ctx, auctionID)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(ReasonNotFound, "auction %d not found", auctionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}

	now := e.now()

	// A pending auction whose start time has passed is logically active even
	// before the scheduler's next tick. Persist the activation first, the
	// same idempotent write the scheduler would apply.
	if auction.Status == models.AuctionStatusPending && EffectiveStatus(auction, now) == models.AuctionStatusActive {
		activated, err := e.store.ActivateIfDue(ctx, auction.ID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to activate due auction: %w", err)
		}
		if activated {
			auction.Status = models.AuctionStatusActive
			e.publisher.Publish(auction.ID, NewStatusChangedEvent(auction.ID, models.AuctionStatusActive))
		} else {
			// Someone else transitioned it first; re-read for fresh state.
			return nil, ErrConflict
		}
	}

	if auction.Status != models.AuctionStatusActive || !now.Before(auction.EndTime) {
		return nil, reject(ReasonNotActive, "auction %d is not accepting bids", auctionID)
	}
	if minimum := auction.MinimumBid(); amount < minimum {
		rej := reject(ReasonBidTooLow, "bid of %d is below the minimum of %d (current price %d + increment %d)",
			amount, minimum, auction.CurrentPrice, auction.MinIncrement)
		rej.MinimumBid = minimum
		return nil, rej
	}
	if auction.MaxPrice > 0 && amount > auction.MaxPrice {
		return nil, reject(ReasonExceedsMaxPrice, "bid of %d exceeds the price ceiling of %d", amount, auction.MaxPrice)
	}
	if auction.HighestBidderID != "" && auction.HighestBidderID == bidderID {
		return nil, reject(ReasonAlreadyHighestBidder, "you are already the highest bidder")
	}

	bid := &models.Bid{
		AuctionID: auction.ID,
		BidderID:  bidderID,
		Amount:    amount,
		IsWinning: true,
		Timestamp: now,
		CreatedAt: now,
	}

	if err := e.store.CommitBid(ctx, auction.ID, auction.PriceVersion, bid); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to commit bid: %w", err)
	}

	slog.Info("Bid accepted",
		slog.String("type", "bid"),
		slog.Int64("auction_id", auction.ID),
		slog.String("bidder_id", bidderID),
		slog.Int64("amount", amount))

	return bid, nil
}

// CancelAuction moves a non-terminal auction to cancelled. Cancelling an
// active auction that already has bids is an explicitly confirmed operation.
func (e *Engine) CancelAuction(ctx context.Context, auctionID int64, confirmed bool) error {
	auction, err := e.store.GetByID(ctx, auctionID)
	if errors.Is(err, ErrNotFound) {
		return reject(ReasonNotFound, "auction %d not found", auctionID)
	}
	if err != nil {
		return fmt.Errorf("failed to get auction: %w", err)
	}

	now := e.now()
	effective := EffectiveStatus(auction, now)
	if !CanTransition(effective, models.AuctionStatusCancelled) {
		return reject(ReasonNotActive, "auction %d has already finished", auctionID)
	}
	if effective == models.AuctionStatusActive && auction.HasBids() && !confirmed {
		return reject(ReasonConflict, "auction %d has bids, cancellation must be explicitly confirmed", auctionID)
	}

	cancelled, err := e.store.Cancel(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("failed to cancel auction: %w", err)
	}
	if !cancelled {
		return reject(ReasonNotActive, "auction %d has already finished", auctionID)
	}

	e.publisher.Publish(auctionID, NewStatusChangedEvent(auctionID, models.AuctionStatusCancelled))

	slog.Info("Auction cancelled",
		slog.String("type", "bid"),
		slog.Int64("auction_id", auctionID),
		slog.Bool("had_bids", auction.HasBids()))

	return nil
}

// GetAuction returns an auction with its bids, its status already advanced
// to the logically current one so reads never lag the scheduler.
func (e *Engine) GetAuction(ctx context.Context, auctionID int64) (*models.Auction, error) {
	auction, err := e.store.GetWithBids(ctx, auctionID)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(ReasonNotFound, "auction %d not found", auctionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	auction.Status = EffectiveStatus(auction, e.now())
	return auction, nil
}

// GetAuctionByCode resolves an auction through its short public code.
func (e *Engine) GetAuctionByCode(ctx context.Context, code string) (*models.Auction, error) {
	auction, err := e.store.GetByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(ReasonNotFound, "auction %s not found", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auction by code: %w", err)
	}
	return e.GetAuction(ctx, auction.ID)
}

func (e *Engine) ListActiveAuctions(ctx context.Context) ([]*models.Auction, error) {
	auctions, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active auctions: %w", err)
	}

	now := e.now()
	live := make([]*models.Auction, 0, len(auctions))
	for _, a := range auctions {
		if EffectiveStatus(a, now) == models.AuctionStatusActive {
			live = append(live, a)
		}
	}
	return live, nil
}

// generateAuctionCode produces a short public identifier from random bytes.
func (e *Engine) generateAuctionCode() (string, error) {
	for i := 0; i < codeRetries; i++ {
		bytes := make([]byte, 4)
		if _, err := rand.Read(bytes); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}

		encoded := base32.StdEncoding.EncodeToString(bytes)
		code := strings.ToUpper(encoded[:codeLength])

		if _, exists := e.usedCodes.LoadOrStore(code, true); !exists {
			return code, nil
		}
	}

	return "", fmt.Errorf("failed to generate unique auction code after %d attempts", codeRetries)
}
