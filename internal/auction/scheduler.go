package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gavelhq/gavel/internal/database/models"
	"github.com/gavelhq/gavel/internal/metrics"
)

const failureBackoffFactor = 3

// Scheduler drives time-based auction transitions. A single logical instance
// is assumed, but every transition write is idempotent, so concurrent
// instances cannot double-apply a transition.
type Scheduler struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	now       func() time.Time
}

func NewScheduler(store Store, publisher Publisher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{
		store:     store,
		publisher: publisher,
		interval:  interval,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled. A failed tick is logged and backed off,
// never fatal.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Auction scheduler started",
		slog.String("type", "tick"),
		slog.Duration("interval", s.interval))

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Auction scheduler stopped", slog.String("type", "tick"))
			return
		case <-timer.C:
			next := s.interval
			if err := s.safeTick(ctx); err != nil {
				next = s.interval * failureBackoffFactor
				slog.Error("Scheduler tick failed",
					slog.String("type", "tick"),
					slog.String("error", err.Error()),
					slog.Duration("next_tick_in", next))
			}
			timer.Reset(next)
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return s.Tick(ctx)
}

// Tick runs one lifecycle scan: activate due pending auctions, end due
// active ones, fan out the transitions, and enqueue winner notifications. A
// pending auction whose whole window elapsed is activated and ended within
// the same tick, so observers see both events.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	activated, err := s.store.TransitionDue(ctx, models.AuctionStatusPending, models.AuctionStatusActive, now)
	if err != nil {
		return fmt.Errorf("failed to activate due auctions: %w", err)
	}
	for _, a := range activated {
		metrics.Transitions.WithLabelValues(string(models.AuctionStatusActive)).Inc()
		s.publisher.Publish(a.ID, NewStatusChangedEvent(a.ID, models.AuctionStatusActive))
	}

	ended, err := s.store.TransitionDue(ctx, models.AuctionStatusActive, models.AuctionStatusEnded, now)
	if err != nil {
		return fmt.Errorf("failed to end due auctions: %w", err)
	}
	for _, a := range ended {
		metrics.Transitions.WithLabelValues(string(models.AuctionStatusEnded)).Inc()
		s.publisher.Publish(a.ID, NewStatusChangedEvent(a.ID, models.AuctionStatusEnded))
	}

	if len(activated) > 0 || len(ended) > 0 {
		slog.Info("Lifecycle transitions applied",
			slog.String("type", "tick"),
			slog.Int("activated", len(activated)),
			slog.Int("ended", len(ended)))
	}

	if err := s.notifyWinners(ctx); err != nil {
		return err
	}

	return s.broadcastCountdowns(ctx, now)
}

// notifyWinners records one notification per ended auction with a highest
// bidder. It scans for ended auctions still missing their notification row
// rather than the tick's own transition batch, so a notification that failed
// after the transition committed is retried on the next tick. The unique
// notification row makes a re-run a no-op.
func (s *Scheduler) notifyWinners(ctx context.Context) error {
	pending, err := s.store.ListEndedWithoutNotification(ctx)
	if err != nil {
		return fmt.Errorf("failed to list ended auctions awaiting notification: %w", err)
	}

	for _, a := range pending {
		if a.HighestBidderID == "" {
			continue
		}

		inserted, err := s.store.RecordWinnerNotification(ctx, &models.WinnerNotification{
			AuctionID: a.ID,
			BidderID:  a.HighestBidderID,
			Amount:    a.CurrentPrice,
			CreatedAt: s.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to record winner notification for auction %d: %w", a.ID, err)
		}
		if !inserted {
			continue
		}

		slog.Info("Winner notification enqueued",
			slog.String("type", "tick"),
			slog.Int64("auction_id", a.ID),
			slog.String("winner_id", a.HighestBidderID),
			slog.Int64("final_price", a.CurrentPrice))
	}
	return nil
}

func (s *Scheduler) broadcastCountdowns(ctx context.Context, now time.Time) error {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active auctions for countdown: %w", err)
	}
	for _, a := range active {
		s.publisher.Publish(a.ID, NewCountdownEvent(a, now))
	}
	return nil
}
