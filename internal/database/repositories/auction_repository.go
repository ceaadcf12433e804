package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/gavelhq/gavel/internal/auction"
	"github.com/gavelhq/gavel/internal/database/models"
)

// auctionRepository is the Postgres-backed auction.Store. The conditional
// writes lean on row versions and status predicates rather than long-held
// locks; the batch transition uses SKIP LOCKED so concurrent scheduler
// instances never fight over the same rows.
type auctionRepository struct {
	db *bun.DB
}

func NewAuctionRepository(db *bun.DB) auction.Store {
	return &auctionRepository{db: db}
}

// InitSchema creates the auction tables and indexes when missing.
func InitSchema(ctx context.Context, db *bun.DB) error {
	tables := []any{
		(*models.Auction)(nil),
		(*models.Bid)(nil),
		(*models.WinnerNotification)(nil),
	}
	for _, table := range tables {
		if _, err := db.NewCreateTable().Model(table).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", table, err)
		}
	}

	indexes := []struct {
		model  any
		name   string
		column string
	}{
		{(*models.Bid)(nil), "idx_auction_bids_auction_id", "auction_id"},
		{(*models.Bid)(nil), "idx_auction_bids_bidder_id", "bidder_id"},
		{(*models.Auction)(nil), "idx_auctions_status", "status"},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.column).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return nil
}

func (r *auctionRepository) Create(ctx context.Context, a *models.Auction) error {
	if _, err := r.db.NewInsert().Model(a).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert auction: %w", err)
	}
	return nil
}

func (r *auctionRepository) GetByID(ctx context.Context, id int64) (*models.Auction, error) {
	a := new(models.Auction)
	err := r.db.NewSelect().
		Model(a).
		Where("a.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auction.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

func (r *auctionRepository) GetWithBids(ctx context.Context, id int64) (*models.Auction, error) {
	a := new(models.Auction)
	err := r.db.NewSelect().
		Model(a).
		Relation("Bids", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("timestamp ASC")
		}).
		Where("a.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auction.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get auction with bids: %w", err)
	}
	return a, nil
}

func (r *auctionRepository) GetByCode(ctx context.Context, code string) (*models.Auction, error) {
	a := new(models.Auction)
	err := r.db.NewSelect().
		Model(a).
		Where("a.code = ?", code).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auction.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get auction by code: %w", err)
	}
	return a, nil
}

func (r *auctionRepository) ListActive(ctx context.Context) ([]*models.Auction, error) {
	var auctions []*models.Auction
	err := r.db.NewSelect().
		Model(&auctions).
		Where("status = ?", models.AuctionStatusActive).
		Where("end_time > ?", time.Now()).
		Order("end_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active auctions: %w", err)
	}
	return auctions, nil
}

func (r *auctionRepository) CommitBid(ctx context.Context, auctionID int64, expectedVersion int64, bid *models.Bid) error {
	return r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		// The whole commit hinges on this one conditional write: if the
		// version we read is stale, zero rows move and nothing else runs.
		res, err := tx.NewUpdate().
			Model((*models.Auction)(nil)).
			Set("current_price = ?", bid.Amount).
			Set("highest_bidder_id = ?", bid.BidderID).
			Set("price_version = price_version + 1").
			Set("last_bid_time = ?", bid.Timestamp).
			Set("bid_count = bid_count + 1").
			Set("updated_at = ?", time.Now()).
			Where("id = ?", auctionID).
			Where("price_version = ?", expectedVersion).
			Where("status = ?", models.AuctionStatusActive).
			Where("end_time > ?", bid.Timestamp).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update auction price state: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return auction.ErrConflict
		}

		_, err = tx.NewUpdate().
			Model((*models.Bid)(nil)).
			Set("is_winning = false").
			Where("auction_id = ?", auctionID).
			Where("is_winning = true").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to demote prior winning bid: %w", err)
		}

		bid.IsWinning = true
		if _, err = tx.NewInsert().Model(bid).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}

		return nil
	})
}

func (r *auctionRepository) ActivateIfDue(ctx context.Context, auctionID int64, now time.Time) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("status = ?", models.AuctionStatusActive).
		Set("updated_at = ?", now).
		Where("id = ?", auctionID).
		Where("status = ?", models.AuctionStatusPending).
		Where("start_time <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to activate auction: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *auctionRepository) TransitionDue(ctx context.Context, from, to models.AuctionStatus, now time.Time) ([]*models.Auction, error) {
	deadline := "start_time"
	if to == models.AuctionStatusEnded {
		deadline = "end_time"
	}

	var due []*models.Auction
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model(&due).
			Where("status = ?", from).
			Where(deadline+" <= ?", now).
			For("UPDATE SKIP LOCKED").
			Order(deadline + " ASC").
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("failed to select due auctions: %w", err)
		}
		if len(due) == 0 {
			return nil
		}

		ids := make([]int64, len(due))
		for i, a := range due {
			ids[i] = a.ID
		}

		_, err = tx.NewUpdate().
			Model((*models.Auction)(nil)).
			Set("status = ?", to).
			Set("updated_at = ?", now).
			Where("id IN (?)", bun.In(ids)).
			Where("status = ?", from).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to bulk transition auctions: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range due {
		a.Status = to
	}
	return due, nil
}

func (r *auctionRepository) Cancel(ctx context.Context, auctionID int64) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("status = ?", models.AuctionStatusCancelled).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", auctionID).
		Where("status IN (?)", bun.In([]models.AuctionStatus{
			models.AuctionStatusPending,
			models.AuctionStatusActive,
		})).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to cancel auction: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *auctionRepository) ListEndedWithoutNotification(ctx context.Context) ([]*models.Auction, error) {
	var auctions []*models.Auction
	err := r.db.NewSelect().
		Model(&auctions).
		Where("status = ?", models.AuctionStatusEnded).
		Where("highest_bidder_id <> ''").
		Where("NOT EXISTS (SELECT 1 FROM auction_notifications an WHERE an.auction_id = a.id)").
		Order("end_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ended auctions awaiting notification: %w", err)
	}
	return auctions, nil
}

func (r *auctionRepository) RecordWinnerNotification(ctx context.Context, n *models.WinnerNotification) (bool, error) {
	res, err := r.db.NewInsert().
		Model(n).
		On("CONFLICT (auction_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to record winner notification: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
