package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gavelhq/gavel/internal/database/models"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestEngine(t *testing.T, store Store, opts ...EngineOption) (*Engine, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	opts = append([]EngineOption{WithClock(fixedClock)}, opts...)
	return NewEngine(store, pub, opts...), pub
}

func seedAuction(store *memStore, mutate func(*models.Auction)) *models.Auction {
	a := &models.Auction{
		Code:         "TSTAAA",
		ProductID:    7,
		Quantity:     1,
		StartPrice:   100,
		CurrentPrice: 100,
		MinIncrement: 10,
		Status:       models.AuctionStatusActive,
		StartTime:    testNow.Add(-time.Hour),
		EndTime:      testNow.Add(time.Hour),
	}
	if mutate != nil {
		mutate(a)
	}
	return store.put(a)
}

func TestPlaceBidPreconditions(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*models.Auction)
		auctionID  int64
		bidderID   string
		amount     int64
		wantReason RejectReason
	}{
		{
			name:       "unknown auction",
			auctionID:  999,
			bidderID:   "alice",
			amount:     200,
			wantReason: ReasonNotFound,
		},
		{
			name: "pending auction not yet open",
			mutate: func(a *models.Auction) {
				a.Status = models.AuctionStatusPending
				a.StartTime = testNow.Add(time.Hour)
				a.EndTime = testNow.Add(2 * time.Hour)
			},
			bidderID:   "alice",
			amount:     200,
			wantReason: ReasonNotActive,
		},
		{
			name: "ended auction",
			mutate: func(a *models.Auction) {
				a.Status = models.AuctionStatusEnded
			},
			bidderID:   "alice",
			amount:     200,
			wantReason: ReasonNotActive,
		},
		{
			name: "cancelled auction",
			mutate: func(a *models.Auction) {
				a.Status = models.AuctionStatusCancelled
			},
			bidderID:   "alice",
			amount:     200,
			wantReason: ReasonNotActive,
		},
		{
			name: "active row past its end time",
			mutate: func(a *models.Auction) {
				a.EndTime = testNow.Add(-time.Second)
			},
			bidderID:   "alice",
			amount:     200,
			wantReason: ReasonNotActive,
		},
		{
			name:       "bid below minimum",
			bidderID:   "alice",
			amount:     105,
			wantReason: ReasonBidTooLow,
		},
		{
			name:       "bid equal to current price",
			bidderID:   "alice",
			amount:     100,
			wantReason: ReasonBidTooLow,
		},
		{
			name: "bid above price ceiling",
			mutate: func(a *models.Auction) {
				a.MaxPrice = 150
			},
			bidderID:   "alice",
			amount:     200,
			wantReason: ReasonExceedsMaxPrice,
		},
		{
			name: "highest bidder outbidding themselves",
			mutate: func(a *models.Auction) {
				a.HighestBidderID = "alice"
				a.BidCount = 1
			},
			bidderID:   "alice",
			amount:     200,
			wantReason: ReasonAlreadyHighestBidder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			a := seedAuction(store, tt.mutate)
			engine, pub := newTestEngine(t, store)

			auctionID := tt.auctionID
			if auctionID == 0 {
				auctionID = a.ID
			}

			_, err := engine.PlaceBid(context.Background(), auctionID, tt.bidderID, tt.amount)
			rej := RejectionOf(err)
			if rej == nil {
				t.Fatalf("PlaceBid() error = %v, want rejection %s", err, tt.wantReason)
			}
			if rej.Reason != tt.wantReason {
				t.Errorf("rejection reason = %s, want %s", rej.Reason, tt.wantReason)
			}
			if got := pub.countType(EventBidAccepted); got != 0 {
				t.Errorf("rejected bid published %d bid_accepted events", got)
			}
		})
	}
}

func TestPlaceBidTooLowCarriesMinimum(t *testing.T) {
	store := newMemStore()
	a := seedAuction(store, nil)
	engine, _ := newTestEngine(t, store)

	_, err := engine.PlaceBid(context.Background(), a.ID, "alice", 101)
	rej := RejectionOf(err)
	if rej == nil || rej.Reason != ReasonBidTooLow {
		t.Fatalf("PlaceBid() error = %v, want bid_too_low", err)
	}
	if rej.MinimumBid != 110 {
		t.Errorf("MinimumBid = %d, want 110", rej.MinimumBid)
	}
}

func TestPlaceBidAccepted(t *testing.T) {
	store := newMemStore()
	a := seedAuction(store, nil)
	engine, pub := newTestEngine(t, store)

	bid, err := engine.PlaceBid(context.Background(), a.ID, "alice", 150)
	if err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}
	if bid.Amount != 150 || bid.BidderID != "alice" || !bid.IsWinning {
		t.Errorf("unexpected bid %+v", bid)
	}

	fresh, _ := store.GetByID(context.Background(), a.ID)
	if fresh.CurrentPrice != 150 {
		t.Errorf("current price = %d, want 150", fresh.CurrentPrice)
	}
	if fresh.PriceVersion != 1 {
		t.Errorf("price version = %d, want 1", fresh.PriceVersion)
	}
	if fresh.HighestBidderID != "alice" {
		t.Errorf("highest bidder = %q, want alice", fresh.HighestBidderID)
	}
	if fresh.BidCount != 1 {
		t.Errorf("bid count = %d, want 1", fresh.BidCount)
	}

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	accepted, ok := events[0].event.(BidAcceptedEvent)
	if !ok || accepted.Amount != 150 || accepted.AuctionID != a.ID {
		t.Errorf("unexpected event %+v", events[0].event)
	}
}

func TestPlaceBidActivatesDuePendingAuction(t *testing.T) {
	store := newMemStore()
	a := seedAuction(store, func(a *models.Auction) {
		a.Status = models.AuctionStatusPending
		a.StartTime = testNow.Add(-time.Minute)
	})
	engine, pub := newTestEngine(t, store)

	if _, err := engine.PlaceBid(context.Background(), a.ID, "alice", 150); err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}

	fresh, _ := store.GetByID(context.Background(), a.ID)
	if fresh.Status != models.AuctionStatusActive {
		t.Errorf("status = %s, want active", fresh.Status)
	}

	// Activation is announced before the accepted bid.
	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("published %d events, want 2", len(events))
	}
	if sc, ok := events[0].event.(StatusChangedEvent); !ok || sc.Status != models.AuctionStatusActive {
		t.Errorf("first event = %+v, want status_changed to active", events[0].event)
	}
	if _, ok := events[1].event.(BidAcceptedEvent); !ok {
		t.Errorf("second event = %+v, want bid_accepted", events[1].event)
	}
}

// conflictingStore forces the first n commits to report a version conflict.
type conflictingStore struct {
	*memStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) CommitBid(ctx context.Context, auctionID int64, expectedVersion int64, bid *models.Bid) error {
	s.mu.Lock()
	forced := s.conflicts > 0
	if forced {
		s.conflicts--
	}
	s.mu.Unlock()
	if forced {
		return ErrConflict
	}
	return s.memStore.CommitBid(ctx, auctionID, expectedVersion, bid)
}

func TestPlaceBidRetriesOnConflict(t *testing.T) {
	mem := newMemStore()
	a := seedAuction(mem, nil)
	store := &conflictingStore{memStore: mem, conflicts: 2}
	engine, _ := newTestEngine(t, store)

	bid, err := engine.PlaceBid(context.Background(), a.ID, "alice", 150)
	if err != nil {
		t.Fatalf("PlaceBid() error = %v, want success after retries", err)
	}
	if bid.Amount != 150 {
		t.Errorf("bid amount = %d, want 150", bid.Amount)
	}
}

func TestPlaceBidConflictRetriesExhausted(t *testing.T) {
	mem := newMemStore()
	a := seedAuction(mem, nil)
	store := &conflictingStore{memStore: mem, conflicts: 10}
	engine, _ := newTestEngine(t, store, WithBidRetries(3))

	_, err := engine.PlaceBid(context.Background(), a.ID, "alice", 150)
	rej := RejectionOf(err)
	if rej == nil || rej.Reason != ReasonConflict {
		t.Fatalf("PlaceBid() error = %v, want conflict rejection", err)
	}
	if store.conflicts != 7 {
		t.Errorf("commit attempts = %d, want 3", 10-store.conflicts)
	}
}

func TestPlaceBidCancelledContext(t *testing.T) {
	store := newMemStore()
	a := seedAuction(store, nil)
	engine, _ := newTestEngine(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.PlaceBid(ctx, a.ID, "alice", 150)
	rej := RejectionOf(err)
	if rej == nil || rej.Reason != ReasonTimeout {
		t.Fatalf("PlaceBid() error = %v, want timeout rejection", err)
	}
}

func TestPlaceBidConcurrentSingleWinner(t *testing.T) {
	store := newMemStore()
	a := seedAuction(store, func(a *models.Auction) {
		a.MinIncrement = 1
	})
	engine, _ := newTestEngine(t, store, WithBidRetries(10))

	const bidders = 20
	var wg sync.WaitGroup
	var accepted sync.Map

	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			bidderID := string(rune('a' + n%26))
			amount := int64(200 + n*10)
			if bid, err := engine.PlaceBid(context.Background(), a.ID, bidderID, amount); err == nil {
				accepted.Store(bid.ID, bid.Amount)
			}
		}(i)
	}
	wg.Wait()

	acceptedCount := 0
	var maxAmount int64
	accepted.Range(func(_, v any) bool {
		acceptedCount++
		if amt := v.(int64); amt > maxAmount {
			maxAmount = amt
		}
		return true
	})
	if acceptedCount == 0 {
		t.Fatal("no bid was accepted")
	}

	fresh, _ := store.GetByID(context.Background(), a.ID)
	if fresh.CurrentPrice != maxAmount {
		t.Errorf("current price = %d, want highest accepted amount %d", fresh.CurrentPrice, maxAmount)
	}
	if fresh.PriceVersion != int64(acceptedCount) {
		t.Errorf("price version = %d, want one bump per accepted bid (%d)", fresh.PriceVersion, acceptedCount)
	}
	if winning := store.winningBids(a.ID); len(winning) != 1 {
		t.Errorf("winning bids = %d, want exactly 1", len(winning))
	}
}

func TestCreateAuctionValidation(t *testing.T) {
	tests := []struct {
		name   string
		params CreateAuctionParams
	}{
		{
			name: "missing product",
			params: CreateAuctionParams{
				StartPrice: 100,
				StartTime:  testNow.Add(time.Hour),
				EndTime:    testNow.Add(2 * time.Hour),
			},
		},
		{
			name: "non-positive start price",
			params: CreateAuctionParams{
				ProductID: 7,
				StartTime: testNow.Add(time.Hour),
				EndTime:   testNow.Add(2 * time.Hour),
			},
		},
		{
			name: "end before start",
			params: CreateAuctionParams{
				ProductID:  7,
				StartPrice: 100,
				StartTime:  testNow.Add(2 * time.Hour),
				EndTime:    testNow.Add(time.Hour),
			},
		},
		{
			name: "start in the past",
			params: CreateAuctionParams{
				ProductID:  7,
				StartPrice: 100,
				StartTime:  testNow.Add(-time.Hour),
				EndTime:    testNow.Add(time.Hour),
			},
		},
		{
			name: "negative increment",
			params: CreateAuctionParams{
				ProductID:    7,
				StartPrice:   100,
				MinIncrement: -1,
				StartTime:    testNow.Add(time.Hour),
				EndTime:      testNow.Add(2 * time.Hour),
			},
		},
		{
			name: "ceiling below start price",
			params: CreateAuctionParams{
				ProductID:  7,
				StartPrice: 100,
				MaxPrice:   50,
				StartTime:  testNow.Add(time.Hour),
				EndTime:    testNow.Add(2 * time.Hour),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newTestEngine(t, newMemStore())
			_, err := engine.CreateAuction(context.Background(), tt.params)
			if err == nil {
				t.Fatal("CreateAuction() succeeded, want validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("CreateAuction() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestCreateAuctionDefaults(t *testing.T) {
	store := newMemStore()
	engine, _ := newTestEngine(t, store, WithDefaultMinIncrement(5))

	a, err := engine.CreateAuction(context.Background(), CreateAuctionParams{
		ProductID:  7,
		StartPrice: 100,
		StartTime:  testNow.Add(time.Hour),
		EndTime:    testNow.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateAuction() error = %v", err)
	}

	if a.Status != models.AuctionStatusPending {
		t.Errorf("status = %s, want pending", a.Status)
	}
	if a.Quantity != 1 {
		t.Errorf("quantity = %d, want 1", a.Quantity)
	}
	if a.MinIncrement != 5 {
		t.Errorf("min increment = %d, want configured default 5", a.MinIncrement)
	}
	if a.CurrentPrice != a.StartPrice {
		t.Errorf("current price = %d, want start price %d", a.CurrentPrice, a.StartPrice)
	}
	if len(a.Code) != 6 {
		t.Errorf("code = %q, want 6 characters", a.Code)
	}
}

func TestCreateAuctionCodesAreUnique(t *testing.T) {
	store := newMemStore()
	engine, _ := newTestEngine(t, store)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		a, err := engine.CreateAuction(context.Background(), CreateAuctionParams{
			ProductID:  7,
			StartPrice: 100,
			StartTime:  testNow.Add(time.Hour),
			EndTime:    testNow.Add(2 * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateAuction() error = %v", err)
		}
		if seen[a.Code] {
			t.Fatalf("duplicate auction code %q", a.Code)
		}
		seen[a.Code] = true
	}
}

func TestCancelAuction(t *testing.T) {
	t.Run("pending auction cancels without confirmation", func(t *testing.T) {
		store := newMemStore()
		a := seedAuction(store, func(a *models.Auction) {
			a.Status = models.AuctionStatusPending
			a.StartTime = testNow.Add(time.Hour)
			a.EndTime = testNow.Add(2 * time.Hour)
		})
		engine, pub := newTestEngine(t, store)

		if err := engine.CancelAuction(context.Background(), a.ID, false); err != nil {
			t.Fatalf("CancelAuction() error = %v", err)
		}
		fresh, _ := store.GetByID(context.Background(), a.ID)
		if fresh.Status != models.AuctionStatusCancelled {
			t.Errorf("status = %s, want cancelled", fresh.Status)
		}
		if pub.countType(EventStatusChanged) != 1 {
			t.Error("expected one status_changed event")
		}
	})

	t.Run("active auction with bids requires confirmation", func(t *testing.T) {
		store := newMemStore()
		a := seedAuction(store, func(a *models.Auction) {
			a.BidCount = 3
			a.HighestBidderID = "alice"
		})
		engine, _ := newTestEngine(t, store)

		err := engine.CancelAuction(context.Background(), a.ID, false)
		rej := RejectionOf(err)
		if rej == nil || rej.Reason != ReasonConflict {
			t.Fatalf("CancelAuction() error = %v, want conflict rejection", err)
		}

		if err := engine.CancelAuction(context.Background(), a.ID, true); err != nil {
			t.Fatalf("confirmed CancelAuction() error = %v", err)
		}
	})

	t.Run("ended auction cannot be cancelled", func(t *testing.T) {
		store := newMemStore()
		a := seedAuction(store, func(a *models.Auction) {
			a.Status = models.AuctionStatusEnded
		})
		engine, _ := newTestEngine(t, store)

		err := engine.CancelAuction(context.Background(), a.ID, true)
		rej := RejectionOf(err)
		if rej == nil || rej.Reason != ReasonNotActive {
			t.Fatalf("CancelAuction() error = %v, want not_active rejection", err)
		}
	})

	t.Run("logically ended auction cannot be cancelled", func(t *testing.T) {
		store := newMemStore()
		a := seedAuction(store, func(a *models.Auction) {
			a.EndTime = testNow.Add(-time.Minute)
		})
		engine, _ := newTestEngine(t, store)

		err := engine.CancelAuction(context.Background(), a.ID, true)
		rej := RejectionOf(err)
		if rej == nil || rej.Reason != ReasonNotActive {
			t.Fatalf("CancelAuction() error = %v, want not_active rejection", err)
		}
	})
}

func TestGetAuctionReportsEffectiveStatus(t *testing.T) {
	store := newMemStore()
	a := seedAuction(store, func(a *models.Auction) {
		a.EndTime = testNow.Add(-time.Minute)
	})
	engine, _ := newTestEngine(t, store)

	got, err := engine.GetAuction(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAuction() error = %v", err)
	}
	if got.Status != models.AuctionStatusEnded {
		t.Errorf("status = %s, want ended", got.Status)
	}

	// The read must not persist the derived status.
	fresh, _ := store.GetByID(context.Background(), a.ID)
	if fresh.Status != models.AuctionStatusActive {
		t.Errorf("persisted status = %s, want active", fresh.Status)
	}
}

func TestGetAuctionNotFound(t *testing.T) {
	engine, _ := newTestEngine(t, newMemStore())

	_, err := engine.GetAuction(context.Background(), 42)
	rej := RejectionOf(err)
	if rej == nil || rej.Reason != ReasonNotFound {
		t.Fatalf("GetAuction() error = %v, want not_found rejection", err)
	}
}

func TestGetAuctionByCode(t *testing.T) {
	store := newMemStore()
	a := seedAuction(store, nil)
	engine, _ := newTestEngine(t, store)

	got, err := engine.GetAuctionByCode(context.Background(), a.Code)
	if err != nil {
		t.Fatalf("GetAuctionByCode() error = %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("auction id = %d, want %d", got.ID, a.ID)
	}

	_, err = engine.GetAuctionByCode(context.Background(), "ZZZZZZ")
	if rej := RejectionOf(err); rej == nil || rej.Reason != ReasonNotFound {
		t.Fatalf("GetAuctionByCode() error = %v, want not_found rejection", err)
	}
}

func TestListActiveAuctionsFiltersExpired(t *testing.T) {
	store := newMemStore()
	live := seedAuction(store, nil)
	seedAuction(store, func(a *models.Auction) {
		a.Code = "TSTBBB"
		a.EndTime = testNow.Add(-time.Minute)
	})
	engine, _ := newTestEngine(t, store)

	got, err := engine.ListActiveAuctions(context.Background())
	if err != nil {
		t.Fatalf("ListActiveAuctions() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != live.ID {
		t.Errorf("ListActiveAuctions() returned %d auctions, want only auction %d", len(got), live.ID)
	}
}
