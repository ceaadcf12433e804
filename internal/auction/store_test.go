package auction

import (
	"context"
	"sync"
	"time"

	"github.com/gavelhq/gavel/internal/database/models"
)

// memStore is an in-memory Store with the same conditional-write semantics as
// the SQL implementation: commits check the price version, lifecycle writes
// check the current status, and notifications are unique per auction.
type memStore struct {
	mu            sync.Mutex
	auctions      map[int64]*models.Auction
	bids          []*models.Bid
	notifications map[int64]*models.WinnerNotification
	nextID        int64
	nextBidID     int64

	// failTransitions makes TransitionDue fail, for error-path tests.
	failTransitions error
}

func newMemStore() *memStore {
	return &memStore{
		auctions:      make(map[int64]*models.Auction),
		notifications: make(map[int64]*models.WinnerNotification),
	}
}

func (s *memStore) put(a *models.Auction) *models.Auction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		s.nextID++
		a.ID = s.nextID
	}
	cp := *a
	s.auctions[a.ID] = &cp
	return a
}

func (s *memStore) Create(_ context.Context, a *models.Auction) error {
	s.put(a)
	return nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (*models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) GetWithBids(ctx context.Context, id int64) (*models.Auction, error) {
	a, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bids {
		if b.AuctionID == id {
			cp := *b
			a.Bids = append(a.Bids, &cp)
		}
	}
	return a, nil
}

func (s *memStore) GetByCode(_ context.Context, code string) (*models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.auctions {
		if a.Code == code {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) ListActive(_ context.Context) ([]*models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Auction
	for _, a := range s.auctions {
		if a.Status == models.AuctionStatusActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) CommitBid(_ context.Context, auctionID int64, expectedVersion int64, bid *models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return ErrNotFound
	}
	if a.Status != models.AuctionStatusActive || !bid.Timestamp.Before(a.EndTime) || a.PriceVersion != expectedVersion {
		return ErrConflict
	}

	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			b.IsWinning = false
		}
	}

	s.nextBidID++
	bid.ID = s.nextBidID
	cp := *bid
	s.bids = append(s.bids, &cp)

	a.CurrentPrice = bid.Amount
	a.HighestBidderID = bid.BidderID
	a.PriceVersion++
	a.LastBidTime = bid.Timestamp
	a.BidCount++
	return nil
}

func (s *memStore) ActivateIfDue(_ context.Context, auctionID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[auctionID]
	if !ok || a.Status != models.AuctionStatusPending || now.Before(a.StartTime) {
		return false, nil
	}
	a.Status = models.AuctionStatusActive
	return true, nil
}

func (s *memStore) TransitionDue(_ context.Context, from, to models.AuctionStatus, now time.Time) ([]*models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTransitions != nil {
		return nil, s.failTransitions
	}

	var out []*models.Auction
	for _, a := range s.auctions {
		if a.Status != from {
			continue
		}
		deadline := a.StartTime
		if to == models.AuctionStatusEnded {
			deadline = a.EndTime
		}
		if now.Before(deadline) {
			continue
		}
		a.Status = to
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Cancel(_ context.Context, auctionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[auctionID]
	if !ok || a.Status.IsTerminal() {
		return false, nil
	}
	a.Status = models.AuctionStatusCancelled
	return true, nil
}

func (s *memStore) ListEndedWithoutNotification(_ context.Context) ([]*models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Auction
	for _, a := range s.auctions {
		if a.Status != models.AuctionStatusEnded || a.HighestBidderID == "" {
			continue
		}
		if _, notified := s.notifications[a.ID]; notified {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) RecordWinnerNotification(_ context.Context, n *models.WinnerNotification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notifications[n.AuctionID]; exists {
		return false, nil
	}
	cp := *n
	s.notifications[n.AuctionID] = &cp
	return true, nil
}

func (s *memStore) winningBids(auctionID int64) []*models.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID && b.IsWinning {
			out = append(out, b)
		}
	}
	return out
}

type publishedEvent struct {
	auctionID int64
	event     any
}

// capturePublisher records published events in order.
type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *capturePublisher) Publish(auctionID int64, event any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{auctionID: auctionID, event: event})
}

func (p *capturePublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

func (p *capturePublisher) countType(eventType string) int {
	n := 0
	for _, e := range p.all() {
		switch ev := e.event.(type) {
		case BidAcceptedEvent:
			if ev.Type == eventType {
				n++
			}
		case CountdownEvent:
			if ev.Type == eventType {
				n++
			}
		case StatusChangedEvent:
			if ev.Type == eventType {
				n++
			}
		}
	}
	return n
}
