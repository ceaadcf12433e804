package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gavelhq/gavel/internal/auction"
	"github.com/gavelhq/gavel/internal/database/models"
	"github.com/gavelhq/gavel/internal/realtime"
)

// bidRequestTimeout bounds how long a single bid may chase fresh state
// through conflict retries before the caller gets a timeout.
const bidRequestTimeout = 5 * time.Second

// Server exposes the auction engine over HTTP: the bid/lifecycle API plus
// the websocket entry point of the realtime notifier.
type Server struct {
	engine  *auction.Engine
	ws      *realtime.Handler
	router  *mux.Router
	listen  string
	httpSrv *http.Server
}

func New(listenAddr string, engine *auction.Engine, ws *realtime.Handler) *Server {
	s := &Server{
		engine: engine,
		ws:     ws,
		listen: listenAddr,
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:         listenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auctions", s.handleCreateAuction).Methods(http.MethodPost)
	api.HandleFunc("/auctions", s.handleListAuctions).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id:[0-9]+}", s.handleGetAuction).Methods(http.MethodGet)
	api.HandleFunc("/auctions/code/{code}", s.handleGetAuctionByCode).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id:[0-9]+}/bids", s.handlePlaceBid).Methods(http.MethodPost)
	api.HandleFunc("/auctions/{id:[0-9]+}/bids", s.handleListBids).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id:[0-9]+}/cancel", s.handleCancelAuction).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.ws.ServeWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe() error {
	slog.Info("HTTP server listening", slog.String("addr", s.listen))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type createAuctionRequest struct {
	ProductID    int64     `json:"productId"`
	Quantity     int       `json:"quantity"`
	StartPrice   int64     `json:"startPrice"`
	MinIncrement int64     `json:"minIncrement"`
	MaxPrice     int64     `json:"maxPrice"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
}

type placeBidRequest struct {
	BidderID string `json:"bidderId"`
	Amount   int64  `json:"amount"`
}

// BidResult is the structured outcome of a bid attempt: accepted or a
// precise refusal the client can act on.
type BidResult struct {
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
	MinimumBid      int64  `json:"minimumBid,omitempty"`
	NewPrice        int64  `json:"newPrice,omitempty"`
	WinningBidderID string `json:"winningBidderId,omitempty"`
}

type cancelRequest struct {
	Confirm bool `json:"confirm"`
}

type auctionResponse struct {
	ID               int64                `json:"id"`
	Code             string               `json:"code"`
	ProductID        int64                `json:"productId"`
	Quantity         int                  `json:"quantity"`
	StartPrice       int64                `json:"startPrice"`
	CurrentPrice     int64                `json:"currentPrice"`
	MinIncrement     int64                `json:"minIncrement"`
	MaxPrice         int64                `json:"maxPrice,omitempty"`
	HighestBidderID  string               `json:"highestBidderId,omitempty"`
	Status           models.AuctionStatus `json:"status"`
	StartTime        time.Time            `json:"startTime"`
	EndTime          time.Time            `json:"endTime"`
	BidCount         int                  `json:"bidCount"`
	RemainingSeconds int64                `json:"remainingSeconds"`
	Bids             []bidResponse        `json:"bids,omitempty"`
}

type bidResponse struct {
	ID        int64     `json:"id"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	IsWinning bool      `json:"isWinning"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	a, err := s.engine.CreateAuction(r.Context(), auction.CreateAuctionParams{
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		StartPrice:   req.StartPrice,
		MinIncrement: req.MinIncrement,
		MaxPrice:     req.MaxPrice,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
	})
	if err != nil {
		if rej := auction.RejectionOf(err); rej != nil {
			writeJSON(w, statusForReason(rej.Reason), errorResponse{Error: rej.Message})
			return
		}
		if errors.Is(err, auction.ErrInvalid) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		slog.Error("Failed to create auction",
			slog.Int64("product_id", req.ProductID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusCreated, toAuctionResponse(a, time.Now()))
}

func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.engine.ListActiveAuctions(r.Context())
	if err != nil {
		slog.Error("Failed to list auctions", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	now := time.Now()
	out := make([]auctionResponse, 0, len(auctions))
	for _, a := range auctions {
		out = append(out, toAuctionResponse(a, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := pathID(r)
	a, err := s.engine.GetAuction(r.Context(), auctionID)
	if err != nil {
		if rej := auction.RejectionOf(err); rej != nil {
			writeJSON(w, statusForReason(rej.Reason), errorResponse{Error: rej.Message})
			return
		}
		slog.Error("Failed to get auction",
			slog.Int64("auction_id", auctionID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, toAuctionResponse(a, time.Now()))
}

func (s *Server) handleGetAuctionByCode(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	a, err := s.engine.GetAuctionByCode(r.Context(), code)
	if err != nil {
		if rej := auction.RejectionOf(err); rej != nil {
			writeJSON(w, statusForReason(rej.Reason), errorResponse{Error: rej.Message})
			return
		}
		slog.Error("Failed to get auction by code",
			slog.String("code", code),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, toAuctionResponse(a, time.Now()))
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	auctionID := pathID(r)
	a, err := s.engine.GetAuction(r.Context(), auctionID)
	if err != nil {
		if rej := auction.RejectionOf(err); rej != nil {
			writeJSON(w, statusForReason(rej.Reason), errorResponse{Error: rej.Message})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	bids := make([]bidResponse, 0, len(a.Bids))
	for _, b := range a.Bids {
		bids = append(bids, toBidResponse(b))
	}
	writeJSON(w, http.StatusOK, bids)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID := pathID(r)

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.BidderID == "" || req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bidderId and a positive amount are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bidRequestTimeout)
	defer cancel()

	bid, err := s.engine.PlaceBid(ctx, auctionID, req.BidderID, req.Amount)
	if err != nil {
		rej := auction.RejectionOf(err)
		if rej == nil {
			slog.Error("Bid failed unexpectedly",
				slog.Int64("auction_id", auctionID),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}

		writeJSON(w, statusForReason(rej.Reason), BidResult{
			Accepted:   false,
			Reason:     string(rej.Reason),
			Message:    rej.Message,
			MinimumBid: rej.MinimumBid,
		})
		return
	}

	writeJSON(w, http.StatusOK, BidResult{
		Accepted:        true,
		NewPrice:        bid.Amount,
		WinningBidderID: bid.BidderID,
	})
}

func (s *Server) handleCancelAuction(w http.ResponseWriter, r *http.Request) {
	auctionID := pathID(r)

	var req cancelRequest
	if r.Body != nil {
		// An empty body means an unconfirmed cancellation.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.engine.CancelAuction(r.Context(), auctionID, req.Confirm); err != nil {
		if rej := auction.RejectionOf(err); rej != nil {
			writeJSON(w, statusForReason(rej.Reason), errorResponse{Error: rej.Message})
			return
		}
		slog.Error("Cancellation failed unexpectedly",
			slog.Int64("auction_id", auctionID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func statusForReason(reason auction.RejectReason) int {
	switch reason {
	case auction.ReasonNotFound:
		return http.StatusNotFound
	case auction.ReasonConflict, auction.ReasonTimeout:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func toAuctionResponse(a *models.Auction, now time.Time) auctionResponse {
	resp := auctionResponse{
		ID:               a.ID,
		Code:             a.Code,
		ProductID:        a.ProductID,
		Quantity:         a.Quantity,
		StartPrice:       a.StartPrice,
		CurrentPrice:     a.CurrentPrice,
		MinIncrement:     a.MinIncrement,
		MaxPrice:         a.MaxPrice,
		HighestBidderID:  a.HighestBidderID,
		Status:           a.Status,
		StartTime:        a.StartTime,
		EndTime:          a.EndTime,
		BidCount:         a.BidCount,
		RemainingSeconds: a.RemainingSeconds(now),
	}
	for _, b := range a.Bids {
		resp.Bids = append(resp.Bids, toBidResponse(b))
	}
	return resp
}

func toBidResponse(b *models.Bid) bidResponse {
	return bidResponse{
		ID:        b.ID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		IsWinning: b.IsWinning,
		Timestamp: b.Timestamp,
	}
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("Failed to encode response", slog.String("error", err.Error()))
	}
}
