package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/native/auction"
	"github.com/xibeiwind/solidity-task/observability/metrics"
)

type createAuctionRequest struct {
	Collection      string `json:"collection"`
	AssetID         string `json:"assetId"`
	StartingPrice   string `json:"startingPrice"`
	ReservePrice    string `json:"reservePrice"`
	DurationSeconds int64  `json:"durationSeconds"`
	Unit            string `json:"unit"`
}

type auctionView struct {
	ID            uint64 `json:"id"`
	Custody       string `json:"custody"`
	Seller        string `json:"seller"`
	Collection    string `json:"collection"`
	AssetID       string `json:"assetId"`
	StartingPrice string `json:"startingPrice"`
	ReservePrice  string `json:"reservePrice"`
	StartTime     int64  `json:"startTime"`
	EndTime       int64  `json:"endTime"`
	Leader        string `json:"leader,omitempty"`
	LeadingBid    string `json:"leadingBid"`
	Unit          string `json:"unit"`
	Phase         string `json:"phase"`
	ReserveMet    bool   `json:"reserveMet"`
	SellerClaimed bool   `json:"sellerClaimed"`
	WinnerClaimed bool   `json:"winnerClaimed"`
}

func newAuctionView(engine *auction.Engine, rec *auction.Auction) auctionView {
	view := auctionView{
		ID:            rec.ID,
		Custody:       hexAddress(engine.Custody()),
		Seller:        hexAddress(rec.Seller),
		Collection:    hexAddress(rec.Collection),
		AssetID:       rec.AssetID.String(),
		StartingPrice: rec.StartingPrice.String(),
		ReservePrice:  rec.ReservePrice.String(),
		StartTime:     rec.StartTime,
		EndTime:       rec.EndTime,
		LeadingBid:    rec.LeadingBid.String(),
		Unit:          rec.Unit.Key(),
		Phase:         rec.Phase.String(),
		ReserveMet:    rec.ReserveMet(),
		SellerClaimed: rec.SellerClaimed,
		WinnerClaimed: rec.WinnerClaimed,
	}
	if rec.HasLeader {
		view.Leader = hexAddress(rec.Leader)
	}
	return view
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	id, err := s.auctions.Create(r.Context(), caller(r), params)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      id,
		"custody": hexAddress(auction.CustodyAddress(id)),
	})
}

func (req createAuctionRequest) params() (auction.OpenParams, error) {
	collection, err := parseAddress(req.Collection)
	if err != nil {
		return auction.OpenParams{}, err
	}
	assetID, err := parseAmount(req.AssetID)
	if err != nil {
		return auction.OpenParams{}, err
	}
	starting, err := parseAmount(req.StartingPrice)
	if err != nil {
		return auction.OpenParams{}, err
	}
	reserve, err := parseAmount(req.ReservePrice)
	if err != nil {
		return auction.OpenParams{}, err
	}
	unit, err := parseUnit(req.Unit)
	if err != nil {
		return auction.OpenParams{}, err
	}
	return auction.OpenParams{
		Collection:    collection,
		AssetID:       assetID,
		StartingPrice: starting,
		ReservePrice:  reserve,
		Duration:      time.Duration(req.DurationSeconds) * time.Second,
		Unit:          unit,
	}, nil
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	rec, err := engine.Auction(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionView(engine, rec))
}

type bidRequest struct {
	Amount string `json:"amount"`
	Unit   string `json:"unit"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	unit, err := parseUnit(req.Unit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if err := engine.PlaceBid(r.Context(), caller(r), amount, unit); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.reportOutstanding(r.Context(), engine, unit)
	s.writeAuction(w, r, engine, http.StatusOK)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, engine *auction.Engine) error {
		return engine.Close(ctx)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, engine *auction.Engine) error {
		return engine.Cancel(ctx, caller(r))
	})
}

func (s *Server) handleSellerClaim(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, engine *auction.Engine) error {
		return engine.SellerClaim(ctx, caller(r))
	})
}

func (s *Server) handleWinnerClaim(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, engine *auction.Engine) error {
		return engine.WinnerClaim(ctx, caller(r))
	})
}

func (s *Server) handleReclaimBid(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, engine *auction.Engine) error {
		return engine.ReclaimBid(ctx, caller(r))
	})
}

func (s *Server) handleEmergencyRecover(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(ctx context.Context, engine *auction.Engine) error {
		return engine.EmergencyRecover(ctx, caller(r))
	})
}

type withdrawRequest struct {
	Unit string `json:"unit"`
}

func (s *Server) handleWithdrawRefund(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	unit, err := parseUnit(req.Unit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	owed, err := engine.PendingRefund(r.Context(), caller(r), unit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := engine.WithdrawRefund(r.Context(), caller(r), unit); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.reportOutstanding(r.Context(), engine, unit)
	writeJSON(w, http.StatusOK, map[string]string{
		"account": hexAddress(caller(r)),
		"unit":    unit.Key(),
		"amount":  owed.String(),
	})
}

func (s *Server) handleGetRefund(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	account, err := parseAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	unit, err := parseUnit(r.URL.Query().Get("unit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	owed, err := engine.PendingRefund(r.Context(), account, unit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": hexAddress(account),
		"unit":    unit.Key(),
		"amount":  owed.String(),
	})
}

// mutate runs op against the addressed auction and answers with its record.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op func(context.Context, *auction.Engine) error) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), engine); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeAuction(w, r, engine, http.StatusOK)
}

func (s *Server) writeAuction(w http.ResponseWriter, r *http.Request, engine *auction.Engine, status int) {
	rec, err := engine.Auction(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, status, newAuctionView(engine, rec))
}

func (s *Server) reportOutstanding(ctx context.Context, engine *auction.Engine, unit types.PaymentUnit) {
	total, err := engine.Outstanding(ctx, unit)
	if err != nil {
		return
	}
	metrics.Auction().SetOutstanding(strconv.FormatUint(engine.ID(), 10), unit.Key(), total)
}
