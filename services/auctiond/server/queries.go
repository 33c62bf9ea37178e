package server

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xibeiwind/solidity-task/native/auction"
	"github.com/xibeiwind/solidity-task/native/oracle"
	"github.com/xibeiwind/solidity-task/observability/metrics"
	"github.com/xibeiwind/solidity-task/services/auctiond/eventlog"
)

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "price oracle not configured")
		return
	}
	unit, err := parseUnit(r.URL.Query().Get("unit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	quote, err := s.oracle.GetPrice(r.Context(), unit)
	if err != nil {
		s.writeOracleError(w, r, err)
		return
	}
	resp := map[string]any{
		"unit":      unit.Key(),
		"price":     quote.Price.String(),
		"timestamp": quote.Timestamp,
		"round":     quote.Round.String(),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("amount")); raw != "" {
		amount, err := parseAmount(raw)
		if err != nil || amount.Sign() < 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "invalid amount")
			return
		}
		value, err := s.oracle.Valuate(r.Context(), unit, amount)
		if err != nil {
			s.writeOracleError(w, r, err)
			return
		}
		resp["amount"] = amount.String()
		resp["value"] = value.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeOracleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, oracle.ErrInvalidFeed):
		writeError(w, http.StatusServiceUnavailable, "invalid_feed", err.Error())
	case errors.Is(err, oracle.ErrStaleFeed):
		writeError(w, http.StatusServiceUnavailable, "stale_feed", err.Error())
	default:
		s.writeEngineError(w, r, err)
	}
}

func (s *Server) handleFeedHealth(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "price oracle not configured")
		return
	}
	feed := strings.TrimSpace(chi.URLParam(r, "feed"))
	healthy := s.oracle.IsFeedHealthy(r.Context(), feed)
	metrics.Auction().SetFeedHealthy(feed, healthy)
	writeJSON(w, http.StatusOK, map[string]any{"feed": feed, "healthy": healthy})
}

type observationRequest struct {
	Ref             string `json:"ref"`
	RoundID         string `json:"roundId"`
	Answer          string `json:"answer"`
	UpdatedAt       int64  `json:"updatedAt"`
	AnsweredInRound string `json:"answeredInRound"`
}

func (s *Server) handlePostObservation(w http.ResponseWriter, r *http.Request) {
	if s.manual == nil {
		writeError(w, http.StatusConflict, "invalid_state", "prices are read from chain")
		return
	}
	var req observationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if strings.TrimSpace(req.Ref) == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "ref required")
		return
	}
	var values [3]*big.Int
	for i, raw := range []string{req.RoundID, req.Answer, req.AnsweredInRound} {
		v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_argument", "invalid integer "+strconv.Quote(raw))
			return
		}
		values[i] = v
	}
	s.manual.Set(req.Ref, oracle.Observation{
		RoundID:         values[0],
		Answer:          values[1],
		UpdatedAt:       req.UpdatedAt,
		AnsweredInRound: values[2],
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"ref": req.Ref, "status": "accepted"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event archive not configured")
		return
	}
	q := r.URL.Query()
	var filter eventlog.Filter
	for name, dst := range map[string]*uint64{"auction": &filter.AuctionID, "after": &filter.After} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", "invalid "+name)
			return
		}
		*dst = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "invalid limit")
			return
		}
		filter.Limit = v
	}
	filter.Type = q.Get("type")
	records, err := s.archive.List(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if records == nil {
		records = []eventlog.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
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
	var balance *big.Int
	switch {
	case unit.IsNative() && s.native != nil:
		balance, err = s.native.BalanceOf(r.Context(), account)
	case !unit.IsNative() && unit.HasToken() && s.tokens != nil:
		balance, err = s.tokens.BalanceOf(r.Context(), unit.Token, account)
	default:
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no ledger for "+unit.Key())
		return
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": hexAddress(account),
		"unit":    unit.Key(),
		"balance": balance.String(),
	})
}

type approvalRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "token ledger not configured")
		return
	}
	token, err := parseAddress(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	spender, err := parseAddress(req.Spender)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil || amount.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid amount")
		return
	}
	owner := caller(r)
	if err := s.tokens.Approve(r.Context(), token, owner, spender, amount); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   hexAddress(token),
		"owner":   hexAddress(owner),
		"spender": hexAddress(spender),
		"amount":  amount.String(),
	})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "pause flags not configured")
		return
	}
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if err := s.pauses.SetPaused(auction.ModuleName, req.Paused); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.logger.Warn("auctiond: pause flag changed",
		slog.String("module", auction.ModuleName),
		slog.Bool("paused", req.Paused),
		slog.String("admin", hexAddress(caller(r))))
	writeJSON(w, http.StatusOK, map[string]any{"module": auction.ModuleName, "paused": s.pauses.IsPaused(auction.ModuleName)})
}
