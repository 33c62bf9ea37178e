package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/native/auction"
)

const maxBodyBytes = 1 << 16

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("auctiond: write response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// statusFor maps an engine error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_argument", "payment_mismatch":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "unknown_auction", "nothing_to_withdraw":
		return http.StatusNotFound
	case "invalid_state", "already_claimed", "bid_too_low", "reentrant":
		return http.StatusConflict
	case "insufficient_funds", "insufficient_authorization":
		return http.StatusUnprocessableEntity
	case "invalid_feed", "stale_feed":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := auction.Code(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.logger.Error("auctiond: request failed",
			slog.String("route", r.URL.Path),
			slog.Any("error", err))
	}
	writeError(w, status, code, err.Error())
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func parseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() > 0 {
		if _, overflow := uint256.FromBig(value); overflow {
			return nil, fmt.Errorf("amount %q exceeds 256 bits", raw)
		}
	}
	return value, nil
}

func parseUnit(raw string) (types.PaymentUnit, error) {
	return types.ParsePaymentUnit(raw)
}

func hexAddress(addr [20]byte) string {
	return common.Address(addr).Hex()
}

func caller(r *http.Request) [20]byte {
	p, _ := PrincipalFrom(r.Context())
	return p.Address
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*auction.Engine, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid auction id")
		return nil, false
	}
	engine, err := s.auctions.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return nil, false
	}
	return engine, true
}
