package auction

import (
	"errors"
	"fmt"

	"github.com/xibeiwind/solidity-task/native/oracle"
)

// Error kinds. Every failure returned by an engine operation wraps exactly one
// of them and can be matched with errors.Is.
var (
	ErrInvalidState              = errors.New("invalid state")
	ErrInvalidArgument           = errors.New("invalid argument")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrBidTooLow                 = errors.New("bid too low")
	ErrPaymentMismatch           = errors.New("payment mismatch")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInsufficientAuthorization = errors.New("insufficient authorization")
	ErrTransferFailed            = errors.New("transfer failed")
	ErrNothingToWithdraw         = errors.New("nothing to withdraw")
	ErrReentrant                 = errors.New("reentrant call")

	ErrInvalidFeed = oracle.ErrInvalidFeed
	ErrStaleFeed   = oracle.ErrStaleFeed

	// ErrAlreadyClaimed is returned by a second claim of the same leg.
	ErrAlreadyClaimed = fmt.Errorf("%w: already claimed", ErrInvalidState)
	// ErrUnknownAuction is returned by the registry for ids it never issued.
	ErrUnknownAuction = fmt.Errorf("%w: unknown auction", ErrInvalidArgument)
)

var kindCodes = []struct {
	kind error
	code string
}{
	// More specific kinds first so that wrapped kinds resolve to them.
	{ErrAlreadyClaimed, "already_claimed"},
	{ErrUnknownAuction, "unknown_auction"},
	{ErrInvalidState, "invalid_state"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrUnauthorized, "unauthorized"},
	{ErrBidTooLow, "bid_too_low"},
	{ErrPaymentMismatch, "payment_mismatch"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInsufficientAuthorization, "insufficient_authorization"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrNothingToWithdraw, "nothing_to_withdraw"},
	{ErrReentrant, "reentrant"},
	{ErrInvalidFeed, "invalid_feed"},
	{ErrStaleFeed, "stale_feed"},
}

// Error describes a rejected operation.
type Error struct {
	Op     string
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("auction: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("auction: %s: %v: %s", e.Op, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Kind }

func fail(op string, kind error, format string, args ...interface{}) *Error {
	return &Error{Op: op, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// asError attaches op to err. Errors that already carry a kind keep it;
// anything else is returned wrapped as an internal failure.
func asError(op string, err error) error {
	if err == nil {
		return nil
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		if aerr.Op == "" {
			return &Error{Op: op, Kind: aerr.Kind, Reason: aerr.Reason}
		}
		return err
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return &Error{Op: op, Kind: kc.kind, Reason: err.Error()}
		}
	}
	return fmt.Errorf("auction: %s: %w", op, err)
}

// Code returns a stable snake_case identifier for the kind wrapped by err, or
// "internal" when err carries no kind.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	return "internal"
}
