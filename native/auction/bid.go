package auction

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/observability/metrics"
)

// PlaceBid records a bid of amount in unit. The displaced leader is credited
// in escrow and the record names the new leader before the bid is pulled into
// custody.
func (e *Engine) PlaceBid(ctx context.Context, bidder [20]byte, amount *big.Int, unit types.PaymentUnit) error {
	const op = "place_bid"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if rec.Phase != PhaseActive {
			return fail(op, ErrInvalidState, "auction %s", rec.Phase)
		}
		if e.now() >= rec.EndTime {
			return fail(op, ErrInvalidState, "bidding closed at %d", rec.EndTime)
		}
		if err := e.guard(); err != nil {
			return err
		}
		if bidder == ([20]byte{}) || bidder == e.custody {
			return fail(op, ErrInvalidArgument, "invalid bidder")
		}
		if unit != rec.Unit {
			return fail(op, ErrPaymentMismatch, "auction accepts %s, got %s", rec.Unit.Key(), unit.Key())
		}
		if amount == nil || amount.Cmp(rec.LeadingBid) <= 0 {
			return fail(op, ErrBidTooLow, "bid must exceed %s", rec.LeadingBid)
		}
		if amount.Cmp(rec.StartingPrice) < 0 {
			return fail(op, ErrBidTooLow, "bid below starting price %s", rec.StartingPrice)
		}
		funds, err := e.channel(rec.Unit)
		if err != nil {
			return err
		}
		if err := funds.checkCanPull(ctx, bidder, amount); err != nil {
			return err
		}

		prevLeader, prevAmount, hadLeader := rec.Leader, new(big.Int).Set(rec.LeadingBid), rec.HasLeader
		if hadLeader {
			if err := e.escrow.Credit(ctx, prevLeader, rec.Unit, prevAmount); err != nil {
				return err
			}
		}
		rec.Leader = bidder
		rec.HasLeader = true
		rec.LeadingBid = new(big.Int).Set(amount)
		if err := e.save(ctx, rec); err != nil {
			return err
		}
		if err := funds.pullIn(ctx, bidder, amount); err != nil {
			return err
		}

		value := e.valuate(ctx, rec.Unit, amount)
		e.emit(j, NewBidPlacedEvent(rec, bidder, amount, value))
		unitKey := rec.Unit.Key()
		j.OnCommit(func() { metrics.Auction().RecordBid(unitKey) })
		return nil
	})
}

// valuate prices amount for the bid notification. Oracle failures degrade to
// zero and never reject the bid.
func (e *Engine) valuate(ctx context.Context, unit types.PaymentUnit, amount *big.Int) decimal.Decimal {
	if e.deps.Valuer == nil {
		return decimal.Zero
	}
	value, err := e.deps.Valuer.Valuate(ctx, unit, amount)
	if err != nil {
		e.logger.Debug("auction: bid valuation unavailable",
			slog.Uint64("auction", e.id),
			slog.String("unit", unit.Key()),
			slog.Any("error", err))
		return decimal.Zero
	}
	return value
}
