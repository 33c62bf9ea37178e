package auction

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
	"github.com/xibeiwind/solidity-task/native/escrow"
)

// SellerClaim settles the seller's side: the winning bid when the reserve was
// met, the asset otherwise.
func (e *Engine) SellerClaim(ctx context.Context, caller [20]byte) error {
	const op = "seller_claim"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if rec.Phase != PhaseEnded {
			return fail(op, ErrInvalidState, "auction %s", rec.Phase)
		}
		if caller != rec.Seller {
			return fail(op, ErrUnauthorized, "only the seller may claim")
		}
		if rec.SellerClaimed {
			return &Error{Op: op, Kind: ErrAlreadyClaimed}
		}
		rec.SellerClaimed = true
		if err := e.save(ctx, rec); err != nil {
			return err
		}
		if _, won := rec.Winner(); won {
			if err := e.payOut(ctx, rec.Unit, rec.Seller, rec.LeadingBid); err != nil {
				return err
			}
			e.emit(j, NewSellerClaimedEvent(rec, "funds", rec.LeadingBid))
			return nil
		}
		if err := e.releaseAsset(ctx, rec, rec.Seller); err != nil {
			return err
		}
		e.emit(j, NewSellerClaimedEvent(rec, "asset", nil))
		return nil
	})
}

// WinnerClaim transfers the asset to the winning bidder.
func (e *Engine) WinnerClaim(ctx context.Context, caller [20]byte) error {
	const op = "winner_claim"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if rec.Phase != PhaseEnded {
			return fail(op, ErrInvalidState, "auction %s", rec.Phase)
		}
		if !rec.HasLeader || caller != rec.Leader {
			return fail(op, ErrUnauthorized, "only the winning bidder may claim")
		}
		if !rec.ReserveMet() {
			return fail(op, ErrInvalidState, "reserve price not met")
		}
		if rec.WinnerClaimed {
			return &Error{Op: op, Kind: ErrAlreadyClaimed}
		}
		rec.WinnerClaimed = true
		if err := e.save(ctx, rec); err != nil {
			return err
		}
		if err := e.releaseAsset(ctx, rec, rec.Leader); err != nil {
			return err
		}
		e.emit(j, NewWinnerClaimedEvent(rec))
		return nil
	})
}

// ReclaimBid returns the leading bid to its bidder when the auction ended
// without meeting the reserve.
func (e *Engine) ReclaimBid(ctx context.Context, caller [20]byte) error {
	const op = "reclaim_bid"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if rec.Phase != PhaseEnded {
			return fail(op, ErrInvalidState, "auction %s", rec.Phase)
		}
		if !rec.HasLeader || caller != rec.Leader {
			return fail(op, ErrUnauthorized, "only the leading bidder may reclaim")
		}
		if rec.ReserveMet() {
			return fail(op, ErrInvalidState, "reserve price met")
		}
		if rec.WinnerClaimed {
			return &Error{Op: op, Kind: ErrAlreadyClaimed}
		}
		rec.WinnerClaimed = true
		if err := e.save(ctx, rec); err != nil {
			return err
		}
		if err := e.payOut(ctx, rec.Unit, rec.Leader, rec.LeadingBid); err != nil {
			return err
		}
		e.emit(j, NewBidReclaimedEvent(rec))
		return nil
	})
}

// WithdrawRefund pays out everything owed to beneficiary in unit. The escrow
// entry is zeroed before the transfer.
func (e *Engine) WithdrawRefund(ctx context.Context, beneficiary [20]byte, unit types.PaymentUnit) error {
	const op = "withdraw_refund"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if err := validateUnit(unit); err != nil {
			return err
		}
		owed, err := e.escrow.Take(ctx, beneficiary, unit)
		if errors.Is(err, escrow.ErrNothingOwed) {
			return fail(op, ErrNothingToWithdraw, "no refund owed in %s", unit.Key())
		}
		if err != nil {
			return err
		}
		if err := e.payOut(ctx, unit, beneficiary, owed); err != nil {
			return err
		}
		e.emit(j, NewRefundWithdrawnEvent(rec, beneficiary, unit, owed))
		return nil
	})
}

// EmergencyRecover lets an admin force out whatever legs remain unclaimed once
// the grace period after the end time elapsed. It applies the same outcome a
// regular settlement would.
func (e *Engine) EmergencyRecover(ctx context.Context, caller [20]byte) error {
	const op = "emergency_recover"
	return e.run(ctx, op, func(ctx context.Context, j *state.Journal, rec *Auction) error {
		if !e.state.HasRole(AdminRole, caller[:]) {
			return fail(op, ErrUnauthorized, "admin role required")
		}
		if rec.Phase != PhaseActive && rec.Phase != PhaseEnded {
			return fail(op, ErrInvalidState, "auction %s", rec.Phase)
		}
		unlock := rec.EndTime + int64(EmergencyGrace/time.Second)
		if e.now() < unlock {
			return fail(op, ErrInvalidState, "recovery locked until %d", unlock)
		}
		closing := rec.Phase == PhaseActive
		rec.Phase = PhaseEnded

		var fundsTo, assetTo *[20]byte
		var bidTo *[20]byte
		if winner, won := rec.Winner(); won {
			if !rec.SellerClaimed {
				rec.SellerClaimed = true
				seller := rec.Seller
				fundsTo = &seller
			}
			if !rec.WinnerClaimed {
				rec.WinnerClaimed = true
				assetTo = &winner
			}
		} else {
			if !rec.SellerClaimed {
				rec.SellerClaimed = true
				seller := rec.Seller
				assetTo = &seller
			}
			if rec.HasLeader && !rec.WinnerClaimed {
				rec.WinnerClaimed = true
				leader := rec.Leader
				bidTo = &leader
			}
		}
		if fundsTo == nil && assetTo == nil && bidTo == nil {
			return fail(op, ErrInvalidState, "nothing left to recover")
		}
		if err := e.save(ctx, rec); err != nil {
			return err
		}
		if closing {
			e.emit(j, NewClosedEvent(rec))
		}
		if fundsTo != nil {
			if err := e.payOut(ctx, rec.Unit, *fundsTo, rec.LeadingBid); err != nil {
				return err
			}
		}
		if bidTo != nil {
			if err := e.payOut(ctx, rec.Unit, *bidTo, rec.LeadingBid); err != nil {
				return err
			}
			fundsTo = bidTo
		}
		if assetTo != nil {
			if err := e.releaseAsset(ctx, rec, *assetTo); err != nil {
				return err
			}
		}
		e.logger.Warn("auction: emergency recovery executed",
			slog.Uint64("auction", e.id),
			slog.String("admin", hexAddr(caller)))
		e.emit(j, NewEmergencyRecoveredEvent(rec, caller, fundsTo, assetTo))
		return nil
	})
}

func (e *Engine) payOut(ctx context.Context, unit types.PaymentUnit, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	funds, err := e.channel(unit)
	if err != nil {
		return err
	}
	return funds.payOut(ctx, to, amount)
}

func (e *Engine) releaseAsset(ctx context.Context, rec *Auction, to [20]byte) error {
	if err := e.deps.Assets.TransferAsset(ctx, rec.Collection, e.custody, to, rec.AssetID); err != nil {
		return fail("", ErrTransferFailed, "release asset: %v", err)
	}
	return nil
}
