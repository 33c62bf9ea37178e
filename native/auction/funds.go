package auction

import (
	"context"
	"fmt"
	"math/big"

	"github.com/xibeiwind/solidity-task/core/types"
)

// fundsChannel moves bid value between participants and the auction's custody
// account in one payment unit.
type fundsChannel interface {
	checkCanPull(ctx context.Context, from [20]byte, amount *big.Int) error
	pullIn(ctx context.Context, from [20]byte, amount *big.Int) error
	payOut(ctx context.Context, to [20]byte, amount *big.Int) error
}

type nativeChannel struct {
	ledger  NativeLedger
	custody [20]byte
}

func (c nativeChannel) checkCanPull(ctx context.Context, from [20]byte, amount *big.Int) error {
	balance, err := c.ledger.BalanceOf(ctx, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: native balance %s below %s", ErrInsufficientFunds, balance, amount)
	}
	return nil
}

func (c nativeChannel) pullIn(ctx context.Context, from [20]byte, amount *big.Int) error {
	if err := c.ledger.Transfer(ctx, from, c.custody, amount); err != nil {
		return fmt.Errorf("%w: native pull: %v", ErrTransferFailed, err)
	}
	return nil
}

func (c nativeChannel) payOut(ctx context.Context, to [20]byte, amount *big.Int) error {
	if err := c.ledger.Transfer(ctx, c.custody, to, amount); err != nil {
		return fmt.Errorf("%w: native payout: %v", ErrTransferFailed, err)
	}
	return nil
}

type fungibleChannel struct {
	ledger  FungibleLedger
	token   [20]byte
	custody [20]byte
}

func (c fungibleChannel) checkCanPull(ctx context.Context, from [20]byte, amount *big.Int) error {
	allowance, err := c.ledger.Allowance(ctx, c.token, from, c.custody)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance %s below %s", ErrInsufficientAuthorization, allowance, amount)
	}
	balance, err := c.ledger.BalanceOf(ctx, c.token, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: token balance %s below %s", ErrInsufficientFunds, balance, amount)
	}
	return nil
}

func (c fungibleChannel) pullIn(ctx context.Context, from [20]byte, amount *big.Int) error {
	ok, err := c.ledger.TransferFrom(ctx, c.token, c.custody, from, c.custody, amount)
	if err != nil {
		return fmt.Errorf("%w: token pull: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: token pull rejected", ErrTransferFailed)
	}
	return nil
}

func (c fungibleChannel) payOut(ctx context.Context, to [20]byte, amount *big.Int) error {
	ok, err := c.ledger.Transfer(ctx, c.token, c.custody, to, amount)
	if err != nil {
		return fmt.Errorf("%w: token payout: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: token payout rejected", ErrTransferFailed)
	}
	return nil
}

// validateUnit rejects units whose token reference disagrees with their kind.
func validateUnit(unit types.PaymentUnit) error {
	switch unit.Kind {
	case types.UnitNative:
		if unit.HasToken() {
			return fmt.Errorf("%w: native unit carries a token reference", ErrInvalidArgument)
		}
	case types.UnitFungible:
		if !unit.HasToken() {
			return fmt.Errorf("%w: fungible unit requires a token reference", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown payment unit %s", ErrInvalidArgument, unit.Kind)
	}
	return nil
}

func (e *Engine) channel(unit types.PaymentUnit) (fundsChannel, error) {
	if err := validateUnit(unit); err != nil {
		return nil, err
	}
	if unit.IsNative() {
		if e.deps.Native == nil {
			return nil, fmt.Errorf("%w: native ledger not configured", ErrInvalidArgument)
		}
		return nativeChannel{ledger: e.deps.Native, custody: e.custody}, nil
	}
	if e.deps.Tokens == nil {
		return nil, fmt.Errorf("%w: fungible ledger not configured", ErrInvalidArgument)
	}
	return fungibleChannel{ledger: e.deps.Tokens, token: unit.Token, custody: e.custody}, nil
}
