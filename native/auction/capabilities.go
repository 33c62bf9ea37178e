package auction

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/xibeiwind/solidity-task/core/types"
)

// AssetRegistry custodies non-fungible assets. TransferAsset must fail without
// effect when from does not own the asset.
type AssetRegistry interface {
	OwnerOf(ctx context.Context, collection [20]byte, id *big.Int) ([20]byte, error)
	TransferAsset(ctx context.Context, collection, from, to [20]byte, id *big.Int) error
}

// NativeLedger moves the platform's native value unit.
type NativeLedger interface {
	BalanceOf(ctx context.Context, acct [20]byte) (*big.Int, error)
	Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error
}

// FungibleLedger moves fungible tokens. A false return without error is a
// failed transfer.
type FungibleLedger interface {
	BalanceOf(ctx context.Context, token, acct [20]byte) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender [20]byte) (*big.Int, error)
	Transfer(ctx context.Context, token, from, to [20]byte, amount *big.Int) (bool, error)
	TransferFrom(ctx context.Context, token, spender, owner, to [20]byte, amount *big.Int) (bool, error)
}

// Valuer prices an amount of a payment unit. Satisfied by *oracle.Adapter.
type Valuer interface {
	Valuate(ctx context.Context, unit types.PaymentUnit, amount *big.Int) (decimal.Decimal, error)
}

// Dependencies bundles the capabilities an engine consumes. Tokens and Valuer
// may be nil; fungible auctions are then rejected and bids carry no valuation.
type Dependencies struct {
	Assets AssetRegistry
	Native NativeLedger
	Tokens FungibleLedger
	Valuer Valuer
}
