package events

import (
	"math/big"

	"github.com/xibeiwind/solidity-task/core/types"
)

const (
	// TypeTransfer is emitted for native and fungible balance movements.
	TypeTransfer = "transfer.value"
	// TypeApproval is emitted when a fungible allowance changes.
	TypeApproval = "transfer.approval"
	// TypeAssetTransfer is emitted when a registry asset changes owner.
	TypeAssetTransfer = "transfer.asset"
)

type Transfer struct {
	Unit   types.PaymentUnit
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	return &types.Event{Type: TypeTransfer, Attributes: map[string]string{
		"unit":   e.Unit.Key(),
		"from":   formatAddress(e.From),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}}
}

type Approval struct {
	Token   [20]byte
	Owner   [20]byte
	Spender [20]byte
	Amount  *big.Int
}

func (Approval) EventType() string { return TypeApproval }

func (e Approval) Event() *types.Event {
	return &types.Event{Type: TypeApproval, Attributes: map[string]string{
		"token":   formatAddress(e.Token),
		"owner":   formatAddress(e.Owner),
		"spender": formatAddress(e.Spender),
		"amount":  formatAmount(e.Amount),
	}}
}

type AssetTransfer struct {
	Collection [20]byte
	AssetID    *big.Int
	From       [20]byte
	To         [20]byte
}

func (AssetTransfer) EventType() string { return TypeAssetTransfer }

func (e AssetTransfer) Event() *types.Event {
	return &types.Event{Type: TypeAssetTransfer, Attributes: map[string]string{
		"collection": formatAddress(e.Collection),
		"assetId":    formatAmount(e.AssetID),
		"from":       formatAddress(e.From),
		"to":         formatAddress(e.To),
	}}
}
