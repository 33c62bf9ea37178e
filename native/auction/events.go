package auction

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/xibeiwind/solidity-task/core/types"
)

const (
	EventTypeOpened             = "auction.opened"
	EventTypeBidPlaced          = "auction.bid_placed"
	EventTypeClosed             = "auction.closed"
	EventTypeCancelled          = "auction.cancelled"
	EventTypeRefundWithdrawn    = "auction.refund_withdrawn"
	EventTypeSellerClaimed      = "auction.seller_claimed"
	EventTypeWinnerClaimed      = "auction.winner_claimed"
	EventTypeBidReclaimed       = "auction.bid_reclaimed"
	EventTypeEmergencyRecovered = "auction.emergency_recovered"
)

type auctionEvent struct {
	evt *types.Event
}

func (e auctionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e auctionEvent) Event() *types.Event { return e.evt }

func hexAddr(addr [20]byte) string { return common.Address(addr).Hex() }

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func baseAttributes(a *Auction) map[string]string {
	return map[string]string{
		"auctionId": strconv.FormatUint(a.ID, 10),
	}
}

// NewOpenedEvent returns the payload emitted when an auction starts.
func NewOpenedEvent(a *Auction) *types.Event {
	attrs := baseAttributes(a)
	attrs["seller"] = hexAddr(a.Seller)
	attrs["collection"] = hexAddr(a.Collection)
	attrs["assetId"] = amountString(a.AssetID)
	attrs["startingPrice"] = amountString(a.StartingPrice)
	attrs["reservePrice"] = amountString(a.ReservePrice)
	attrs["endTime"] = strconv.FormatInt(a.EndTime, 10)
	attrs["unit"] = a.Unit.Key()
	return &types.Event{Type: EventTypeOpened, Attributes: attrs}
}

// NewBidPlacedEvent returns the payload emitted for an accepted bid. value is
// the informational oracle valuation and is zero when unavailable.
func NewBidPlacedEvent(a *Auction, bidder [20]byte, amount *big.Int, value decimal.Decimal) *types.Event {
	attrs := baseAttributes(a)
	attrs["bidder"] = hexAddr(bidder)
	attrs["amount"] = amountString(amount)
	attrs["unit"] = a.Unit.Key()
	attrs["value"] = value.String()
	return &types.Event{Type: EventTypeBidPlaced, Attributes: attrs}
}

// NewClosedEvent returns the payload emitted when bidding ends. The winner
// attribute is empty when nobody won.
func NewClosedEvent(a *Auction) *types.Event {
	attrs := baseAttributes(a)
	attrs["winner"] = ""
	attrs["amount"] = "0"
	if winner, ok := a.Winner(); ok {
		attrs["winner"] = hexAddr(winner)
		attrs["amount"] = amountString(a.LeadingBid)
	}
	return &types.Event{Type: EventTypeClosed, Attributes: attrs}
}

// NewCancelledEvent returns the payload emitted when the seller withdraws an
// auction.
func NewCancelledEvent(a *Auction) *types.Event {
	attrs := baseAttributes(a)
	attrs["seller"] = hexAddr(a.Seller)
	return &types.Event{Type: EventTypeCancelled, Attributes: attrs}
}

// NewRefundWithdrawnEvent returns the payload emitted when a displaced bidder
// withdraws their refund.
func NewRefundWithdrawnEvent(a *Auction, beneficiary [20]byte, unit types.PaymentUnit, amount *big.Int) *types.Event {
	attrs := baseAttributes(a)
	attrs["beneficiary"] = hexAddr(beneficiary)
	attrs["unit"] = unit.Key()
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeRefundWithdrawn, Attributes: attrs}
}

// NewSellerClaimedEvent returns the payload emitted when the seller settles.
// outcome is "funds" or "asset".
func NewSellerClaimedEvent(a *Auction, outcome string, amount *big.Int) *types.Event {
	attrs := baseAttributes(a)
	attrs["seller"] = hexAddr(a.Seller)
	attrs["outcome"] = outcome
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeSellerClaimed, Attributes: attrs}
}

// NewWinnerClaimedEvent returns the payload emitted when the winner collects
// the asset.
func NewWinnerClaimedEvent(a *Auction) *types.Event {
	attrs := baseAttributes(a)
	attrs["winner"] = hexAddr(a.Leader)
	attrs["assetId"] = amountString(a.AssetID)
	return &types.Event{Type: EventTypeWinnerClaimed, Attributes: attrs}
}

// NewBidReclaimedEvent returns the payload emitted when the leader of an
// auction whose reserve was not met recovers the bid.
func NewBidReclaimedEvent(a *Auction) *types.Event {
	attrs := baseAttributes(a)
	attrs["bidder"] = hexAddr(a.Leader)
	attrs["amount"] = amountString(a.LeadingBid)
	return &types.Event{Type: EventTypeBidReclaimed, Attributes: attrs}
}

// NewEmergencyRecoveredEvent returns the payload emitted by the admin recovery
// path. Empty attributes mean the leg was already settled.
func NewEmergencyRecoveredEvent(a *Auction, admin [20]byte, fundsTo, assetTo *[20]byte) *types.Event {
	attrs := baseAttributes(a)
	attrs["admin"] = hexAddr(admin)
	attrs["fundsTo"] = ""
	attrs["assetTo"] = ""
	attrs["amount"] = "0"
	if fundsTo != nil {
		attrs["fundsTo"] = hexAddr(*fundsTo)
		attrs["amount"] = amountString(a.LeadingBid)
	}
	if assetTo != nil {
		attrs["assetTo"] = hexAddr(*assetTo)
	}
	return &types.Event{Type: EventTypeEmergencyRecovered, Attributes: attrs}
}
