package auction

import (
	"fmt"
	"math/big"
	"time"

	"github.com/xibeiwind/solidity-task/core/types"
)

// Phase is the lifecycle stage of an auction.
type Phase uint8

const (
	PhaseNotStarted Phase = iota
	PhaseActive
	PhaseEnded
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	case PhaseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

const (
	// MaxDuration bounds the bidding window accepted by Open.
	MaxDuration = 30 * 24 * time.Hour
	// EmergencyGrace is how long after the end time the admin recovery path
	// stays locked.
	EmergencyGrace = 30 * 24 * time.Hour
	// AdminRole is the state role allowed to run EmergencyRecover.
	AdminRole = "auction.admin"
	// ModuleName is the pause-guard module key.
	ModuleName = "auction"
)

// OpenParams are the seller-supplied terms of an auction.
type OpenParams struct {
	Collection    [20]byte
	AssetID       *big.Int
	StartingPrice *big.Int
	// ReservePrice of zero means no reserve.
	ReservePrice *big.Int
	Duration     time.Duration
	Unit         types.PaymentUnit
}

// Auction is a snapshot of an auction record.
type Auction struct {
	ID            uint64
	Seller        [20]byte
	Collection    [20]byte
	AssetID       *big.Int
	StartingPrice *big.Int
	ReservePrice  *big.Int
	StartTime     int64
	EndTime       int64
	HasLeader     bool
	Leader        [20]byte
	LeadingBid    *big.Int
	Unit          types.PaymentUnit
	Phase         Phase
	SellerClaimed bool
	WinnerClaimed bool
}

// Clone returns a deep copy of the record.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	clone.AssetID = cloneBig(a.AssetID)
	clone.StartingPrice = cloneBig(a.StartingPrice)
	clone.ReservePrice = cloneBig(a.ReservePrice)
	clone.LeadingBid = cloneBig(a.LeadingBid)
	return &clone
}

// ReserveMet reports whether the leading bid satisfies the reserve. An
// auction without a reserve always meets it.
func (a *Auction) ReserveMet() bool {
	if a.ReservePrice == nil || a.ReservePrice.Sign() == 0 {
		return true
	}
	return a.HasLeader && a.LeadingBid != nil && a.LeadingBid.Cmp(a.ReservePrice) >= 0
}

// Winner returns the account entitled to the asset once the auction ended.
func (a *Auction) Winner() ([20]byte, bool) {
	if !a.HasLeader || !a.ReserveMet() {
		return [20]byte{}, false
	}
	return a.Leader, true
}

type storedAuction struct {
	Seller        [20]byte
	Collection    [20]byte
	AssetID       *big.Int
	StartingPrice *big.Int
	ReservePrice  *big.Int
	StartTime     uint64
	EndTime       uint64
	HasLeader     bool
	Leader        [20]byte
	LeadingBid    *big.Int
	UnitKind      uint8
	UnitToken     [20]byte
	Phase         uint8
	SellerClaimed bool
	WinnerClaimed bool
}

func newStoredAuction(a *Auction) *storedAuction {
	return &storedAuction{
		Seller:        a.Seller,
		Collection:    a.Collection,
		AssetID:       zeroIfNil(a.AssetID),
		StartingPrice: zeroIfNil(a.StartingPrice),
		ReservePrice:  zeroIfNil(a.ReservePrice),
		StartTime:     uint64(a.StartTime),
		EndTime:       uint64(a.EndTime),
		HasLeader:     a.HasLeader,
		Leader:        a.Leader,
		LeadingBid:    zeroIfNil(a.LeadingBid),
		UnitKind:      uint8(a.Unit.Kind),
		UnitToken:     a.Unit.Token,
		Phase:         uint8(a.Phase),
		SellerClaimed: a.SellerClaimed,
		WinnerClaimed: a.WinnerClaimed,
	}
}

func (s *storedAuction) toAuction(id uint64) *Auction {
	return &Auction{
		ID:            id,
		Seller:        s.Seller,
		Collection:    s.Collection,
		AssetID:       zeroIfNil(s.AssetID),
		StartingPrice: zeroIfNil(s.StartingPrice),
		ReservePrice:  zeroIfNil(s.ReservePrice),
		StartTime:     int64(s.StartTime),
		EndTime:       int64(s.EndTime),
		HasLeader:     s.HasLeader,
		Leader:        s.Leader,
		LeadingBid:    zeroIfNil(s.LeadingBid),
		Unit:          types.PaymentUnit{Kind: types.UnitKind(s.UnitKind), Token: s.UnitToken},
		Phase:         Phase(s.Phase),
		SellerClaimed: s.SellerClaimed,
		WinnerClaimed: s.WinnerClaimed,
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
