package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// UnitKind distinguishes the native value unit from fungible-token ledgers.
type UnitKind uint8

const (
	UnitNative UnitKind = iota
	UnitFungible
)

func (k UnitKind) String() string {
	switch k {
	case UnitNative:
		return "native"
	case UnitFungible:
		return "fungible"
	default:
		return fmt.Sprintf("unit(%d)", uint8(k))
	}
}

// PaymentUnit identifies the value unit bids and refunds are denominated in.
// Token is only meaningful for fungible units.
type PaymentUnit struct {
	Kind  UnitKind
	Token [20]byte
}

// NativeUnit returns the platform's native value unit.
func NativeUnit() PaymentUnit { return PaymentUnit{Kind: UnitNative} }

// FungibleUnit returns the unit backed by the fungible-token ledger at token.
func FungibleUnit(token [20]byte) PaymentUnit {
	return PaymentUnit{Kind: UnitFungible, Token: token}
}

// HasToken reports whether a token reference is set.
func (u PaymentUnit) HasToken() bool { return u.Token != ([20]byte{}) }

// IsNative reports whether u is the native unit.
func (u PaymentUnit) IsNative() bool { return u.Kind == UnitNative }

// Key returns the canonical storage key fragment for the unit.
func (u PaymentUnit) Key() string {
	if u.Kind == UnitNative {
		return "native"
	}
	return "fungible:" + strings.ToLower(common.Address(u.Token).Hex())
}

func (u PaymentUnit) String() string { return u.Key() }

// ParsePaymentUnit parses the textual form produced by Key. A bare hex address
// is accepted as a fungible unit.
func ParsePaymentUnit(raw string) (PaymentUnit, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case trimmed == "" || trimmed == "native":
		return NativeUnit(), nil
	case strings.HasPrefix(trimmed, "fungible:"):
		trimmed = strings.TrimPrefix(trimmed, "fungible:")
		if trimmed == "" {
			// A fungible unit without a token is representable so callers can
			// reject it explicitly.
			return PaymentUnit{Kind: UnitFungible}, nil
		}
	}
	if !common.IsHexAddress(trimmed) {
		return PaymentUnit{}, fmt.Errorf("payment unit: invalid token %q", raw)
	}
	return FungibleUnit(common.HexToAddress(trimmed)), nil
}
