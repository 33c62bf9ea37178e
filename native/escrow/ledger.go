package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
)

var (
	// ErrNothingOwed is returned by Take when the beneficiary has no balance in
	// the requested unit.
	ErrNothingOwed = errors.New("escrow: nothing owed")
	// ErrInvalidAmount is returned when a credit is not strictly positive.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")

	errNilLedger = errors.New("escrow: ledger not configured")
)

// Ledger tracks refundable balances owed to displaced bidders, partitioned by
// payment unit. All reads and writes go through the journal carried by the
// caller's context, so a failed operation leaves the ledger untouched.
type Ledger struct {
	state     *state.Manager
	namespace []byte
}

// NewLedger returns a ledger whose keys live under namespace. Distinct
// auctions use distinct namespaces.
func NewLedger(mgr *state.Manager, namespace []byte) *Ledger {
	return &Ledger{state: mgr, namespace: append([]byte(nil), namespace...)}
}

func (l *Ledger) entryKey(beneficiary [20]byte, unit types.PaymentUnit) []byte {
	key := make([]byte, 0, len(l.namespace)+64)
	key = append(key, l.namespace...)
	key = append(key, "escrow/entry/"...)
	key = append(key, unit.Key()...)
	key = append(key, '/')
	return append(key, beneficiary[:]...)
}

func (l *Ledger) outstandingKey(unit types.PaymentUnit) []byte {
	key := make([]byte, 0, len(l.namespace)+48)
	key = append(key, l.namespace...)
	key = append(key, "escrow/outstanding/"...)
	return append(key, unit.Key()...)
}

func (l *Ledger) load(kv state.KV, key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := kv.KVGet(key, amount)
	if err != nil {
		return nil, fmt.Errorf("escrow: load balance: %w", err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (l *Ledger) store(kv state.KV, key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return kv.KVDelete(key)
	}
	return kv.KVPut(key, amount)
}

// Credit increases the amount owed to beneficiary in unit.
func (l *Ledger) Credit(ctx context.Context, beneficiary [20]byte, unit types.PaymentUnit, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilLedger
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	kv := l.state.Reader(ctx)
	entryKey := l.entryKey(beneficiary, unit)
	owed, err := l.load(kv, entryKey)
	if err != nil {
		return err
	}
	total, err := l.load(kv, l.outstandingKey(unit))
	if err != nil {
		return err
	}
	if err := l.store(kv, entryKey, owed.Add(owed, amount)); err != nil {
		return err
	}
	return l.store(kv, l.outstandingKey(unit), total.Add(total, amount))
}

// Pending returns the amount currently owed to beneficiary in unit.
func (l *Ledger) Pending(ctx context.Context, beneficiary [20]byte, unit types.PaymentUnit) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilLedger
	}
	return l.load(l.state.Reader(ctx), l.entryKey(beneficiary, unit))
}

// Take zeroes the beneficiary's entry and returns the amount that was owed.
// The caller performs the payout afterwards inside the same journal.
func (l *Ledger) Take(ctx context.Context, beneficiary [20]byte, unit types.PaymentUnit) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilLedger
	}
	kv := l.state.Reader(ctx)
	entryKey := l.entryKey(beneficiary, unit)
	owed, err := l.load(kv, entryKey)
	if err != nil {
		return nil, err
	}
	if owed.Sign() == 0 {
		return nil, ErrNothingOwed
	}
	total, err := l.load(kv, l.outstandingKey(unit))
	if err != nil {
		return nil, err
	}
	if total.Cmp(owed) < 0 {
		return nil, fmt.Errorf("escrow: outstanding %s below entry %s", total, owed)
	}
	if err := kv.KVDelete(entryKey); err != nil {
		return nil, err
	}
	if err := l.store(kv, l.outstandingKey(unit), total.Sub(total, owed)); err != nil {
		return nil, err
	}
	return owed, nil
}

// Outstanding returns the total refund liability held in unit.
func (l *Ledger) Outstanding(ctx context.Context, unit types.PaymentUnit) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilLedger
	}
	return l.load(l.state.Reader(ctx), l.outstandingKey(unit))
}
