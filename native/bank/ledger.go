package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
)

var (
	// ErrInsufficientBalance is returned by native transfers that exceed the
	// sender's balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidAmount is returned for negative or nil amounts.
	ErrInvalidAmount = errors.New("bank: invalid amount")

	errNilState = errors.New("bank: state not configured")
)

type ledger struct {
	state   *state.Manager
	emitter events.Emitter
}

func (l *ledger) emit(j *state.Journal, evt events.Event) {
	emitter := l.emitter
	if emitter == nil {
		return
	}
	j.OnCommit(func() { emitter.Emit(evt) })
}

func (l *ledger) balance(kv state.KV, key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := kv.KVGet(key, amount)
	if err != nil {
		return nil, fmt.Errorf("bank: load balance: %w", err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (l *ledger) setBalance(kv state.KV, key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return kv.KVDelete(key)
	}
	return kv.KVPut(key, amount)
}

// move debits from and credits to inside the journal bound to ctx. It reports
// false without staging anything when the debit would overdraw.
func (l *ledger) move(kv state.KV, fromKey, toKey []byte, amount *big.Int) (bool, error) {
	fromBal, err := l.balance(kv, fromKey)
	if err != nil {
		return false, err
	}
	if fromBal.Cmp(amount) < 0 {
		return false, nil
	}
	if err := l.setBalance(kv, fromKey, new(big.Int).Sub(fromBal, amount)); err != nil {
		return false, err
	}
	toBal, err := l.balance(kv, toKey)
	if err != nil {
		return false, err
	}
	return true, l.setBalance(kv, toKey, toBal.Add(toBal, amount))
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func accountKey(prefix string, parts ...[20]byte) []byte {
	key := []byte(prefix)
	for _, p := range parts {
		key = append(key, '/')
		key = append(key, p[:]...)
	}
	return key
}

// Native is the in-process ledger for the platform's native value unit.
type Native struct {
	ledger
}

// NewNative returns a native ledger backed by mgr.
func NewNative(mgr *state.Manager) *Native {
	return &Native{ledger{state: mgr, emitter: events.NoopEmitter{}}}
}

// SetEmitter configures the emitter receiving transfer events.
func (n *Native) SetEmitter(emitter events.Emitter) { n.emitter = emitter }

func nativeKey(acct [20]byte) []byte { return accountKey("bank/native", acct) }

// BalanceOf returns the native balance of acct.
func (n *Native) BalanceOf(ctx context.Context, acct [20]byte) (*big.Int, error) {
	if n == nil || n.state == nil {
		return nil, errNilState
	}
	return n.balance(n.state.Reader(ctx), nativeKey(acct))
}

// Transfer moves amount from one account to another.
func (n *Native) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if n == nil || n.state == nil {
		return errNilState
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	j, jctx := n.state.Begin(ctx)
	defer j.Discard()
	ok, err := n.move(n.state.Reader(jctx), nativeKey(from), nativeKey(to), amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientBalance
	}
	n.emit(j, events.Transfer{Unit: types.NativeUnit(), From: from, To: to, Amount: new(big.Int).Set(amount)})
	return j.Commit()
}

// Mint credits amount to acct out of thin air. It seeds genesis balances.
func (n *Native) Mint(ctx context.Context, acct [20]byte, amount *big.Int) error {
	if n == nil || n.state == nil {
		return errNilState
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	j, jctx := n.state.Begin(ctx)
	defer j.Discard()
	kv := n.state.Reader(jctx)
	bal, err := n.balance(kv, nativeKey(acct))
	if err != nil {
		return err
	}
	if err := n.setBalance(kv, nativeKey(acct), bal.Add(bal, amount)); err != nil {
		return err
	}
	n.emit(j, events.Transfer{Unit: types.NativeUnit(), To: acct, Amount: new(big.Int).Set(amount)})
	return j.Commit()
}
