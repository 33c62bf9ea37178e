package bank

import (
	"context"
	"math/big"

	"github.com/xibeiwind/solidity-task/core/events"
	"github.com/xibeiwind/solidity-task/core/state"
	"github.com/xibeiwind/solidity-task/core/types"
)

// Tokens is the in-process fungible-token ledger. Transfers that lack balance
// or allowance report false instead of failing, matching tokens that signal
// failure through their return value.
type Tokens struct {
	ledger
}

// NewTokens returns a token ledger backed by mgr.
func NewTokens(mgr *state.Manager) *Tokens {
	return &Tokens{ledger{state: mgr, emitter: events.NoopEmitter{}}}
}

// SetEmitter configures the emitter receiving transfer and approval events.
func (t *Tokens) SetEmitter(emitter events.Emitter) { t.emitter = emitter }

func tokenKey(token, acct [20]byte) []byte { return accountKey("bank/token", token, acct) }

func allowanceKey(token, owner, spender [20]byte) []byte {
	return accountKey("bank/allowance", token, owner, spender)
}

// BalanceOf returns acct's balance of token.
func (t *Tokens) BalanceOf(ctx context.Context, token, acct [20]byte) (*big.Int, error) {
	if t == nil || t.state == nil {
		return nil, errNilState
	}
	return t.balance(t.state.Reader(ctx), tokenKey(token, acct))
}

// Allowance returns how much spender may move out of owner's balance.
func (t *Tokens) Allowance(ctx context.Context, token, owner, spender [20]byte) (*big.Int, error) {
	if t == nil || t.state == nil {
		return nil, errNilState
	}
	return t.balance(t.state.Reader(ctx), allowanceKey(token, owner, spender))
}

// Approve sets spender's allowance over owner's balance.
func (t *Tokens) Approve(ctx context.Context, token, owner, spender [20]byte, amount *big.Int) error {
	if t == nil || t.state == nil {
		return errNilState
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	j, jctx := t.state.Begin(ctx)
	defer j.Discard()
	if err := t.setBalance(t.state.Reader(jctx), allowanceKey(token, owner, spender), new(big.Int).Set(amount)); err != nil {
		return err
	}
	t.emit(j, events.Approval{Token: token, Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)})
	return j.Commit()
}

// Transfer moves amount of token from one account to another.
func (t *Tokens) Transfer(ctx context.Context, token, from, to [20]byte, amount *big.Int) (bool, error) {
	if t == nil || t.state == nil {
		return false, errNilState
	}
	if err := validAmount(amount); err != nil {
		return false, err
	}
	j, jctx := t.state.Begin(ctx)
	defer j.Discard()
	ok, err := t.move(t.state.Reader(jctx), tokenKey(token, from), tokenKey(token, to), amount)
	if err != nil || !ok {
		return false, err
	}
	t.emit(j, events.Transfer{Unit: types.FungibleUnit(token), From: from, To: to, Amount: new(big.Int).Set(amount)})
	return true, j.Commit()
}

// TransferFrom moves amount of token out of owner's balance on behalf of
// spender, consuming allowance.
func (t *Tokens) TransferFrom(ctx context.Context, token, spender, owner, to [20]byte, amount *big.Int) (bool, error) {
	if t == nil || t.state == nil {
		return false, errNilState
	}
	if err := validAmount(amount); err != nil {
		return false, err
	}
	j, jctx := t.state.Begin(ctx)
	defer j.Discard()
	kv := t.state.Reader(jctx)
	allowed, err := t.balance(kv, allowanceKey(token, owner, spender))
	if err != nil {
		return false, err
	}
	if allowed.Cmp(amount) < 0 {
		return false, nil
	}
	ok, err := t.move(kv, tokenKey(token, owner), tokenKey(token, to), amount)
	if err != nil || !ok {
		return false, err
	}
	if err := t.setBalance(kv, allowanceKey(token, owner, spender), allowed.Sub(allowed, amount)); err != nil {
		return false, err
	}
	t.emit(j, events.Transfer{Unit: types.FungibleUnit(token), From: owner, To: to, Amount: new(big.Int).Set(amount)})
	return true, j.Commit()
}

// Mint credits amount of token to acct. It seeds genesis balances.
func (t *Tokens) Mint(ctx context.Context, token, acct [20]byte, amount *big.Int) error {
	if t == nil || t.state == nil {
		return errNilState
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	j, jctx := t.state.Begin(ctx)
	defer j.Discard()
	kv := t.state.Reader(jctx)
	bal, err := t.balance(kv, tokenKey(token, acct))
	if err != nil {
		return err
	}
	if err := t.setBalance(kv, tokenKey(token, acct), bal.Add(bal, amount)); err != nil {
		return err
	}
	t.emit(j, events.Transfer{Unit: types.FungibleUnit(token), To: acct, Amount: new(big.Int).Set(amount)})
	return j.Commit()
}
