// Package custody is an in-memory token ledger standing in for the sale and
// reward tokens the engine holds in custody.
package custody

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientTokens = errors.New("insufficient token balance")
	ErrInvalidAmount      = errors.New("token amount must be positive")
)

// Token tracks balances of one token plus the amount held in custody by the
// engine. Safe for concurrent use.
type Token struct {
	mu       sync.RWMutex
	symbol   string
	balances map[common.Address]*big.Int
	custody  *big.Int
	supply   *big.Int
}

func NewToken(symbol string) *Token {
	return &Token{
		symbol:   symbol,
		balances: make(map[common.Address]*big.Int),
		custody:  new(big.Int),
		supply:   new(big.Int),
	}
}

func (t *Token) Symbol() string {
	return t.symbol
}

// Mint creates tokens for an account (bootstrap and tests).
func (t *Token) Mint(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balanceLocked(account)
	bal.Add(bal, amount)
	t.supply.Add(t.supply, amount)
	return nil
}

func (t *Token) BalanceOf(account common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.supply)
}

// Custodied returns the amount currently held by the engine.
func (t *Token) Custodied() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.custody)
}

// TransferIn moves tokens from an account into custody.
func (t *Token) TransferIn(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientTokens, from.Hex(), bal, t.symbol, amount)
	}
	bal.Sub(bal, amount)
	t.custody.Add(t.custody, amount)
	return nil
}

// TransferOut releases tokens from custody to an account.
func (t *Token) TransferOut(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.custody.Cmp(amount) < 0 {
		return fmt.Errorf("%w: custody holds %s %s, needs %s", ErrInsufficientTokens, t.custody, t.symbol, amount)
	}
	t.custody.Sub(t.custody, amount)
	bal := t.balanceLocked(to)
	bal.Add(bal, amount)
	return nil
}

func (t *Token) balanceLocked(account common.Address) *big.Int {
	b, ok := t.balances[account]
	if !ok {
		b = new(big.Int)
		t.balances[account] = b
	}
	return b
}

// State is a token's full in-memory state, carried in engine snapshots.
type State struct {
	Symbol   string                      `json:"symbol"`
	Balances map[common.Address]*big.Int `json:"balances"`
	Custody  *big.Int                    `json:"custody"`
	Supply   *big.Int                    `json:"supply"`
}

// Export copies the token state. Zero balances are omitted.
func (t *Token) Export() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := State{
		Symbol:   t.symbol,
		Balances: make(map[common.Address]*big.Int, len(t.balances)),
		Custody:  new(big.Int).Set(t.custody),
		Supply:   new(big.Int).Set(t.supply),
	}
	for acct, b := range t.balances {
		if b.Sign() != 0 {
			st.Balances[acct] = new(big.Int).Set(b)
		}
	}
	return st
}

// Restore replaces the token state with st. The supply must equal the
// balances plus custody.
func (t *Token) Restore(st State) error {
	if st.Symbol != t.symbol {
		return fmt.Errorf("state is for %s, not %s", st.Symbol, t.symbol)
	}
	sum := new(big.Int)
	balances := make(map[common.Address]*big.Int, len(st.Balances))
	for acct, b := range st.Balances {
		if b == nil || b.Sign() < 0 {
			return fmt.Errorf("%w: %s balance of %s", ErrInvalidAmount, t.symbol, acct.Hex())
		}
		balances[acct] = new(big.Int).Set(b)
		sum.Add(sum, b)
	}
	custody, supply := orZero(st.Custody), orZero(st.Supply)
	if custody.Sign() < 0 || sum.Add(sum, custody).Cmp(supply) != 0 {
		return fmt.Errorf("%s supply %s does not match balances plus custody %s", t.symbol, supply, sum)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = balances
	t.custody = custody
	t.supply = supply
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
