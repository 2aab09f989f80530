package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tiered-sto/internal/ledger"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type fungibleState struct {
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

func (f *fungibleState) clone() *fungibleState {
	out := &fungibleState{
		balances:   cloneBalances(f.balances),
		allowances: make(map[allowanceKey]*uint256.Int, len(f.allowances)),
		supply:     f.supply.Clone(),
	}
	for k, v := range f.allowances {
		out.allowances[k] = v.Clone()
	}
	return out
}

// Fungible is a handle onto an ERC20-like token living on the chain.
type Fungible struct {
	chain  *Chain
	symbol string
}

// DeployFungible creates (or returns) the fungible token with the given symbol.
func (c *Chain) DeployFungible(symbol string) *Fungible {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.st.fungibles[symbol]; !ok {
		c.st.fungibles[symbol] = &fungibleState{
			balances:   make(map[common.Address]*uint256.Int),
			allowances: make(map[allowanceKey]*uint256.Int),
			supply:     new(uint256.Int),
		}
	}
	return &Fungible{chain: c, symbol: symbol}
}

// Fungible returns a handle to a deployed fungible token.
func (c *Chain) Fungible(symbol string) (*Fungible, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.st.fungibles[symbol]; !ok {
		return nil, fmt.Errorf("fungible %s: %w", symbol, ErrUnknownToken)
	}
	return &Fungible{chain: c, symbol: symbol}, nil
}

// Symbol returns the token symbol.
func (f *Fungible) Symbol() string { return f.symbol }

func (f *Fungible) state() *fungibleState {
	return f.chain.st.fungibles[f.symbol]
}

// Mint credits amount to holder.
func (f *Fungible) Mint(holder common.Address, amount *uint256.Int) {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	st := f.state()
	bal := balanceRef(st.balances, holder)
	bal.Add(bal, amount)
	st.supply.Add(st.supply, amount)
}

// BalanceOf implements ledger.FungibleToken.
func (f *Fungible) BalanceOf(holder common.Address) *uint256.Int {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	return balanceRef(f.state().balances, holder).Clone()
}

// Approve sets the allowance of spender over owner's balance.
func (f *Fungible) Approve(owner, spender common.Address, amount *uint256.Int) {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	f.state().allowances[allowanceKey{owner: owner, spender: spender}] = amount.Clone()
}

// Allowance implements ledger.FungibleToken.
func (f *Fungible) Allowance(owner, spender common.Address) *uint256.Int {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	if v, ok := f.state().allowances[allowanceKey{owner: owner, spender: spender}]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Transfer implements ledger.FungibleToken.
func (f *Fungible) Transfer(from, to common.Address, amount *uint256.Int) error {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	return f.move(from, to, amount)
}

// TransferFrom implements ledger.FungibleToken.
func (f *Fungible) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	key := allowanceKey{owner: from, spender: spender}
	allowed, ok := f.state().allowances[key]
	if !ok || allowed.Lt(amount) {
		return fmt.Errorf("%s transferFrom %s: %w", f.symbol, from.Hex(), ErrInsufficientAllowance)
	}
	if err := f.move(from, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

func (f *Fungible) move(from, to common.Address, amount *uint256.Int) error {
	st := f.state()
	src := balanceRef(st.balances, from)
	if src.Lt(amount) {
		return fmt.Errorf("%s transfer from %s: %w", f.symbol, from.Hex(), ErrInsufficientBalance)
	}
	src.Sub(src, amount)
	dst := balanceRef(st.balances, to)
	dst.Add(dst, amount)
	return nil
}

// Snapshot implements ledger.Reverter by delegating to the chain.
func (f *Fungible) Snapshot() int { return f.chain.Snapshot() }

// RevertToSnapshot implements ledger.Reverter by delegating to the chain.
func (f *Fungible) RevertToSnapshot(id int) { f.chain.RevertToSnapshot(id) }

// DiscardSnapshot implements ledger.Reverter by delegating to the chain.
func (f *Fungible) DiscardSnapshot(id int) { f.chain.DiscardSnapshot(id) }

func balanceRef(m map[common.Address]*uint256.Int, holder common.Address) *uint256.Int {
	bal, ok := m[holder]
	if !ok {
		bal = new(uint256.Int)
		m[holder] = bal
	}
	return bal
}

var (
	_ ledger.FungibleToken = (*Fungible)(nil)
	_ ledger.Reverter      = (*Fungible)(nil)
)
