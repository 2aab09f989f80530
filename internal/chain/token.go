package chain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tiered-sto/internal/ledger"
)

type checkpoint struct {
	balances map[common.Address]*uint256.Int
	supply   *uint256.Int
	at       time.Time
}

type tokenState struct {
	symbol      string
	details     string
	owner       common.Address
	balances    map[common.Address]*uint256.Int
	supply      *uint256.Int
	investors   []common.Address
	seen        map[common.Address]struct{}
	checkpoints []checkpoint
	frozen      bool
}

func (t *tokenState) clone() *tokenState {
	out := *t
	out.balances = cloneBalances(t.balances)
	out.supply = t.supply.Clone()
	out.investors = append([]common.Address(nil), t.investors...)
	out.seen = make(map[common.Address]struct{}, len(t.seen))
	for k := range t.seen {
		out.seen[k] = struct{}{}
	}
	// checkpoints are immutable once taken
	out.checkpoints = append([]checkpoint(nil), t.checkpoints...)
	return &out
}

// Token is a handle onto a checkpointed security token.
type Token struct {
	chain   *Chain
	address common.Address
}

// DeploySecurityToken registers a security token at address.
func (c *Chain) DeploySecurityToken(address common.Address, symbol, details string, owner common.Address) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.st.tokens[address]; exists {
		return nil, fmt.Errorf("security token %s already deployed", address.Hex())
	}
	c.st.tokens[address] = &tokenState{
		symbol:   symbol,
		details:  details,
		owner:    owner,
		balances: make(map[common.Address]*uint256.Int),
		supply:   new(uint256.Int),
		seen:     make(map[common.Address]struct{}),
	}
	c.logger.Debug().Str("token", address.Hex()).Str("symbol", symbol).Msg("security token deployed")
	return &Token{chain: c, address: address}, nil
}

// SecurityToken returns a handle to a deployed security token.
func (c *Chain) SecurityToken(address common.Address) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.st.tokens[address]; !ok {
		return nil, fmt.Errorf("security token %s: %w", address.Hex(), ErrUnknownToken)
	}
	return &Token{chain: c, address: address}, nil
}

// SecurityTokenData implements ledger.TokenRegistry.
func (c *Chain) SecurityTokenData(address common.Address) (ledger.TokenData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.st.tokens[address]
	if !ok {
		return ledger.TokenData{}, fmt.Errorf("security token %s: %w", address.Hex(), ErrUnknownToken)
	}
	return ledger.TokenData{Symbol: st.symbol, Owner: st.owner, Details: st.details}, nil
}

// Address returns the token address.
func (t *Token) Address() common.Address { return t.address }

func (t *Token) state() *tokenState {
	return t.chain.st.tokens[t.address]
}

// Owner implements ledger.SecurityToken.
func (t *Token) Owner() common.Address {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	return t.state().owner
}

// Symbol returns the token symbol.
func (t *Token) Symbol() string {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	return t.state().symbol
}

// FreezeMinting makes every subsequent Mint fail.
func (t *Token) FreezeMinting(frozen bool) {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	t.state().frozen = frozen
}

// Mint implements ledger.SecurityToken.
func (t *Token) Mint(beneficiary common.Address, amount *uint256.Int) error {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	st := t.state()
	if st.frozen {
		return fmt.Errorf("mint %s: %w", st.symbol, ErrMintingFrozen)
	}
	if beneficiary == (common.Address{}) {
		return fmt.Errorf("mint %s: zero beneficiary", st.symbol)
	}
	bal := balanceRef(st.balances, beneficiary)
	bal.Add(bal, amount)
	st.supply.Add(st.supply, amount)
	st.track(beneficiary)
	return nil
}

// Transfer moves security tokens between holders.
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	st := t.state()
	src := balanceRef(st.balances, from)
	if src.Lt(amount) {
		return fmt.Errorf("%s transfer from %s: %w", st.symbol, from.Hex(), ErrInsufficientBalance)
	}
	src.Sub(src, amount)
	dst := balanceRef(st.balances, to)
	dst.Add(dst, amount)
	st.track(to)
	return nil
}

func (st *tokenState) track(holder common.Address) {
	if _, ok := st.seen[holder]; ok {
		return
	}
	st.seen[holder] = struct{}{}
	st.investors = append(st.investors, holder)
}

// BalanceOf returns the live balance of holder.
func (t *Token) BalanceOf(holder common.Address) *uint256.Int {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	return balanceRef(t.state().balances, holder).Clone()
}

// TotalSupply implements ledger.SecurityToken.
func (t *Token) TotalSupply() *uint256.Int {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	return t.state().supply.Clone()
}

// CreateCheckpoint implements ledger.SecurityToken. Ids start at 1.
func (t *Token) CreateCheckpoint() (uint64, error) {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	st := t.state()
	st.checkpoints = append(st.checkpoints, checkpoint{
		balances: cloneBalances(st.balances),
		supply:   st.supply.Clone(),
		at:       t.chain.now,
	})
	id := uint64(len(st.checkpoints))
	t.chain.logger.Debug().Str("token", t.address.Hex()).Uint64("checkpoint", id).Msg("checkpoint created")
	return id, nil
}

// CurrentCheckpointID implements ledger.SecurityToken.
func (t *Token) CurrentCheckpointID() uint64 {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	return uint64(len(t.state().checkpoints))
}

func (t *Token) checkpointAt(id uint64) (checkpoint, error) {
	cps := t.state().checkpoints
	if id == 0 || id > uint64(len(cps)) {
		return checkpoint{}, fmt.Errorf("checkpoint %d does not exist", id)
	}
	return cps[id-1], nil
}

// BalanceOfAt implements ledger.SecurityToken.
func (t *Token) BalanceOfAt(holder common.Address, id uint64) (*uint256.Int, error) {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	cp, err := t.checkpointAt(id)
	if err != nil {
		return nil, err
	}
	if bal, ok := cp.balances[holder]; ok {
		return bal.Clone(), nil
	}
	return new(uint256.Int), nil
}

// TotalSupplyAt implements ledger.SecurityToken.
func (t *Token) TotalSupplyAt(id uint64) (*uint256.Int, error) {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	cp, err := t.checkpointAt(id)
	if err != nil {
		return nil, err
	}
	return cp.supply.Clone(), nil
}

// InvestorsLength implements ledger.SecurityToken.
func (t *Token) InvestorsLength() int {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	return len(t.state().investors)
}

// InvestorAt implements ledger.SecurityToken.
func (t *Token) InvestorAt(index int) (common.Address, error) {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	inv := t.state().investors
	if index < 0 || index >= len(inv) {
		return common.Address{}, fmt.Errorf("investor index %d out of range [0,%d)", index, len(inv))
	}
	return inv[index], nil
}

// Holders returns every holder with a nonzero live balance, ordered by address.
func (t *Token) Holders() []common.Address {
	t.chain.mu.Lock()
	defer t.chain.mu.Unlock()
	out := make([]common.Address, 0)
	for _, addr := range sortedAddresses(t.state().balances) {
		if !t.state().balances[addr].IsZero() {
			out = append(out, addr)
		}
	}
	return out
}

// Snapshot implements ledger.Reverter by delegating to the chain.
func (t *Token) Snapshot() int { return t.chain.Snapshot() }

// RevertToSnapshot implements ledger.Reverter by delegating to the chain.
func (t *Token) RevertToSnapshot(id int) { t.chain.RevertToSnapshot(id) }

// DiscardSnapshot implements ledger.Reverter by delegating to the chain.
func (t *Token) DiscardSnapshot(id int) { t.chain.DiscardSnapshot(id) }

var (
	_ ledger.SecurityToken = (*Token)(nil)
	_ ledger.Reverter      = (*Token)(nil)
	_ ledger.TokenRegistry = (*Chain)(nil)
)
