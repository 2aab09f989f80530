// Package chain is an in-memory host ledger: native balances, fungible tokens,
// checkpointed security tokens, an oracle directory and a token registry. All
// state mutations are serialised and can be rolled back with snapshots.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tiered-sto/internal/ledger"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientAllowance is returned when transferFrom exceeds the allowance.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	// ErrUnknownToken is returned for addresses or symbols that were never deployed.
	ErrUnknownToken = errors.New("unknown token")
	// ErrMintingFrozen is returned by Mint once minting has been frozen.
	ErrMintingFrozen = errors.New("minting frozen")
)

type pair struct {
	base  string
	quote string
}

type state struct {
	native    map[common.Address]*uint256.Int
	fungibles map[string]*fungibleState
	tokens    map[common.Address]*tokenState
}

// Chain is the simulated ledger.
type Chain struct {
	mu      sync.Mutex
	now     time.Time
	st      *state
	journal []*state
	oracles map[pair]ledger.Oracle
	logger  zerolog.Logger
}

// New creates an empty chain whose clock starts at genesis.
func New(genesis time.Time, logger zerolog.Logger) *Chain {
	return &Chain{
		now: genesis.UTC(),
		st: &state{
			native:    make(map[common.Address]*uint256.Int),
			fungibles: make(map[string]*fungibleState),
			tokens:    make(map[common.Address]*tokenState),
		},
		oracles: make(map[pair]ledger.Oracle),
		logger:  logger.With().Str("component", "chain").Logger(),
	}
}

// Now implements ledger.Clock.
func (c *Chain) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Chain) Advance(d time.Duration) {
	if d < 0 {
		panic("chain: clock cannot move backwards")
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SetTime moves the clock to t; it never rewinds.
func (c *Chain) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
}

// Snapshot implements ledger.Reverter.
func (c *Chain) Snapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = append(c.journal, c.st.clone())
	return len(c.journal) - 1
}

// RevertToSnapshot implements ledger.Reverter. Later snapshots are discarded.
func (c *Chain) RevertToSnapshot(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.journal) {
		panic(fmt.Sprintf("chain: revert to unknown snapshot %d", id))
	}
	c.st = c.journal[id]
	c.journal = c.journal[:id]
	c.logger.Debug().Int("snapshot", id).Msg("state reverted")
}

// DiscardSnapshot implements ledger.Reverter. Snapshots already released by
// an earlier revert or discard are ignored.
func (c *Chain) DiscardSnapshot(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 {
		panic(fmt.Sprintf("chain: discard unknown snapshot %d", id))
	}
	if id < len(c.journal) {
		clear(c.journal[id:])
		c.journal = c.journal[:id]
	}
}

// Fund credits native currency out of thin air; used for genesis allocations.
func (c *Chain) Fund(holder common.Address, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal := c.nativeOf(holder)
	bal.Add(bal, amount)
}

// NativeBalance returns the native balance of holder.
func (c *Chain) NativeBalance(holder common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nativeOf(holder).Clone()
}

// TransferNative implements ledger.NativeBank.
func (c *Chain) TransferNative(from, to common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.nativeOf(from)
	if src.Lt(amount) {
		return fmt.Errorf("transfer native from %s: %w", from.Hex(), ErrInsufficientBalance)
	}
	src.Sub(src, amount)
	dst := c.nativeOf(to)
	dst.Add(dst, amount)
	return nil
}

func (c *Chain) nativeOf(holder common.Address) *uint256.Int {
	bal, ok := c.st.native[holder]
	if !ok {
		bal = new(uint256.Int)
		c.st.native[holder] = bal
	}
	return bal
}

// RegisterOracle installs an oracle for a currency pair.
func (c *Chain) RegisterOracle(base, quote string, o ledger.Oracle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.oracles[pair{base: base, quote: quote}] = o
}

// SetPrice installs a fixed-price oracle for a currency pair.
func (c *Chain) SetPrice(base, quote string, price *uint256.Int) {
	c.RegisterOracle(base, quote, fixedPrice{price: price.Clone()})
}

// Oracle implements ledger.OracleRegistry.
func (c *Chain) Oracle(base, quote string) ledger.Oracle {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.oracles[pair{base: base, quote: quote}]
	if !ok {
		return nil
	}
	return o
}

type fixedPrice struct {
	price *uint256.Int
}

func (f fixedPrice) Price() (*uint256.Int, error) {
	return f.price.Clone(), nil
}

func (s *state) clone() *state {
	out := &state{
		native:    cloneBalances(s.native),
		fungibles: make(map[string]*fungibleState, len(s.fungibles)),
		tokens:    make(map[common.Address]*tokenState, len(s.tokens)),
	}
	for k, v := range s.fungibles {
		out.fungibles[k] = v.clone()
	}
	for k, v := range s.tokens {
		out.tokens[k] = v.clone()
	}
	return out
}

func cloneBalances(in map[common.Address]*uint256.Int) map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func sortedAddresses(in map[common.Address]*uint256.Int) []common.Address {
	out := make([]common.Address, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

var (
	_ ledger.Clock          = (*Chain)(nil)
	_ ledger.Reverter       = (*Chain)(nil)
	_ ledger.NativeBank     = (*Chain)(nil)
	_ ledger.OracleRegistry = (*Chain)(nil)
)
