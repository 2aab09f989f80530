// Package dividend distributes a deposited pool to security token holders in
// proportion to their balances at a checkpoint.
package dividend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tiered-sto/internal/events"
	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/ledger"
)

var (
	ErrNotMatured     = errors.New("dividend has not matured")
	ErrExpired        = errors.New("dividend has expired")
	ErrNotExpired     = errors.New("dividend has not expired")
	ErrReclaimed      = errors.New("dividend already reclaimed")
	ErrAlreadyClaimed = errors.New("dividend already claimed")
	ErrInvalidIndex   = errors.New("invalid dividend index")
)

// Deps wires the module to its host ledger.
type Deps struct {
	// Address is the module's own account; deposits are held here.
	Address common.Address
	Token   ledger.SecurityToken
	Payout  ledger.FungibleToken
	Clock   ledger.Clock
	Emitter events.Emitter
}

// Dividend is a read-only view of a dividend record.
type Dividend struct {
	Index        int
	CheckpointID uint64
	CreatedAt    time.Time
	Maturity     time.Time
	Expiry       time.Time
	Amount       *uint256.Int
	Claimed      *uint256.Int
	TotalSupply  *uint256.Int
	Reclaimed    bool
	Claimants    int
}

type record struct {
	checkpointID uint64
	createdAt    time.Time
	maturity     time.Time
	expiry       time.Time
	amount       *uint256.Int
	claimed      *uint256.Int
	totalSupply  *uint256.Int
	reclaimed    bool
	paid         map[common.Address]bool
}

// Module is a dividend checkpoint module attached to one security token.
type Module struct {
	mu        sync.Mutex
	deps      Deps
	logger    zerolog.Logger
	dividends []*record
}

// New constructs a dividend module.
func New(deps Deps, logger zerolog.Logger) (*Module, error) {
	if deps.Token == nil || deps.Payout == nil || deps.Clock == nil {
		return nil, ledger.Validationf("dividend module requires token, payout token and clock")
	}
	if deps.Address == (common.Address{}) {
		return nil, ledger.Validationf("dividend module address is zero")
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Discard{}
	}
	return &Module{
		deps:   deps,
		logger: logger.With().Str("component", "dividend").Logger(),
	}, nil
}

// CreateDividend snapshots the token and deposits amount as a new pool.
func (m *Module) CreateDividend(caller common.Address, maturity, expiry time.Time, amount *uint256.Int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(caller, maturity, expiry, amount, 0)
}

// CreateDividendWithCheckpoint deposits a pool against an existing checkpoint.
func (m *Module) CreateDividendWithCheckpoint(caller common.Address, maturity, expiry time.Time, amount *uint256.Int, checkpointID uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.onlyOwner(caller); err != nil {
		return 0, err
	}
	if checkpointID == 0 || checkpointID > m.deps.Token.CurrentCheckpointID() {
		return 0, ledger.Validationf("checkpoint %d does not exist (current %d)", checkpointID, m.deps.Token.CurrentCheckpointID())
	}
	return m.create(caller, maturity, expiry, amount, checkpointID)
}

func (m *Module) create(caller common.Address, maturity, expiry time.Time, amount *uint256.Int, checkpointID uint64) (int, error) {
	if err := m.onlyOwner(caller); err != nil {
		return 0, err
	}
	now := m.deps.Clock.Now()
	if !expiry.After(maturity) {
		return 0, ledger.Validationf("expiry %s must be after maturity %s", expiry.Format(time.RFC3339), maturity.Format(time.RFC3339))
	}
	if !expiry.After(now) {
		return 0, ledger.Validationf("expiry %s is in the past", expiry.Format(time.RFC3339))
	}
	if amount == nil || amount.IsZero() {
		return 0, ledger.Validationf("dividend amount must be greater than zero")
	}

	rec := &record{
		createdAt: now,
		maturity:  maturity,
		expiry:    expiry,
		amount:    amount.Clone(),
		claimed:   new(uint256.Int),
		paid:      make(map[common.Address]bool),
	}

	err := ledger.Atomically(func() error {
		id := checkpointID
		if id == 0 {
			var err error
			if id, err = m.deps.Token.CreateCheckpoint(); err != nil {
				return ledger.External("create checkpoint", err)
			}
		}
		supply, err := m.deps.Token.TotalSupplyAt(id)
		if err != nil {
			return ledger.External("total supply at checkpoint", err)
		}
		if supply.IsZero() {
			return ledger.Preconditionf("checkpoint %d has zero total supply", id)
		}
		if err := m.deps.Payout.TransferFrom(m.deps.Address, caller, m.deps.Address, amount); err != nil {
			return ledger.External("collect dividend deposit", err)
		}
		rec.checkpointID = id
		rec.totalSupply = supply
		return nil
	}, m.deps.Token, m.deps.Payout)
	if err != nil {
		return 0, err
	}

	m.dividends = append(m.dividends, rec)
	index := len(m.dividends) - 1

	m.deps.Emitter.Emit("dividend", events.DividendDeposited, now, map[string]string{
		"index":        fmt.Sprint(index),
		"depositor":    caller.Hex(),
		"checkpoint":   fmt.Sprint(rec.checkpointID),
		"maturity":     maturity.UTC().Format(time.RFC3339),
		"expiry":       expiry.UTC().Format(time.RFC3339),
		"amount":       fixedpoint.Format(rec.amount),
		"total_supply": fixedpoint.Format(rec.totalSupply),
	})
	m.logger.Info().Int("index", index).Uint64("checkpoint", rec.checkpointID).
		Str("amount", fixedpoint.Format(rec.amount)).Msg("dividend created")
	return index, nil
}

// PushDividendPaymentToAddresses pays every listed payee that has not claimed yet.
func (m *Module) PushDividendPaymentToAddresses(caller common.Address, index int, payees []common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.onlyOwner(caller); err != nil {
		return err
	}
	rec, err := m.claimable(index)
	if err != nil {
		return err
	}
	return m.payAll(index, rec, payees)
}

// PushDividendPayment pays count token investors starting at start.
func (m *Module) PushDividendPayment(caller common.Address, index, start, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.onlyOwner(caller); err != nil {
		return err
	}
	if start < 0 || count < 0 {
		return ledger.Validationf("invalid investor range start=%d count=%d", start, count)
	}
	rec, err := m.claimable(index)
	if err != nil {
		return err
	}

	total := m.deps.Token.InvestorsLength()
	end := total
	if start < total && count < total-start {
		end = start + count
	}
	payees := make([]common.Address, 0)
	for i := start; i < end; i++ {
		addr, err := m.deps.Token.InvestorAt(i)
		if err != nil {
			return ledger.External("investor lookup", err)
		}
		payees = append(payees, addr)
	}
	return m.payAll(index, rec, payees)
}

// PullDividendPayment lets caller claim its own share.
func (m *Module) PullDividendPayment(caller common.Address, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.claimable(index)
	if err != nil {
		return err
	}
	if rec.paid[caller] {
		return fmt.Errorf("%w: %s on dividend %d: %w", ledger.ErrPrecondition, caller.Hex(), index, ErrAlreadyClaimed)
	}
	return m.payAll(index, rec, []common.Address{caller})
}

// ReclaimDividend returns the unclaimed remainder of an expired dividend to the owner.
func (m *Module) ReclaimDividend(caller common.Address, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.onlyOwner(caller); err != nil {
		return err
	}
	rec, err := m.record(index)
	if err != nil {
		return err
	}
	now := m.deps.Clock.Now()
	if now.Before(rec.expiry) {
		return fmt.Errorf("%w: dividend %d: %w", ledger.ErrPrecondition, index, ErrNotExpired)
	}
	if rec.reclaimed {
		return fmt.Errorf("%w: dividend %d: %w", ledger.ErrPrecondition, index, ErrReclaimed)
	}

	remaining, err := fixedpoint.Sub(rec.amount, rec.claimed)
	if err != nil {
		return ledger.Arithmetic("reclaim remainder", err)
	}
	if !remaining.IsZero() {
		if err := m.deps.Payout.Transfer(m.deps.Address, caller, remaining); err != nil {
			return ledger.External("reclaim transfer", err)
		}
	}
	rec.reclaimed = true

	m.deps.Emitter.Emit("dividend", events.DividendReclaimed, now, map[string]string{
		"index":     fmt.Sprint(index),
		"claimer":   caller.Hex(),
		"reclaimed": fixedpoint.Format(remaining),
	})
	m.logger.Info().Int("index", index).Str("reclaimed", fixedpoint.Format(remaining)).Msg("dividend reclaimed")
	return nil
}

type payment struct {
	payee common.Address
	claim *uint256.Int
}

// payAll computes every payee's share, records the claims and then performs
// the transfers. A failed transfer undoes the whole batch.
func (m *Module) payAll(index int, rec *record, payees []common.Address) error {
	plan := make([]payment, 0, len(payees))
	batch := make(map[common.Address]bool, len(payees))
	total := new(uint256.Int)
	for _, payee := range payees {
		if rec.paid[payee] || batch[payee] {
			continue
		}
		claim, err := m.share(rec, payee)
		if err != nil {
			return err
		}
		if total, err = fixedpoint.Add(total, claim); err != nil {
			return ledger.Arithmetic("sum claims", err)
		}
		batch[payee] = true
		plan = append(plan, payment{payee: payee, claim: claim})
	}

	newClaimed, err := fixedpoint.Add(rec.claimed, total)
	if err != nil {
		return ledger.Arithmetic("accumulate claimed", err)
	}
	if newClaimed.Gt(rec.amount) {
		return ledger.Arithmetic("accumulate claimed", fixedpoint.ErrOverflow)
	}

	prevClaimed := rec.claimed
	for _, p := range plan {
		rec.paid[p.payee] = true
	}
	rec.claimed = newClaimed

	err = ledger.Atomically(func() error {
		for _, p := range plan {
			if p.claim.IsZero() {
				continue
			}
			if err := m.deps.Payout.Transfer(m.deps.Address, p.payee, p.claim); err != nil {
				return ledger.External("dividend transfer to "+p.payee.Hex(), err)
			}
		}
		return nil
	}, m.deps.Payout)
	if err != nil {
		for _, p := range plan {
			delete(rec.paid, p.payee)
		}
		rec.claimed = prevClaimed
		return err
	}

	now := m.deps.Clock.Now()
	for _, p := range plan {
		m.deps.Emitter.Emit("dividend", events.DividendClaimed, now, map[string]string{
			"index":  fmt.Sprint(index),
			"payee":  p.payee.Hex(),
			"amount": fixedpoint.Format(p.claim),
		})
	}
	m.logger.Debug().Int("index", index).Int("payees", len(plan)).Str("paid", fixedpoint.Format(total)).Msg("dividend payments processed")
	return nil
}

func (m *Module) share(rec *record, payee common.Address) (*uint256.Int, error) {
	balance, err := m.deps.Token.BalanceOfAt(payee, rec.checkpointID)
	if err != nil {
		return nil, ledger.External("balance at checkpoint", err)
	}
	claim, err := fixedpoint.MulDiv(balance, rec.amount, rec.totalSupply)
	if err != nil {
		return nil, ledger.Arithmetic("dividend share", err)
	}
	return claim, nil
}

// CalculateDividend returns what payee would receive now; zero once claimed.
func (m *Module) CalculateDividend(index int, payee common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(index)
	if err != nil {
		return nil, err
	}
	if rec.paid[payee] {
		return new(uint256.Int), nil
	}
	return m.share(rec, payee)
}

// IsClaimed reports whether payee has been paid from a dividend.
func (m *Module) IsClaimed(index int, payee common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(index)
	return err == nil && rec.paid[payee]
}

// Dividend returns a view of one dividend.
func (m *Module) Dividend(index int) (Dividend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(index)
	if err != nil {
		return Dividend{}, err
	}
	return rec.view(index), nil
}

// Dividends returns views of every dividend in creation order.
func (m *Module) Dividends() []Dividend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Dividend, 0, len(m.dividends))
	for i, rec := range m.dividends {
		out = append(out, rec.view(i))
	}
	return out
}

// DividendCount returns the number of dividends created.
func (m *Module) DividendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dividends)
}

// DividendIndexes lists the dividends created against a checkpoint.
func (m *Module) DividendIndexes(checkpointID uint64) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0)
	for i, rec := range m.dividends {
		if rec.checkpointID == checkpointID {
			out = append(out, i)
		}
	}
	return out
}

func (m *Module) onlyOwner(caller common.Address) error {
	if caller != m.deps.Token.Owner() {
		return ledger.Unauthorizedf("%s is not the token owner", caller.Hex())
	}
	return nil
}

func (m *Module) record(index int) (*record, error) {
	if index < 0 || index >= len(m.dividends) {
		return nil, fmt.Errorf("%w: %d: %w", ledger.ErrValidation, index, ErrInvalidIndex)
	}
	return m.dividends[index], nil
}

func (m *Module) claimable(index int) (*record, error) {
	rec, err := m.record(index)
	if err != nil {
		return nil, err
	}
	now := m.deps.Clock.Now()
	switch {
	case rec.reclaimed:
		return nil, fmt.Errorf("%w: dividend %d: %w", ledger.ErrPrecondition, index, ErrReclaimed)
	case now.Before(rec.maturity):
		return nil, fmt.Errorf("%w: dividend %d: %w", ledger.ErrPrecondition, index, ErrNotMatured)
	case !now.Before(rec.expiry):
		return nil, fmt.Errorf("%w: dividend %d: %w", ledger.ErrPrecondition, index, ErrExpired)
	}
	return rec, nil
}

func (r *record) view(index int) Dividend {
	return Dividend{
		Index:        index,
		CheckpointID: r.checkpointID,
		CreatedAt:    r.createdAt,
		Maturity:     r.maturity,
		Expiry:       r.expiry,
		Amount:       r.amount.Clone(),
		Claimed:      r.claimed.Clone(),
		TotalSupply:  r.totalSupply.Clone(),
		Reclaimed:    r.reclaimed,
		Claimants:    len(r.paid),
	}
}
