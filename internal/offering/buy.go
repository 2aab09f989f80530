package offering

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tiered-sto/internal/events"
	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/ledger"
)

// Fill is the part of a purchase served by one tier allotment.
type Fill struct {
	Tier       int
	Discounted bool
	Rate       *uint256.Int
	Tokens     *uint256.Int
	SpentUSD   *uint256.Int
}

// Receipt describes a completed purchase.
type Receipt struct {
	Payer       common.Address
	Beneficiary common.Address
	Currency    Currency
	// Price is the oracle's USD price of one unit of Currency.
	Price *uint256.Int
	// Value is the amount offered by the payer.
	Value *uint256.Int
	// Spent is the amount kept by the offering; Refund = Value - Spent.
	Spent    *uint256.Int
	Refund   *uint256.Int
	SpentUSD *uint256.Int
	Tokens   *uint256.Int
	Fills    []Fill
}

// BuyWithETH buys tokens for beneficiary with value native currency sent by payer.
func (o *Offering) BuyWithETH(payer, beneficiary common.Address, value *uint256.Int) (Receipt, error) {
	return o.buy(payer, beneficiary, ETH, value)
}

// BuyWithPOLY buys tokens for beneficiary with value POLY drawn from payer's
// allowance to the offering.
func (o *Offering) BuyWithPOLY(payer, beneficiary common.Address, value *uint256.Int) (Receipt, error) {
	return o.buy(payer, beneficiary, POLY, value)
}

// BuyWithDefaultCurrency treats a bare native transfer as a purchase; it is
// BuyWithETH under another name.
func (o *Offering) BuyWithDefaultCurrency(payer, beneficiary common.Address, value *uint256.Int) (Receipt, error) {
	return o.buy(payer, beneficiary, ETH, value)
}

// Quote computes what a purchase would do without changing any state.
func (o *Offering) Quote(payer, beneficiary common.Address, cur Currency, value *uint256.Int) (Receipt, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, err := o.plan(payer, beneficiary, cur, value)
	if err != nil {
		return Receipt{}, err
	}
	return p.receipt, nil
}

// plan is a fully computed purchase awaiting commit.
type plan struct {
	receipt     Receipt
	states      []TierState
	currentTier int
	investor    *Investor
	newInvestor bool
}

func (o *Offering) buy(payer, beneficiary common.Address, cur Currency, value *uint256.Int) (Receipt, error) {
	leave, err := o.enter()
	if err != nil {
		return Receipt{}, err
	}
	defer leave()

	o.mu.RLock()
	p, err := o.plan(payer, beneficiary, cur, value)
	o.mu.RUnlock()
	if err != nil {
		o.logger.Debug().Err(err).Str("payer", payer.Hex()).Str("currency", cur.String()).Msg("purchase rejected")
		return Receipt{}, err
	}

	if err := o.settle(p); err != nil {
		o.logger.Warn().Err(err).Str("payer", payer.Hex()).Msg("purchase rolled back")
		return Receipt{}, err
	}

	r := p.receipt
	o.emitPurchase(r)
	o.logger.Info().
		Str("beneficiary", beneficiary.Hex()).
		Str("currency", cur.String()).
		Str("tokens", fixedpoint.Format(r.Tokens)).
		Str("spent_usd", fixedpoint.Format(r.SpentUSD)).
		Str("refund", fixedpoint.Format(r.Refund)).
		Msg("tokens purchased")
	return r, nil
}

// plan validates a purchase and walks the tiers on copies of the mint
// counters. Callers hold o.mu for reading.
func (o *Offering) plan(payer, beneficiary common.Address, cur Currency, value *uint256.Int) (*plan, error) {
	if !o.allowBenefit && payer != beneficiary {
		return nil, fmt.Errorf("%w: %w", ledger.ErrPrecondition, ErrBeneficiary)
	}
	if beneficiary == (common.Address{}) {
		return nil, ledger.Validationf("beneficiary address is zero")
	}
	if o.paused {
		return nil, fmt.Errorf("%w: %w", ledger.ErrPrecondition, ErrPaused)
	}
	if !o.isOpenAt() {
		return nil, fmt.Errorf("%w: %w", ledger.ErrPrecondition, ErrNotOpen)
	}
	if !o.currencies[cur] {
		return nil, fmt.Errorf("%w: %s: %w", ledger.ErrPrecondition, cur, ErrCurrencyDisabled)
	}
	if value == nil || value.IsZero() {
		return nil, ledger.Validationf("investment amount is zero")
	}

	price, err := o.price(cur)
	if err != nil {
		return nil, err
	}
	investedUSD, err := fixedpoint.Mul(price, value)
	if err != nil {
		return nil, ledger.Arithmetic("convert investment to USD", err)
	}

	investor, known := o.investors[beneficiary]
	if known {
		investor = investor.clone()
	} else {
		investor = newInvestor()
	}
	total, err := fixedpoint.Add(investor.InvestedUSD, investedUSD)
	if err != nil {
		return nil, ledger.Arithmetic("accumulate investment", err)
	}
	if total.Lt(o.minInvest) {
		return nil, fmt.Errorf("%w: %s USD: %w", ledger.ErrPrecondition, fixedpoint.Format(total), ErrBelowMinimum)
	}

	// Non-accredited investors are clamped to their cumulative USD limit.
	investment := value.Clone()
	if !investor.Accredited {
		limit := o.nonAccLim
		if !investor.LimitOverride.IsZero() {
			limit = investor.LimitOverride
		}
		if !investor.InvestedUSD.Lt(limit) {
			return nil, fmt.Errorf("%w: %w", ledger.ErrPrecondition, ErrLimitReached)
		}
		if total.Gt(limit) {
			over := new(uint256.Int).Sub(total, limit)
			refund, err := fixedpoint.Div(over, price)
			if err != nil {
				return nil, ledger.Arithmetic("convert clamp refund", err)
			}
			if !refund.Lt(value) {
				return nil, fmt.Errorf("%w: %w", ledger.ErrPrecondition, ErrLimitReached)
			}
			investment = new(uint256.Int).Sub(value, refund)
			investedUSD = new(uint256.Int).Sub(limit, investor.InvestedUSD)
		}
	}

	if cur == POLY {
		allowance := o.deps.POLY.Allowance(payer, o.address)
		if allowance.Lt(investment) {
			return nil, fmt.Errorf("%w: %s < %s: %w", ledger.ErrExternal,
				fixedpoint.Format(allowance), fixedpoint.Format(investment), ErrAllowance)
		}
	}

	p := &plan{
		states:      make([]TierState, len(o.states)),
		currentTier: o.currentTier,
		investor:    investor,
		newInvestor: investor.InvestedUSD.IsZero(),
	}
	for i, st := range o.states {
		p.states[i] = st.clone()
	}

	spentUSD := new(uint256.Int)
	tokens := new(uint256.Int)
	var fills []Fill
	for i := o.currentTier; i < len(o.tiers); i++ {
		remaining := new(uint256.Int).Sub(investedUSD, spentUSD)
		if remaining.IsZero() {
			break
		}
		st := &p.states[i]
		if !st.Minted.Lt(o.tiers[i].TotalCap) {
			continue
		}
		tierFills, err := o.fillTier(i, st, remaining, cur)
		if err != nil {
			return nil, err
		}
		for _, f := range tierFills {
			spentUSD.Add(spentUSD, f.SpentUSD)
			tokens.Add(tokens, f.Tokens)
		}
		fills = append(fills, tierFills...)
		// A tier left with capacity means only sub-token dust remains unspent.
		if st.Minted.Lt(o.tiers[i].TotalCap) {
			break
		}
	}
	p.currentTier = o.nextTier(p.states)

	spent := investment.Clone()
	if !spentUSD.Eq(investedUSD) {
		spent, err = fixedpoint.Div(spentUSD, price)
		if err != nil {
			return nil, ledger.Arithmetic("convert spent USD", err)
		}
		spent = fixedpoint.Min(spent, investment)
	}

	p.receipt = Receipt{
		Payer:       payer,
		Beneficiary: beneficiary,
		Currency:    cur,
		Price:       price,
		Value:       value.Clone(),
		Spent:       spent,
		Refund:      new(uint256.Int).Sub(value, spent),
		SpentUSD:    spentUSD,
		Tokens:      tokens,
		Fills:       fills,
	}

	investor.InvestedUSD.Add(investor.InvestedUSD, spentUSD)
	switch cur {
	case ETH:
		investor.InvestedETH.Add(investor.InvestedETH, spent)
	case POLY:
		investor.InvestedPOLY.Add(investor.InvestedPOLY, spent)
	}
	return p, nil
}

// fillTier spends up to usd in tier i, discount allotment first for POLY.
func (o *Offering) fillTier(i int, st *TierState, usd *uint256.Int, cur Currency) ([]Fill, error) {
	tier := o.tiers[i]
	var fills []Fill
	remaining := usd.Clone()

	if cur == POLY && st.MintedDiscountPOLY.Lt(tier.DiscountCap) {
		capacity := fixedpoint.Min(
			new(uint256.Int).Sub(tier.DiscountCap, st.MintedDiscountPOLY),
			new(uint256.Int).Sub(tier.TotalCap, st.Minted),
		)
		f, err := purchase(tier.DiscountRate, capacity, remaining)
		if err != nil {
			return nil, err
		}
		if !f.Tokens.IsZero() {
			f.Tier, f.Discounted = i, true
			st.MintedDiscountPOLY.Add(st.MintedDiscountPOLY, f.Tokens)
			st.Minted.Add(st.Minted, f.Tokens)
			remaining.Sub(remaining, f.SpentUSD)
			fills = append(fills, f)
		}
	}

	if !remaining.IsZero() && st.Minted.Lt(tier.TotalCap) {
		capacity := new(uint256.Int).Sub(tier.TotalCap, st.Minted)
		f, err := purchase(tier.Rate, capacity, remaining)
		if err != nil {
			return nil, err
		}
		if !f.Tokens.IsZero() {
			f.Tier = i
			if cur == ETH {
				st.MintedETH.Add(st.MintedETH, f.Tokens)
			} else {
				st.MintedPOLY.Add(st.MintedPOLY, f.Tokens)
			}
			st.Minted.Add(st.Minted, f.Tokens)
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// purchase buys at most capacity tokens at rate with usd.
func purchase(rate, capacity, usd *uint256.Int) (Fill, error) {
	tokens, err := fixedpoint.Div(usd, rate)
	if err != nil {
		return Fill{}, ledger.Arithmetic("tokens for USD", err)
	}
	tokens = fixedpoint.Min(tokens, capacity)
	cost, err := fixedpoint.Mul(tokens, rate)
	if err != nil {
		return Fill{}, ledger.Arithmetic("USD for tokens", err)
	}
	return Fill{
		Rate:     rate.Clone(),
		Tokens:   tokens,
		SpentUSD: fixedpoint.Min(cost, usd),
	}, nil
}

// nextTier returns the first tier at or after the current one with capacity
// left, or the last tier when all are sold out.
func (o *Offering) nextTier(states []TierState) int {
	for i := o.currentTier; i < len(o.tiers); i++ {
		if states[i].Minted.Lt(o.tiers[i].TotalCap) {
			return i
		}
	}
	return len(o.tiers) - 1
}

// settle performs the ledger side of a plan and commits it. Any failure
// reverts the ledgers and leaves the offering state untouched.
func (o *Offering) settle(p *plan) error {
	r := p.receipt
	return ledger.Atomically(func() error {
		if r.Currency == ETH {
			if err := o.deps.Native.TransferNative(r.Payer, o.address, r.Value); err != nil {
				return ledger.External("escrow ETH", err)
			}
		}
		for _, f := range r.Fills {
			if err := o.deps.Token.Mint(r.Beneficiary, f.Tokens); err != nil {
				return fmt.Errorf("%w: tier %d: %w: %w", ledger.ErrExternal, f.Tier, ErrMint, err)
			}
		}

		restore := o.commit(p)
		if err := o.collect(r); err != nil {
			restore()
			return err
		}
		return nil
	}, o.deps.Token, o.deps.Native, o.deps.POLY)
}

// commit applies a plan and returns a function restoring the prior state.
func (o *Offering) commit(p *plan) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := p.receipt
	prevStates, prevTier, prevCount := o.states, o.currentTier, o.investorCount
	prevFunds := o.fundsRaised[r.Currency].Clone()
	prevUSD := o.fundsRaisedUSD.Clone()
	prevInvestor, existed := o.investors[r.Beneficiary]

	o.states = p.states
	o.currentTier = p.currentTier
	o.investors[r.Beneficiary] = p.investor
	if p.newInvestor && !r.SpentUSD.IsZero() {
		o.investorCount++
	}
	o.fundsRaised[r.Currency].Add(o.fundsRaised[r.Currency], r.Spent)
	o.fundsRaisedUSD.Add(o.fundsRaisedUSD, r.SpentUSD)

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.states, o.currentTier, o.investorCount = prevStates, prevTier, prevCount
		o.fundsRaised[r.Currency] = prevFunds
		o.fundsRaisedUSD = prevUSD
		if existed {
			o.investors[r.Beneficiary] = prevInvestor
		} else {
			delete(o.investors, r.Beneficiary)
		}
	}
}

// collect forwards the spent amount to the issuer wallet and returns change.
func (o *Offering) collect(r Receipt) error {
	switch r.Currency {
	case ETH:
		if !r.Spent.IsZero() {
			if err := o.deps.Native.TransferNative(o.address, o.wallet, r.Spent); err != nil {
				return ledger.External("forward ETH to wallet", err)
			}
		}
		if !r.Refund.IsZero() {
			if err := o.deps.Native.TransferNative(o.address, r.Payer, r.Refund); err != nil {
				return ledger.External("refund ETH", err)
			}
		}
	case POLY:
		if !r.Spent.IsZero() {
			if err := o.deps.POLY.TransferFrom(o.address, r.Payer, o.wallet, r.Spent); err != nil {
				return ledger.External("collect POLY", err)
			}
		}
	}
	return nil
}

func (o *Offering) emitPurchase(r Receipt) {
	now := o.deps.Clock.Now()
	for _, f := range r.Fills {
		o.deps.Emitter.Emit("offering", events.TokenPurchase, now, map[string]string{
			"purchaser":   r.Payer.Hex(),
			"beneficiary": r.Beneficiary.Hex(),
			"tokens":      fixedpoint.Format(f.Tokens),
			"usd":         fixedpoint.Format(f.SpentUSD),
			"price":       fixedpoint.Format(f.Rate),
			"tier":        fmt.Sprint(f.Tier),
			"discounted":  fmt.Sprint(f.Discounted),
		})
	}
	o.deps.Emitter.Emit("offering", events.FundsReceived, now, map[string]string{
		"purchaser":   r.Payer.Hex(),
		"beneficiary": r.Beneficiary.Hex(),
		"usd":         fixedpoint.Format(r.SpentUSD),
		"currency":    r.Currency.String(),
		"received":    fixedpoint.Format(r.Value),
		"spent":       fixedpoint.Format(r.Spent),
		"rate":        fixedpoint.Format(r.Price),
	})
}

// price reads the USD price of cur from its oracle.
func (o *Offering) price(cur Currency) (*uint256.Int, error) {
	oracle := o.deps.Oracles.Oracle(cur.String(), USD)
	if oracle == nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ledger.ErrExternal, cur, USD, ErrUnsupportedPair)
	}
	p, err := oracle.Price()
	if err != nil {
		return nil, ledger.External(fmt.Sprintf("read %s/%s price", cur, USD), err)
	}
	if p == nil || p.IsZero() {
		return nil, ledger.External(fmt.Sprintf("read %s/%s price", cur, USD), fixedpoint.ErrDivideByZero)
	}
	return p, nil
}

// Finalize closes the offering and mints every tier's unsold supply to the
// reserve wallet.
func (o *Offering) Finalize(caller common.Address) error {
	leave, err := o.enter()
	if err != nil {
		return err
	}
	defer leave()
	if err := o.onlyOwner(caller); err != nil {
		return err
	}

	o.mu.RLock()
	if o.finalized {
		o.mu.RUnlock()
		return fmt.Errorf("%w: %w", ledger.ErrPrecondition, ErrFinalized)
	}
	reserve := o.reserve
	shortfalls := make([]*uint256.Int, len(o.tiers))
	total := new(uint256.Int)
	for i, t := range o.tiers {
		shortfalls[i] = new(uint256.Int)
		if o.states[i].Minted.Lt(t.TotalCap) {
			shortfalls[i].Sub(t.TotalCap, o.states[i].Minted)
			total.Add(total, shortfalls[i])
		}
	}
	o.mu.RUnlock()

	err = ledger.Atomically(func() error {
		if total.IsZero() {
			return nil
		}
		if err := o.deps.Token.Mint(reserve, total); err != nil {
			return fmt.Errorf("%w: reserve: %w: %w", ledger.ErrExternal, ErrMint, err)
		}
		return nil
	}, o.deps.Token)
	if err != nil {
		return err
	}

	o.mu.Lock()
	for i, s := range shortfalls {
		o.states[i].Reserve.Add(o.states[i].Reserve, s)
		o.states[i].Minted.Add(o.states[i].Minted, s)
	}
	o.finalized = true
	o.mu.Unlock()

	now := o.deps.Clock.Now()
	o.deps.Emitter.Emit("offering", events.ReserveTokenMint, now, map[string]string{
		"owner":   caller.Hex(),
		"wallet":  reserve.Hex(),
		"tokens":  fixedpoint.Format(total),
		"current": fmt.Sprint(o.CurrentTier()),
	})
	o.deps.Emitter.Emit("offering", events.Finalized, now, map[string]string{
		"reserve": fixedpoint.Format(total),
	})
	o.logger.Info().Str("reserve_tokens", fixedpoint.Format(total)).Msg("offering finalized")
	return nil
}
