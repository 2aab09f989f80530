package offering

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/ledger"
)

// IsOpen reports whether purchases are currently accepted, ignoring pause.
func (o *Offering) IsOpen() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isOpenAt()
}

// isOpenAt requires o.mu.
func (o *Offering) isOpenAt() bool {
	now := o.deps.Clock.Now()
	if o.finalized || now.Before(o.start) || !now.Before(o.end) {
		return false
	}
	last := len(o.tiers) - 1
	return o.states[last].Minted.Lt(o.tiers[last].TotalCap)
}

// Address is the offering's own account.
func (o *Offering) Address() common.Address { return o.address }

// Window returns the configured start and end times.
func (o *Offering) Window() (time.Time, time.Time) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.start, o.end
}

// Paused reports whether purchases are paused.
func (o *Offering) Paused() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.paused
}

// Finalized reports whether the offering has been finalized.
func (o *Offering) Finalized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.finalized
}

// Accepts reports whether cur is an enabled funding currency.
func (o *Offering) Accepts(cur Currency) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.currencies[cur]
}

// Wallets returns the issuer wallet, reserve wallet and registry address.
func (o *Offering) Wallets() (wallet, reserve, registry common.Address) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.wallet, o.reserve, o.registry
}

// Limits returns the global non-accredited limit and minimum investment in USD.
func (o *Offering) Limits() (nonAccredited, minimum *uint256.Int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nonAccLim.Clone(), o.minInvest.Clone()
}

// TierCount is the number of configured tiers.
func (o *Offering) TierCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.tiers)
}

// CurrentTier is the index purchases start filling from.
func (o *Offering) CurrentTier() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.currentTier
}

// Tier returns the configuration and mint counters of tier i.
func (o *Offering) Tier(i int) (Tier, TierState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if i < 0 || i >= len(o.tiers) {
		return Tier{}, TierState{}, ledger.Validationf("tier %d out of range [0,%d)", i, len(o.tiers))
	}
	t := o.tiers[i]
	return Tier{
		Rate:         t.Rate.Clone(),
		DiscountRate: t.DiscountRate.Clone(),
		TotalCap:     t.TotalCap.Clone(),
		DiscountCap:  t.DiscountCap.Clone(),
	}, o.states[i].clone(), nil
}

// TierState returns the mint counters of tier i.
func (o *Offering) TierState(i int) (TierState, error) {
	_, st, err := o.Tier(i)
	return st, err
}

// Investor returns the position of addr.
func (o *Offering) Investor(addr common.Address) Investor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if inv, ok := o.investors[addr]; ok {
		return *inv.clone()
	}
	return *newInvestor()
}

// InvestorCount counts distinct beneficiaries that bought tokens.
func (o *Offering) InvestorCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.investorCount
}

// FundsRaised is the amount of cur kept by the offering.
func (o *Offering) FundsRaised(cur Currency) *uint256.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.fundsRaised[cur]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// FundsRaisedUSD is the USD value of every purchase at its oracle price.
func (o *Offering) FundsRaisedUSD() *uint256.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.fundsRaisedUSD.Clone()
}

// TokensSold counts purchased tokens; reserve mints are excluded.
func (o *Offering) TokensSold() *uint256.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sold := new(uint256.Int)
	for _, st := range o.states {
		sold.Add(sold, st.MintedETH)
		sold.Add(sold, st.MintedPOLY)
		sold.Add(sold, st.MintedDiscountPOLY)
	}
	return sold
}

// TokensSoldFor counts tokens purchased with cur.
func (o *Offering) TokensSoldFor(cur Currency) *uint256.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sold := new(uint256.Int)
	for _, st := range o.states {
		switch cur {
		case ETH:
			sold.Add(sold, st.MintedETH)
		case POLY:
			sold.Add(sold, st.MintedPOLY)
			sold.Add(sold, st.MintedDiscountPOLY)
		}
	}
	return sold
}

// ConvertToUSD values amount of cur at the current oracle price.
func (o *Offering) ConvertToUSD(cur Currency, amount *uint256.Int) (*uint256.Int, error) {
	price, err := o.price(cur)
	if err != nil {
		return nil, err
	}
	usd, err := fixedpoint.Mul(price, amount)
	return usd, ledger.Arithmetic("convert to USD", err)
}

// ConvertFromUSD converts a USD amount into cur at the current oracle price.
func (o *Offering) ConvertFromUSD(cur Currency, usd *uint256.Int) (*uint256.Int, error) {
	price, err := o.price(cur)
	if err != nil {
		return nil, err
	}
	amount, err := fixedpoint.Div(usd, price)
	return amount, ledger.Arithmetic("convert from USD", err)
}
