// Package offering implements a tiered security token offering that sells
// against ETH and POLY at USD-denominated, optionally discounted tier prices.
package offering

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tiered-sto/internal/events"
	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/ledger"
)

// Currency is a funding currency accepted by the offering.
type Currency uint8

const (
	// ETH is the ledger's native currency, sent along with the purchase.
	ETH Currency = iota
	// POLY is the alternate currency, pulled through a pre-authorised allowance.
	// Tier discounts apply to POLY purchases only.
	POLY
)

// USD is the quote currency of every oracle the offering consults.
const USD = "USD"

func (c Currency) String() string {
	switch c {
	case ETH:
		return "ETH"
	case POLY:
		return "POLY"
	default:
		return fmt.Sprintf("Currency(%d)", uint8(c))
	}
}

// ParseCurrency parses "ETH" or "POLY", case-insensitively.
func ParseCurrency(s string) (Currency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ETH":
		return ETH, nil
	case "POLY":
		return POLY, nil
	default:
		return 0, ledger.Validationf("unknown currency %q", s)
	}
}

var (
	ErrReentrant        = errors.New("offering busy: nested or concurrent state change")
	ErrNotOpen          = errors.New("offering is not open")
	ErrPaused           = errors.New("offering is paused")
	ErrStarted          = errors.New("offering has already started")
	ErrFinalized        = errors.New("offering already finalized")
	ErrCurrencyDisabled = errors.New("currency not accepted")
	ErrBelowMinimum     = errors.New("total investment below minimum")
	ErrLimitReached     = errors.New("non-accredited investor has reached limit")
	ErrBeneficiary      = errors.New("beneficiary does not match payer")
	ErrUnsupportedPair  = errors.New("no oracle for currency pair")
	ErrAllowance        = errors.New("insufficient allowance")
	ErrMint             = errors.New("token mint failed")
)

// Tier is one priced slice of supply. Rates are USD per token, scaled by 10^18.
type Tier struct {
	Rate         *uint256.Int
	DiscountRate *uint256.Int
	TotalCap     *uint256.Int
	DiscountCap  *uint256.Int
}

// TierState counts tokens minted from one tier. Minted always equals the sum
// of the other four counters; Reserve stays zero until Finalize.
type TierState struct {
	Minted             *uint256.Int
	MintedETH          *uint256.Int
	MintedPOLY         *uint256.Int
	MintedDiscountPOLY *uint256.Int
	Reserve            *uint256.Int
}

func newTierState() TierState {
	return TierState{
		Minted:             new(uint256.Int),
		MintedETH:          new(uint256.Int),
		MintedPOLY:         new(uint256.Int),
		MintedDiscountPOLY: new(uint256.Int),
		Reserve:            new(uint256.Int),
	}
}

func (s TierState) clone() TierState {
	return TierState{
		Minted:             s.Minted.Clone(),
		MintedETH:          s.MintedETH.Clone(),
		MintedPOLY:         s.MintedPOLY.Clone(),
		MintedDiscountPOLY: s.MintedDiscountPOLY.Clone(),
		Reserve:            s.Reserve.Clone(),
	}
}

// Investor is the cumulative position of one beneficiary.
type Investor struct {
	InvestedUSD  *uint256.Int
	InvestedETH  *uint256.Int
	InvestedPOLY *uint256.Int
	Accredited   bool
	// LimitOverride replaces the global non-accredited limit when nonzero.
	LimitOverride *uint256.Int
}

func newInvestor() *Investor {
	return &Investor{
		InvestedUSD:   new(uint256.Int),
		InvestedETH:   new(uint256.Int),
		InvestedPOLY:  new(uint256.Int),
		LimitOverride: new(uint256.Int),
	}
}

func (i *Investor) clone() *Investor {
	return &Investor{
		InvestedUSD:   i.InvestedUSD.Clone(),
		InvestedETH:   i.InvestedETH.Clone(),
		InvestedPOLY:  i.InvestedPOLY.Clone(),
		Accredited:    i.Accredited,
		LimitOverride: i.LimitOverride.Clone(),
	}
}

// Config is the offering's initial configuration.
type Config struct {
	// Address is the offering's own account; ETH is escrowed here during a purchase.
	Address               common.Address
	StartTime             time.Time
	EndTime               time.Time
	Tiers                 []Tier
	Currencies            []Currency
	NonAccreditedLimitUSD *uint256.Int
	MinimumInvestmentUSD  *uint256.Int
	Wallet                common.Address
	ReserveWallet         common.Address
	Registry              common.Address
}

// Deps are the host ledger collaborators.
type Deps struct {
	Token   ledger.SecurityToken
	Oracles ledger.OracleRegistry
	Native  ledger.NativeBank
	POLY    ledger.FungibleToken
	Clock   ledger.Clock
	Emitter events.Emitter
}

// Offering is one tiered offering instance. State-changing calls are mutually
// exclusive; a call made while another is in flight fails with ErrReentrant.
type Offering struct {
	busy   atomic.Bool
	mu     sync.RWMutex
	deps   Deps
	logger zerolog.Logger

	address    common.Address
	start      time.Time
	end        time.Time
	tiers      []Tier
	states     []TierState
	currencies map[Currency]bool
	nonAccLim  *uint256.Int
	minInvest  *uint256.Int
	wallet     common.Address
	reserve    common.Address
	registry   common.Address

	currentTier    int
	paused         bool
	finalized      bool
	allowBenefit   bool
	investors      map[common.Address]*Investor
	investorCount  int
	fundsRaised    map[Currency]*uint256.Int
	fundsRaisedUSD *uint256.Int
}

// New validates cfg and creates an offering that has not yet started.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Offering, error) {
	if deps.Token == nil || deps.Oracles == nil || deps.Clock == nil {
		return nil, ledger.Validationf("offering requires token, oracle registry and clock")
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Discard{}
	}
	if cfg.Address == (common.Address{}) {
		return nil, ledger.Validationf("offering address is zero")
	}

	o := &Offering{
		deps:           deps,
		logger:         logger.With().Str("component", "offering").Logger(),
		address:        cfg.Address,
		investors:      make(map[common.Address]*Investor),
		fundsRaised:    map[Currency]*uint256.Int{ETH: new(uint256.Int), POLY: new(uint256.Int)},
		fundsRaisedUSD: new(uint256.Int),
		allowBenefit:   true,
	}

	now := deps.Clock.Now()
	if err := validateTimes(now, cfg.StartTime, cfg.EndTime); err != nil {
		return nil, err
	}
	if err := validateTiers(cfg.Tiers); err != nil {
		return nil, err
	}
	currencies, err := o.validateCurrencies(cfg.Currencies)
	if err != nil {
		return nil, err
	}
	if err := validateAddresses(cfg.Wallet, cfg.ReserveWallet, cfg.Registry); err != nil {
		return nil, err
	}

	o.start, o.end = cfg.StartTime, cfg.EndTime
	o.setTiers(cfg.Tiers)
	o.currencies = currencies
	o.nonAccLim = cloneOrZero(cfg.NonAccreditedLimitUSD)
	o.minInvest = cloneOrZero(cfg.MinimumInvestmentUSD)
	o.wallet, o.reserve, o.registry = cfg.Wallet, cfg.ReserveWallet, cfg.Registry

	o.logger.Info().
		Time("start", o.start).
		Time("end", o.end).
		Int("tiers", len(o.tiers)).
		Msg("offering configured")
	return o, nil
}

// TiersFromColumns builds tiers from parallel rate and cap columns.
func TiersFromColumns(rates, discountRates, totalCaps, discountCaps []*uint256.Int) ([]Tier, error) {
	n := len(rates)
	if n == 0 {
		return nil, ledger.Validationf("at least one tier is required")
	}
	if len(discountRates) != n || len(totalCaps) != n || len(discountCaps) != n {
		return nil, ledger.Validationf("tier column lengths mismatch: rates=%d discount_rates=%d caps=%d discount_caps=%d",
			n, len(discountRates), len(totalCaps), len(discountCaps))
	}
	tiers := make([]Tier, n)
	for i := range tiers {
		tiers[i] = Tier{Rate: rates[i], DiscountRate: discountRates[i], TotalCap: totalCaps[i], DiscountCap: discountCaps[i]}
	}
	return tiers, validateTiers(tiers)
}

func validateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return ledger.Validationf("at least one tier is required")
	}
	for i, t := range tiers {
		if t.Rate == nil || t.TotalCap == nil {
			return ledger.Validationf("tier %d: rate and total cap are required", i)
		}
		if t.Rate.IsZero() {
			return ledger.Validationf("tier %d: rate must be positive", i)
		}
		if t.TotalCap.IsZero() {
			return ledger.Validationf("tier %d: total cap must be positive", i)
		}
		discountCap := cloneOrZero(t.DiscountCap)
		if discountCap.Gt(t.TotalCap) {
			return ledger.Validationf("tier %d: discount cap exceeds total cap", i)
		}
		if discountCap.IsZero() {
			continue
		}
		if t.DiscountRate == nil || t.DiscountRate.IsZero() {
			return ledger.Validationf("tier %d: discount rate must be positive when a discount cap is set", i)
		}
		if t.DiscountRate.Gt(t.Rate) {
			return ledger.Validationf("tier %d: discount rate exceeds regular rate", i)
		}
	}
	return nil
}

func validateTimes(now, start, end time.Time) error {
	if !start.After(now) {
		return ledger.Validationf("start time %s must be in the future", start.Format(time.RFC3339))
	}
	if !end.After(start) {
		return ledger.Validationf("end time %s must be after start time %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

func validateAddresses(wallet, reserve, registry common.Address) error {
	zero := common.Address{}
	if wallet == zero || reserve == zero || registry == zero {
		return ledger.Validationf("wallet, reserve wallet and registry addresses must be non-zero")
	}
	return nil
}

func (o *Offering) validateCurrencies(list []Currency) (map[Currency]bool, error) {
	if len(list) == 0 {
		return nil, ledger.Validationf("at least one funding currency is required")
	}
	out := make(map[Currency]bool, len(list))
	for _, c := range list {
		switch c {
		case ETH:
			if o.deps.Native == nil {
				return nil, ledger.Validationf("ETH funding requires a native bank")
			}
		case POLY:
			if o.deps.POLY == nil {
				return nil, ledger.Validationf("POLY funding requires a POLY token")
			}
		default:
			return nil, ledger.Validationf("unknown currency %d", uint8(c))
		}
		out[c] = true
	}
	return out, nil
}

func (o *Offering) setTiers(tiers []Tier) {
	o.tiers = make([]Tier, len(tiers))
	o.states = make([]TierState, len(tiers))
	for i, t := range tiers {
		o.tiers[i] = Tier{
			Rate:         t.Rate.Clone(),
			DiscountRate: cloneOrZero(t.DiscountRate),
			TotalCap:     t.TotalCap.Clone(),
			DiscountCap:  cloneOrZero(t.DiscountCap),
		}
		o.states[i] = newTierState()
	}
	o.currentTier = 0
}

// enter claims the single state-change slot.
func (o *Offering) enter() (func(), error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %w", ledger.ErrPrecondition, ErrReentrant)
	}
	return func() { o.busy.Store(false) }, nil
}

func (o *Offering) onlyOwner(caller common.Address) error {
	if caller != o.deps.Token.Owner() {
		return ledger.Unauthorizedf("%s is not the issuer", caller.Hex())
	}
	return nil
}

// beforeStart guards configuration changes; callers hold o.mu.
func (o *Offering) beforeStart() error {
	if !o.deps.Clock.Now().Before(o.start) {
		return fmt.Errorf("%w: %w", ledger.ErrPrecondition, ErrStarted)
	}
	return nil
}

func (o *Offering) modify(caller common.Address, name string, apply func() error, fields func() map[string]string) error {
	leave, err := o.enter()
	if err != nil {
		return err
	}
	defer leave()
	if err := o.onlyOwner(caller); err != nil {
		return err
	}

	o.mu.Lock()
	if err := o.beforeStart(); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := apply(); err != nil {
		o.mu.Unlock()
		return err
	}
	f := fields()
	o.mu.Unlock()

	o.deps.Emitter.Emit("offering", name, o.deps.Clock.Now(), f)
	o.logger.Info().Str("change", name).Msg("offering configuration changed")
	return nil
}

// ModifyFunding replaces the accepted funding currencies.
func (o *Offering) ModifyFunding(caller common.Address, currencies []Currency) error {
	return o.modify(caller, events.SetFundRaiseTypes, func() error {
		set, err := o.validateCurrencies(currencies)
		if err != nil {
			return err
		}
		o.currencies = set
		return nil
	}, func() map[string]string {
		return map[string]string{"eth": fmt.Sprint(o.currencies[ETH]), "poly": fmt.Sprint(o.currencies[POLY])}
	})
}

// ModifyTiers replaces every tier. Mint counters restart from zero.
func (o *Offering) ModifyTiers(caller common.Address, tiers []Tier) error {
	return o.modify(caller, events.SetTiers, func() error {
		if err := validateTiers(tiers); err != nil {
			return err
		}
		o.setTiers(tiers)
		return nil
	}, func() map[string]string {
		return map[string]string{"tiers": fmt.Sprint(len(o.tiers))}
	})
}

// ModifyTimes moves the sale window.
func (o *Offering) ModifyTimes(caller common.Address, start, end time.Time) error {
	return o.modify(caller, events.SetTimes, func() error {
		if err := validateTimes(o.deps.Clock.Now(), start, end); err != nil {
			return err
		}
		o.start, o.end = start, end
		return nil
	}, func() map[string]string {
		return map[string]string{
			"start": o.start.UTC().Format(time.RFC3339),
			"end":   o.end.UTC().Format(time.RFC3339),
		}
	})
}

// ModifyLimits sets the non-accredited cumulative cap and the minimum investment, both in USD.
func (o *Offering) ModifyLimits(caller common.Address, nonAccreditedLimitUSD, minimumInvestmentUSD *uint256.Int) error {
	return o.modify(caller, events.SetLimits, func() error {
		o.nonAccLim = cloneOrZero(nonAccreditedLimitUSD)
		o.minInvest = cloneOrZero(minimumInvestmentUSD)
		return nil
	}, func() map[string]string {
		return map[string]string{
			"non_accredited_limit_usd": fixedpoint.Format(o.nonAccLim),
			"minimum_investment_usd":   fixedpoint.Format(o.minInvest),
		}
	})
}

// ModifyAddresses sets the issuer wallet, reserve wallet and registry address.
func (o *Offering) ModifyAddresses(caller common.Address, wallet, reserve, registry common.Address) error {
	return o.modify(caller, events.SetAddresses, func() error {
		if err := validateAddresses(wallet, reserve, registry); err != nil {
			return err
		}
		o.wallet, o.reserve, o.registry = wallet, reserve, registry
		return nil
	}, func() map[string]string {
		return map[string]string{
			"wallet":   o.wallet.Hex(),
			"reserve":  o.reserve.Hex(),
			"registry": o.registry.Hex(),
		}
	})
}

// ChangeAccredited sets the accreditation flag of each investor.
func (o *Offering) ChangeAccredited(caller common.Address, investors []common.Address, accredited []bool) error {
	leave, err := o.enter()
	if err != nil {
		return err
	}
	defer leave()
	if err := o.onlyOwner(caller); err != nil {
		return err
	}
	if len(investors) != len(accredited) {
		return ledger.Validationf("investors and accredited lengths mismatch: %d != %d", len(investors), len(accredited))
	}
	for _, inv := range investors {
		if inv == (common.Address{}) {
			return ledger.Validationf("investor address is zero")
		}
	}

	o.mu.Lock()
	for i, inv := range investors {
		o.investorRef(inv).Accredited = accredited[i]
	}
	o.mu.Unlock()

	now := o.deps.Clock.Now()
	for i, inv := range investors {
		o.deps.Emitter.Emit("offering", events.SetAccredited, now, map[string]string{
			"investor":   inv.Hex(),
			"accredited": fmt.Sprint(accredited[i]),
		})
	}
	return nil
}

// ChangeNonAccreditedLimit sets per-investor USD limits overriding the global one.
// A zero limit restores the global limit.
func (o *Offering) ChangeNonAccreditedLimit(caller common.Address, investors []common.Address, limits []*uint256.Int) error {
	leave, err := o.enter()
	if err != nil {
		return err
	}
	defer leave()
	if err := o.onlyOwner(caller); err != nil {
		return err
	}
	if len(investors) != len(limits) {
		return ledger.Validationf("investors and limits lengths mismatch: %d != %d", len(investors), len(limits))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for i, inv := range investors {
		o.investorRef(inv).LimitOverride = cloneOrZero(limits[i])
	}
	return nil
}

// SetAllowBeneficialInvestments controls whether payer and beneficiary may differ.
func (o *Offering) SetAllowBeneficialInvestments(caller common.Address, allow bool) error {
	leave, err := o.enter()
	if err != nil {
		return err
	}
	defer leave()
	if err := o.onlyOwner(caller); err != nil {
		return err
	}
	o.mu.Lock()
	o.allowBenefit = allow
	o.mu.Unlock()
	return nil
}

// Pause stops purchases until Unpause.
func (o *Offering) Pause(caller common.Address) error {
	return o.setPaused(caller, true)
}

// Unpause resumes purchases.
func (o *Offering) Unpause(caller common.Address) error {
	return o.setPaused(caller, false)
}

func (o *Offering) setPaused(caller common.Address, paused bool) error {
	leave, err := o.enter()
	if err != nil {
		return err
	}
	defer leave()
	if err := o.onlyOwner(caller); err != nil {
		return err
	}
	o.mu.Lock()
	if o.paused == paused {
		o.mu.Unlock()
		return ledger.Preconditionf("offering paused is already %t", paused)
	}
	o.paused = paused
	o.mu.Unlock()

	o.deps.Emitter.Emit("offering", events.SetPaused, o.deps.Clock.Now(), map[string]string{"paused": fmt.Sprint(paused)})
	return nil
}

// investorRef returns the mutable record for addr; callers hold o.mu.
func (o *Offering) investorRef(addr common.Address) *Investor {
	inv, ok := o.investors[addr]
	if !ok {
		inv = newInvestor()
		o.investors[addr] = inv
	}
	return inv
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
