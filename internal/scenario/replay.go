package scenario

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tiered-sto/internal/chain"
	"tiered-sto/internal/dividend"
	"tiered-sto/internal/events"
	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/ledger"
	"tiered-sto/internal/offering"
	"tiered-sto/internal/oracle"
	"tiered-sto/internal/registry"
)

var errorKinds = map[string]error{
	"validation":    ledger.ErrValidation,
	"precondition":  ledger.ErrPrecondition,
	"authorization": ledger.ErrAuthorization,
	"arithmetic":    ledger.ErrArithmetic,
	"external":      ledger.ErrExternal,
}

// ErrUnexpected marks a step whose outcome did not match its expect_error.
var ErrUnexpected = errors.New("unexpected step outcome")

// Options tune a replay.
type Options struct {
	// Oracles replaces the scenario's fixed prices, e.g. with live sources.
	Oracles ledger.OracleRegistry
}

// Step is the outcome of one action.
type Step struct {
	Index   int
	Op      string
	At      time.Time
	Err     error
	Receipt *offering.Receipt
	// Detail is a short human-readable outcome.
	Detail string
}

// TierRow is one tier with its final fill.
type TierRow struct {
	Index int
	Tier  offering.Tier
	State offering.TierState
}

// Holding is one security token balance.
type Holding struct {
	Name    string
	Address common.Address
	Balance *uint256.Int
}

// Result is the final state after a replay.
type Result struct {
	Name           string
	Steps          []Step
	Tiers          []TierRow
	CurrentTier    int
	FundsRaised    map[offering.Currency]*uint256.Int
	FundsRaisedUSD *uint256.Int
	TokensSold     *uint256.Int
	TotalSupply    *uint256.Int
	InvestorCount  int
	Finalized      bool
	Holdings       []Holding
	Dividends      []dividend.Dividend
	Modules        []registry.Module
	Events         []events.Event
}

// Runner holds the deployed components for one replay.
type Runner struct {
	sc     *Scenario
	opts   Options
	logger zerolog.Logger

	names     *resolver
	chain     *chain.Chain
	log       *events.Log
	token     *chain.Token
	owner     common.Address
	fungibles map[string]*chain.Fungible
	registry  *registry.Registry
	dividend  *dividend.Module
	offering  *offering.Offering
	factories []common.Address
}

// Run replays sc from genesis and returns the resulting state. A step that
// fails without a matching expect_error aborts the run with ErrUnexpected.
func Run(sc *Scenario, opts Options, logger zerolog.Logger) (*Result, error) {
	r, err := NewRunner(sc, opts, logger)
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(sc.Actions))
	for i, a := range sc.Actions {
		step := r.Apply(i, a)
		steps = append(steps, step)
		if err := checkExpectation(a, step.Err); err != nil {
			res := r.Result()
			res.Steps = steps
			return res, fmt.Errorf("step %d (%s): %w", i, a.Op, err)
		}
	}
	res := r.Result()
	res.Steps = steps
	return res, nil
}

func checkExpectation(a Action, err error) error {
	want := strings.ToLower(a.ExpectError)
	switch {
	case want == "" && err != nil:
		return fmt.Errorf("%w: %w", ErrUnexpected, err)
	case want == "":
		return nil
	case err == nil:
		return fmt.Errorf("%w: expected %s error, got success", ErrUnexpected, want)
	case want == "any":
		return nil
	case !errors.Is(err, errorKinds[want]):
		return fmt.Errorf("%w: expected %s error, got %w", ErrUnexpected, want, err)
	}
	return nil
}

// NewRunner deploys the scenario's components on a fresh chain.
func NewRunner(sc *Scenario, opts Options, logger zerolog.Logger) (*Runner, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	names, err := newResolver(sc.Accounts)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		sc:        sc,
		opts:      opts,
		logger:    logger.With().Str("component", "scenario").Str("scenario", sc.Name).Logger(),
		names:     names,
		chain:     chain.New(sc.Genesis, logger),
		log:       events.NewLog(logger),
		fungibles: make(map[string]*chain.Fungible),
	}
	r.fungible("POLY")

	for sym, price := range sc.Prices {
		if err := r.setPrice(sym, price); err != nil {
			return nil, err
		}
	}

	if err := r.deployToken(); err != nil {
		return nil, err
	}

	regOwner := r.owner
	if sc.Registry.Owner != "" {
		regOwner = names.address(sc.Registry.Owner)
	}
	r.registry = registry.New(regOwner, r.chain, r.chain, r.log, logger)

	if err := r.deployDividend(); err != nil {
		return nil, err
	}
	if err := r.deployOffering(); err != nil {
		return nil, err
	}

	for _, f := range sc.Funding {
		amount, err := fixedpoint.FromDecimal(f.Amount)
		if err != nil {
			return nil, fmt.Errorf("funding %s: %w", f.Account, err)
		}
		who := names.address(f.Account)
		if strings.EqualFold(f.Asset, offering.ETH.String()) {
			r.chain.Fund(who, amount)
			continue
		}
		r.fungible(f.Asset).Mint(who, amount)
	}

	r.logger.Info().Time("genesis", sc.Genesis).Int("actions", len(sc.Actions)).Msg("scenario deployed")
	return r, nil
}

func (r *Runner) fungible(symbol string) *chain.Fungible {
	symbol = strings.ToUpper(symbol)
	if f, ok := r.fungibles[symbol]; ok {
		return f
	}
	f := r.chain.DeployFungible(symbol)
	r.fungibles[symbol] = f
	return f
}

func (r *Runner) setPrice(symbol string, price decimal.Decimal) error {
	scaled, err := oracle.Scale(price)
	if err != nil {
		return fmt.Errorf("price %s: %w", symbol, err)
	}
	r.chain.SetPrice(strings.ToUpper(symbol), offering.USD, scaled)
	return nil
}

func (r *Runner) deployToken() error {
	spec := r.sc.Token
	addr := r.names.address(orDefault(spec.Address, AccountToken))
	r.names.bind(AccountToken, addr)
	r.owner = r.names.address(spec.Owner)

	tok, err := r.chain.DeploySecurityToken(addr, orDefault(spec.Symbol, "STO"), spec.Details, r.owner)
	if err != nil {
		return err
	}
	r.token = tok

	holders := make([]string, 0, len(spec.Holdings))
	for h := range spec.Holdings {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	for _, h := range holders {
		amount, err := fixedpoint.FromDecimal(spec.Holdings[h])
		if err != nil {
			return fmt.Errorf("token.holdings.%s: %w", h, err)
		}
		if err := tok.Mint(r.names.address(h), amount); err != nil {
			return fmt.Errorf("token.holdings.%s: %w", h, err)
		}
	}
	return nil
}

func (r *Runner) deployDividend() error {
	spec := r.sc.Dividend
	addr := r.names.address(orDefault(spec.Address, AccountDividend))
	r.names.bind(AccountDividend, addr)

	mod, err := dividend.New(dividend.Deps{
		Address: addr,
		Token:   r.token,
		Payout:  r.fungible(orDefault(spec.Payout, "POLY")),
		Clock:   r.chain,
		Emitter: r.log,
	}, r.logger)
	if err != nil {
		return err
	}
	r.dividend = mod
	return nil
}

func (r *Runner) deployOffering() error {
	spec := r.sc.Offering
	addr := r.names.address(orDefault(spec.Address, AccountOffering))
	r.names.bind(AccountOffering, addr)

	tiers, err := convertTiers(spec.Tiers)
	if err != nil {
		return err
	}
	currencies, err := parseCurrencies(spec.Currencies)
	if err != nil {
		return err
	}
	limit, err := fixedpoint.FromDecimal(spec.NonAccreditedLimitUSD)
	if err != nil {
		return fmt.Errorf("offering.non_accredited_limit_usd: %w", err)
	}
	minimum, err := fixedpoint.FromDecimal(spec.MinimumInvestmentUSD)
	if err != nil {
		return fmt.Errorf("offering.minimum_investment_usd: %w", err)
	}

	var oracles ledger.OracleRegistry = r.chain
	if r.opts.Oracles != nil {
		oracles = r.opts.Oracles
	}

	o, err := offering.New(offering.Config{
		Address:               addr,
		StartTime:             r.sc.Genesis.Add(spec.Start),
		EndTime:               r.sc.Genesis.Add(spec.End),
		Tiers:                 tiers,
		Currencies:            currencies,
		NonAccreditedLimitUSD: limit,
		MinimumInvestmentUSD:  minimum,
		Wallet:                r.names.address(orDefault(spec.Wallet, "wallet")),
		ReserveWallet:         r.names.address(orDefault(spec.ReserveWallet, "reserve")),
		Registry:              r.names.address(orDefault(spec.Registry, "polymath_registry")),
	}, offering.Deps{
		Token:   r.token,
		Oracles: oracles,
		Native:  r.chain,
		POLY:    r.fungible("POLY"),
		Clock:   r.chain,
		Emitter: r.log,
	}, r.logger)
	if err != nil {
		return err
	}
	r.offering = o

	if spec.AllowBeneficial != nil && !*spec.AllowBeneficial {
		if err := o.SetAllowBeneficialInvestments(r.owner, false); err != nil {
			return err
		}
	}
	return nil
}

// Apply advances the clock to the action's time and executes it.
func (r *Runner) Apply(index int, a Action) Step {
	r.chain.SetTime(r.sc.Genesis.Add(a.At))
	step := Step{Index: index, Op: strings.ToLower(a.Op), At: r.chain.Now()}
	step.Detail, step.Receipt, step.Err = r.apply(a)

	ev := r.logger.Debug()
	if step.Err != nil {
		ev = r.logger.Info().Err(step.Err)
	}
	ev.Int("step", index).Str("op", step.Op).Time("at", step.At).Str("detail", step.Detail).Msg("step applied")
	return step
}

func (r *Runner) apply(a Action) (string, *offering.Receipt, error) {
	caller := r.owner
	if a.From != "" {
		caller = r.names.address(a.From)
	}

	switch strings.ToLower(a.Op) {
	case OpAdvance:
		return "clock " + r.chain.Now().Format(time.RFC3339), nil, nil

	case OpBuy:
		return r.buy(caller, a)

	case OpAccredit:
		investors := r.addresses(a.Investors)
		flags := make([]bool, len(investors))
		for i := range flags {
			flags[i] = a.Flag
		}
		return fmt.Sprintf("%d investors accredited=%t", len(investors), a.Flag), nil,
			r.offering.ChangeAccredited(caller, investors, flags)

	case OpLimit:
		investors := r.addresses(a.Investors)
		limit, err := fixedpoint.FromDecimal(a.Amount)
		if err != nil {
			return "", nil, ledger.Validationf("limit amount: %v", err)
		}
		limits := make([]*uint256.Int, len(investors))
		for i := range limits {
			limits[i] = limit
		}
		return fmt.Sprintf("%d investors limit=%s USD", len(investors), a.Amount), nil,
			r.offering.ChangeNonAccreditedLimit(caller, investors, limits)

	case OpAllowBeneficial:
		return fmt.Sprintf("allow=%t", a.Flag), nil, r.offering.SetAllowBeneficialInvestments(caller, a.Flag)

	case OpPause:
		return "", nil, r.offering.Pause(caller)

	case OpUnpause:
		return "", nil, r.offering.Unpause(caller)

	case OpFinalize:
		return "", nil, r.offering.Finalize(caller)

	case OpModifyTiers:
		tiers, err := convertTiers(a.Tiers)
		if err != nil {
			return "", nil, ledger.Validationf("%v", err)
		}
		return fmt.Sprintf("%d tiers", len(tiers)), nil, r.offering.ModifyTiers(caller, tiers)

	case OpModifyTimes:
		start, end := r.sc.Genesis.Add(a.Start), r.sc.Genesis.Add(a.End)
		return fmt.Sprintf("%s..%s", start.Format(time.RFC3339), end.Format(time.RFC3339)), nil,
			r.offering.ModifyTimes(caller, start, end)

	case OpModifyLimits:
		limit, err := fixedpoint.FromDecimal(a.Amount)
		if err != nil {
			return "", nil, ledger.Validationf("limit amount: %v", err)
		}
		minimum, err := fixedpoint.FromDecimal(a.Minimum)
		if err != nil {
			return "", nil, ledger.Validationf("minimum amount: %v", err)
		}
		return "", nil, r.offering.ModifyLimits(caller, limit, minimum)

	case OpModifyFunding:
		currencies, err := parseCurrencies(a.Currencies)
		if err != nil {
			return "", nil, ledger.Validationf("%v", err)
		}
		return strings.Join(a.Currencies, ","), nil, r.offering.ModifyFunding(caller, currencies)

	case OpSetPrice:
		if r.opts.Oracles != nil {
			return "ignored: live oracles", nil, nil
		}
		if err := r.setPrice(a.Currency, a.Amount); err != nil {
			return "", nil, ledger.Validationf("%v", err)
		}
		return fmt.Sprintf("%s/USD=%s", strings.ToUpper(a.Currency), a.Amount), nil, nil

	case OpApprove:
		amount, err := fixedpoint.FromDecimal(a.Amount)
		if err != nil {
			return "", nil, ledger.Validationf("approve amount: %v", err)
		}
		spender := r.names.address(a.To)
		r.fungible(orDefault(a.Currency, "POLY")).Approve(caller, spender, amount)
		return fmt.Sprintf("%s -> %s", a.Amount, r.names.name(spender)), nil, nil

	case OpMint:
		amount, err := fixedpoint.FromDecimal(a.Amount)
		if err != nil {
			return "", nil, ledger.Validationf("mint amount: %v", err)
		}
		return a.Amount.String(), nil, r.token.Mint(r.names.address(a.To), amount)

	case OpTransfer:
		amount, err := fixedpoint.FromDecimal(a.Amount)
		if err != nil {
			return "", nil, ledger.Validationf("transfer amount: %v", err)
		}
		if err := r.token.Transfer(caller, r.names.address(a.To), amount); err != nil {
			return "", nil, fmt.Errorf("%w: %w", ledger.ErrPrecondition, err)
		}
		return a.Amount.String(), nil, nil

	case OpCheckpoint:
		id, err := r.token.CreateCheckpoint()
		return fmt.Sprintf("checkpoint %d", id), nil, err

	case OpDividendCreate:
		return r.createDividend(caller, a)

	case OpDividendPush:
		if len(a.Investors) > 0 {
			return fmt.Sprintf("dividend %d to %d payees", a.Index, len(a.Investors)), nil,
				r.dividend.PushDividendPaymentToAddresses(caller, a.Index, r.addresses(a.Investors))
		}
		return fmt.Sprintf("dividend %d holders [%d,+%d)", a.Index, a.Offset, a.Count), nil,
			r.dividend.PushDividendPayment(caller, a.Index, a.Offset, a.Count)

	case OpDividendPull:
		return fmt.Sprintf("dividend %d", a.Index), nil, r.dividend.PullDividendPayment(caller, a.Index)

	case OpDividendReclaim:
		return fmt.Sprintf("dividend %d", a.Index), nil, r.dividend.ReclaimDividend(caller, a.Index)

	case OpModuleRegister:
		kind, err := registry.ParseModuleType(a.Kind)
		if err != nil {
			return "", nil, err
		}
		factory := r.names.address(a.Factory)
		if err := r.registry.RegisterModule(registry.Factory{Addr: factory, Kind: kind, Publisher: caller, Label: a.Name}); err != nil {
			return "", nil, err
		}
		r.factories = append(r.factories, factory)
		return fmt.Sprintf("%s (%s)", orDefault(a.Name, factory.Hex()), kind), nil, nil

	case OpModuleVerify:
		return fmt.Sprintf("verified=%t", a.Flag), nil,
			r.registry.VerifyModule(caller, r.names.address(a.Factory), a.Flag)

	case OpModuleUse:
		if a.From == "" {
			caller = r.token.Address()
		}
		return r.names.name(caller), nil, r.registry.UseModule(caller, r.names.address(a.Factory))
	}
	return "", nil, ledger.Validationf("unknown op %q", a.Op)
}

func (r *Runner) buy(payer common.Address, a Action) (string, *offering.Receipt, error) {
	value, err := fixedpoint.FromDecimal(a.Amount)
	if err != nil {
		return "", nil, ledger.Validationf("buy amount: %v", err)
	}
	beneficiary := payer
	if a.To != "" {
		beneficiary = r.names.address(a.To)
	}

	var receipt offering.Receipt
	if a.Currency == "" {
		receipt, err = r.offering.BuyWithDefaultCurrency(payer, beneficiary, value)
	} else {
		cur, perr := offering.ParseCurrency(a.Currency)
		if perr != nil {
			return "", nil, ledger.Validationf("%v", perr)
		}
		switch cur {
		case offering.ETH:
			receipt, err = r.offering.BuyWithETH(payer, beneficiary, value)
		default:
			receipt, err = r.offering.BuyWithPOLY(payer, beneficiary, value)
		}
	}
	if err != nil {
		return "", nil, err
	}
	detail := fmt.Sprintf("%s tokens for %s %s (refund %s)",
		fixedpoint.Format(receipt.Tokens), fixedpoint.Format(receipt.Spent), receipt.Currency, fixedpoint.Format(receipt.Refund))
	return detail, &receipt, nil
}

func (r *Runner) createDividend(caller common.Address, a Action) (string, *offering.Receipt, error) {
	amount, err := fixedpoint.FromDecimal(a.Amount)
	if err != nil {
		return "", nil, ledger.Validationf("dividend amount: %v", err)
	}
	maturity, expiry := r.sc.Genesis.Add(a.Maturity), r.sc.Genesis.Add(a.Expiry)

	var idx int
	if a.Checkpoint == 0 {
		idx, err = r.dividend.CreateDividend(caller, maturity, expiry, amount)
	} else {
		idx, err = r.dividend.CreateDividendWithCheckpoint(caller, maturity, expiry, amount, a.Checkpoint)
	}
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("dividend %d of %s", idx, a.Amount), nil, nil
}

// Result snapshots the current state of every component.
func (r *Runner) Result() *Result {
	res := &Result{
		Name:           r.sc.Name,
		CurrentTier:    r.offering.CurrentTier(),
		FundsRaised:    map[offering.Currency]*uint256.Int{},
		FundsRaisedUSD: r.offering.FundsRaisedUSD(),
		TokensSold:     r.offering.TokensSold(),
		TotalSupply:    r.token.TotalSupply(),
		InvestorCount:  r.offering.InvestorCount(),
		Finalized:      r.offering.Finalized(),
		Dividends:      r.dividend.Dividends(),
		Events:         r.log.Events(),
	}
	for _, cur := range []offering.Currency{offering.ETH, offering.POLY} {
		res.FundsRaised[cur] = r.offering.FundsRaised(cur)
	}
	for i := 0; i < r.offering.TierCount(); i++ {
		tier, st, err := r.offering.Tier(i)
		if err != nil {
			continue
		}
		res.Tiers = append(res.Tiers, TierRow{Index: i, Tier: tier, State: st})
	}
	for _, h := range r.token.Holders() {
		res.Holdings = append(res.Holdings, Holding{Name: r.names.name(h), Address: h, Balance: r.token.BalanceOf(h)})
	}
	for _, f := range r.factories {
		if m, ok := r.registry.Module(f); ok {
			res.Modules = append(res.Modules, m)
		}
	}
	return res
}

// Quote prices a purchase by payer without changing offering state. Before
// the offering opens the clock is moved to its start time. POLY quotes
// approve the full amount first so the allowance check passes.
func (r *Runner) Quote(payer, currency string, amount decimal.Decimal) (offering.Receipt, error) {
	cur, err := offering.ParseCurrency(orDefault(currency, offering.ETH.String()))
	if err != nil {
		return offering.Receipt{}, ledger.Validationf("%v", err)
	}
	value, err := fixedpoint.FromDecimal(amount)
	if err != nil {
		return offering.Receipt{}, ledger.Validationf("quote amount: %v", err)
	}
	if start, _ := r.offering.Window(); r.chain.Now().Before(start) {
		r.chain.SetTime(start)
	}
	who := r.names.address(payer)
	if cur == offering.POLY {
		r.fungible("POLY").Approve(who, r.offering.Address(), value)
	}
	return r.offering.Quote(who, who, cur, value)
}

// Events exposes the live event log, e.g. for persistence after a run.
func (r *Runner) Events() *events.Log { return r.log }

func (r *Runner) addresses(names []string) []common.Address {
	out := make([]common.Address, len(names))
	for i, n := range names {
		out[i] = r.names.address(n)
	}
	return out
}

func convertTiers(specs []TierSpec) ([]offering.Tier, error) {
	tiers := make([]offering.Tier, len(specs))
	for i, s := range specs {
		var err error
		t := &tiers[i]
		if t.Rate, err = fixedpoint.FromDecimal(s.Rate); err != nil {
			return nil, fmt.Errorf("tier %d rate: %w", i, err)
		}
		if t.DiscountRate, err = fixedpoint.FromDecimal(s.DiscountRate); err != nil {
			return nil, fmt.Errorf("tier %d discount_rate: %w", i, err)
		}
		if t.TotalCap, err = fixedpoint.FromDecimal(s.TotalCap); err != nil {
			return nil, fmt.Errorf("tier %d total_cap: %w", i, err)
		}
		if t.DiscountCap, err = fixedpoint.FromDecimal(s.DiscountCap); err != nil {
			return nil, fmt.Errorf("tier %d discount_cap: %w", i, err)
		}
	}
	return tiers, nil
}

func parseCurrencies(names []string) ([]offering.Currency, error) {
	out := make([]offering.Currency, 0, len(names))
	for _, n := range names {
		cur, err := offering.ParseCurrency(n)
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
	}
	return out, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
