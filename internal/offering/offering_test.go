package offering

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiered-sto/internal/chain"
	"tiered-sto/internal/events"
	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/ledger"
)

var (
	genesis   = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	start     = genesis.Add(time.Hour)
	end       = genesis.Add(48 * time.Hour)
	issuer    = common.HexToAddress("0x1001")
	buyer     = common.HexToAddress("0x2001")
	other     = common.HexToAddress("0x2002")
	tokenAddr = common.HexToAddress("0x3001")
	stoAddr   = common.HexToAddress("0x4001")
	wallet    = common.HexToAddress("0x5001")
	reserve   = common.HexToAddress("0x5002")
	registry  = common.HexToAddress("0x5003")
)

func amt(s string) *uint256.Int { return fixedpoint.MustParse(s) }

func fmtAmt(v *uint256.Int) string { return fixedpoint.Format(v) }

func tier(rate, cap string) Tier {
	return Tier{Rate: amt(rate), TotalCap: amt(cap)}
}

func discountTier(rate, discountRate, cap, discountCap string) Tier {
	return Tier{Rate: amt(rate), DiscountRate: amt(discountRate), TotalCap: amt(cap), DiscountCap: amt(discountCap)}
}

type fixture struct {
	chain    *chain.Chain
	token    *chain.Token
	poly     *chain.Fungible
	log      *events.Log
	offering *Offering
}

type option func(*Config, *Deps)

func newFixture(t *testing.T, tiers []Tier, opts ...option) *fixture {
	t.Helper()
	c := chain.New(genesis, zerolog.Nop())
	token, err := c.DeploySecurityToken(tokenAddr, "ACME", "", issuer)
	require.NoError(t, err)
	poly := c.DeployFungible("POLY")
	c.SetPrice("ETH", USD, amt("1"))
	c.SetPrice("POLY", USD, amt("0.25"))

	for _, who := range []common.Address{buyer, other} {
		c.Fund(who, amt("100000"))
		poly.Mint(who, amt("100000"))
		poly.Approve(who, stoAddr, amt("100000"))
	}

	log := events.NewLog(zerolog.Nop())
	cfg := Config{
		Address:               stoAddr,
		StartTime:             start,
		EndTime:               end,
		Tiers:                 tiers,
		Currencies:            []Currency{ETH, POLY},
		NonAccreditedLimitUSD: amt("10000"),
		MinimumInvestmentUSD:  new(uint256.Int),
		Wallet:                wallet,
		ReserveWallet:         reserve,
		Registry:              registry,
	}
	deps := Deps{Token: token, Oracles: c, Native: c, POLY: poly, Clock: c, Emitter: log}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	o, err := New(cfg, deps, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{chain: c, token: token, poly: poly, log: log, offering: o}
}

func (f *fixture) open() { f.chain.SetTime(start) }

func TestBuySingleTier(t *testing.T) {
	f := newFixture(t, []Tier{tier("2", "1000")})
	f.chain.SetPrice("ETH", USD, amt("250"))
	f.open()

	r, err := f.offering.BuyWithETH(buyer, buyer, amt("2"))
	require.NoError(t, err)
	assert.Equal(t, "250", fmtAmt(r.Tokens))
	assert.Equal(t, "500", fmtAmt(r.SpentUSD))
	assert.True(t, r.Refund.IsZero())

	_, st, err := f.offering.Tier(0)
	require.NoError(t, err)
	assert.Equal(t, "250", fmtAmt(st.Minted))
	assert.Equal(t, "250", fmtAmt(st.MintedETH))

	assert.Equal(t, "250", fmtAmt(f.token.BalanceOf(buyer)))
	assert.Equal(t, "2", fmtAmt(f.chain.NativeBalance(wallet)))
	assert.True(t, f.chain.NativeBalance(stoAddr).IsZero())
	assert.Equal(t, "500", fmtAmt(f.offering.FundsRaisedUSD()))
	assert.Equal(t, "2", fmtAmt(f.offering.FundsRaised(ETH)))
	assert.Equal(t, 1, f.offering.InvestorCount())

	assert.Len(t, f.log.Named(events.TokenPurchase), 1)
	funds := f.log.Named(events.FundsReceived)
	require.Len(t, funds, 1)
	assert.Equal(t, "ETH", funds[0].Field("currency"))
}

func TestBuyBeyondCapRefunds(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "100")})
	f.open()

	r, err := f.offering.BuyWithETH(buyer, buyer, amt("150"))
	require.NoError(t, err)
	assert.Equal(t, "100", fmtAmt(r.Tokens))
	assert.Equal(t, "100", fmtAmt(r.Spent))
	assert.Equal(t, "50", fmtAmt(r.Refund))
	assert.Equal(t, "99900", fmtAmt(f.chain.NativeBalance(buyer)))
	assert.False(t, f.offering.IsOpen())

	_, err = f.offering.BuyWithETH(other, other, amt("1"))
	assert.ErrorIs(t, err, ledger.ErrPrecondition)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestBuySpillsIntoNextTier(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "100"), tier("2", "100")})
	f.open()

	r, err := f.offering.BuyWithETH(buyer, buyer, amt("150"))
	require.NoError(t, err)
	require.Len(t, r.Fills, 2)
	assert.Equal(t, 0, r.Fills[0].Tier)
	assert.Equal(t, "100", fmtAmt(r.Fills[0].Tokens))
	assert.Equal(t, "100", fmtAmt(r.Fills[0].SpentUSD))
	assert.Equal(t, 1, r.Fills[1].Tier)
	assert.Equal(t, "25", fmtAmt(r.Fills[1].Tokens))
	assert.Equal(t, "50", fmtAmt(r.Fills[1].SpentUSD))
	assert.Equal(t, "125", fmtAmt(r.Tokens))
	assert.True(t, r.Refund.IsZero())
	assert.Equal(t, 1, f.offering.CurrentTier())
	assert.True(t, f.offering.IsOpen())
}

func TestNonAccreditedLimit(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "1000")}, func(c *Config, _ *Deps) {
		c.NonAccreditedLimitUSD = amt("100")
	})
	f.open()

	r, err := f.offering.BuyWithETH(buyer, buyer, amt("150"))
	require.NoError(t, err)
	assert.Equal(t, "100", fmtAmt(r.Tokens))
	assert.Equal(t, "50", fmtAmt(r.Refund))
	assert.Equal(t, "100", fmtAmt(f.offering.Investor(buyer).InvestedUSD))

	_, err = f.offering.BuyWithETH(buyer, buyer, amt("1"))
	assert.ErrorIs(t, err, ErrLimitReached)

	t.Run("per investor override", func(t *testing.T) {
		require.NoError(t, f.offering.ChangeNonAccreditedLimit(issuer, []common.Address{buyer}, []*uint256.Int{amt("120")}))
		r, err := f.offering.BuyWithETH(buyer, buyer, amt("50"))
		require.NoError(t, err)
		assert.Equal(t, "20", fmtAmt(r.Tokens))
		assert.Equal(t, "30", fmtAmt(r.Refund))
	})

	t.Run("accredited investors are not clamped", func(t *testing.T) {
		require.NoError(t, f.offering.ChangeAccredited(issuer, []common.Address{other}, []bool{true}))
		r, err := f.offering.BuyWithETH(other, other, amt("300"))
		require.NoError(t, err)
		assert.Equal(t, "300", fmtAmt(r.Tokens))
		assert.True(t, r.Refund.IsZero())
	})

	err = f.offering.ChangeAccredited(issuer, []common.Address{buyer}, []bool{true, false})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	err = f.offering.ChangeAccredited(buyer, []common.Address{buyer}, []bool{true})
	assert.ErrorIs(t, err, ledger.ErrAuthorization)
}

func TestPOLYUsesDiscountFirst(t *testing.T) {
	f := newFixture(t, []Tier{discountTier("1", "0.5", "1000", "100")})
	f.open()

	// 400 POLY at 0.25 USD is 100 USD: 50 USD buys the 100 discounted tokens,
	// the other 50 USD buys 50 tokens at the regular rate.
	r, err := f.offering.BuyWithPOLY(buyer, buyer, amt("400"))
	require.NoError(t, err)
	require.Len(t, r.Fills, 2)
	assert.True(t, r.Fills[0].Discounted)
	assert.Equal(t, "100", fmtAmt(r.Fills[0].Tokens))
	assert.False(t, r.Fills[1].Discounted)
	assert.Equal(t, "50", fmtAmt(r.Fills[1].Tokens))
	assert.Equal(t, "400", fmtAmt(r.Spent))

	_, st, err := f.offering.Tier(0)
	require.NoError(t, err)
	assert.Equal(t, "150", fmtAmt(st.Minted))
	assert.Equal(t, "100", fmtAmt(st.MintedDiscountPOLY))
	assert.Equal(t, "50", fmtAmt(st.MintedPOLY))
	assert.True(t, st.MintedETH.IsZero())

	assert.Equal(t, "400", fmtAmt(f.poly.BalanceOf(wallet)))
	assert.Equal(t, "99600", fmtAmt(f.poly.Allowance(buyer, stoAddr)))
	assert.Equal(t, "150", fmtAmt(f.offering.TokensSoldFor(POLY)))

	// discount is exhausted; ETH never receives it anyway
	r, err = f.offering.BuyWithETH(other, other, amt("10"))
	require.NoError(t, err)
	require.Len(t, r.Fills, 1)
	assert.False(t, r.Fills[0].Discounted)
	assert.Equal(t, "10", fmtAmt(r.Tokens))
}

func TestPOLYRequiresAllowance(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "1000")})
	f.poly.Approve(buyer, stoAddr, amt("10"))
	f.open()

	_, err := f.offering.BuyWithPOLY(buyer, buyer, amt("40"))
	assert.ErrorIs(t, err, ledger.ErrExternal)
	assert.ErrorIs(t, err, ErrAllowance)
	assert.True(t, f.offering.TokensSold().IsZero())
	assert.Equal(t, "100000", fmtAmt(f.poly.BalanceOf(buyer)))
}

func TestUnsupportedOracle(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "1000")})
	f.chain.RegisterOracle("POLY", USD, nil)
	f.open()

	_, err := f.offering.BuyWithPOLY(buyer, buyer, amt("4"))
	assert.ErrorIs(t, err, ledger.ErrExternal)
	assert.ErrorIs(t, err, ErrUnsupportedPair)

	_, err = f.offering.ConvertToUSD(POLY, amt("4"))
	assert.ErrorIs(t, err, ErrUnsupportedPair)
}

type reentrantBank struct {
	*chain.Chain
	offering *Offering
	nested   error
}

func (b *reentrantBank) TransferNative(from, to common.Address, amount *uint256.Int) error {
	if to == b.offering.Address() && b.nested == nil {
		_, b.nested = b.offering.BuyWithETH(from, from, amount)
	}
	return b.Chain.TransferNative(from, to, amount)
}

func TestNestedPurchaseIsRejected(t *testing.T) {
	bank := &reentrantBank{}
	f := newFixture(t, []Tier{tier("1", "1000")}, func(_ *Config, d *Deps) {
		bank.Chain = d.Native.(*chain.Chain)
		d.Native = bank
	})
	bank.offering = f.offering
	f.open()

	r, err := f.offering.BuyWithETH(buyer, buyer, amt("10"))
	require.NoError(t, err)
	assert.Equal(t, "10", fmtAmt(r.Tokens))
	assert.ErrorIs(t, bank.nested, ErrReentrant)
	assert.Equal(t, "10", fmtAmt(f.token.BalanceOf(buyer)))
}

func TestMintFailureRollsBack(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "100"), tier("2", "100")})
	f.open()
	f.token.FreezeMinting(true)

	_, err := f.offering.BuyWithETH(buyer, buyer, amt("150"))
	assert.ErrorIs(t, err, ledger.ErrExternal)
	assert.ErrorIs(t, err, ErrMint)

	assert.Equal(t, "100000", fmtAmt(f.chain.NativeBalance(buyer)))
	assert.True(t, f.offering.TokensSold().IsZero())
	assert.Zero(t, f.offering.InvestorCount())
	assert.Zero(t, f.offering.CurrentTier())
	assert.Empty(t, f.log.Named(events.TokenPurchase))
}

type rejectingPOLY struct {
	*chain.Fungible
}

func (rejectingPOLY) TransferFrom(_, _, _ common.Address, _ *uint256.Int) error {
	return errors.New("wallet rejects POLY")
}

func TestCollectFailureRollsBack(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "1000")}, func(_ *Config, d *Deps) {
		d.POLY = rejectingPOLY{Fungible: d.POLY.(*chain.Fungible)}
	})
	f.open()

	_, err := f.offering.BuyWithPOLY(buyer, buyer, amt("40"))
	assert.ErrorIs(t, err, ledger.ErrExternal)

	assert.True(t, f.token.BalanceOf(buyer).IsZero())
	assert.True(t, f.token.TotalSupply().IsZero())
	_, st, err := f.offering.Tier(0)
	require.NoError(t, err)
	assert.True(t, st.Minted.IsZero())
	assert.True(t, f.offering.Investor(buyer).InvestedUSD.IsZero())
	assert.True(t, f.offering.FundsRaisedUSD().IsZero())
}

func TestFinalize(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "100"), tier("2", "100")})
	f.open()
	_, err := f.offering.BuyWithETH(buyer, buyer, amt("150"))
	require.NoError(t, err)

	err = f.offering.Finalize(buyer)
	assert.ErrorIs(t, err, ledger.ErrAuthorization)

	require.NoError(t, f.offering.Finalize(issuer))
	assert.Equal(t, "75", fmtAmt(f.token.BalanceOf(reserve)))
	assert.False(t, f.offering.IsOpen())
	assert.Equal(t, "125", fmtAmt(f.offering.TokensSold()))

	_, st, err := f.offering.Tier(1)
	require.NoError(t, err)
	assert.Equal(t, "100", fmtAmt(st.Minted))
	assert.Equal(t, "75", fmtAmt(st.Reserve))

	err = f.offering.Finalize(issuer)
	assert.ErrorIs(t, err, ErrFinalized)
	assert.Len(t, f.log.Named(events.Finalized), 1)
}

func TestModifyOnlyBeforeStart(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "100")})

	require.NoError(t, f.offering.ModifyTiers(issuer, []Tier{tier("1", "50"), tier("3", "50")}))
	assert.Equal(t, 2, f.offering.TierCount())

	err := f.offering.ModifyTiers(buyer, []Tier{tier("1", "50")})
	assert.ErrorIs(t, err, ledger.ErrAuthorization)

	err = f.offering.ModifyTiers(issuer, []Tier{discountTier("1", "2", "50", "10")})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	err = f.offering.ModifyTimes(issuer, genesis.Add(-time.Minute), end)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	require.NoError(t, f.offering.ModifyTimes(issuer, start.Add(time.Hour), end))

	require.NoError(t, f.offering.ModifyLimits(issuer, amt("500"), amt("5")))
	limit, minimum := f.offering.Limits()
	assert.Equal(t, "500", fmtAmt(limit))
	assert.Equal(t, "5", fmtAmt(minimum))

	err = f.offering.ModifyAddresses(issuer, common.Address{}, reserve, registry)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	require.NoError(t, f.offering.ModifyFunding(issuer, []Currency{POLY}))
	assert.False(t, f.offering.Accepts(ETH))

	f.chain.SetTime(start.Add(time.Hour))
	err = f.offering.ModifyLimits(issuer, amt("1"), amt("1"))
	assert.ErrorIs(t, err, ledger.ErrPrecondition)
	assert.ErrorIs(t, err, ErrStarted)

	_, err = f.offering.BuyWithETH(buyer, buyer, amt("1"))
	assert.ErrorIs(t, err, ErrCurrencyDisabled)
}

func TestNewValidation(t *testing.T) {
	cases := map[string]option{
		"no tiers":          func(c *Config, _ *Deps) { c.Tiers = nil },
		"zero rate":         func(c *Config, _ *Deps) { c.Tiers = []Tier{tier("0", "10")} },
		"zero cap":          func(c *Config, _ *Deps) { c.Tiers = []Tier{tier("1", "0")} },
		"discount above":    func(c *Config, _ *Deps) { c.Tiers = []Tier{discountTier("1", "1.5", "10", "5")} },
		"discount cap big":  func(c *Config, _ *Deps) { c.Tiers = []Tier{discountTier("1", "0.5", "10", "20")} },
		"start in past":     func(c *Config, _ *Deps) { c.StartTime = genesis },
		"end before start":  func(c *Config, _ *Deps) { c.EndTime = start },
		"zero wallet":       func(c *Config, _ *Deps) { c.Wallet = common.Address{} },
		"no currencies":     func(c *Config, _ *Deps) { c.Currencies = nil },
		"POLY without coin": func(_ *Config, d *Deps) { d.POLY = nil },
	}
	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			c := chain.New(genesis, zerolog.Nop())
			token, err := c.DeploySecurityToken(tokenAddr, "ACME", "", issuer)
			require.NoError(t, err)
			cfg := Config{
				Address: stoAddr, StartTime: start, EndTime: end,
				Tiers:      []Tier{tier("1", "10")},
				Currencies: []Currency{ETH, POLY},
				Wallet:     wallet, ReserveWallet: reserve, Registry: registry,
			}
			deps := Deps{Token: token, Oracles: c, Native: c, POLY: c.DeployFungible("POLY"), Clock: c}
			mutate(&cfg, &deps)
			_, err = New(cfg, deps, zerolog.Nop())
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestTiersFromColumns(t *testing.T) {
	one, ten := amt("1"), amt("10")
	_, err := TiersFromColumns([]*uint256.Int{one}, []*uint256.Int{one, one}, []*uint256.Int{ten}, []*uint256.Int{one})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	tiers, err := TiersFromColumns([]*uint256.Int{one}, []*uint256.Int{amt("0.5")}, []*uint256.Int{ten}, []*uint256.Int{one})
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, "0.5", fmtAmt(tiers[0].DiscountRate))
}

func TestPurchaseGuards(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "1000")}, func(c *Config, _ *Deps) {
		c.MinimumInvestmentUSD = amt("50")
	})

	_, err := f.offering.BuyWithETH(buyer, buyer, amt("60"))
	assert.ErrorIs(t, err, ErrNotOpen)

	f.open()
	_, err = f.offering.BuyWithETH(buyer, buyer, amt("10"))
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, err = f.offering.BuyWithETH(buyer, buyer, new(uint256.Int))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	require.NoError(t, f.offering.Pause(issuer))
	assert.ErrorIs(t, f.offering.Pause(issuer), ledger.ErrPrecondition)
	_, err = f.offering.BuyWithETH(buyer, buyer, amt("60"))
	assert.ErrorIs(t, err, ErrPaused)
	require.NoError(t, f.offering.Unpause(issuer))

	require.NoError(t, f.offering.SetAllowBeneficialInvestments(issuer, false))
	_, err = f.offering.BuyWithETH(buyer, other, amt("60"))
	assert.ErrorIs(t, err, ErrBeneficiary)

	r, err := f.offering.BuyWithDefaultCurrency(buyer, buyer, amt("60"))
	require.NoError(t, err)
	assert.Equal(t, buyer, r.Beneficiary)
	assert.Equal(t, "60", fmtAmt(f.token.BalanceOf(buyer)))

	// a lower running total still satisfies the minimum once invested
	_, err = f.offering.BuyWithETH(buyer, buyer, amt("1"))
	require.NoError(t, err)

	f.chain.SetTime(end)
	_, err = f.offering.BuyWithETH(buyer, buyer, amt("60"))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestQuoteDoesNotChangeState(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "100"), tier("2", "100")})
	f.open()

	q, err := f.offering.Quote(buyer, buyer, ETH, amt("150"))
	require.NoError(t, err)
	assert.Equal(t, "125", fmtAmt(q.Tokens))
	assert.True(t, f.offering.TokensSold().IsZero())
	assert.Zero(t, f.offering.CurrentTier())

	r, err := f.offering.BuyWithETH(buyer, buyer, amt("150"))
	require.NoError(t, err)
	assert.Equal(t, q.Tokens, r.Tokens)
}

func TestConversions(t *testing.T) {
	f := newFixture(t, []Tier{tier("1", "100")})
	usd, err := f.offering.ConvertToUSD(POLY, amt("8"))
	require.NoError(t, err)
	assert.Equal(t, "2", fmtAmt(usd))

	poly, err := f.offering.ConvertFromUSD(POLY, amt("2"))
	require.NoError(t, err)
	assert.Equal(t, "8", fmtAmt(poly))
}

func TestRandomPurchasesKeepBooksBalanced(t *testing.T) {
	tiers := []Tier{
		discountTier("0.1", "0.05", "500", "200"),
		discountTier("0.2", "0.15", "400", "100"),
		tier("0.35", "300"),
	}
	f := newFixture(t, tiers, func(c *Config, _ *Deps) {
		c.NonAccreditedLimitUSD = amt("120")
	})
	f.chain.SetPrice("ETH", USD, amt("3.7"))
	f.chain.SetPrice("POLY", USD, amt("0.33"))
	f.open()

	rng := rand.New(rand.NewSource(7))
	investors := make([]common.Address, 6)
	for i := range investors {
		investors[i] = common.HexToAddress(fmt.Sprintf("0x9%03d", i))
		f.chain.Fund(investors[i], amt("100000"))
		f.poly.Mint(investors[i], amt("100000"))
		f.poly.Approve(investors[i], stoAddr, amt("100000"))
	}
	require.NoError(t, f.offering.ChangeAccredited(issuer, investors[:2], []bool{true, true}))

	lastTier := 0
	sumUSD := new(uint256.Int)
	for i := 0; i < 200 && f.offering.IsOpen(); i++ {
		who := investors[rng.Intn(len(investors))]
		value := uint256.NewInt(uint64(rng.Int63n(40_000)) + 1)
		value.Mul(value, uint256.NewInt(1e15))

		var r Receipt
		var err error
		if rng.Intn(2) == 0 {
			r, err = f.offering.BuyWithETH(who, who, value)
		} else {
			r, err = f.offering.BuyWithPOLY(who, who, value)
		}
		if err != nil {
			require.ErrorIs(t, err, ErrLimitReached)
			continue
		}
		sumUSD.Add(sumUSD, r.SpentUSD)
		assert.Equal(t, r.Value, new(uint256.Int).Add(r.Spent, r.Refund))

		cur := f.offering.CurrentTier()
		require.GreaterOrEqual(t, cur, lastTier)
		lastTier = cur

		for j := range tiers {
			tr, st, err := f.offering.Tier(j)
			require.NoError(t, err)
			parts := new(uint256.Int).Add(st.MintedETH, st.MintedPOLY)
			parts.Add(parts, st.MintedDiscountPOLY)
			require.Equal(t, st.Minted, parts, "tier %d counters", j)
			require.False(t, st.Minted.Gt(tr.TotalCap), "tier %d over cap", j)
			require.False(t, st.MintedDiscountPOLY.Gt(tr.DiscountCap), "tier %d over discount cap", j)
		}
		require.Equal(t, f.token.TotalSupply(), f.offering.TokensSold())
	}

	assert.Equal(t, sumUSD, f.offering.FundsRaisedUSD())
	for _, inv := range investors[2:] {
		assert.False(t, f.offering.Investor(inv).InvestedUSD.Gt(amt("120")))
	}
}
