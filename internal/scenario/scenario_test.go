package scenario

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiered-sto/internal/events"
	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/offering"
)

func TestLoadDecodesScenario(t *testing.T) {
	sc, err := Load("testdata/offering.yaml")
	require.NoError(t, err)

	assert.Equal(t, "acme-series-a", sc.Name)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), sc.Genesis.UTC())
	assert.Equal(t, "500", sc.Prices["eth"].String())
	require.Len(t, sc.Offering.Tiers, 2)
	assert.Equal(t, "0.05", sc.Offering.Tiers[0].DiscountRate.String())
	assert.Equal(t, 720*time.Hour, sc.Offering.End)
	assert.Equal(t, 241*time.Hour, sc.Actions[len(sc.Actions)-1].At)
	assert.Equal(t, []string{"carol"}, sc.Actions[1].Investors)
}

func TestRunFullScenario(t *testing.T) {
	sc, err := Load("testdata/offering.yaml")
	require.NoError(t, err)

	res, err := Run(sc, Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, res.Steps, len(sc.Actions))

	bob := res.Steps[4].Receipt
	require.NotNil(t, bob)
	assert.Equal(t, "9000", fixedpoint.Format(bob.Tokens))
	assert.Equal(t, "1000", fixedpoint.Format(bob.SpentUSD))
	require.Len(t, bob.Fills, 3)
	assert.True(t, bob.Fills[0].Discounted)
	assert.Equal(t, "2000", fixedpoint.Format(bob.Fills[0].Tokens))

	clamped := res.Steps[5].Receipt
	require.NotNil(t, clamped)
	assert.Equal(t, "3", fixedpoint.Format(clamped.Spent))
	assert.Equal(t, "1", fixedpoint.Format(clamped.Refund))
	assert.Equal(t, "10000", fixedpoint.Format(clamped.Tokens))

	soldOut := res.Steps[7].Receipt
	require.NotNil(t, soldOut)
	assert.Equal(t, "6000", fixedpoint.Format(soldOut.Tokens))
	assert.Equal(t, "1.8", fixedpoint.Format(soldOut.Spent))
	assert.Equal(t, "8.2", fixedpoint.Format(soldOut.Refund))

	assert.Equal(t, "30000", fixedpoint.Format(res.TokensSold))
	assert.Equal(t, "30000", fixedpoint.Format(res.TotalSupply))
	assert.Equal(t, "3900", fixedpoint.Format(res.FundsRaisedUSD))
	assert.Equal(t, "5.8", fixedpoint.Format(res.FundsRaised[offering.ETH]))
	assert.Equal(t, "4000", fixedpoint.Format(res.FundsRaised[offering.POLY]))
	assert.Equal(t, 3, res.InvestorCount)
	assert.True(t, res.Finalized)
	assert.Equal(t, 1, res.CurrentTier)

	require.Len(t, res.Tiers, 2)
	assert.Equal(t, "10000", fixedpoint.Format(res.Tiers[0].State.Minted))
	assert.Equal(t, "2000", fixedpoint.Format(res.Tiers[0].State.MintedDiscountPOLY))
	assert.True(t, res.Tiers[1].State.Reserve.IsZero())

	require.Len(t, res.Dividends, 1)
	div := res.Dividends[0]
	assert.Equal(t, uint64(1), div.CheckpointID)
	assert.Equal(t, "2400", fixedpoint.Format(div.Claimed))
	assert.True(t, div.Reclaimed)
	assert.Equal(t, 2, div.Claimants)

	require.Len(t, res.Modules, 1)
	assert.True(t, res.Modules[0].Verified)
	assert.Equal(t, "TieredSTO", res.Modules[0].Name)

	balances := map[string]string{}
	for _, h := range res.Holdings {
		balances[h.Name] = fixedpoint.Format(h.Balance)
	}
	assert.Equal(t, map[string]string{"alice": "15000", "bob": "9000", "carol": "6000"}, balances)

	names := map[string]int{}
	for _, ev := range res.Events {
		names[ev.Name]++
	}
	assert.Equal(t, 6, names[events.TokenPurchase], "one event per fill")
	assert.Equal(t, 1, names[events.Finalized])
	assert.Equal(t, 2, names[events.DividendClaimed])
	assert.Equal(t, 1, names[events.DividendReclaimed])
	assert.Equal(t, 1, names[events.ModuleUsed])
}

func TestRunnerQuoteLeavesStateUntouched(t *testing.T) {
	sc, err := Load("testdata/offering.yaml")
	require.NoError(t, err)
	r, err := NewRunner(sc, Options{}, zerolog.Nop())
	require.NoError(t, err)

	eth, err := r.Quote("alice", "eth", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "5000", fixedpoint.Format(eth.Tokens))
	assert.Equal(t, "500", fixedpoint.Format(eth.SpentUSD))

	poly, err := r.Quote("bob", "POLY", decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.Len(t, poly.Fills, 2)
	assert.True(t, poly.Fills[0].Discounted)
	assert.Equal(t, "3500", fixedpoint.Format(poly.Tokens))

	res := r.Result()
	assert.True(t, res.TokensSold.IsZero())
	assert.Zero(t, res.InvestorCount)
	assert.Empty(t, res.Events)

	_, err = r.Quote("alice", "BTC", decimal.NewFromInt(1))
	assert.Error(t, err)
}

func TestRunReportsUnexpectedOutcomes(t *testing.T) {
	base := `
genesis: "2026-05-01T00:00:00Z"
prices: {ETH: "1", POLY: "1"}
token: {owner: issuer}
offering:
  start: 1h
  end: 2h
  currencies: [ETH]
  non_accredited_limit_usd: "10"
  tiers: [{rate: "1", total_cap: "100"}]
funding: [{account: alice, asset: ETH, amount: "5"}]
actions:
`
	cases := map[string]string{
		"failure without expectation": `  - {at: 0s, op: buy, from: alice, amount: "1"}`,
		"success despite expectation": `  - {at: 1h, op: buy, from: alice, amount: "1", expect_error: precondition}`,
		"wrong error kind":            `  - {at: 1h, op: finalize, from: alice, expect_error: validation}`,
	}
	for name, action := range cases {
		action := action
		t.Run(name, func(t *testing.T) {
			sc, err := Read(strings.NewReader(base+action+"\n"), "yaml")
			require.NoError(t, err)
			res, err := Run(sc, Options{}, zerolog.Nop())
			require.ErrorIs(t, err, ErrUnexpected)
			require.NotNil(t, res)
			assert.Len(t, res.Steps, 1)
		})
	}
}

func TestValidateRejectsBadScenarios(t *testing.T) {
	cases := map[string]string{
		"missing genesis": "token: {owner: issuer}\noffering: {tiers: [{rate: 1, total_cap: 1}]}\n",
		"missing owner":   "genesis: \"2026-05-01T00:00:00Z\"\noffering: {tiers: [{rate: 1, total_cap: 1}]}\n",
		"no tiers":        "genesis: \"2026-05-01T00:00:00Z\"\ntoken: {owner: issuer}\n",
		"unknown op": "genesis: \"2026-05-01T00:00:00Z\"\ntoken: {owner: issuer}\noffering: {tiers: [{rate: 1, total_cap: 1}]}\n" +
			"actions: [{op: teleport}]\n",
		"time goes backwards": "genesis: \"2026-05-01T00:00:00Z\"\ntoken: {owner: issuer}\noffering: {tiers: [{rate: 1, total_cap: 1}]}\n" +
			"actions: [{at: 2h, op: advance}, {at: 1h, op: advance}]\n",
		"unknown error kind": "genesis: \"2026-05-01T00:00:00Z\"\ntoken: {owner: issuer}\noffering: {tiers: [{rate: 1, total_cap: 1}]}\n" +
			"actions: [{op: advance, expect_error: cosmic}]\n",
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(body), "yaml")
			assert.Error(t, err)
		})
	}
}

func TestResolverNames(t *testing.T) {
	r, err := newResolver(map[string]string{"Alice": "0x00000000000000000000000000000000000000a1"})
	require.NoError(t, err)

	assert.Equal(t, r.address("alice"), r.address("ALICE"))
	assert.Equal(t, "alice", r.name(r.address("alice")))

	derived := r.address("bob")
	assert.Equal(t, derived, r.address("bob"))
	assert.NotEqual(t, derived, r.address("carol"))
	assert.Equal(t, "bob", r.name(derived))

	_, err = newResolver(map[string]string{"x": "nope"})
	assert.Error(t, err)
}
