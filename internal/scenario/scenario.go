// Package scenario replays a declarative offering scenario (funding, tiers,
// purchases, checkpoints, dividends, module registry calls) against the
// in-memory chain.
package scenario

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tiered-sto/internal/config"
)

// Action operations.
const (
	OpAdvance         = "advance"
	OpBuy             = "buy"
	OpAccredit        = "accredit"
	OpLimit           = "limit"
	OpAllowBeneficial = "allow_beneficial"
	OpPause           = "pause"
	OpUnpause         = "unpause"
	OpFinalize        = "finalize"
	OpModifyTiers     = "modify_tiers"
	OpModifyTimes     = "modify_times"
	OpModifyLimits    = "modify_limits"
	OpModifyFunding   = "modify_funding"
	OpSetPrice        = "set_price"
	OpApprove         = "approve"
	OpMint            = "mint"
	OpTransfer        = "transfer"
	OpCheckpoint      = "checkpoint"
	OpDividendCreate  = "dividend_create"
	OpDividendPush    = "dividend_push"
	OpDividendPull    = "dividend_pull"
	OpDividendReclaim = "dividend_reclaim"
	OpModuleRegister  = "module_register"
	OpModuleVerify    = "module_verify"
	OpModuleUse       = "module_use"
)

// Reserved account names resolved to deployed component addresses.
const (
	AccountOffering = "offering"
	AccountDividend = "dividend"
	AccountToken    = "token"
)

// Scenario is a full replayable setup plus timed actions. Times in the setup
// and in actions are offsets from Genesis.
type Scenario struct {
	Name     string                     `mapstructure:"name"`
	Genesis  time.Time                  `mapstructure:"genesis"`
	Accounts map[string]string          `mapstructure:"accounts"`
	Prices   map[string]decimal.Decimal `mapstructure:"prices"`
	Funding  []Funding                  `mapstructure:"funding"`
	Token    TokenSpec                  `mapstructure:"token"`
	Registry RegistrySpec               `mapstructure:"registry"`
	Dividend DividendSpec               `mapstructure:"dividend"`
	Offering OfferingSpec               `mapstructure:"offering"`
	Actions  []Action                   `mapstructure:"actions"`
}

// Funding credits an account with native ETH or a fungible token.
type Funding struct {
	Account string          `mapstructure:"account"`
	Asset   string          `mapstructure:"asset"`
	Amount  decimal.Decimal `mapstructure:"amount"`
}

// TokenSpec deploys the security token.
type TokenSpec struct {
	Address  string                     `mapstructure:"address"`
	Symbol   string                     `mapstructure:"symbol"`
	Details  string                     `mapstructure:"details"`
	Owner    string                     `mapstructure:"owner"`
	Holdings map[string]decimal.Decimal `mapstructure:"holdings"`
}

// RegistrySpec configures the module registry.
type RegistrySpec struct {
	Owner string `mapstructure:"owner"`
}

// DividendSpec attaches a dividend module paying out in Payout.
type DividendSpec struct {
	Address string `mapstructure:"address"`
	Payout  string `mapstructure:"payout"`
}

// OfferingSpec configures the tiered offering.
type OfferingSpec struct {
	Address               string          `mapstructure:"address"`
	Start                 time.Duration   `mapstructure:"start"`
	End                   time.Duration   `mapstructure:"end"`
	Tiers                 []TierSpec      `mapstructure:"tiers"`
	Currencies            []string        `mapstructure:"currencies"`
	NonAccreditedLimitUSD decimal.Decimal `mapstructure:"non_accredited_limit_usd"`
	MinimumInvestmentUSD  decimal.Decimal `mapstructure:"minimum_investment_usd"`
	Wallet                string          `mapstructure:"wallet"`
	ReserveWallet         string          `mapstructure:"reserve_wallet"`
	Registry              string          `mapstructure:"registry"`
	AllowBeneficial       *bool           `mapstructure:"allow_beneficial"`
}

// TierSpec is one price tier in human units.
type TierSpec struct {
	Rate         decimal.Decimal `mapstructure:"rate"`
	DiscountRate decimal.Decimal `mapstructure:"discount_rate"`
	TotalCap     decimal.Decimal `mapstructure:"total_cap"`
	DiscountCap  decimal.Decimal `mapstructure:"discount_cap"`
}

// Action is one timed step. Fields are interpreted per Op.
type Action struct {
	At          time.Duration   `mapstructure:"at"`
	Op          string          `mapstructure:"op"`
	From        string          `mapstructure:"from"`
	To          string          `mapstructure:"to"`
	Currency    string          `mapstructure:"currency"`
	Amount      decimal.Decimal `mapstructure:"amount"`
	Minimum     decimal.Decimal `mapstructure:"minimum"`
	Investors   []string        `mapstructure:"investors"`
	Flag        bool            `mapstructure:"flag"`
	Index       int             `mapstructure:"index"`
	Offset      int             `mapstructure:"offset"`
	Count       int             `mapstructure:"count"`
	Checkpoint  uint64          `mapstructure:"checkpoint"`
	Start       time.Duration   `mapstructure:"start"`
	End         time.Duration   `mapstructure:"end"`
	Maturity    time.Duration   `mapstructure:"maturity"`
	Expiry      time.Duration   `mapstructure:"expiry"`
	Tiers       []TierSpec      `mapstructure:"tiers"`
	Currencies  []string        `mapstructure:"currencies"`
	Factory     string          `mapstructure:"factory"`
	Kind        string          `mapstructure:"kind"`
	Name        string          `mapstructure:"name"`
	ExpectError string          `mapstructure:"expect_error"`
}

// Load reads a scenario file. The format follows the file extension.
func Load(path string) (*Scenario, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	return decode(v)
}

// Read parses a scenario from r in the given format ("yaml", "json", ...).
func Read(r io.Reader, format string) (*Scenario, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Scenario, error) {
	var sc Scenario
	if err := v.Unmarshal(&sc, viper.DecodeHook(config.DecodeHook())); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the static shape of the scenario. Semantic errors surface
// during replay from the components themselves.
func (s *Scenario) Validate() error {
	if s.Genesis.IsZero() {
		return fmt.Errorf("scenario genesis is required")
	}
	if s.Token.Owner == "" {
		return fmt.Errorf("token.owner is required")
	}
	if len(s.Offering.Tiers) == 0 {
		return fmt.Errorf("offering.tiers must not be empty")
	}
	for i, a := range s.Actions {
		if !knownOps[strings.ToLower(a.Op)] {
			return fmt.Errorf("action %d: unknown op %q", i, a.Op)
		}
		if i > 0 && a.At < s.Actions[i-1].At {
			return fmt.Errorf("action %d: at %s is before the previous action", i, a.At)
		}
		if a.ExpectError != "" {
			if _, ok := errorKinds[strings.ToLower(a.ExpectError)]; !ok && !strings.EqualFold(a.ExpectError, "any") {
				return fmt.Errorf("action %d: unknown expect_error %q", i, a.ExpectError)
			}
		}
	}
	return nil
}

var knownOps = map[string]bool{
	OpAdvance: true, OpBuy: true, OpAccredit: true, OpLimit: true, OpAllowBeneficial: true,
	OpPause: true, OpUnpause: true, OpFinalize: true, OpModifyTiers: true, OpModifyTimes: true,
	OpModifyLimits: true, OpModifyFunding: true, OpSetPrice: true, OpApprove: true, OpMint: true,
	OpTransfer: true, OpCheckpoint: true, OpDividendCreate: true, OpDividendPush: true,
	OpDividendPull: true, OpDividendReclaim: true, OpModuleRegister: true, OpModuleVerify: true,
	OpModuleUse: true,
}

// resolver maps account names to addresses. Hex strings are used as-is,
// names from the accounts table map to their configured address, and any
// other name gets a stable address derived from it.
type resolver struct {
	named   map[string]common.Address
	reverse map[common.Address]string
}

func newResolver(accounts map[string]string) (*resolver, error) {
	r := &resolver{
		named:   make(map[string]common.Address, len(accounts)),
		reverse: make(map[common.Address]string, len(accounts)),
	}
	names := make([]string, 0, len(accounts))
	for name := range accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hex := accounts[name]
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("accounts.%s: invalid address %q", name, hex)
		}
		r.remember(strings.ToLower(name), common.HexToAddress(hex))
	}
	return r, nil
}

func (r *resolver) remember(name string, addr common.Address) {
	r.named[name] = addr
	if _, ok := r.reverse[addr]; !ok {
		r.reverse[addr] = name
	}
}

// bind names a component address, taking precedence in reports.
func (r *resolver) bind(name string, addr common.Address) {
	r.named[strings.ToLower(name)] = addr
	r.reverse[addr] = strings.ToLower(name)
}

func (r *resolver) address(name string) common.Address {
	name = strings.TrimSpace(name)
	if common.IsHexAddress(name) {
		return common.HexToAddress(name)
	}
	key := strings.ToLower(name)
	if addr, ok := r.named[key]; ok {
		return addr
	}
	sum := sha256.Sum256([]byte("stosim:" + key))
	addr := common.BytesToAddress(sum[12:])
	r.remember(key, addr)
	return addr
}

// name reverses address for reporting, falling back to hex.
func (r *resolver) name(addr common.Address) string {
	if name, ok := r.reverse[addr]; ok {
		return name
	}
	return addr.Hex()
}
