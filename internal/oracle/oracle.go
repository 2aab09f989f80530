// Package oracle supplies USD price sources (static, on-chain, HTTP) and
// adapts them to the ledger oracle interface.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tiered-sto/internal/fixedpoint"
	"tiered-sto/internal/ledger"
)

// Quote is one price observation.
type Quote struct {
	Price decimal.Decimal
	// Block is the chain height the price was read at, zero for off-chain sources.
	Block uint64
	// Raw is the source payload, kept for auditing.
	Raw json.RawMessage
}

// Source retrieves the price of one currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Quote, error)
}

// Pair names a base/quote currency pair, e.g. ETH/USD.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// ParsePair parses "ETH/USD".
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "/")
	if !ok || base == "" || quote == "" {
		return Pair{}, fmt.Errorf("invalid currency pair %q", s)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// Static is a fixed-price source.
type Static struct {
	Label string
	Price decimal.Decimal
}

// Name implements Source.
func (s Static) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

// Fetch implements Source.
func (s Static) Fetch(context.Context) (Quote, error) {
	return Quote{Price: s.Price}, nil
}

// Registry resolves price sources by currency pair and serves them to the
// offering as ledger oracles.
type Registry struct {
	mu      sync.RWMutex
	sources map[Pair]Source
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRegistry builds an empty registry. timeout bounds each synchronous price read.
func NewRegistry(timeout time.Duration, logger zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		sources: make(map[Pair]Source),
		timeout: timeout,
		logger:  logger.With().Str("component", "oracle_registry").Logger(),
	}
}

// Register installs src for base/quote, replacing any previous source.
func (r *Registry) Register(base, quote string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
	r.sources[p] = src
	r.logger.Debug().Str("pair", p.String()).Str("source", src.Name()).Msg("oracle registered")
}

// Source returns the source for a pair.
func (r *Registry) Source(p Pair) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[p]
	return src, ok
}

// Pairs lists registered pairs in a stable order.
func (r *Registry) Pairs() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pair, 0, len(r.sources))
	for p := range r.sources {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Oracle implements ledger.OracleRegistry.
func (r *Registry) Oracle(base, quote string) ledger.Oracle {
	src, ok := r.Source(Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)})
	if !ok {
		return nil
	}
	return &scaled{src: src, timeout: r.timeout}
}

// scaled adapts a Source to the ledger's 10^18-scaled oracle interface.
type scaled struct {
	src     Source
	timeout time.Duration
}

var errNonPositive = errors.New("oracle price must be positive")

func (s *scaled) Price() (*uint256.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	q, err := s.src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.src.Name(), err)
	}
	return Scale(q.Price)
}

// Scale converts a decimal price into the fixed-point representation,
// rounding beyond 18 decimal places.
func Scale(price decimal.Decimal) (*uint256.Int, error) {
	if !price.IsPositive() {
		return nil, errNonPositive
	}
	return fixedpoint.FromDecimal(price.Round(fixedpoint.Decimals))
}

var (
	_ Source                = Static{}
	_ ledger.OracleRegistry = (*Registry)(nil)
	_ ledger.Oracle         = (*scaled)(nil)
)
