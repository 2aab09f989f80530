package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const simplePricePath = "/simple/price"

// HTTPOptions parameterise the HTTP price source.
type HTTPOptions struct {
	BaseURL string
	// AssetID is the provider's id for the base currency, e.g. "ethereum".
	AssetID string
	// VsCurrency is the quote currency, e.g. "usd".
	VsCurrency string
	APIKey     string
	Timeout    time.Duration
	UserAgent  string
}

// HTTP reads prices from a CoinGecko-compatible /simple/price endpoint.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTP constructs an HTTP price source.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "http_oracle").Str("asset", opts.AssetID).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name implements Source.
func (h *HTTP) Name() string { return "http:" + h.opts.AssetID }

// Fetch implements Source.
func (h *HTTP) Fetch(ctx context.Context) (Quote, error) {
	if h.opts.AssetID == "" || h.opts.VsCurrency == "" {
		return Quote{}, errors.New("asset id and vs currency required")
	}
	vs := strings.ToLower(h.opts.VsCurrency)

	query := url.Values{}
	query.Set("ids", h.opts.AssetID)
	query.Set("vs_currencies", vs)
	query.Set("precision", "full")
	endpoint := h.baseURL + simplePricePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "stosim/1.0")
	}
	if h.opts.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", h.opts.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payload)
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(payload, &prices); err != nil {
		return Quote{}, fmt.Errorf("decode price response: %w", err)
	}

	price, ok := prices[h.opts.AssetID][vs]
	if !ok {
		return Quote{}, fmt.Errorf("price for %s/%s missing from response", h.opts.AssetID, vs)
	}
	if !price.IsPositive() {
		return Quote{}, errors.New("price returned non-positive")
	}

	return Quote{Price: price, Raw: json.RawMessage(payload)}, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ Source = (*HTTP)(nil)
