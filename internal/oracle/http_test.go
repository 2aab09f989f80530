package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestHTTPFetchMissingAsset(t *testing.T) {
	h := NewHTTP(HTTPOptions{VsCurrency: "usd"}, noopLogger())
	if _, err := h.Fetch(context.Background()); err == nil {
		t.Fatal("expected error without asset id")
	}
}

func TestHTTPFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": map[string]string{"error_message": "rate limited"}})
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{
		BaseURL:    srv.URL,
		AssetID:    "ethereum",
		VsCurrency: "usd",
		Timeout:    time.Second,
	}, noopLogger())

	if _, err := h.Fetch(context.Background()); err == nil {
		t.Fatal("HTTP 429 should return an error")
	}
}

func TestHTTPFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != simplePricePath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids"); got != "polymath" {
			t.Fatalf("unexpected ids %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"polymath":{"usd":0.1234}}`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{
		BaseURL:    srv.URL,
		AssetID:    "polymath",
		VsCurrency: "USD",
		Timeout:    time.Second,
		UserAgent:  "test",
	}, noopLogger())

	q, err := h.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("0.1234")) {
		t.Fatalf("expected price 0.1234, got %s", q.Price)
	}
	if len(q.Raw) == 0 {
		t.Fatal("raw payload should be kept")
	}
}

func TestHTTPFetchMissingPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ethereum":{"eur":3000}}`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOptions{BaseURL: srv.URL, AssetID: "ethereum", VsCurrency: "usd"}, noopLogger())
	if _, err := h.Fetch(context.Background()); err == nil {
		t.Fatal("missing vs currency should return an error")
	}
}
