package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote() Notification {
	return Notification{
		Bucket:       time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC),
		Pair:         "ETH/USD",
		Source:       "static",
		Previous:     decimal.NewFromInt(500),
		Current:      decimal.NewFromInt(540),
		DeviationPct: decimal.NewFromInt(8),
		ThresholdPct: decimal.NewFromInt(5),
		Direction:    "up",
		Channels:     []string{"telegram"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("wrong chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "ETH/USD") {
		t.Fatalf("text should name the pair: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), sampleNote())
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("ok=false should surface the description, got %v", err)
	}
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("non-2xx should return an error")
	}
}

func TestRenderMessage(t *testing.T) {
	msg := RenderMessage(sampleNote())
	for _, want := range []string{"[ETH/USD oracle alert]", "2026-01-02T03:05:00Z", "Previous: 500", "Current: 540", "Move: 8.000% (threshold 5.000%)", "Direction: up"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	if err := NewLogNotifier(testLogger()).Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("log notifier should not fail: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
