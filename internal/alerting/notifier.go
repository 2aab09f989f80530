// Package alerting delivers oracle price-move notifications.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification carries the context of one price-move alert.
type Notification struct {
	Bucket        time.Time
	Pair          string
	Source        string
	Previous      decimal.Decimal
	Current       decimal.Decimal
	DeviationPct  decimal.Decimal
	ThresholdPct  decimal.Decimal
	Direction     string
	Channels      []string
	AdditionalMsg string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().Time("bucket", note.Bucket).
		Str("pair", note.Pair).
		Str("direction", note.Direction).
		Msg("alert delivered")
	return nil
}

// LogNotifier writes notifications to the log. Used when no remote channel is enabled.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Time("bucket", note.Bucket).
		Str("pair", note.Pair).
		Str("source", note.Source).
		Str("previous", note.Previous.String()).
		Str("current", note.Current.String()).
		Str("deviation_pct", note.DeviationPct.StringFixed(3)).
		Str("direction", note.Direction).
		Msg("price moved beyond threshold")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s oracle alert]\n", note.Pair)
	fmt.Fprintf(&b, "Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339))
	if note.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", note.Source)
	}
	fmt.Fprintf(&b, "Previous: %s\n", note.Previous.String())
	fmt.Fprintf(&b, "Current: %s\n", note.Current.String())
	fmt.Fprintf(&b, "Move: %s%% (threshold %s%%)\n", note.DeviationPct.StringFixed(3), note.ThresholdPct.StringFixed(3))
	fmt.Fprintf(&b, "Direction: %s\n", note.Direction)
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	if note.AdditionalMsg != "" {
		b.WriteString(note.AdditionalMsg)
	}
	return b.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
