package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"yield-alerts/internal/monitor"
)

// Notification 封装一次告警投递的上下文。
type Notification struct {
	Alert monitor.Alert
	// ConditionName labels the alert in human-facing channels.
	ConditionName string
	// WebhookURL is the per-condition target, if any.
	WebhookURL string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, note Notification) error
}

// ErrNoTarget means a notifier had nowhere to send this alert. It is not a
// delivery failure.
var ErrNoTarget = errors.New("alerting: no delivery target")

// DeliveryError reports a failed delivery on one channel.
type DeliveryError struct {
	Channel string
	Target  string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("deliver %s to %s: %v", e.Channel, e.Target, e.Err)
	}
	return fmt.Sprintf("deliver %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// TelegramNotifier 通过 Telegram Bot API 推送告警。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
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

func (n *TelegramNotifier) Channel() string { return monitor.ChannelTelegram }

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
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
		return &DeliveryError{Channel: n.Channel(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Channel: n.Channel(), Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return &DeliveryError{Channel: n.Channel(), Err: fmt.Errorf("telegram ok=false: %s", result.Description)}
	}

	n.logger.Info().
		Str("alert_id", note.Alert.ID).
		Str("severity", string(note.Alert.Severity)).
		Msg("alert sent (telegram)")
	return nil
}

var severityIcon = map[monitor.Severity]string{
	monitor.SeverityInfo:     "ℹ️",
	monitor.SeverityWarning:  "⚠️",
	monitor.SeverityCritical: "🚨",
}

func renderMessage(note Notification) string {
	a := note.Alert
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s [%s] %s\n", severityIcon[a.Severity], strings.ToUpper(string(a.Severity)), a.Title))
	builder.WriteString(a.Message + "\n")
	builder.WriteString(fmt.Sprintf("Entity: %s / %s\n", a.Protocol, a.Asset))
	builder.WriteString(fmt.Sprintf("Rule: %s", a.Type))
	if note.ConditionName != "" {
		builder.WriteString(fmt.Sprintf(" (%s)", note.ConditionName))
	}
	builder.WriteString("\n")
	if a.RiskScore != nil {
		builder.WriteString(fmt.Sprintf("Risk score: %.1f\n", *a.RiskScore))
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", a.Timestamp.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Alert: %s", a.ID))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
