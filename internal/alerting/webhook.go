package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"yield-alerts/internal/monitor"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Yieldwatch-Event"
	HeaderTimestamp = "X-Yieldwatch-Timestamp"
	HeaderAlertID   = "X-Yieldwatch-Alert-Id"
)

// WebhookPayload is the JSON body POSTed to webhook targets.
type WebhookPayload struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Alert     monitor.Alert `json:"alert"`
}

// WebhookNotifier POSTs alerts to the condition's URL plus any global targets.
// Delivery is attempted once per target.
type WebhookNotifier struct {
	targets   []string
	userAgent string
	client    *http.Client
	now       func() time.Time
	logger    zerolog.Logger
}

// NewWebhookNotifier builds a webhook notifier.
func NewWebhookNotifier(targets []string, timeout time.Duration, userAgent string, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if userAgent == "" {
		userAgent = "yieldwatch"
	}
	return &WebhookNotifier{
		targets:   append([]string(nil), targets...),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "alert_webhook").Logger(),
	}
}

func (n *WebhookNotifier) Channel() string { return monitor.ChannelWebhook }

// Notify delivers to every target. It fails if any target fails.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	targets := n.targetsFor(note)
	if len(targets) == 0 {
		return ErrNoTarget
	}

	now := n.now()
	body, err := json.Marshal(WebhookPayload{Event: "alert", Timestamp: now, Alert: note.Alert})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var errs []error
	for _, target := range targets {
		if err := n.post(ctx, target, body, note.Alert.ID, now); err != nil {
			n.logger.Warn().Err(err).Str("target", target).Str("alert_id", note.Alert.ID).Msg("webhook delivery failed")
			errs = append(errs, err)
			continue
		}
		n.logger.Debug().Str("target", target).Str("alert_id", note.Alert.ID).Msg("webhook delivered")
	}
	return errors.Join(errs...)
}

func (n *WebhookNotifier) targetsFor(note Notification) []string {
	seen := make(map[string]struct{}, len(n.targets)+1)
	out := make([]string, 0, len(n.targets)+1)
	for _, t := range append([]string{note.WebhookURL}, n.targets...) {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (n *WebhookNotifier) post(ctx context.Context, target string, body []byte, alertID string, now time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Channel: n.Channel(), Target: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set(HeaderEvent, "alert")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
	req.Header.Set(HeaderAlertID, alertID)

	resp, err := n.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: n.Channel(), Target: target, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Channel: n.Channel(), Target: target, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
