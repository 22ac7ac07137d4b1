package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier delivers notifications through a slack-compatible webhook.
// Channels without webhook transport (sms, phone) are logged so the message
// is never silently dropped when no gateway is configured.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookNotifier constructs a notifier. An empty URL yields a log-only notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send delivers one notification to a recipient over the given channel.
func (n *WebhookNotifier) Send(ctx context.Context, channel, recipient, subject, body string) error {
	if n.url == "" || channel == "sms" || channel == "phone" {
		n.logger.Info("notification",
			slog.String("channel", channel),
			slog.String("recipient", recipient),
			slog.String("subject", subject),
		)
		return nil
	}

	payload := map[string]string{
		"channel":   channel,
		"recipient": recipient,
		"subject":   subject,
		"text":      body,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification webhook failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %s", resp.Status)
	}
	return nil
}
