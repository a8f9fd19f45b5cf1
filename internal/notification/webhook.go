package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WebhookNotifier POSTs alerts as JSON. The text field carries a one-line
// summary so chat webhooks (Slack, Mattermost, Discord relays) render it
// without a template; the remaining fields are for machine consumers.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

type webhookPayload struct {
	Text    string     `json:"text"`
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

func NewWebhookNotifier(url string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With(slog.String("component", "webhook")),
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.At.IsZero() {
		alert.At = time.Now()
	}
	text := fmt.Sprintf("[%s] %s", alert.Level, alert.Title)
	if alert.Message != "" {
		text += ": " + alert.Message
	}
	body, err := json.Marshal(webhookPayload{
		Text:    text,
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		At:      alert.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(reply)))
	}
	w.log.Debug("sent alert", slog.String("title", alert.Title), slog.String("level", string(alert.Level)))
	return nil
}
