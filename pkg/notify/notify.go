// Package notify delivers alert notifications over the channels named on
// alert rules. A failing channel never blocks the others.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/adbfleet/fleetagent/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	envWebhookURL     = "FLEET_ALERT_WEBHOOK_URL"
	defaultHTTPWait   = 30 * time.Second
	envWebhookTimeout = "FLEET_ALERT_WEBHOOK_TIMEOUT"
)

// Message is one alert notification.
type Message struct {
	DeviceSerial string    `json:"device_serial"`
	AlertType    string    `json:"alert_type"`
	Severity     string    `json:"severity"`
	Text         string    `json:"message"`
	RaisedAt     time.Time `json:"raised_at"`
}

// Notifier delivers a message over one channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Registry maps channel names to notifiers.
type Registry struct {
	channels map[string]Notifier
}

// NewRegistry builds a registry from env: "log" is always present, "webhook"
// and "feishu" are added when configured.
func NewRegistry() *Registry {
	r := &Registry{channels: map[string]Notifier{
		"log": LogNotifier{},
	}}
	if url := config.String(envWebhookURL, ""); url != "" {
		r.channels["webhook"] = NewWebhookNotifier(url)
	}
	if feishu, err := NewFeishuNotifierFromEnv(); err != nil {
		log.Warn().Err(err).Msg("notify: feishu channel unavailable")
	} else if feishu != nil {
		r.channels["feishu"] = feishu
	}
	return r
}

// Register adds or replaces a channel; used by tests and custom wiring.
func (r *Registry) Register(name string, n Notifier) {
	if r.channels == nil {
		r.channels = map[string]Notifier{}
	}
	r.channels[name] = n
}

// Dispatch sends msg over each named channel. Unknown channels and delivery
// failures are logged and skipped.
func (r *Registry) Dispatch(ctx context.Context, channels []string, msg Message) {
	if r == nil {
		return
	}
	for _, name := range channels {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		n, ok := r.channels[name]
		if !ok {
			log.Warn().Str("channel", name).Msg("notify: unknown channel")
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			log.Error().Err(err).Str("channel", name).
				Str("alert_type", msg.AlertType).Msg("notify: delivery failed")
		}
	}
}

// LogNotifier writes the alert to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg Message) error {
	log.Warn().
		Str("device", msg.DeviceSerial).
		Str("alert_type", msg.AlertType).
		Str("severity", msg.Severity).
		Msg(msg.Text)
	return nil
}

// WebhookNotifier POSTs the alert as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier returns a notifier for the given URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: config.Duration(envWebhookTimeout, defaultHTTPWait)},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "notify: encode webhook payload failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "notify: build webhook request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "notify: webhook post failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("notify: webhook returned %s", resp.Status)
	}
	return nil
}
