package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"time"
)

var _ Notifier = (*WebhookNotifier)(nil)

const webhookSchemaVersion = 1

// webhookEnvelope is the JSON body POSTed to generic webhook receivers.
type webhookEnvelope struct {
	Version    int           `json:"version"`
	Event      string        `json:"event"`
	IncidentID string        `json:"incident_id"`
	Device     webhookDevice `json:"device"`
	Alert      *Alert        `json:"alert"`
	SentAt     time.Time     `json:"sent_at"`
}

type webhookDevice struct {
	ID   string `json:"id"`
	Host string `json:"host"`
}

// WebhookNotifier POSTs alerts to a generic receiver.
//
// Every delivery carries X-NetMedic-Event, X-NetMedic-Delivery (the alert ID,
// stable across a receiver's retries of the same alert) and
// X-NetMedic-Timestamp. With a secret set, X-Signature is the hex
// HMAC-SHA256 of "<timestamp>.<body>" so receivers can reject replays.
type WebhookNotifier struct {
	client *http.Client
	cfg    WebhookConfig
	now    func() time.Time
}

// NewWebhookNotifier creates a webhook notifier with a per-request timeout.
func NewWebhookNotifier(cfg WebhookConfig, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		now:    time.Now,
	}
}

func webhookEvent(kind AlertKind) string {
	return "alert." + string(kind)
}

// Notify delivers one alert.
func (w *WebhookNotifier) Notify(ctx context.Context, alert *Alert) error {
	sentAt := w.now().UTC()
	event := webhookEvent(alert.Kind)
	body, err := json.Marshal(webhookEnvelope{
		Version:    webhookSchemaVersion,
		Event:      event,
		IncidentID: alert.IncidentID,
		Device:     webhookDevice{ID: alert.DeviceID, Host: alert.Host},
		Alert:      alert,
		SentAt:     sentAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ts := strconv.FormatInt(sentAt.Unix(), 10)
	meta := map[string]string{
		"X-Netmedic-Event":     event,
		"X-Netmedic-Delivery":  alert.ID,
		"X-Netmedic-Timestamp": ts,
	}
	if w.cfg.Secret != "" {
		meta["X-Signature"] = sign(w.cfg.Secret, append([]byte(ts+"."), body...))
	}
	// Configured headers may add to but not replace the delivery metadata.
	headers := make(map[string]string, len(w.cfg.Headers)+len(meta))
	for k, v := range w.cfg.Headers {
		if _, reserved := meta[http.CanonicalHeaderKey(k)]; !reserved {
			headers[k] = v
		}
	}
	maps.Copy(headers, meta)

	if err := postJSON(ctx, w.client, w.cfg.URL, body, "", headers); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// Type returns the notifier type identifier.
func (w *WebhookNotifier) Type() string {
	return "webhook"
}
