package pulse

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AlertKind names what an alert announces.
type AlertKind string

const (
	AlertDown              AlertKind = "down"
	AlertRecovered         AlertKind = "recovered"
	AlertRemediating       AlertKind = "remediating"
	AlertRemediationFailed AlertKind = "remediation_failed"
	AlertExhausted         AlertKind = "remediation_exhausted"
)

// Severity values carried on alerts.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert is one notification about a device incident.
type Alert struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Since      time.Time `json:"incident_started_at"`
	DeviceID   string    `json:"device_id"`
	Host       string    `json:"host"`
	Kind       AlertKind `json:"kind"`
	Severity   string    `json:"severity"`
	State      State     `json:"state"`
	Attempt    int       `json:"attempt,omitempty"`
	Subject    string    `json:"subject"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Notifier delivers alerts through one channel.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
	// Type returns the channel identifier (e.g. "webhook", "slack", "email").
	Type() string
}

// BuildNotifiers returns a notifier for every enabled channel in cfg.
func BuildNotifiers(cfg NotifyConfig) []Notifier {
	var out []Notifier
	if cfg.Email.Enabled {
		out = append(out, NewEmailNotifier(cfg.Email))
	}
	if cfg.Slack.Enabled {
		out = append(out, NewSlackNotifier(cfg.Slack, cfg.Timeout))
	}
	if cfg.Webhook.Enabled {
		out = append(out, NewWebhookNotifier(cfg.Webhook, cfg.Timeout))
	}
	if cfg.Alertmanager.Enabled {
		out = append(out, NewAlertmanagerNotifier(cfg.Alertmanager, cfg.Timeout))
	}
	return out
}

const userAgent = "NetMedic/1.0"

// postJSON POSTs body to url, signing it with HMAC-SHA256 in X-Signature
// when secret is set. Any non-2xx status is an error.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, secret string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if secret != "" {
		req.Header.Set("X-Signature", sign(secret, body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain body for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
