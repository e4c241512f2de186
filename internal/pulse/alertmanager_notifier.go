package pulse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"
)

var _ Notifier = (*AlertmanagerNotifier)(nil)

// alertmanagerPayload matches the Prometheus Alertmanager webhook receiver format.
type alertmanagerPayload struct {
	Version string              `json:"version"`
	Status  string              `json:"status"`
	Alerts  []alertmanagerAlert `json:"alerts"`
}

type alertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

const (
	amDeviceDown         = "NetMedicDeviceDown"
	amRemediationFailing = "NetMedicRemediationExhausted"
	amRemediationAttempt = "NetMedicRemediationAttempt"

	amFiring   = "firing"
	amResolved = "resolved"
)

// AlertmanagerNotifier delivers notifications in Prometheus Alertmanager
// webhook format.
//
// Receivers identify alerts by label set, so labels never carry values that
// change over an incident's life. The recovered notice resolves both the
// down alert and the exhaustion alert of the incident. Remediation progress
// notices are sent already resolved so they never linger as firing.
type AlertmanagerNotifier struct {
	client *http.Client
	cfg    AlertmanagerConfig
}

// NewAlertmanagerNotifier creates a new Alertmanager-format notifier with the given config.
func NewAlertmanagerNotifier(cfg AlertmanagerConfig, timeout time.Duration) *AlertmanagerNotifier {
	return &AlertmanagerNotifier{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
	}
}

// Notify sends an alert in Alertmanager webhook format to the configured URL.
func (n *AlertmanagerNotifier) Notify(ctx context.Context, alert *Alert) error {
	alerts := toAlertmanager(alert)
	status := amResolved
	for _, a := range alerts {
		if a.Status == amFiring {
			status = amFiring
		}
	}

	body, err := json.Marshal(alertmanagerPayload{
		Version: "4",
		Status:  status,
		Alerts:  alerts,
	})
	if err != nil {
		return fmt.Errorf("marshal alertmanager payload: %w", err)
	}
	if err := postJSON(ctx, n.client, n.cfg.URL, body, n.cfg.Secret, nil); err != nil {
		return fmt.Errorf("alertmanager: %w", err)
	}
	return nil
}

func toAlertmanager(a *Alert) []alertmanagerAlert {
	since := a.Since
	if since.IsZero() {
		since = a.At
	}

	switch a.Kind {
	case AlertDown:
		return []alertmanagerAlert{amAlert(a, amDeviceDown, SeverityCritical, nil, amFiring, since)}
	case AlertExhausted:
		return []alertmanagerAlert{amAlert(a, amRemediationFailing, SeverityCritical, nil, amFiring, since)}
	case AlertRecovered:
		return []alertmanagerAlert{
			amAlert(a, amDeviceDown, SeverityCritical, nil, amResolved, since),
			amAlert(a, amRemediationFailing, SeverityCritical, nil, amResolved, since),
		}
	default:
		extra := map[string]string{
			"kind":    string(a.Kind),
			"attempt": strconv.Itoa(a.Attempt),
		}
		return []alertmanagerAlert{amAlert(a, amRemediationAttempt, a.Severity, extra, amResolved, a.At)}
	}
}

func amAlert(a *Alert, name, severity string, extra map[string]string, status string, startsAt time.Time) alertmanagerAlert {
	labels := map[string]string{
		"alertname":   name,
		"device_id":   a.DeviceID,
		"instance":    a.Host,
		"incident_id": a.IncidentID,
		"severity":    severity,
		"source":      "netmedic",
	}
	for k, v := range extra {
		labels[k] = v
	}

	out := alertmanagerAlert{
		Status: status,
		Labels: labels,
		Annotations: map[string]string{
			"summary":     a.Subject,
			"description": a.Message,
			"state":       string(a.State),
		},
		StartsAt:    startsAt,
		Fingerprint: labelFingerprint(labels),
	}
	if status == amResolved {
		out.EndsAt = a.At
	}
	return out
}

// labelFingerprint is a stable hash of a label set.
func labelFingerprint(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0xff})
		h.Write([]byte(labels[k]))
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Type returns the notifier type identifier.
func (n *AlertmanagerNotifier) Type() string {
	return "alertmanager"
}
