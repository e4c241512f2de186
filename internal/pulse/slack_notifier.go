package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var _ Notifier = (*SlackNotifier)(nil)

type slackPayload struct {
	Text     string `json:"text"`
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
}

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	client *http.Client
	cfg    SlackConfig
}

func NewSlackNotifier(cfg SlackConfig, timeout time.Duration) *SlackNotifier {
	return &SlackNotifier{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(slackPayload{
		Text:     fmt.Sprintf("%s *%s*\n%s", slackEmoji(alert.Kind), alert.Subject, alert.Message),
		Channel:  s.cfg.Channel,
		Username: s.cfg.Username,
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := postJSON(ctx, s.client, s.cfg.WebhookURL, body, "", nil); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

func slackEmoji(kind AlertKind) string {
	switch kind {
	case AlertDown, AlertExhausted:
		return ":red_circle:"
	case AlertRecovered:
		return ":large_green_circle:"
	default:
		return ":wrench:"
	}
}

func (s *SlackNotifier) Type() string {
	return "slack"
}
