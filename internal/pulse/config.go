package pulse

import "time"

// PulseConfig controls probing cadence, debounce thresholds, remediation
// backoff and history retention.
type PulseConfig struct {
	TickInterval           time.Duration `mapstructure:"tick_interval"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout"`
	PingCount              int           `mapstructure:"ping_count"`
	PrivilegedPing         bool          `mapstructure:"privileged_ping"`
	MaxWorkers             int           `mapstructure:"max_workers"`
	ConfirmThreshold       int           `mapstructure:"confirm_threshold"`
	RecoveryThreshold      int           `mapstructure:"recovery_threshold"`
	BackoffBase            time.Duration `mapstructure:"backoff_base"`
	BackoffFactor          float64       `mapstructure:"backoff_factor"`
	BackoffCap             time.Duration `mapstructure:"backoff_cap"`
	MaxRemediationAttempts int           `mapstructure:"max_remediation_attempts"`
	RemediationTimeout     time.Duration `mapstructure:"remediation_timeout"`
	RemediationDryRun      bool          `mapstructure:"remediation_dry_run"`
	HistorySize            int           `mapstructure:"history_size"`
	RetentionPeriod        time.Duration `mapstructure:"retention_period"`
	MaintenanceInterval    time.Duration `mapstructure:"maintenance_interval"`
	NotifyRemediation      bool          `mapstructure:"notify_remediation"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() PulseConfig {
	return PulseConfig{
		TickInterval:           60 * time.Second,
		ProbeTimeout:           5 * time.Second,
		PingCount:              3,
		MaxWorkers:             32,
		ConfirmThreshold:       3,
		RecoveryThreshold:      2,
		BackoffBase:            30 * time.Second,
		BackoffFactor:          2,
		BackoffCap:             30 * time.Minute,
		MaxRemediationAttempts: 3,
		RemediationTimeout:     90 * time.Second,
		HistorySize:            20,
		RetentionPeriod:        30 * 24 * time.Hour,
		MaintenanceInterval:    1 * time.Hour,
		NotifyRemediation:      true,
		ShutdownTimeout:        30 * time.Second,
	}
}

// NotifyConfig lists the notification channels and shared delivery limits.
type NotifyConfig struct {
	Timeout       time.Duration      `mapstructure:"timeout"`
	RatePerMinute int                `mapstructure:"rate_per_minute"`
	Email         EmailConfig        `mapstructure:"email"`
	Slack         SlackConfig        `mapstructure:"slack"`
	Webhook       WebhookConfig      `mapstructure:"webhook"`
	Alertmanager  AlertmanagerConfig `mapstructure:"alertmanager"`
}

// EmailConfig holds SMTP delivery settings. UseTLS issues STARTTLS.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	UseTLS   bool     `mapstructure:"use_tls"`
}

// SlackConfig holds a Slack incoming-webhook destination.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
	Username   string `mapstructure:"username"`
}

// WebhookConfig holds configuration for generic webhook delivery.
type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Secret  string            `mapstructure:"secret"` //nolint:gosec // G101: config field name, not a credential
	Headers map[string]string `mapstructure:"headers"`
}

// AlertmanagerConfig holds configuration for Alertmanager-compatible webhook delivery.
type AlertmanagerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"` //nolint:gosec // G101: config field name, not a credential
}
