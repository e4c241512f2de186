package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/HerbHall/netmedic/internal/pulse"
	"github.com/HerbHall/netmedic/pkg/models"
	"github.com/spf13/viper"
)

// Settings is the fully decoded process configuration.
type Settings struct {
	Server   ServerSettings     `mapstructure:"server"`
	Logging  LoggingSettings    `mapstructure:"logging"`
	Database DatabaseSettings   `mapstructure:"database"`
	Auth     AuthSettings       `mapstructure:"auth"`
	Pulse    pulse.PulseConfig  `mapstructure:"pulse"`
	Notify   pulse.NotifyConfig `mapstructure:"notify"`
	Devices  []models.Device    `mapstructure:"devices"`
}

// ServerSettings holds the HTTP listener configuration.
type ServerSettings struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// TrustProxy rate limits by X-Forwarded-For. Enable only behind a proxy
	// that sets it.
	TrustProxy     bool    `mapstructure:"trust_proxy"`
	SwaggerUI      bool    `mapstructure:"swagger_ui"`
}

// Addr returns the listen address as host:port.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type DatabaseSettings struct {
	Path string `mapstructure:"path"`
}

// AuthSettings configures bearer-token authentication on the API.
// An empty JWTSecret disables authentication.
type AuthSettings struct {
	JWTSecret string        `mapstructure:"jwt_secret"` //nolint:gosec // G101: config field name, not a credential
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// Decode unmarshals v into Settings, fills per-device defaults and
// validates the result. Any returned error wraps one or more *ConfigError.
func Decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, &ConfigError{Field: "(root)", Reason: err.Error()}
	}
	s.applyDeviceDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) applyDeviceDefaults() {
	for i := range s.Devices {
		d := &s.Devices[i]
		if d.ID == "" {
			d.ID = d.Host
		}
		if d.ProbeMethod == "" {
			d.ProbeMethod = models.ProbeICMP
		}
		if d.DeviceType == "" {
			d.DeviceType = models.DeviceTypeUnknown
		}
		if d.Remediation.Port == 0 {
			d.Remediation.Port = 22
		}
	}
}

// Validate checks every section and returns all problems joined together.
func (s *Settings) Validate() error {
	var errs []error

	if s.Server.Port < 1 || s.Server.Port > 65535 {
		errs = append(errs, invalid("server.port", "must be 1-65535, got %d", s.Server.Port))
	}
	if s.Auth.JWTSecret != "" && len(s.Auth.JWTSecret) < 32 {
		errs = append(errs, invalid("auth.jwt_secret", "must be at least 32 characters"))
	}

	errs = append(errs, validatePulse(&s.Pulse)...)
	errs = append(errs, validateNotify(&s.Notify)...)
	errs = append(errs, validateDevices(s.Devices)...)

	return errors.Join(errs...)
}

func validatePulse(p *pulse.PulseConfig) []error {
	var errs []error
	positive := map[string]time.Duration{
		"pulse.tick_interval":       p.TickInterval,
		"pulse.probe_timeout":       p.ProbeTimeout,
		"pulse.backoff_base":        p.BackoffBase,
		"pulse.backoff_cap":         p.BackoffCap,
		"pulse.remediation_timeout": p.RemediationTimeout,
	}
	for field, d := range positive {
		if d <= 0 {
			errs = append(errs, invalid(field, "must be a positive duration, got %s", d))
		}
	}
	if p.ProbeTimeout >= p.TickInterval && p.TickInterval > 0 {
		errs = append(errs, invalid("pulse.probe_timeout", "must be shorter than pulse.tick_interval (%s)", p.TickInterval))
	}
	if p.BackoffCap < p.BackoffBase {
		errs = append(errs, invalid("pulse.backoff_cap", "must not be below pulse.backoff_base (%s)", p.BackoffBase))
	}
	if p.BackoffFactor < 1 {
		errs = append(errs, invalid("pulse.backoff_factor", "must be >= 1, got %g", p.BackoffFactor))
	}
	if p.ConfirmThreshold < 1 {
		errs = append(errs, invalid("pulse.confirm_threshold", "must be >= 1, got %d", p.ConfirmThreshold))
	}
	if p.RecoveryThreshold < 1 {
		errs = append(errs, invalid("pulse.recovery_threshold", "must be >= 1, got %d", p.RecoveryThreshold))
	}
	if p.MaxRemediationAttempts < 1 {
		errs = append(errs, invalid("pulse.max_remediation_attempts", "must be >= 1, got %d", p.MaxRemediationAttempts))
	}
	if p.PingCount < 1 {
		errs = append(errs, invalid("pulse.ping_count", "must be >= 1, got %d", p.PingCount))
	}
	if p.MaxWorkers < 1 {
		errs = append(errs, invalid("pulse.max_workers", "must be >= 1, got %d", p.MaxWorkers))
	}
	return errs
}

func validateNotify(n *pulse.NotifyConfig) []error {
	var errs []error
	if n.Timeout <= 0 {
		errs = append(errs, invalid("notify.timeout", "must be a positive duration"))
	}
	if n.Email.Enabled {
		if n.Email.SMTPHost == "" {
			errs = append(errs, invalid("notify.email.smtp_host", "required when email is enabled"))
		}
		if n.Email.From == "" || len(n.Email.To) == 0 {
			errs = append(errs, invalid("notify.email", "from and to are required when email is enabled"))
		}
	}
	if n.Slack.Enabled && n.Slack.WebhookURL == "" {
		errs = append(errs, invalid("notify.slack.webhook_url", "required when slack is enabled"))
	}
	if n.Webhook.Enabled && n.Webhook.URL == "" {
		errs = append(errs, invalid("notify.webhook.url", "required when webhook is enabled"))
	}
	if n.Alertmanager.Enabled && n.Alertmanager.URL == "" {
		errs = append(errs, invalid("notify.alertmanager.url", "required when alertmanager is enabled"))
	}
	return errs
}

func validateDevices(devices []models.Device) []error {
	if len(devices) == 0 {
		return []error{invalid("devices", "at least one device must be configured")}
	}

	var errs []error
	seen := make(map[string]bool, len(devices))
	for i := range devices {
		d := &devices[i]
		field := fmt.Sprintf("devices[%d]", i)

		if d.Host == "" {
			errs = append(errs, invalid(field+".host", "required"))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, invalid(field+".id", "duplicate device id %q", d.ID))
		}
		seen[d.ID] = true

		if ip := net.ParseIP(d.Host); ip == nil && !validHostname(d.Host) {
			errs = append(errs, invalid(field+".host", "%q is neither an IP address nor a hostname", d.Host))
		}

		if !d.DeviceType.Valid() {
			errs = append(errs, invalid(field+".device_type", "unknown device type %q", d.DeviceType))
		}

		switch d.ProbeMethod {
		case models.ProbeICMP:
		case models.ProbeTCP:
			if d.ProbePort < 1 || d.ProbePort > 65535 {
				errs = append(errs, invalid(field+".probe_port", "tcp probes need a port 1-65535, got %d", d.ProbePort))
			}
		case models.ProbeHTTP:
			if d.ProbeURL != "" {
				if u, err := url.Parse(d.ProbeURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					errs = append(errs, invalid(field+".probe_url", "%q is not an http(s) URL", d.ProbeURL))
				}
			}
		default:
			errs = append(errs, invalid(field+".probe_method", "unknown method %q (want icmp, tcp or http)", d.ProbeMethod))
		}

		if d.Remediation.Enabled {
			r := d.Remediation
			if r.Username == "" {
				errs = append(errs, invalid(field+".remediation.username", "required when remediation is enabled"))
			}
			if r.Password == "" && r.PrivateKeyPath == "" {
				errs = append(errs, invalid(field+".remediation", "password or private_key_path is required"))
			}
			if len(r.Commands) == 0 {
				errs = append(errs, invalid(field+".remediation.commands", "at least one command is required"))
			}
			if r.Port < 1 || r.Port > 65535 {
				errs = append(errs, invalid(field+".remediation.port", "must be 1-65535, got %d", r.Port))
			}
		}
	}
	return errs
}

// validHostname accepts RFC 1123 style names.
func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	label := 0
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c == '.':
			if label == 0 {
				return false
			}
			label = 0
			continue
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
		label++
		if label > 63 {
			return false
		}
	}
	return label > 0
}
