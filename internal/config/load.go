// Package config loads and validates NetMedic configuration using Viper and
// builds the process logger.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment variables.
// A missing config file is not an error; defaults apply.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("netmedic")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/netmedic")
	}

	// NETMEDIC_SERVER_PORT=9090 overrides server.port.
	v.SetEnvPrefix("NETMEDIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.swagger_ui", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("database.path", "./data/netmedic.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "720h")

	v.SetDefault("pulse.tick_interval", "60s")
	v.SetDefault("pulse.probe_timeout", "5s")
	v.SetDefault("pulse.ping_count", 3)
	v.SetDefault("pulse.privileged_ping", false)
	v.SetDefault("pulse.max_workers", 32)
	v.SetDefault("pulse.confirm_threshold", 3)
	v.SetDefault("pulse.recovery_threshold", 2)
	v.SetDefault("pulse.backoff_base", "30s")
	v.SetDefault("pulse.backoff_factor", 2.0)
	v.SetDefault("pulse.backoff_cap", "30m")
	v.SetDefault("pulse.max_remediation_attempts", 3)
	v.SetDefault("pulse.remediation_timeout", "90s")
	v.SetDefault("pulse.remediation_dry_run", false)
	v.SetDefault("pulse.history_size", 20)
	v.SetDefault("pulse.retention_period", "720h")
	v.SetDefault("pulse.maintenance_interval", "1h")
	v.SetDefault("pulse.notify_remediation", true)
	v.SetDefault("pulse.shutdown_timeout", "30s")

	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.rate_per_minute", 30)
	v.SetDefault("notify.email.enabled", false)
	v.SetDefault("notify.email.smtp_port", 587)
	v.SetDefault("notify.email.use_tls", true)
	v.SetDefault("notify.slack.enabled", false)
	v.SetDefault("notify.webhook.enabled", false)
	v.SetDefault("notify.alertmanager.enabled", false)
}
