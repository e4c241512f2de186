// Command netmedic monitors network devices, alerts on confirmed outages
// and runs bounded remediation.
package main

//	@title						NetMedic API
//	@version					0.1.0
//	@description				Device health monitoring and remediation API.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: "Bearer {token}"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	_ "github.com/HerbHall/netmedic/api/swagger"
	"github.com/HerbHall/netmedic/internal/auth"
	"github.com/HerbHall/netmedic/internal/config"
	"github.com/HerbHall/netmedic/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches subcommands and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Fprintln(stdout, version.Info())
			return 0
		case "check-config":
			return runCheckConfig(args[1:], stdout, stderr)
		case "token":
			return runToken(args[1:], stdout, stderr)
		}
	}
	return runDaemon(args, stdout, stderr)
}

func runDaemon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("netmedic", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file")
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.Info())
		return 0
	}

	settings, source, err := loadSettings(*configPath)
	if err != nil {
		reportConfigError(stderr, err)
		return 1
	}

	logger, err := config.NewLogger(settings.Logging)
	if err != nil {
		reportConfigError(stderr, err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("NetMedic starting", zap.String("version", version.Short()))
	if source != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", source))
	} else {
		logger.Warn("no configuration file found, using defaults and environment", zap.String("component", "config"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, settings, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		return 1
	}
	logger.Info("NetMedic stopped")
	return 0
}

// runCheckConfig validates configuration and reports every problem.
func runCheckConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	settings, source, err := loadSettings(*configPath)
	if err != nil {
		reportConfigError(stderr, err)
		return 1
	}
	if _, err := config.NewLogger(settings.Logging); err != nil {
		reportConfigError(stderr, err)
		return 1
	}

	if source == "" {
		source = "defaults and environment"
	}
	remediating := 0
	for i := range settings.Devices {
		if settings.Devices[i].RemediationEnabled() {
			remediating++
		}
	}
	fmt.Fprintf(stdout, "configuration OK (%s): %d devices, %d with remediation\n", source, len(settings.Devices), remediating)
	return 0
}

// runToken mints an API token signed with auth.jwt_secret.
func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file")
	subject := fs.String("subject", "", "token subject, e.g. the consuming system")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		fmt.Fprintln(stderr, "token: -subject is required")
		return 2
	}

	settings, _, err := loadSettings(*configPath)
	if err != nil {
		reportConfigError(stderr, err)
		return 1
	}
	if settings.Auth.JWTSecret == "" {
		fmt.Fprintln(stderr, "token: auth.jwt_secret is not set; API authentication is disabled")
		return 1
	}

	lifetime := settings.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	tokens, err := auth.NewTokenService([]byte(settings.Auth.JWTSecret), lifetime)
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	token, err := tokens.IssueToken(*subject)
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	fmt.Fprintf(stderr, "expires %s\n", time.Now().Add(lifetime).UTC().Format(time.RFC3339))
	return 0
}

func loadSettings(path string) (*config.Settings, string, error) {
	v, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	s, err := config.Decode(v)
	if err != nil {
		return nil, "", err
	}
	return s, v.ConfigFileUsed(), nil
}

// reportConfigError prints one line per configuration problem.
func reportConfigError(w io.Writer, err error) {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		fmt.Fprintln(w, "invalid configuration:")
		for _, e := range joined.Unwrap() {
			fmt.Fprintf(w, "  - %v\n", e)
		}
		return
	}
	fmt.Fprintf(w, "invalid configuration: %v\n", err)
}
