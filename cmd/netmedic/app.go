package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/netmedic/internal/auth"
	"github.com/HerbHall/netmedic/internal/config"
	"github.com/HerbHall/netmedic/internal/event"
	"github.com/HerbHall/netmedic/internal/gateway"
	"github.com/HerbHall/netmedic/internal/pulse"
	"github.com/HerbHall/netmedic/internal/server"
	"github.com/HerbHall/netmedic/internal/store"
	"github.com/HerbHall/netmedic/internal/version"
	"github.com/HerbHall/netmedic/internal/ws"
)

// app is the wired daemon: database, monitor, history and HTTP surface.
type app struct {
	settings *config.Settings
	logger   *zap.Logger

	db         *store.DB
	bus        *event.Bus
	monitor    *pulse.Monitor
	recorder   *pulse.Recorder
	maintainer *pulse.Maintainer
	stream     *ws.Handler
	srv        *server.Server
	ln         net.Listener
}

// newApp opens the database, wires every component and binds the HTTP
// listener. Nothing runs until Run.
func newApp(ctx context.Context, s *config.Settings, logger *zap.Logger, reg *prometheus.Registry) (_ *app, err error) {
	a := &app{settings: s, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if dir := filepath.Dir(s.Database.Path); dir != "." && s.Database.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	a.db, err = store.Open(ctx, s.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := a.db.CheckVersion(ctx, version.Short()); err != nil {
		return nil, err
	}
	if err := a.db.Migrate(ctx, pulse.MigrationComponent, pulse.Migrations()); err != nil {
		return nil, err
	}
	logger.Info("database initialized", zap.String("component", "database"), zap.String("path", s.Database.Path))

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.bus = event.NewBus(logger.Named("event"), event.WithMetrics(reg))
	history := pulse.NewPulseStore(a.db.SQL())
	a.recorder = pulse.NewRecorder(history, 0, logger.Named("pulse.recorder"))
	a.maintainer = pulse.NewMaintainer(history, s.Pulse.MaintenanceInterval, s.Pulse.RetentionPeriod, logger.Named("pulse.maintenance"))

	var executor pulse.RemediationExecutor
	if s.Pulse.RemediationDryRun {
		executor = gateway.NewDryRunExecutor(logger.Named("gateway"))
		logger.Warn("remediation dry-run enabled; no commands will be sent to devices")
	} else {
		executor = gateway.NewSSHExecutor(logger.Named("gateway"))
	}

	notifiers := pulse.BuildNotifiers(s.Notify)
	for _, n := range notifiers {
		logger.Info("notification channel enabled", zap.String("channel", n.Type()))
	}

	a.monitor, err = pulse.NewMonitor(s.Pulse, pulse.Deps{
		Devices:   s.Devices,
		Prober:    pulse.NewProber(s.Pulse, logger.Named("pulse.prober")),
		Executor:  executor,
		Notifiers: notifiers,
		Notify:    s.Notify,
		Metrics:   pulse.NewPrometheusMetrics(reg, s.Devices),
		Bus:       a.bus,
		Logger:    logger.Named("pulse"),
	})
	if err != nil {
		return nil, err
	}

	var tokens *auth.TokenService
	if s.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenService([]byte(s.Auth.JWTSecret), s.Auth.TokenTTL)
		if err != nil {
			return nil, err
		}
	}

	a.stream = ws.NewHandler(a.bus, logger.Named("ws"))
	a.srv = server.New(server.Options{
		Addr:           s.Server.Addr(),
		Logger:         logger.Named("server"),
		Ready:          a.ready,
		Tokens:         tokens,
		RateLimitRPS:   s.Server.RateLimitRPS,
		RateLimitBurst: s.Server.RateLimitBurst,
		TrustProxy:     s.Server.TrustProxy,
		SwaggerUI:      s.Server.SwaggerUI,
		Registry:       reg,
		Routes: []server.RouteRegistrar{
			pulse.NewHandler(a.monitor, history, logger.Named("pulse.api")),
			a.stream,
		},
	})

	a.ln, err = net.Listen("tcp", s.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.Server.Addr(), err)
	}
	return a, nil
}

// Addr returns the bound HTTP address.
func (a *app) Addr() string {
	return a.ln.Addr().String()
}

func (a *app) ready(ctx context.Context) error {
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if !a.monitor.Running() {
		return errors.New("monitor is not running")
	}
	return nil
}

// Run starts monitoring and serves HTTP until ctx is cancelled, then shuts
// everything down in dependency order.
func (a *app) Run(ctx context.Context) error {
	defer a.close()

	a.recorder.Start(a.bus)
	a.monitor.Start(ctx)
	a.maintainer.Start(ctx)
	a.logger.Info("NetMedic ready",
		zap.String("version", version.Short()),
		zap.String("addr", a.Addr()),
		zap.Int("devices", len(a.settings.Devices)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.srv.Serve(a.ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.settings.Pulse.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.monitor.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		a.maintainer.Stop()
		a.recorder.Stop()
		if n := a.recorder.Dropped(); n > 0 {
			a.logger.Warn("history events dropped during run", zap.Int64("count", n))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// close releases resources held by a partially or fully built app.
func (a *app) close() {
	if a.stream != nil {
		a.stream.Close()
	}
	if a.ln != nil {
		_ = a.ln.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", zap.Error(err))
		}
	}
}
