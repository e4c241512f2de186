package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/netmedic/internal/event"
	"github.com/HerbHall/netmedic/pkg/models"
	"go.uber.org/zap"
)

// StatusReader is the read-only view served over HTTP.
type StatusReader interface {
	DeviceStatus(deviceID string) (State, bool)
	Record(deviceID string) (DeviceHealthRecord, bool)
	Snapshot() []DeviceHealthRecord
	Devices() []models.Device
}

var _ StatusReader = (*Monitor)(nil)

// Deps are the collaborators a Monitor is built from.
type Deps struct {
	Devices   []models.Device
	Prober    Prober
	Executor  RemediationExecutor // nil disables remediation
	Notifiers []Notifier
	Notify    NotifyConfig
	Metrics   MetricsSink     // nil discards metrics
	Bus       event.Publisher // nil disables event publication
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Monitor is the orchestrator: it owns the device registry and the
// tracker, feeds probe results through the state machine, and reacts to
// the resulting transitions with alerts and remediation.
type Monitor struct {
	cfg     PulseConfig
	devices []models.Device
	byID    map[string]models.Device
	locks   map[string]*sync.Mutex // per-device apply lock

	prober      Prober
	tracker     *Tracker
	coordinator *Coordinator
	dispatcher  *AlertDispatcher
	scheduler   *Scheduler
	metrics     MetricsSink
	bus         event.Publisher
	logger      *zap.Logger
	now         func() time.Time
}

// NewMonitor wires a monitor from cfg and deps. The device list is fixed
// for the lifetime of the monitor.
func NewMonitor(cfg PulseConfig, deps Deps) (*Monitor, error) {
	if len(deps.Devices) == 0 {
		return nil, errors.New("pulse: no devices configured")
	}
	if deps.Prober == nil {
		return nil, errors.New("pulse: prober is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	m := &Monitor{
		cfg:     cfg,
		devices: append([]models.Device(nil), deps.Devices...),
		byID:    make(map[string]models.Device, len(deps.Devices)),
		locks:   make(map[string]*sync.Mutex, len(deps.Devices)),
		prober:  deps.Prober,
		metrics: metrics,
		bus:     deps.Bus,
		logger:  logger,
		now:     now,
	}
	for _, d := range m.devices {
		if _, dup := m.byID[d.ID]; dup {
			return nil, fmt.Errorf("pulse: duplicate device id %q", d.ID)
		}
		m.byID[d.ID] = d
		m.locks[d.ID] = &sync.Mutex{}
		metrics.SetGauge(d.ID, GaugeDeviceState, StateHealthy.Ordinal())
		metrics.SetGauge(d.ID, GaugeDeviceUp, 1)
	}

	m.tracker = NewTracker(m.devices, NewPolicy(cfg), cfg.HistorySize, WithClock(now))
	if deps.Executor != nil {
		m.coordinator = NewCoordinator(deps.Executor, cfg.RemediationTimeout, cfg.MaxRemediationAttempts, logger.Named("remediation"))
		m.coordinator.now = now
	}
	m.dispatcher = NewAlertDispatcher(deps.Notifiers, DispatcherConfig{
		Timeout:       deps.Notify.Timeout,
		RatePerMinute: deps.Notify.RatePerMinute,
		Informational: cfg.NotifyRemediation,
	}, metrics, logger.Named("alerts"))
	m.dispatcher.now = now
	if m.coordinator != nil {
		// Outcomes of abandoned tasks must not alert after Stop.
		m.coordinator.beforeAbandon = m.dispatcher.seal
	}

	ticks, _ := metrics.(TickObserver)
	m.scheduler = NewScheduler(m.devices, m.probeDevice, cfg.TickInterval, cfg.MaxWorkers, ticks, logger.Named("scheduler"))
	return m, nil
}

// Start begins periodic probing.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("monitor started",
		zap.Int("devices", len(m.devices)),
		zap.Duration("tick_interval", m.cfg.TickInterval),
		zap.Bool("remediation", m.coordinator != nil),
	)
	m.scheduler.Start(ctx)
}

// Stop halts probing, then waits for in-flight remediations and alert
// deliveries until ctx expires. Outcomes of remediations abandoned at the
// deadline still update state but no longer send alerts.
func (m *Monitor) Stop(ctx context.Context) error {
	m.scheduler.Stop()

	var errs []error
	if m.coordinator != nil {
		if err := m.coordinator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.dispatcher.Close(ctx); err != nil {
		m.logger.Warn("alert deliveries still in flight at shutdown", zap.Error(err))
		errs = append(errs, fmt.Errorf("alert deliveries: %w", err))
	}
	m.logger.Info("monitor stopped")
	return errors.Join(errs...)
}

// Running reports whether the scheduler loop is active.
func (m *Monitor) Running() bool {
	return m.scheduler.Running()
}

func (m *Monitor) probeDevice(ctx context.Context, d models.Device) {
	res := m.prober.Probe(ctx, d)
	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the device.
		m.logger.Debug("dropping probe result after cancellation", zap.String("device_id", d.ID))
		return
	}
	if err := m.HandleProbeResult(ctx, res); err != nil {
		m.logger.Error("apply probe result", zap.String("device_id", d.ID), zap.Error(err))
	}
}

// HandleProbeResult applies one probe result under the device's apply
// lock and reacts to every transition it causes.
func (m *Monitor) HandleProbeResult(ctx context.Context, res ProbeResult) error {
	lock, ok := m.locks[res.DeviceID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, res.DeviceID)
	}
	lock.Lock()
	defer lock.Unlock()

	m.recordProbeMetrics(res)
	if !res.Success {
		m.logger.Debug("probe failed",
			zap.String("device_id", res.DeviceID),
			zap.String("kind", string(res.Kind)),
			zap.String("error", res.Error),
		)
	}

	transitions, err := m.tracker.ApplyProbe(res)
	m.publish(ctx, TopicProbeCompleted, res)
	for _, tr := range transitions {
		m.handleTransition(ctx, tr)
	}
	return err
}

func (m *Monitor) recordProbeMetrics(res ProbeResult) {
	failed := 0.0
	if !res.Success {
		failed = 1
	}
	m.metrics.SetGauge(res.DeviceID, GaugeLegacyPacketLoss, failed)
	m.metrics.SetGauge(res.DeviceID, GaugePacketLoss, res.PacketLoss)
	if res.Success {
		m.metrics.SetGauge(res.DeviceID, GaugeProbeLatency, res.LatencyMs/1000)
	}
}

// handleTransition runs with the device's apply lock held.
func (m *Monitor) handleTransition(ctx context.Context, tr Transition) {
	fields := []zap.Field{
		zap.String("device_id", tr.DeviceID),
		zap.String("from", string(tr.From)),
		zap.String("state", string(tr.To)),
		zap.String("reason", tr.Reason),
	}
	if tr.IncidentID != "" {
		fields = append(fields, zap.String("incident_id", tr.IncidentID))
	}
	if tr.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", tr.Attempt))
	}
	m.logger.Info("device state changed", fields...)

	m.metrics.RecordTransition(tr)
	m.metrics.SetGauge(tr.DeviceID, GaugeDeviceState, tr.To.Ordinal())
	up := 0.0
	if tr.To.Up() {
		up = 1
	}
	m.metrics.SetGauge(tr.DeviceID, GaugeDeviceUp, up)

	m.publish(ctx, TopicTransition, tr)
	if alert, ok := m.dispatcher.Dispatch(tr); ok {
		m.tracker.NoteAlert(tr.DeviceID, alert.At)
		m.publish(ctx, TopicAlertDispatched, alert)
	}

	// A DOWN that the tracker already parked as exhausted is not current.
	if tr.To == StateDown {
		if cur, _ := m.tracker.Status(tr.DeviceID); cur == StateDown {
			m.beginRemediation(ctx, m.byID[tr.DeviceID])
		}
	}
}

func (m *Monitor) beginRemediation(ctx context.Context, d models.Device) {
	if m.coordinator == nil || !d.RemediationEnabled() {
		m.logger.Debug("remediation not configured", zap.String("device_id", d.ID))
		return
	}

	tr, err := m.tracker.BeginRemediation(d.ID)
	if err != nil {
		m.logger.Warn("not starting remediation", zap.String("device_id", d.ID), zap.Error(err))
		return
	}
	m.handleTransition(ctx, tr)

	if err := m.coordinator.Start(d, tr.Attempt, m.onRemediationDone); err != nil {
		at := m.now()
		m.applyOutcome(ctx, RemediationOutcome{
			DeviceID:   d.ID,
			Attempt:    tr.Attempt,
			Kind:       KindError,
			Error:      err.Error(),
			StartedAt:  at,
			FinishedAt: at,
		})
	}
}

// onRemediationDone applies a finished task's outcome and only then
// releases the coordinator slot, both under the apply lock, so a lock
// holder always sees RemediationInProgress and Active agree.
func (m *Monitor) onRemediationDone(out RemediationOutcome) {
	lock := m.locks[out.DeviceID]
	lock.Lock()
	defer lock.Unlock()
	m.applyOutcome(context.Background(), out)
	m.coordinator.Release(out.DeviceID)
}

// applyOutcome runs with the device's apply lock held.
func (m *Monitor) applyOutcome(ctx context.Context, out RemediationOutcome) {
	if rec, ok := m.tracker.Record(out.DeviceID); ok {
		out.IncidentID = rec.IncidentID
	}
	m.metrics.RecordRemediation(out)
	if out.Succeeded {
		m.logger.Info("remediation succeeded",
			zap.String("device_id", out.DeviceID),
			zap.Int("attempt", out.Attempt),
			zap.Duration("took", out.FinishedAt.Sub(out.StartedAt)),
		)
	} else {
		m.logger.Warn("remediation failed",
			zap.String("device_id", out.DeviceID),
			zap.Int("attempt", out.Attempt),
			zap.String("kind", string(out.Kind)),
			zap.Error(out.Err()),
		)
	}
	m.publish(ctx, TopicRemediationCompleted, out)

	transitions, err := m.tracker.ApplyRemediationOutcome(out)
	if err != nil {
		m.logger.Error("apply remediation outcome", zap.String("device_id", out.DeviceID), zap.Error(err))
	}
	for _, tr := range transitions {
		m.handleTransition(ctx, tr)
	}
}

func (m *Monitor) publish(ctx context.Context, topic string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, event.Event{
		Topic:     topic,
		Source:    eventSource,
		Timestamp: m.now(),
		Payload:   payload,
	})
}

// DeviceStatus returns the device's current state.
func (m *Monitor) DeviceStatus(deviceID string) (State, bool) {
	return m.tracker.Status(deviceID)
}

// Record returns a copy of the device's health record.
func (m *Monitor) Record(deviceID string) (DeviceHealthRecord, bool) {
	return m.tracker.Record(deviceID)
}

// Snapshot returns copies of all health records in configuration order.
func (m *Monitor) Snapshot() []DeviceHealthRecord {
	return m.tracker.Snapshot()
}

// Devices returns the configured devices.
func (m *Monitor) Devices() []models.Device {
	return append([]models.Device(nil), m.devices...)
}

// RemediationActive reports whether the coordinator is running a
// remediation for the device.
func (m *Monitor) RemediationActive(deviceID string) bool {
	return m.coordinator != nil && m.coordinator.Active(deviceID)
}
