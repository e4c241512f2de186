package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DispatcherConfig controls alert delivery.
type DispatcherConfig struct {
	// Timeout bounds each channel delivery, including the rate-limit wait.
	Timeout time.Duration
	// RatePerMinute is the token bucket refill rate per channel. Zero
	// disables limiting.
	RatePerMinute int
	// Informational enables remediation progress notices.
	Informational bool
}

type channel struct {
	notifier Notifier
	limiter  *rate.Limiter
}

// incidentLedger remembers what has already been announced for the open
// incident of one device.
type incidentLedger struct {
	id        string
	opened    time.Time
	notices   map[string]bool
	exhausted bool
}

// AlertDispatcher turns transitions into alerts and fans each alert out to
// every channel. Delivery is fire-and-forget: every channel runs in its
// own goroutine and failures are logged and counted, never retried.
type AlertDispatcher struct {
	channels []channel
	cfg      DispatcherConfig
	metrics  MetricsSink
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	incidents map[string]*incidentLedger // device ID -> open incident
	closed    bool

	wg sync.WaitGroup // in-flight deliveries; Add only under mu while open
}

// NewAlertDispatcher creates a dispatcher over notifiers.
func NewAlertDispatcher(notifiers []Notifier, cfg DispatcherConfig, metrics MetricsSink, logger *zap.Logger) *AlertDispatcher {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	d := &AlertDispatcher{
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		incidents: make(map[string]*incidentLedger),
	}
	for _, n := range notifiers {
		lim := rate.NewLimiter(rate.Inf, 1)
		if cfg.RatePerMinute > 0 {
			lim = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), cfg.RatePerMinute)
		}
		d.channels = append(d.channels, channel{notifier: n, limiter: lim})
	}
	return d
}

// Dispatch decides whether tr warrants an alert and, if so, starts
// delivering it. It returns the alert and true when one was sent.
// After Close it only logs and returns false.
func (d *AlertDispatcher) Dispatch(tr Transition) (*Alert, bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("dispatcher closed, dropping transition",
			zap.String("device_id", tr.DeviceID),
			zap.String("state", string(tr.To)))
		return nil, false
	}
	alert := d.decide(tr)
	if alert != nil {
		d.wg.Add(len(d.channels))
	}
	d.mu.Unlock()
	if alert == nil {
		return nil, false
	}

	d.logger.Info("alert dispatched",
		zap.String("alert_id", alert.ID),
		zap.String("device_id", alert.DeviceID),
		zap.String("incident_id", alert.IncidentID),
		zap.String("kind", string(alert.Kind)),
		zap.Int("channels", len(d.channels)),
	)
	for _, ch := range d.channels {
		go d.deliver(ch, alert)
	}
	return alert, true
}

// decide runs with d.mu held.
func (d *AlertDispatcher) decide(tr Transition) *Alert {
	ledger := d.incidents[tr.DeviceID]
	if ledger != nil && tr.IncidentID != "" && ledger.id != tr.IncidentID {
		// A newer incident supersedes one whose close we never saw.
		delete(d.incidents, tr.DeviceID)
		ledger = nil
	}

	switch tr.To {
	case StateDown:
		if ledger != nil || tr.IncidentID == "" {
			return nil
		}
		ledger = &incidentLedger{id: tr.IncidentID, opened: d.now().UTC(), notices: make(map[string]bool)}
		d.incidents[tr.DeviceID] = ledger
		return d.newAlert(tr, ledger, AlertDown, SeverityCritical,
			fmt.Sprintf("%s is down", deviceLabel(tr)),
			fmt.Sprintf("ALERT: %s is down or unreachable after %d consecutive failed probes. %s",
				deviceLabel(tr), tr.Failures, lastErrorSuffix(tr)))

	case StateHealthy:
		if ledger == nil || ledger.id != tr.IncidentID {
			return nil
		}
		delete(d.incidents, tr.DeviceID)
		return d.newAlert(tr, ledger, AlertRecovered, SeverityInfo,
			fmt.Sprintf("%s recovered", deviceLabel(tr)),
			fmt.Sprintf("RESOLVED: %s is reachable again (%s).", deviceLabel(tr), tr.Reason))

	case StateRemediating:
		if ledger == nil || !d.cfg.Informational || !ledger.notice(tr) {
			return nil
		}
		return d.newAlert(tr, ledger, AlertRemediating, SeverityInfo,
			fmt.Sprintf("remediating %s (attempt %d)", deviceLabel(tr), tr.Attempt),
			fmt.Sprintf("Remediation attempt %d started for %s.", tr.Attempt, deviceLabel(tr)))

	case StateRemediationFailed:
		if ledger == nil {
			return nil
		}
		if tr.Exhausted {
			if ledger.exhausted {
				return nil
			}
			ledger.exhausted = true
			return d.newAlert(tr, ledger, AlertExhausted, SeverityCritical,
				fmt.Sprintf("remediation gave up on %s", deviceLabel(tr)),
				fmt.Sprintf("ALERT: %s is still down after %d remediation attempts; manual intervention required. %s",
					deviceLabel(tr), tr.Attempt, tr.Reason))
		}
		if !d.cfg.Informational || !ledger.notice(tr) {
			return nil
		}
		return d.newAlert(tr, ledger, AlertRemediationFailed, SeverityWarning,
			fmt.Sprintf("remediation attempt %d failed on %s", tr.Attempt, deviceLabel(tr)),
			tr.Reason)
	}
	return nil
}

// notice reports whether tr is the first notice for its attempt and state.
func (l *incidentLedger) notice(tr Transition) bool {
	key := fmt.Sprintf("%s/%d", tr.To, tr.Attempt)
	if l.notices[key] {
		return false
	}
	l.notices[key] = true
	return true
}

func (d *AlertDispatcher) newAlert(tr Transition, ledger *incidentLedger, kind AlertKind, severity, subject, message string) *Alert {
	return &Alert{
		ID:         uuid.NewString(),
		IncidentID: tr.IncidentID,
		Since:      ledger.opened,
		DeviceID:   tr.DeviceID,
		Host:       tr.Host,
		Kind:       kind,
		Severity:   severity,
		State:      tr.To,
		Attempt:    tr.Attempt,
		Subject:    "[NetMedic] " + subject,
		Message:    message,
		At:         d.now().UTC(),
	}
}

func deviceLabel(tr Transition) string {
	if tr.Host == "" || tr.Host == tr.DeviceID {
		return tr.DeviceID
	}
	return fmt.Sprintf("%s (%s)", tr.DeviceID, tr.Host)
}

func lastErrorSuffix(tr Transition) string {
	if tr.LastError == "" {
		return ""
	}
	return "Last error: " + tr.LastError + "."
}

func (d *AlertDispatcher) deliver(ch channel, alert *Alert) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("notifier panic: %v", r)
			}
		}()
		if err := ch.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limited: %w", err)
		}
		return ch.notifier.Notify(ctx, alert)
	}()

	if err != nil {
		derr := &NotificationDeliveryError{Channel: ch.notifier.Type(), AlertID: alert.ID, Err: err}
		d.logger.Warn("notification delivery failed",
			zap.String("channel", derr.Channel),
			zap.String("alert_id", alert.ID),
			zap.String("device_id", alert.DeviceID),
			zap.Error(derr),
		)
		d.metrics.RecordNotification(derr.Channel, derr)
		return
	}

	d.logger.Debug("notification delivered",
		zap.String("channel", ch.notifier.Type()),
		zap.String("alert_id", alert.ID),
		zap.String("kind", string(alert.Kind)),
	)
	d.metrics.RecordNotification(ch.notifier.Type(), nil)
}

// Close stops accepting alerts and waits for in-flight deliveries until
// ctx ends.
func (d *AlertDispatcher) Close(ctx context.Context) error {
	d.seal()
	return d.Wait(ctx)
}

// seal makes every later Dispatch a no-op.
func (d *AlertDispatcher) seal() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// Wait blocks until all in-flight deliveries finish or ctx ends.
func (d *AlertDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
