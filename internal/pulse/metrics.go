package pulse

import (
	"errors"
	"sync"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauge names accepted by MetricsSink.SetGauge.
const (
	GaugeDeviceUp     = "device_up"
	GaugeDeviceState  = "device_state"
	GaugeProbeLatency = "probe_latency_seconds"
	GaugePacketLoss   = "packet_loss_ratio"
	// GaugeLegacyPacketLoss is 1 when the last probe failed and 0 otherwise,
	// labelled by device address.
	GaugeLegacyPacketLoss = "network_packet_loss"
)

// MetricsSink receives monitor measurements. Implementations must be safe
// for concurrent use.
type MetricsSink interface {
	SetGauge(deviceID, name string, value float64)
	RecordTransition(tr Transition)
	RecordRemediation(out RemediationOutcome)
	RecordNotification(channel string, err error)
}

// TickObserver receives scheduler timings.
type TickObserver interface {
	ObserveTick(d time.Duration)
	TickSkipped(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SetGauge(string, string, float64)     {}
func (NopMetrics) RecordTransition(Transition)          {}
func (NopMetrics) RecordRemediation(RemediationOutcome) {}
func (NopMetrics) RecordNotification(string, error)     {}
func (NopMetrics) ObserveTick(time.Duration)            {}
func (NopMetrics) TickSkipped(int)                      {}

var (
	_ MetricsSink  = (*PrometheusMetrics)(nil)
	_ TickObserver = (*PrometheusMetrics)(nil)
)

// PrometheusMetrics exports monitor state as Prometheus collectors.
type PrometheusMetrics struct {
	deviceUp      *prometheus.GaugeVec
	deviceState   *prometheus.GaugeVec
	latency       *prometheus.GaugeVec
	packetLoss    *prometheus.GaugeVec
	legacyLoss    *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	remediations  *prometheus.CounterVec
	notifications *prometheus.CounterVec
	notifyFails   *prometheus.CounterVec
	ticksSkipped  prometheus.Counter
	tickDuration  prometheus.Histogram

	mu    sync.RWMutex
	hosts map[string]string // device ID -> host
}

// NewPrometheusMetrics registers the monitor collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer, devices []models.Device) *PrometheusMetrics {
	f := promauto.With(reg)
	m := &PrometheusMetrics{
		deviceUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netmedic_device_up",
			Help: "1 if the device is considered reachable, 0 otherwise.",
		}, []string{"device_id"}),
		deviceState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netmedic_device_state",
			Help: "Lifecycle state ordinal: 0 healthy, 1 suspect, 2 down, 3 remediating, 4 remediation failed, 5 recovered.",
		}, []string{"device_id"}),
		latency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netmedic_probe_latency_seconds",
			Help: "Round-trip latency of the last successful probe.",
		}, []string{"device_id"}),
		packetLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netmedic_device_packet_loss_ratio",
			Help: "Packet loss of the last probe (0..1).",
		}, []string{"device_id"}),
		legacyLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "network_packet_loss",
			Help: "Packet loss percentage",
		}, []string{"device_ip"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netmedic_transitions_total",
			Help: "Device state transitions.",
		}, []string{"device_id", "from", "to"}),
		remediations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netmedic_remediations_total",
			Help: "Remediation attempts by result.",
		}, []string{"device_id", "result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netmedic_notifications_total",
			Help: "Notifications delivered per channel.",
		}, []string{"channel"}),
		notifyFails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netmedic_notification_failures_total",
			Help: "Notification deliveries that failed, per channel.",
		}, []string{"channel"}),
		ticksSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "netmedic_ticks_skipped_total",
			Help: "Scheduler ticks skipped because the previous tick overran the interval.",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "netmedic_tick_duration_seconds",
			Help:    "Time taken to probe every device once.",
			Buckets: prometheus.DefBuckets,
		}),
		hosts: make(map[string]string, len(devices)),
	}
	for _, d := range devices {
		m.hosts[d.ID] = d.Host
	}
	return m
}

// SetGauge sets one of the per-device gauges. Unknown names are ignored.
func (m *PrometheusMetrics) SetGauge(deviceID, name string, value float64) {
	switch name {
	case GaugeDeviceUp:
		m.deviceUp.WithLabelValues(deviceID).Set(value)
	case GaugeDeviceState:
		m.deviceState.WithLabelValues(deviceID).Set(value)
	case GaugeProbeLatency:
		m.latency.WithLabelValues(deviceID).Set(value)
	case GaugePacketLoss:
		m.packetLoss.WithLabelValues(deviceID).Set(value)
	case GaugeLegacyPacketLoss:
		m.mu.RLock()
		host, ok := m.hosts[deviceID]
		m.mu.RUnlock()
		if !ok {
			host = deviceID
		}
		m.legacyLoss.WithLabelValues(host).Set(value)
	}
}

func (m *PrometheusMetrics) RecordTransition(tr Transition) {
	m.transitions.WithLabelValues(tr.DeviceID, string(tr.From), string(tr.To)).Inc()
}

func (m *PrometheusMetrics) RecordRemediation(out RemediationOutcome) {
	result := "success"
	if !out.Succeeded {
		result = string(out.Kind)
		if result == "" {
			result = string(KindError)
		}
	}
	m.remediations.WithLabelValues(out.DeviceID, result).Inc()
}

func (m *PrometheusMetrics) RecordNotification(channel string, err error) {
	if err == nil {
		m.notifications.WithLabelValues(channel).Inc()
		return
	}
	var derr *NotificationDeliveryError
	if errors.As(err, &derr) && derr.Channel != "" {
		channel = derr.Channel
	}
	m.notifyFails.WithLabelValues(channel).Inc()
}

func (m *PrometheusMetrics) ObserveTick(d time.Duration) {
	m.tickDuration.Observe(d.Seconds())
}

func (m *PrometheusMetrics) TickSkipped(n int) {
	m.ticksSkipped.Add(float64(n))
}
