package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
	"go.uber.org/zap"
)

// ErrorKind classifies a failed probe or remediation.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindTimeout     ErrorKind = "timeout"
	KindUnreachable ErrorKind = "unreachable"
	KindError       ErrorKind = "error"
)

// ProbeResult is the outcome of one reachability check.
type ProbeResult struct {
	ID         int64     `json:"id,omitempty"`
	DeviceID   string    `json:"device_id" example:"core-rtr-01"`
	CheckedAt  time.Time `json:"checked_at"`
	Success    bool      `json:"success"`
	LatencyMs  float64   `json:"latency_ms" example:"1.8"`
	PacketLoss float64   `json:"packet_loss" example:"0"`
	Kind       ErrorKind `json:"error_kind,omitempty" example:"timeout"`
	Error      string    `json:"error,omitempty"`
}

// Err maps the result onto the probe error taxonomy. A successful result
// or a clean no-reply returns nil.
func (r ProbeResult) Err() error {
	switch r.Kind {
	case KindTimeout:
		return fmt.Errorf("%w: %s", ErrProbeTimeout, r.Error)
	case KindError:
		return fmt.Errorf("%w: %s", ErrProbe, r.Error)
	default:
		return nil
	}
}

// Prober checks a single device. Implementations report every failure in
// the returned result and must honor ctx cancellation.
type Prober interface {
	Probe(ctx context.Context, device models.Device) ProbeResult
}

// ProberFunc adapts an ordinary function to the Prober interface.
type ProberFunc func(ctx context.Context, device models.Device) ProbeResult

func (f ProberFunc) Probe(ctx context.Context, device models.Device) ProbeResult {
	return f(ctx, device)
}

func failedResult(device models.Device, kind ErrorKind, detail string) ProbeResult {
	return ProbeResult{
		DeviceID:   device.ID,
		CheckedAt:  time.Now().UTC(),
		Success:    false,
		PacketLoss: 1,
		Kind:       kind,
		Error:      detail,
	}
}

// boundedProber enforces a hard deadline on the wrapped prober. If the
// inner probe has not returned by then, a timeout result is produced and
// the inner call is left to finish on its own.
type boundedProber struct {
	inner   Prober
	timeout time.Duration
}

// Bounded wraps p so that no call takes longer than timeout.
func Bounded(p Prober, timeout time.Duration) Prober {
	return &boundedProber{inner: p, timeout: timeout}
}

func (b *boundedProber) Probe(ctx context.Context, device models.Device) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ch := make(chan ProbeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- failedResult(device, KindError, fmt.Sprintf("prober panic: %v", r))
			}
		}()
		ch <- b.inner.Probe(ctx, device)
	}()

	select {
	case res := <-ch:
		if res.DeviceID == "" {
			res.DeviceID = device.ID
		}
		if res.CheckedAt.IsZero() {
			res.CheckedAt = time.Now().UTC()
		}
		if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Kind = KindTimeout
		}
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failedResult(device, KindTimeout, fmt.Sprintf("no answer within %s", b.timeout))
		}
		return failedResult(device, KindError, "probe cancelled")
	}
}

// MethodProber dispatches to the prober matching the device's probe method.
type MethodProber struct {
	ICMP Prober
	TCP  Prober
	HTTP Prober
}

func (m *MethodProber) Probe(ctx context.Context, device models.Device) ProbeResult {
	switch device.ProbeMethod {
	case models.ProbeTCP:
		return m.TCP.Probe(ctx, device)
	case models.ProbeICMP, "":
		return m.ICMP.Probe(ctx, device)
	case models.ProbeHTTP:
		if m.HTTP != nil {
			return m.HTTP.Probe(ctx, device)
		}
	}
	return failedResult(device, KindError, fmt.Sprintf("unsupported probe method %q", device.ProbeMethod))
}

// NewProber builds the production prober: ICMP, TCP or HTTP per device,
// bounded by the probe timeout.
func NewProber(cfg PulseConfig, logger *zap.Logger) Prober {
	return Bounded(&MethodProber{
		ICMP: NewICMPProber(cfg.PingCount, cfg.ProbeTimeout, cfg.PrivilegedPing, logger),
		TCP:  NewTCPProber(cfg.ProbeTimeout),
		HTTP: NewHTTPProber(cfg.ProbeTimeout),
	}, cfg.ProbeTimeout)
}
