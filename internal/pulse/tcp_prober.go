package pulse

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
)

var _ Prober = (*TCPProber)(nil)

// TCPProber tests TCP connectivity to the device's probe port.
type TCPProber struct {
	timeout time.Duration
}

// NewTCPProber creates a new TCP prober with the given connection timeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	return &TCPProber{timeout: timeout}
}

// Probe connects to host:probe_port and measures connection time.
func (c *TCPProber) Probe(ctx context.Context, device models.Device) ProbeResult {
	if device.ProbePort < 1 || device.ProbePort > 65535 {
		return failedResult(device, KindError, "invalid probe port "+strconv.Itoa(device.ProbePort))
	}
	target := net.JoinHostPort(device.Host, strconv.Itoa(device.ProbePort))

	start := time.Now()
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	elapsed := time.Since(start)

	if err != nil {
		res := failedResult(device, classifyDialError(err), err.Error())
		res.LatencyMs = float64(elapsed) / float64(time.Millisecond)
		return res
	}
	_ = conn.Close()

	return ProbeResult{
		DeviceID:  device.ID,
		CheckedAt: time.Now().UTC(),
		Success:   true,
		LatencyMs: float64(elapsed) / float64(time.Millisecond),
	}
}

func classifyDialError(err error) ErrorKind {
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &dnsErr):
		return KindError
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	default:
		// Refused, reset, no route: the host did not accept the connection.
		return KindUnreachable
	}
}
