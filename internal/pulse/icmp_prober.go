package pulse

import (
	"context"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

var _ Prober = (*ICMPProber)(nil)

// ICMPProber sends a short burst of echo requests and reports average RTT
// and packet loss. A device is up if at least one reply arrives.
type ICMPProber struct {
	count      int
	timeout    time.Duration
	privileged bool
	logger     *zap.Logger
}

// NewICMPProber creates an ICMP prober. Unprivileged mode uses UDP ping
// sockets (Linux needs net.ipv4.ping_group_range to allow it).
func NewICMPProber(count int, timeout time.Duration, privileged bool, logger *zap.Logger) *ICMPProber {
	if count < 1 {
		count = 1
	}
	return &ICMPProber{count: count, timeout: timeout, privileged: privileged, logger: logger}
}

func (p *ICMPProber) Probe(ctx context.Context, device models.Device) ProbeResult {
	pinger, err := probing.NewPinger(device.Host)
	if err != nil {
		return failedResult(device, KindError, "resolve: "+err.Error())
	}

	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.Interval = p.interval()
	pinger.SetPrivileged(p.privileged)

	runErr := make(chan error, 1)
	go func() {
		runErr <- pinger.Run()
	}()

	select {
	case err = <-runErr:
	case <-ctx.Done():
		pinger.Stop()
		<-runErr
		return failedResult(device, KindTimeout, ctx.Err().Error())
	}
	if err != nil {
		p.logger.Debug("ping failed", zap.String("device_id", device.ID), zap.Error(err))
		return failedResult(device, KindError, err.Error())
	}

	stats := pinger.Statistics()
	res := ProbeResult{
		DeviceID:   device.ID,
		CheckedAt:  time.Now().UTC(),
		PacketLoss: stats.PacketLoss / 100,
	}
	if stats.PacketsRecv == 0 {
		res.Kind = KindUnreachable
		res.Error = "no echo reply"
		res.PacketLoss = 1
		return res
	}
	res.Success = true
	res.LatencyMs = float64(stats.AvgRtt) / float64(time.Millisecond)
	return res
}

// interval spreads the echo requests across half the timeout so the last
// reply still has time to arrive.
func (p *ICMPProber) interval() time.Duration {
	iv := p.timeout / time.Duration(2*p.count)
	if iv < 50*time.Millisecond {
		iv = 50 * time.Millisecond
	}
	if iv > time.Second {
		iv = time.Second
	}
	return iv
}
