package pulse

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
)

var _ Prober = (*HTTPProber)(nil)

// HTTPProber checks a device's management endpoint with a GET request. Any
// 2xx or 3xx answer counts as reachable.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTP prober. Certificates are not verified.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, //nolint:gosec // G402: device certs are usually self-signed
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// probeURL returns the device's probe URL, defaulting to http://host[:port]/.
func probeURL(device models.Device) string {
	if device.ProbeURL != "" {
		return device.ProbeURL
	}
	host := device.Host
	if device.ProbePort > 0 {
		host = net.JoinHostPort(device.Host, strconv.Itoa(device.ProbePort))
	} else if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return (&url.URL{Scheme: "http", Host: host, Path: "/"}).String()
}

// Probe sends the GET and measures time to response headers.
func (p *HTTPProber) Probe(ctx context.Context, device models.Device) ProbeResult {
	target := probeURL(device)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return failedResult(device, KindError, fmt.Sprintf("invalid probe url %q: %v", target, err))
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		res := failedResult(device, classifyDialError(err), err.Error())
		res.LatencyMs = elapsed
		return res
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		res := failedResult(device, KindUnreachable, fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
		res.LatencyMs = elapsed
		return res
	}
	return ProbeResult{
		DeviceID:  device.ID,
		CheckedAt: time.Now().UTC(),
		Success:   true,
		LatencyMs: elapsed,
	}
}
