package pulse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func okProbe(c *fakeClock, id string) ProbeResult {
	return ProbeResult{DeviceID: id, CheckedAt: c.Now(), Success: true, LatencyMs: 1.2}
}

func failProbe(c *fakeClock, id string) ProbeResult {
	return ProbeResult{DeviceID: id, CheckedAt: c.Now(), Kind: KindUnreachable, Error: "no echo reply", PacketLoss: 1}
}

// recordingNotifier captures delivered alerts and can be made to fail.
type recordingNotifier struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []*Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a *Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) Type() string { return n.name }

func (n *recordingNotifier) kinds() []AlertKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]AlertKind, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func (n *recordingNotifier) count(kind AlertKind) int {
	c := 0
	for _, k := range n.kinds() {
		if k == kind {
			c++
		}
	}
	return c
}

// scriptedExecutor returns queued results in order; when empty it fails.
type scriptedExecutor struct {
	mu      sync.Mutex
	results []error
	calls   int
	devices []string
}

func (e *scriptedExecutor) Remediate(_ context.Context, d models.Device) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.devices = append(e.devices, d.ID)
	if len(e.results) == 0 {
		return "", errors.New("device rejected command")
	}
	err := e.results[0]
	e.results = e.results[1:]
	return "done", err
}

func (e *scriptedExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func states(trs []Transition) []State {
	out := make([]State, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}
