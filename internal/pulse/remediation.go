package pulse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
	"go.uber.org/zap"
)

// RemediationExecutor performs the corrective action on a device. A nil
// error means the action succeeded. Implementations must honor ctx.
type RemediationExecutor interface {
	Remediate(ctx context.Context, device models.Device) (output string, err error)
}

// RemediationOutcome is the interpreted result of one remediation attempt.
type RemediationOutcome struct {
	DeviceID   string    `json:"device_id"`
	IncidentID string    `json:"incident_id,omitempty"`
	Attempt    int       `json:"attempt"`
	Succeeded  bool      `json:"succeeded"`
	Kind       ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Output     string    `json:"output,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Err maps the outcome onto the remediation error taxonomy.
func (o RemediationOutcome) Err() error {
	switch {
	case o.Succeeded:
		return nil
	case o.Kind == KindTimeout:
		return fmt.Errorf("%w: %s", ErrRemediationTimeout, o.Error)
	default:
		return fmt.Errorf("%w: %s", ErrRemediation, o.Error)
	}
}

// Coordinator runs remediations, at most one per device at a time. Tasks
// run on a context owned by the coordinator, not by the caller, so they
// survive scheduler shutdown until Shutdown gives up on them.
type Coordinator struct {
	executor    RemediationExecutor
	timeout     time.Duration
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time

	baseCtx context.Context
	abandon context.CancelFunc
	// beforeAbandon, if set, runs once the shutdown deadline passes and
	// before running tasks are cancelled.
	beforeAbandon func()

	mu     sync.Mutex
	active map[string]*task // device ID -> running task
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator around executor.
func NewCoordinator(executor RemediationExecutor, timeout time.Duration, maxAttempts int, logger *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		executor:    executor,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		baseCtx:     ctx,
		abandon:     cancel,
		active:      make(map[string]*task),
	}
}

// Execute runs the executor for device under the remediation timeout and
// interprets the result. It never panics and never returns an error; the
// outcome carries the failure.
func (c *Coordinator) Execute(ctx context.Context, device models.Device) (out RemediationOutcome) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out = RemediationOutcome{DeviceID: device.ID, StartedAt: c.now()}
	defer func() {
		if r := recover(); r != nil {
			out.Succeeded = false
			out.Kind = KindError
			out.Error = fmt.Sprintf("executor panic: %v", r)
		}
		out.FinishedAt = c.now()
	}()

	output, err := c.executor.Remediate(ctx, device)
	out.Output = output
	switch {
	case err == nil && ctx.Err() == nil:
		out.Succeeded = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
		out.Error = fmt.Sprintf("no result within %s", c.timeout)
		if err != nil {
			out.Error += ": " + err.Error()
		}
	case err == nil:
		out.Kind = KindError
		out.Error = ctx.Err().Error()
	default:
		out.Kind = KindError
		out.Error = err.Error()
	}
	return out
}

type task struct {
	started time.Time
}

// Start launches a remediation for device unless one is already running
// or attempt exceeds the configured maximum. done is called from the task
// goroutine while the device is still marked active; it should call
// Release once the outcome is recorded. If it does not, the slot is freed
// when done returns.
func (c *Coordinator) Start(device models.Device, attempt int, done func(RemediationOutcome)) error {
	if attempt > c.maxAttempts {
		return ErrAttemptsExhausted
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	if _, busy := c.active[device.ID]; busy {
		c.mu.Unlock()
		c.logger.Info("remediation already in flight, ignoring trigger",
			zap.String("device_id", device.ID),
			zap.Int("attempt", attempt),
		)
		return ErrRemediationInFlight
	}
	tk := &task{started: c.now()}
	c.active[device.ID] = tk
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("remediation started",
		zap.String("device_id", device.ID),
		zap.Int("attempt", attempt),
	)

	go func() {
		defer c.wg.Done()
		out := c.Execute(c.baseCtx, device)
		out.Attempt = attempt

		if done != nil {
			done(out)
		}
		c.release(device.ID, tk)
	}()
	return nil
}

// Release frees the device's slot so a new remediation may start.
func (c *Coordinator) Release(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, deviceID)
}

// release frees the slot only if it still belongs to tk; a newer task may
// already hold it.
func (c *Coordinator) release(deviceID string, tk *task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[deviceID] == tk {
		delete(c.active, deviceID)
	}
}

// Active reports whether a remediation is running for the device.
func (c *Coordinator) Active(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[deviceID]
	return ok
}

// ActiveCount returns the number of running remediations.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Shutdown refuses new work and waits for running tasks. Tasks still
// running when ctx expires are cancelled and reported as abandoned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		c.abandon()
		return nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	started := make(map[string]time.Time, len(c.active))
	for id, tk := range c.active {
		started[id] = tk.started
	}
	c.mu.Unlock()
	sort.Strings(ids)

	if c.beforeAbandon != nil {
		c.beforeAbandon()
	}
	for _, id := range ids {
		c.logger.Warn("abandoning in-flight remediation",
			zap.String("device_id", id),
			zap.Duration("running_for", c.now().Sub(started[id])),
		)
	}
	c.abandon()
	return fmt.Errorf("abandoned %d remediation(s): %w", len(ids), ctx.Err())
}
