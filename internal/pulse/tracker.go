package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// DeviceHealthRecord is the health state of one device.
type DeviceHealthRecord struct {
	DeviceID              string        `json:"device_id" example:"core-rtr-01"`
	Host                  string        `json:"host" example:"192.168.1.1"`
	State                 State         `json:"state" example:"HEALTHY"`
	ConsecutiveSuccesses  int           `json:"consecutive_successes"`
	ConsecutiveFailures   int           `json:"consecutive_failures"`
	LastTransitionAt      time.Time     `json:"last_transition_at"`
	LastAlertAt           *time.Time    `json:"last_alert_at,omitempty"`
	RemediationInProgress bool          `json:"remediation_in_progress"`
	RemediationAttempts   int           `json:"remediation_attempts"`
	NextRetryAt           *time.Time    `json:"next_retry_at,omitempty"`
	Exhausted             bool          `json:"exhausted"`
	IncidentID            string        `json:"incident_id,omitempty"`
	LastProbe             *ProbeResult  `json:"last_probe,omitempty"`
	History               []ProbeResult `json:"history,omitempty"`
}

// Transition describes one state change of one device.
type Transition struct {
	DeviceID   string    `json:"device_id"`
	Host       string    `json:"host"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Event      string    `json:"event"`
	Reason     string    `json:"reason"`
	IncidentID string    `json:"incident_id,omitempty"`
	Attempt    int       `json:"attempt"`
	Failures   int       `json:"consecutive_failures"`
	Successes  int       `json:"consecutive_successes"`
	LastError  string    `json:"last_error,omitempty"`
	Exhausted  bool      `json:"exhausted"`
	At         time.Time `json:"at"`
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithIncidentIDs overrides incident ID generation.
func WithIncidentIDs(gen func() string) TrackerOption {
	return func(t *Tracker) { t.newID = gen }
}

// Tracker owns one DeviceHealthRecord per configured device and applies
// probe results and remediation outcomes to them. It performs no I/O and
// never blocks beyond its own mutex. Callers serialize writes per device.
type Tracker struct {
	policy      Policy
	historySize int
	now         func() time.Time
	newID       func() string

	mu      sync.RWMutex
	devices map[string]*trackedDevice
	order   []string
}

type trackedDevice struct {
	rec     DeviceHealthRecord
	machine *fsm.FSM
}

// NewTracker creates a record in HEALTHY for every device.
func NewTracker(devices []models.Device, policy Policy, historySize int, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		policy:      policy,
		historySize: historySize,
		now:         time.Now,
		newID:       uuid.NewString,
		devices:     make(map[string]*trackedDevice, len(devices)),
		order:       make([]string, 0, len(devices)),
	}
	for _, opt := range opts {
		opt(t)
	}

	start := t.now()
	for _, d := range devices {
		td := &trackedDevice{
			rec: DeviceHealthRecord{
				DeviceID:         d.ID,
				Host:             d.Host,
				State:            StateHealthy,
				LastTransitionAt: start,
			},
		}
		td.machine = newLifecycle(StateHealthy, t.entryEffects(td))
		t.devices[d.ID] = td
		t.order = append(t.order, d.ID)
	}
	return t
}

// entryEffects keeps the record's incident bookkeeping in step with the
// machine.
func (t *Tracker) entryEffects(td *trackedDevice) fsm.Callbacks {
	return fsm.Callbacks{
		"enter_" + string(StateDown): func(context.Context, *fsm.Event) {
			r := &td.rec
			if r.IncidentID == "" {
				r.IncidentID = t.newID()
				r.RemediationAttempts = 0
				r.Exhausted = false
			}
			r.NextRetryAt = nil
		},
		"enter_" + string(StateRemediating): func(context.Context, *fsm.Event) {
			td.rec.RemediationInProgress = true
			td.rec.RemediationAttempts++
			td.rec.NextRetryAt = nil
		},
		"leave_" + string(StateRemediating): func(context.Context, *fsm.Event) {
			td.rec.RemediationInProgress = false
		},
		"enter_" + string(StateHealthy): func(_ context.Context, e *fsm.Event) {
			if e.Src == string(StateSuspect) {
				return
			}
			r := &td.rec
			r.IncidentID = ""
			r.RemediationAttempts = 0
			r.Exhausted = false
			r.NextRetryAt = nil
		},
	}
}

func (t *Tracker) step(td *trackedDevice, event, reason string, at time.Time) (Transition, error) {
	r := &td.rec
	from := r.State
	incident := r.IncidentID

	to, err := fire(context.Background(), td.machine, event)
	if err != nil {
		return Transition{}, fmt.Errorf("%w: %s on %s from %s: %v", ErrInvalidTransition, event, r.DeviceID, from, err)
	}
	r.State = to
	r.LastTransitionAt = at

	if r.IncidentID != "" {
		incident = r.IncidentID
	}
	tr := Transition{
		DeviceID:   r.DeviceID,
		Host:       r.Host,
		From:       from,
		To:         to,
		Event:      event,
		Reason:     reason,
		IncidentID: incident,
		Attempt:    r.RemediationAttempts,
		Failures:   r.ConsecutiveFailures,
		Successes:  r.ConsecutiveSuccesses,
		Exhausted:  r.Exhausted,
		At:         at,
	}
	if r.LastProbe != nil {
		tr.LastError = r.LastProbe.Error
	}
	return tr, nil
}

// ApplyProbe folds one probe result into the device's record and returns
// the transitions it caused, in order.
func (t *Tracker) ApplyProbe(res ProbeResult) ([]Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	td, ok := t.devices[res.DeviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, res.DeviceID)
	}
	at := res.CheckedAt
	if at.IsZero() {
		at = t.now()
	}

	r := &td.rec
	if res.Success {
		r.ConsecutiveSuccesses++
		r.ConsecutiveFailures = 0
	} else {
		r.ConsecutiveFailures++
		r.ConsecutiveSuccesses = 0
	}
	last := res
	r.LastProbe = &last
	t.pushHistory(r, res)

	var out []Transition
	apply := func(event, reason string) error {
		tr, err := t.step(td, event, reason, at)
		if err != nil {
			return err
		}
		out = append(out, tr)
		return nil
	}

	var err error
	switch r.State {
	case StateHealthy:
		if !res.Success {
			err = apply(EventFail, "probe failed")
			if err == nil && t.policy.ShouldConfirmDown(r.ConsecutiveFailures) {
				err = apply(EventConfirmDown, fmt.Sprintf("%d consecutive probe failures", r.ConsecutiveFailures))
			}
		}
	case StateSuspect:
		switch {
		case res.Success:
			err = apply(EventClear, "probe succeeded")
		case t.policy.ShouldConfirmDown(r.ConsecutiveFailures):
			err = apply(EventConfirmDown, fmt.Sprintf("%d consecutive probe failures", r.ConsecutiveFailures))
		}
	case StateDown:
		if res.Success && t.policy.ShouldConfirmUp(r.ConsecutiveSuccesses) {
			err = apply(EventConfirmUp, fmt.Sprintf("%d consecutive probe successes", r.ConsecutiveSuccesses))
		}
	case StateRemediating:
		// The remediation outcome decides the next state.
	case StateRemediationFailed:
		switch {
		case res.Success && t.policy.ShouldConfirmUp(r.ConsecutiveSuccesses):
			err = apply(EventConfirmUp, fmt.Sprintf("%d consecutive probe successes", r.ConsecutiveSuccesses))
		case res.Success, r.Exhausted:
		case r.NextRetryAt != nil && !at.Before(*r.NextRetryAt):
			err = apply(EventConfirmDown, fmt.Sprintf("retry backoff elapsed after attempt %d", r.RemediationAttempts))
		}
	case StateRecovered:
		if res.Success {
			err = apply(EventSettle, "probe succeeded after recovery")
		} else {
			err = apply(EventConfirmDown, "probe failed after recovery")
		}
	}
	if err == nil && t.outOfAttempts(r) {
		// A relapse after the last allowed attempt cannot be remediated
		// again; park the incident instead of leaving it DOWN.
		r.Exhausted = true
		err = apply(EventGiveUp, fmt.Sprintf("remediation attempts exhausted after %d", r.RemediationAttempts))
	}
	return out, err
}

// outOfAttempts reports whether r is DOWN inside an incident that has
// already used every remediation attempt.
func (t *Tracker) outOfAttempts(r *DeviceHealthRecord) bool {
	return r.State == StateDown &&
		r.IncidentID != "" &&
		r.RemediationAttempts > 0 &&
		!t.policy.CanRetry(r.RemediationAttempts)
}

func (t *Tracker) pushHistory(r *DeviceHealthRecord, res ProbeResult) {
	if t.historySize <= 0 {
		return
	}
	if len(r.History) >= t.historySize {
		copy(r.History, r.History[1:])
		r.History = r.History[:len(r.History)-1]
	}
	r.History = append(r.History, res)
}

// BeginRemediation moves a DOWN device to REMEDIATING and counts the attempt.
func (t *Tracker) BeginRemediation(deviceID string) (Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	td, ok := t.devices[deviceID]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	r := &td.rec
	if r.RemediationInProgress {
		return Transition{}, ErrRemediationInFlight
	}
	if !t.policy.CanRetry(r.RemediationAttempts) {
		return Transition{}, ErrAttemptsExhausted
	}
	return t.step(td, EventRemediate, fmt.Sprintf("starting remediation attempt %d", r.RemediationAttempts+1), t.now())
}

// ApplyRemediationOutcome records the result of the running remediation.
// A failure schedules the next retry or, with no attempts left, flags the
// record exhausted.
func (t *Tracker) ApplyRemediationOutcome(out RemediationOutcome) ([]Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	td, ok := t.devices[out.DeviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, out.DeviceID)
	}
	r := &td.rec
	if r.State != StateRemediating {
		return nil, fmt.Errorf("%w: remediation outcome for %s in state %s", ErrInvalidTransition, out.DeviceID, r.State)
	}

	at := out.FinishedAt
	if at.IsZero() {
		at = t.now()
	}

	if out.Succeeded {
		tr, err := t.step(td, EventRemediationSucceeded, fmt.Sprintf("remediation attempt %d succeeded", r.RemediationAttempts), at)
		if err != nil {
			return nil, err
		}
		return []Transition{tr}, nil
	}

	reason := fmt.Sprintf("remediation attempt %d failed: %s", r.RemediationAttempts, out.Error)
	if t.policy.CanRetry(r.RemediationAttempts) {
		next := at.Add(t.policy.NextRetryDelay(r.RemediationAttempts))
		r.NextRetryAt = &next
	} else {
		r.Exhausted = true
		reason = fmt.Sprintf("remediation attempts exhausted after %d: %s", r.RemediationAttempts, out.Error)
	}
	tr, err := t.step(td, EventRemediationFailed, reason, at)
	if err != nil {
		return nil, err
	}
	return []Transition{tr}, nil
}

// NoteAlert records when an alert was last sent for the device.
func (t *Tracker) NoteAlert(deviceID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if td, ok := t.devices[deviceID]; ok {
		ts := at
		td.rec.LastAlertAt = &ts
	}
}

// Status returns the device's current state.
func (t *Tracker) Status(deviceID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	td, ok := t.devices[deviceID]
	if !ok {
		return "", false
	}
	return td.rec.State, true
}

// Record returns a copy of the device's record.
func (t *Tracker) Record(deviceID string) (DeviceHealthRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	td, ok := t.devices[deviceID]
	if !ok {
		return DeviceHealthRecord{}, false
	}
	return copyRecord(&td.rec), true
}

// Snapshot returns copies of all records in configuration order.
func (t *Tracker) Snapshot() []DeviceHealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DeviceHealthRecord, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyRecord(&t.devices[id].rec))
	}
	return out
}

func copyRecord(r *DeviceHealthRecord) DeviceHealthRecord {
	c := *r
	if r.LastAlertAt != nil {
		ts := *r.LastAlertAt
		c.LastAlertAt = &ts
	}
	if r.NextRetryAt != nil {
		ts := *r.NextRetryAt
		c.NextRetryAt = &ts
	}
	if r.LastProbe != nil {
		p := *r.LastProbe
		c.LastProbe = &p
	}
	c.History = append([]ProbeResult(nil), r.History...)
	return c
}
