package pulse

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/HerbHall/netmedic/pkg/models"
)

func newTestTracker(t *testing.T, clock *fakeClock, mutate func(*Policy)) *Tracker {
	t.Helper()
	p := NewPolicy(DefaultConfig())
	if mutate != nil {
		mutate(&p)
	}
	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("inc-%d", n)
	}
	devices := []models.Device{{ID: "rtr1", Host: "10.0.0.1"}, {ID: "rtr2", Host: "10.0.0.2"}}
	return NewTracker(devices, p, 5, WithClock(clock.Now), WithIncidentIDs(ids))
}

func mustApply(t *testing.T, tr *Tracker, res ProbeResult) []Transition {
	t.Helper()
	out, err := tr.ApplyProbe(res)
	if err != nil {
		t.Fatalf("ApplyProbe() error = %v", err)
	}
	return out
}

func driveDown(t *testing.T, tr *Tracker, clock *fakeClock, id string) {
	t.Helper()
	for i := 0; i < 3; i++ {
		mustApply(t, tr, failProbe(clock, id))
	}
	if s, _ := tr.Status(id); s != StateDown {
		t.Fatalf("state after 3 failures = %s, want DOWN", s)
	}
}

func TestTracker_StartsHealthy(t *testing.T) {
	tr := newTestTracker(t, newFakeClock(), nil)
	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	for _, rec := range snap {
		if rec.State != StateHealthy {
			t.Errorf("%s state = %s, want HEALTHY", rec.DeviceID, rec.State)
		}
	}
	if snap[0].DeviceID != "rtr1" || snap[1].DeviceID != "rtr2" {
		t.Errorf("Snapshot() order = %s,%s, want configuration order", snap[0].DeviceID, snap[1].DeviceID)
	}
}

func TestTracker_ThreeFailuresConfirmDown(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)

	got := mustApply(t, tr, failProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateSuspect}) {
		t.Fatalf("1st failure transitions = %v, want [SUSPECT]", states(got))
	}
	if got[0].IncidentID != "" {
		t.Errorf("SUSPECT carries incident %q, want none", got[0].IncidentID)
	}

	if got := mustApply(t, tr, failProbe(clock, "rtr1")); len(got) != 0 {
		t.Fatalf("2nd failure transitions = %v, want none", states(got))
	}

	got = mustApply(t, tr, failProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateDown}) {
		t.Fatalf("3rd failure transitions = %v, want [DOWN]", states(got))
	}
	down := got[0]
	if down.Event != EventConfirmDown || down.From != StateSuspect {
		t.Errorf("transition = %s %s->%s, want confirm_down SUSPECT->DOWN", down.Event, down.From, down.To)
	}
	if down.IncidentID != "inc-1" {
		t.Errorf("IncidentID = %q, want inc-1", down.IncidentID)
	}
	if down.Failures != 3 {
		t.Errorf("Failures = %d, want 3", down.Failures)
	}
	if down.LastError != "no echo reply" {
		t.Errorf("LastError = %q", down.LastError)
	}

	// The other device is untouched.
	if s, _ := tr.Status("rtr2"); s != StateHealthy {
		t.Errorf("rtr2 state = %s, want HEALTHY", s)
	}
}

func TestTracker_ThresholdOneCascadesToDown(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, func(p *Policy) { p.ConfirmThreshold = 1 })

	got := mustApply(t, tr, failProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateSuspect, StateDown}) {
		t.Fatalf("transitions = %v, want [SUSPECT DOWN]", states(got))
	}
}

func TestTracker_FlappingNeverConfirmsDown(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)

	for i := 0; i < 50; i++ {
		var res ProbeResult
		// Two failures then a success, forever.
		if i%3 == 2 {
			res = okProbe(clock, "rtr1")
		} else {
			res = failProbe(clock, "rtr1")
		}
		for _, x := range mustApply(t, tr, res) {
			if x.To != StateHealthy && x.To != StateSuspect {
				t.Fatalf("probe %d: transition to %s while flapping below threshold", i, x.To)
			}
		}
		clock.Advance(time.Minute)
	}
	rec, _ := tr.Record("rtr1")
	if rec.IncidentID != "" {
		t.Errorf("incident opened while flapping: %q", rec.IncidentID)
	}
}

func TestTracker_DownNeedsConsecutiveSuccesses(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)
	driveDown(t, tr, clock, "rtr1")

	if got := mustApply(t, tr, okProbe(clock, "rtr1")); len(got) != 0 {
		t.Fatalf("single success transitions = %v, want none", states(got))
	}
	if got := mustApply(t, tr, failProbe(clock, "rtr1")); len(got) != 0 {
		t.Fatalf("failure after single success transitions = %v, want none", states(got))
	}
	if s, _ := tr.Status("rtr1"); s != StateDown {
		t.Fatalf("state = %s, want DOWN", s)
	}
}

func TestTracker_RecoveryClosesIncident(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)
	driveDown(t, tr, clock, "rtr1")

	mustApply(t, tr, okProbe(clock, "rtr1"))
	got := mustApply(t, tr, okProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateRecovered}) {
		t.Fatalf("transitions = %v, want [RECOVERED]", states(got))
	}
	if got[0].IncidentID != "inc-1" {
		t.Errorf("RECOVERED incident = %q, want inc-1", got[0].IncidentID)
	}

	got = mustApply(t, tr, okProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateHealthy}) {
		t.Fatalf("transitions = %v, want [HEALTHY]", states(got))
	}
	if got[0].IncidentID != "inc-1" {
		t.Errorf("closing transition incident = %q, want inc-1", got[0].IncidentID)
	}
	rec, _ := tr.Record("rtr1")
	if rec.IncidentID != "" || rec.RemediationAttempts != 0 {
		t.Errorf("record after close: incident %q attempts %d, want cleared", rec.IncidentID, rec.RemediationAttempts)
	}

	// A later outage is a new incident.
	driveDown(t, tr, clock, "rtr1")
	rec, _ = tr.Record("rtr1")
	if rec.IncidentID != "inc-2" {
		t.Errorf("second incident = %q, want inc-2", rec.IncidentID)
	}
}

func TestTracker_RelapseAfterRecoveryKeepsIncident(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)
	driveDown(t, tr, clock, "rtr1")
	mustApply(t, tr, okProbe(clock, "rtr1"))
	mustApply(t, tr, okProbe(clock, "rtr1"))

	got := mustApply(t, tr, failProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateDown}) {
		t.Fatalf("transitions = %v, want [DOWN]", states(got))
	}
	if got[0].IncidentID != "inc-1" {
		t.Errorf("relapse incident = %q, want inc-1", got[0].IncidentID)
	}
}

func TestTracker_RemediationLifecycle(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)
	driveDown(t, tr, clock, "rtr1")

	begin, err := tr.BeginRemediation("rtr1")
	if err != nil {
		t.Fatalf("BeginRemediation() error = %v", err)
	}
	if begin.To != StateRemediating || begin.Attempt != 1 {
		t.Fatalf("begin = %s attempt %d, want REMEDIATING attempt 1", begin.To, begin.Attempt)
	}
	rec, _ := tr.Record("rtr1")
	if !rec.RemediationInProgress {
		t.Error("RemediationInProgress = false after BeginRemediation")
	}

	if _, err := tr.BeginRemediation("rtr1"); !errors.Is(err, ErrRemediationInFlight) {
		t.Errorf("second BeginRemediation() error = %v, want ErrRemediationInFlight", err)
	}

	// Probes while remediating only move counters.
	if got := mustApply(t, tr, okProbe(clock, "rtr1")); len(got) != 0 {
		t.Errorf("probe during remediation transitions = %v, want none", states(got))
	}

	got, err := tr.ApplyRemediationOutcome(RemediationOutcome{DeviceID: "rtr1", Succeeded: true, FinishedAt: clock.Now()})
	if err != nil {
		t.Fatalf("ApplyRemediationOutcome() error = %v", err)
	}
	if !slices.Equal(states(got), []State{StateRecovered}) {
		t.Fatalf("transitions = %v, want [RECOVERED]", states(got))
	}
	rec, _ = tr.Record("rtr1")
	if rec.RemediationInProgress {
		t.Error("RemediationInProgress = true after outcome")
	}
}

func TestTracker_FailedRemediationBacksOffThenExhausts(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)
	driveDown(t, tr, clock, "rtr1")

	delays := []time.Duration{30 * time.Second, 60 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		begin, err := tr.BeginRemediation("rtr1")
		if err != nil {
			t.Fatalf("attempt %d: BeginRemediation() error = %v", attempt, err)
		}
		if begin.Attempt != attempt {
			t.Fatalf("Attempt = %d, want %d", begin.Attempt, attempt)
		}

		got, err := tr.ApplyRemediationOutcome(RemediationOutcome{DeviceID: "rtr1", Error: "boom", FinishedAt: clock.Now()})
		if err != nil {
			t.Fatalf("ApplyRemediationOutcome() error = %v", err)
		}
		if !slices.Equal(states(got), []State{StateRemediationFailed}) {
			t.Fatalf("transitions = %v, want [REMEDIATION_FAILED]", states(got))
		}
		rec, _ := tr.Record("rtr1")

		if attempt == 3 {
			if !got[0].Exhausted || !rec.Exhausted {
				t.Fatal("third failure not flagged exhausted")
			}
			break
		}

		if rec.NextRetryAt == nil {
			t.Fatal("NextRetryAt not set")
		}
		want := clock.Now().Add(delays[attempt-1])
		if !rec.NextRetryAt.Equal(want) {
			t.Errorf("NextRetryAt = %s, want %s", rec.NextRetryAt, want)
		}

		// Before the backoff elapses nothing happens.
		clock.Advance(delays[attempt-1] - time.Second)
		if got := mustApply(t, tr, failProbe(clock, "rtr1")); len(got) != 0 {
			t.Fatalf("retry fired early: %v", states(got))
		}
		clock.Advance(time.Second)
		got = mustApply(t, tr, failProbe(clock, "rtr1"))
		if !slices.Equal(states(got), []State{StateDown}) {
			t.Fatalf("after backoff transitions = %v, want [DOWN]", states(got))
		}
		if got[0].IncidentID != "inc-1" {
			t.Errorf("retry incident = %q, want inc-1", got[0].IncidentID)
		}
	}

	// No further attempts, however long we wait.
	for i := 0; i < 5; i++ {
		clock.Advance(time.Hour)
		if got := mustApply(t, tr, failProbe(clock, "rtr1")); len(got) != 0 {
			t.Fatalf("exhausted device transitioned: %v", states(got))
		}
	}
	if _, err := tr.BeginRemediation("rtr1"); !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("BeginRemediation() after exhaustion error = %v, want ErrAttemptsExhausted", err)
	}

	// Recovery still works and clears the incident.
	mustApply(t, tr, okProbe(clock, "rtr1"))
	got := mustApply(t, tr, okProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateRecovered}) {
		t.Fatalf("transitions = %v, want [RECOVERED]", states(got))
	}
	got = mustApply(t, tr, okProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateHealthy}) {
		t.Fatalf("transitions = %v, want [HEALTHY]", states(got))
	}
	rec, _ := tr.Record("rtr1")
	if rec.Exhausted || rec.RemediationAttempts != 0 {
		t.Errorf("record after recovery: exhausted=%v attempts=%d", rec.Exhausted, rec.RemediationAttempts)
	}
}

func TestTracker_RelapseAfterLastAttemptGivesUp(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)
	driveDown(t, tr, clock, "rtr1")

	// Two failed attempts, then the last allowed attempt succeeds.
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			clock.Advance(time.Hour)
			mustApply(t, tr, failProbe(clock, "rtr1"))
		}
		if _, err := tr.BeginRemediation("rtr1"); err != nil {
			t.Fatalf("attempt %d: BeginRemediation() error = %v", attempt, err)
		}
		out := RemediationOutcome{DeviceID: "rtr1", Error: "boom", FinishedAt: clock.Now()}
		if attempt == 3 {
			out = RemediationOutcome{DeviceID: "rtr1", Succeeded: true, FinishedAt: clock.Now()}
		}
		if _, err := tr.ApplyRemediationOutcome(out); err != nil {
			t.Fatalf("attempt %d: ApplyRemediationOutcome() error = %v", attempt, err)
		}
	}
	if s, _ := tr.Status("rtr1"); s != StateRecovered {
		t.Fatalf("state after successful attempt 3 = %s, want RECOVERED", s)
	}

	got := mustApply(t, tr, failProbe(clock, "rtr1"))
	if !slices.Equal(states(got), []State{StateDown, StateRemediationFailed}) {
		t.Fatalf("relapse transitions = %v, want [DOWN REMEDIATION_FAILED]", states(got))
	}
	if got[1].Event != EventGiveUp || !got[1].Exhausted || got[1].IncidentID != "inc-1" {
		t.Errorf("give-up transition = %+v", got[1])
	}
	rec, _ := tr.Record("rtr1")
	if !rec.Exhausted || rec.RemediationAttempts != 3 || rec.NextRetryAt != nil {
		t.Errorf("record = exhausted:%v attempts:%d next:%v", rec.Exhausted, rec.RemediationAttempts, rec.NextRetryAt)
	}

	// Parked: further failures change nothing.
	for i := 0; i < 3; i++ {
		clock.Advance(time.Hour)
		if got := mustApply(t, tr, failProbe(clock, "rtr1")); len(got) != 0 {
			t.Fatalf("parked device transitioned: %v", states(got))
		}
	}
}

func TestTracker_DownWithoutAttemptsDoesNotGiveUp(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, func(p *Policy) { p.MaxAttempts = 0 })
	driveDown(t, tr, clock, "rtr1")

	if got := mustApply(t, tr, failProbe(clock, "rtr1")); len(got) != 0 {
		t.Errorf("transitions = %v, want none", states(got))
	}
	if s, _ := tr.Status("rtr1"); s != StateDown {
		t.Errorf("state = %s, want DOWN", s)
	}
}

func TestTracker_RemediationFailedSuccessDoesNotRetrigger(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)
	driveDown(t, tr, clock, "rtr1")
	if _, err := tr.BeginRemediation("rtr1"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.ApplyRemediationOutcome(RemediationOutcome{DeviceID: "rtr1", FinishedAt: clock.Now()}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Hour)
	if got := mustApply(t, tr, okProbe(clock, "rtr1")); len(got) != 0 {
		t.Errorf("single success after backoff transitions = %v, want none", states(got))
	}
}

func TestTracker_InvalidOperations(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)

	if _, err := tr.ApplyProbe(okProbe(clock, "nope")); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("ApplyProbe(unknown) error = %v, want ErrUnknownDevice", err)
	}
	if _, err := tr.BeginRemediation("rtr1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BeginRemediation(HEALTHY) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := tr.ApplyRemediationOutcome(RemediationOutcome{DeviceID: "rtr1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ApplyRemediationOutcome(HEALTHY) error = %v, want ErrInvalidTransition", err)
	}
	if _, ok := tr.Status("nope"); ok {
		t.Error("Status(unknown) ok = true")
	}
}

func TestTracker_HistoryIsBoundedAndCopied(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)

	for i := 0; i < 8; i++ {
		res := okProbe(clock, "rtr1")
		res.LatencyMs = float64(i)
		mustApply(t, tr, res)
	}
	rec, _ := tr.Record("rtr1")
	if len(rec.History) != 5 {
		t.Fatalf("history len = %d, want 5", len(rec.History))
	}
	if rec.History[0].LatencyMs != 3 || rec.History[4].LatencyMs != 7 {
		t.Errorf("history window = %v..%v, want 3..7", rec.History[0].LatencyMs, rec.History[4].LatencyMs)
	}

	rec.History[0].LatencyMs = 999
	again, _ := tr.Record("rtr1")
	if again.History[0].LatencyMs == 999 {
		t.Error("Record() returned shared history slice")
	}
}

func TestTracker_NoteAlert(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, clock, nil)
	tr.NoteAlert("rtr1", clock.Now())
	rec, _ := tr.Record("rtr1")
	if rec.LastAlertAt == nil || !rec.LastAlertAt.Equal(clock.Now()) {
		t.Errorf("LastAlertAt = %v, want %v", rec.LastAlertAt, clock.Now())
	}
}
