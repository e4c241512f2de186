package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/netmedic/internal/store"
)

func testStore(t *testing.T) *PulseStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(ctx, MigrationComponent, Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPulseStore(db.SQL())
}

var storeEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPulseStore_Results(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := &ProbeResult{
			DeviceID:   "rtr1",
			CheckedAt:  storeEpoch.Add(time.Duration(i) * time.Minute),
			Success:    i != 1,
			LatencyMs:  1.5,
			PacketLoss: 0,
		}
		if i == 1 {
			r.Kind, r.Error, r.PacketLoss = KindTimeout, "no reply within 5s", 1
		}
		if err := s.InsertResult(ctx, r); err != nil {
			t.Fatalf("InsertResult: %v", err)
		}
		if r.ID == 0 {
			t.Error("InsertResult did not set ID")
		}
	}
	if err := s.InsertResult(ctx, &ProbeResult{DeviceID: "sw1", CheckedAt: storeEpoch, Success: true}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListResults(ctx, "rtr1", 10)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if !got[0].CheckedAt.Equal(storeEpoch.Add(2 * time.Minute)) {
		t.Errorf("first result at %v, want newest", got[0].CheckedAt)
	}
	failed := got[1]
	if failed.Success || failed.Kind != KindTimeout || failed.Error != "no reply within 5s" || failed.PacketLoss != 1 {
		t.Errorf("failed result round trip = %+v", failed)
	}

	limited, err := s.ListResults(ctx, "rtr1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d rows", len(limited))
	}

	n, err := s.DeleteOldResults(ctx, storeEpoch.Add(90*time.Second))
	if err != nil {
		t.Fatalf("DeleteOldResults: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3 (two rtr1 rows and the sw1 row)", n)
	}
}

func TestPulseStore_Transitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	trs := []Transition{
		{DeviceID: "rtr1", From: StateHealthy, To: StateSuspect, Event: EventFail, Reason: "probe failed", At: storeEpoch},
		{DeviceID: "rtr1", From: StateSuspect, To: StateDown, Event: EventConfirmDown, IncidentID: "inc-1", At: storeEpoch.Add(time.Minute)},
		{DeviceID: "rtr1", From: StateRemediating, To: StateRemediationFailed, Event: EventRemediationFailed, IncidentID: "inc-1", Attempt: 3, Exhausted: true, At: storeEpoch.Add(2 * time.Minute)},
	}
	for _, tr := range trs {
		if err := s.InsertTransition(ctx, tr); err != nil {
			t.Fatalf("InsertTransition: %v", err)
		}
	}

	got, err := s.ListTransitions(ctx, "rtr1", 0)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	last := got[0]
	if last.To != StateRemediationFailed || !last.Exhausted || last.Attempt != 3 || last.IncidentID != "inc-1" {
		t.Errorf("newest transition = %+v", last)
	}

	n, err := s.DeleteOldTransitions(ctx, storeEpoch.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
}

func TestPulseStore_IncidentLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	down := Transition{DeviceID: "rtr1", Host: "10.0.0.1", To: StateDown, IncidentID: "inc-1", At: storeEpoch}
	if err := s.OpenIncident(ctx, down); err != nil {
		t.Fatalf("OpenIncident: %v", err)
	}
	// Relapse into DOWN re-opens nothing.
	if err := s.OpenIncident(ctx, Transition{DeviceID: "rtr1", To: StateDown, IncidentID: "inc-1", At: storeEpoch.Add(time.Hour)}); err != nil {
		t.Fatalf("second OpenIncident: %v", err)
	}
	if err := s.UpdateIncident(ctx, Transition{To: StateRemediationFailed, IncidentID: "inc-1", Attempt: 2}); err != nil {
		t.Fatalf("UpdateIncident: %v", err)
	}

	open, err := s.ListIncidents(ctx, true, 10)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open incidents = %d, want 1", len(open))
	}
	in := open[0]
	if in.State != StateRemediationFailed || in.Attempts != 2 || in.Host != "10.0.0.1" || !in.OpenedAt.Equal(storeEpoch) {
		t.Errorf("incident = %+v", in)
	}

	closedAt := storeEpoch.Add(2 * time.Hour)
	if err := s.CloseIncident(ctx, "inc-1", closedAt); err != nil {
		t.Fatalf("CloseIncident: %v", err)
	}
	open, err = s.ListIncidents(ctx, true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("open incidents after close = %d, want 0", len(open))
	}

	got, err := s.GetIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got == nil || got.ClosedAt == nil || !got.ClosedAt.Equal(closedAt) || got.State != StateHealthy {
		t.Errorf("closed incident = %+v", got)
	}

	// Updates after close are ignored.
	if err := s.UpdateIncident(ctx, Transition{To: StateDown, IncidentID: "inc-1", Attempt: 9}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetIncident(ctx, "inc-1")
	if got.Attempts != 2 {
		t.Errorf("attempts after late update = %d, want 2", got.Attempts)
	}

	missing, err := s.GetIncident(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetIncident(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestPulseStore_DeleteOldIncidentsKeepsOpen(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"old-open", "old-closed"} {
		if err := s.OpenIncident(ctx, Transition{DeviceID: "rtr1", To: StateDown, IncidentID: id, At: storeEpoch}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CloseIncident(ctx, "old-closed", storeEpoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteOldIncidents(ctx, storeEpoch.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOldIncidents: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	all, err := s.ListIncidents(ctx, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "old-open" {
		t.Errorf("remaining = %+v, want only old-open", all)
	}
}

func TestPulseStore_Remediations(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	outs := []RemediationOutcome{
		{DeviceID: "rtr1", IncidentID: "inc-1", Attempt: 1, Kind: KindTimeout, Error: "no result within 90s", StartedAt: storeEpoch, FinishedAt: storeEpoch.Add(90 * time.Second)},
		{DeviceID: "rtr1", IncidentID: "inc-1", Attempt: 2, Succeeded: true, Output: "ok", StartedAt: storeEpoch.Add(3 * time.Minute), FinishedAt: storeEpoch.Add(4 * time.Minute)},
	}
	for _, o := range outs {
		if err := s.InsertRemediation(ctx, o); err != nil {
			t.Fatalf("InsertRemediation: %v", err)
		}
	}

	got, err := s.ListRemediations(ctx, "rtr1", 10)
	if err != nil {
		t.Fatalf("ListRemediations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].Succeeded || got[0].Attempt != 2 || got[0].Output != "ok" {
		t.Errorf("newest = %+v", got[0])
	}
	if got[1].Kind != KindTimeout || got[1].Succeeded {
		t.Errorf("oldest = %+v", got[1])
	}

	n, err := s.DeleteOldRemediations(ctx, storeEpoch.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
}
