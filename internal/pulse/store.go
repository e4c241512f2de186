package pulse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Incident is the persisted view of one continuous DOWN period.
type Incident struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	Host      string     `json:"host"`
	State     State      `json:"state"`
	Attempts  int        `json:"attempts"`
	Exhausted bool       `json:"exhausted"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// PulseStore persists probe history, transitions, incidents and
// remediation outcomes.
type PulseStore struct {
	db *sql.DB
}

// NewPulseStore creates a PulseStore on a migrated database.
func NewPulseStore(db *sql.DB) *PulseStore {
	return &PulseStore{db: db}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// -- Probe results --

// InsertResult stores a probe result and sets its ID.
func (s *PulseStore) InsertResult(ctx context.Context, r *ProbeResult) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_probe_results (
			device_id, success, latency_ms, packet_loss, error_kind, error_message, checked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, boolInt(r.Success), r.LatencyMs, r.PacketLoss,
		string(r.Kind), r.Error, r.CheckedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// ListResults returns a device's probe results, newest first. A limit of
// zero or less means 100.
func (s *PulseStore) ListResults(ctx context.Context, deviceID string, limit int) ([]ProbeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, success, latency_ms, packet_loss, error_kind, error_message, checked_at
		FROM pulse_probe_results WHERE device_id = ? ORDER BY checked_at DESC, id DESC LIMIT ?`,
		deviceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []ProbeResult
	for rows.Next() {
		var r ProbeResult
		var success int
		var kind string
		if err := rows.Scan(&r.ID, &r.DeviceID, &success, &r.LatencyMs, &r.PacketLoss, &kind, &r.Error, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.Success = success != 0
		r.Kind = ErrorKind(kind)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteOldResults deletes probe results checked before the cutoff.
func (s *PulseStore) DeleteOldResults(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pulse_probe_results WHERE checked_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old results: %w", err)
	}
	return res.RowsAffected()
}

// -- Transitions --

// InsertTransition stores one state change.
func (s *PulseStore) InsertTransition(ctx context.Context, tr Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_transitions (
			device_id, from_state, to_state, event, reason, incident_id, attempt, exhausted, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.DeviceID, string(tr.From), string(tr.To), tr.Event, tr.Reason,
		tr.IncidentID, tr.Attempt, boolInt(tr.Exhausted), tr.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns a device's transitions, newest first.
func (s *PulseStore) ListTransitions(ctx context.Context, deviceID string, limit int) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, from_state, to_state, event, reason, incident_id, attempt, exhausted, at
		FROM pulse_transitions WHERE device_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		deviceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		var exhausted int
		if err := rows.Scan(&tr.DeviceID, &from, &to, &tr.Event, &tr.Reason, &tr.IncidentID, &tr.Attempt, &exhausted, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		tr.From, tr.To = State(from), State(to)
		tr.Exhausted = exhausted != 0
		out = append(out, tr)
	}
	return out, rows.Err()
}

// DeleteOldTransitions deletes transitions recorded before the cutoff.
func (s *PulseStore) DeleteOldTransitions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pulse_transitions WHERE at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old transitions: %w", err)
	}
	return res.RowsAffected()
}

// -- Incidents --

// OpenIncident records the start of an incident. Opening an incident that
// already exists is a no-op.
func (s *PulseStore) OpenIncident(ctx context.Context, tr Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pulse_incidents (id, device_id, host, state, attempts, exhausted, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.IncidentID, tr.DeviceID, tr.Host, string(tr.To), tr.Attempt, boolInt(tr.Exhausted), tr.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("open incident: %w", err)
	}
	return nil
}

// UpdateIncident refreshes an open incident from a later transition.
func (s *PulseStore) UpdateIncident(ctx context.Context, tr Transition) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pulse_incidents SET state = ?, attempts = ?, exhausted = ?
		WHERE id = ? AND closed_at IS NULL`,
		string(tr.To), tr.Attempt, boolInt(tr.Exhausted), tr.IncidentID,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	return nil
}

// CloseIncident marks an incident resolved.
func (s *PulseStore) CloseIncident(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pulse_incidents SET state = ?, closed_at = ? WHERE id = ? AND closed_at IS NULL`,
		string(StateHealthy), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("close incident: %w", err)
	}
	return nil
}

const incidentColumns = `id, device_id, host, state, attempts, exhausted, opened_at, closed_at`

func scanIncident(row interface{ Scan(...any) error }) (Incident, error) {
	var in Incident
	var state string
	var exhausted int
	var closed sql.NullTime
	if err := row.Scan(&in.ID, &in.DeviceID, &in.Host, &state, &in.Attempts, &exhausted, &in.OpenedAt, &closed); err != nil {
		return Incident{}, err
	}
	in.State = State(state)
	in.Exhausted = exhausted != 0
	if closed.Valid {
		in.ClosedAt = &closed.Time
	}
	return in, nil
}

// GetIncident returns an incident by ID, or nil, nil if not found.
func (s *PulseStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	in, err := scanIncident(s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM pulse_incidents WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return &in, nil
}

// ListIncidents returns incidents, newest first. With openOnly set, closed
// incidents are skipped.
func (s *PulseStore) ListIncidents(ctx context.Context, openOnly bool, limit int) ([]Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM pulse_incidents`
	if openOnly {
		query += ` WHERE closed_at IS NULL`
	}
	query += ` ORDER BY opened_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident row: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// DeleteOldIncidents deletes incidents closed before the cutoff. Open
// incidents are kept regardless of age.
func (s *PulseStore) DeleteOldIncidents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pulse_incidents WHERE closed_at IS NOT NULL AND closed_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old incidents: %w", err)
	}
	return res.RowsAffected()
}

// -- Remediations --

// InsertRemediation stores one remediation outcome.
func (s *PulseStore) InsertRemediation(ctx context.Context, out RemediationOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_remediations (
			device_id, incident_id, attempt, succeeded, error_kind, error_message, output, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.DeviceID, out.IncidentID, out.Attempt, boolInt(out.Succeeded), string(out.Kind),
		out.Error, out.Output, out.StartedAt.UTC(), out.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert remediation: %w", err)
	}
	return nil
}

// ListRemediations returns a device's remediation outcomes, newest first.
func (s *PulseStore) ListRemediations(ctx context.Context, deviceID string, limit int) ([]RemediationOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, incident_id, attempt, succeeded, error_kind, error_message, output, started_at, finished_at
		FROM pulse_remediations WHERE device_id = ? ORDER BY finished_at DESC, id DESC LIMIT ?`,
		deviceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list remediations: %w", err)
	}
	defer rows.Close()

	var out []RemediationOutcome
	for rows.Next() {
		var o RemediationOutcome
		var succeeded int
		var kind string
		if err := rows.Scan(&o.DeviceID, &o.IncidentID, &o.Attempt, &succeeded, &kind, &o.Error, &o.Output, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan remediation row: %w", err)
		}
		o.Succeeded = succeeded != 0
		o.Kind = ErrorKind(kind)
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteOldRemediations deletes outcomes that finished before the cutoff.
func (s *PulseStore) DeleteOldRemediations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pulse_remediations WHERE finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old remediations: %w", err)
	}
	return res.RowsAffected()
}
