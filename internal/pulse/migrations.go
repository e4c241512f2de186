package pulse

import (
	"database/sql"

	"github.com/HerbHall/netmedic/internal/store"
)

// MigrationComponent names the pulse schema in the migrations table.
const MigrationComponent = "pulse"

// Migrations returns the pulse history schema.
func Migrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create pulse history tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS pulse_probe_results (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id TEXT NOT NULL,
						success INTEGER NOT NULL,
						latency_ms REAL NOT NULL DEFAULT 0,
						packet_loss REAL NOT NULL DEFAULT 0,
						error_kind TEXT NOT NULL DEFAULT '',
						error_message TEXT NOT NULL DEFAULT '',
						checked_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_pulse_results_device_time ON pulse_probe_results(device_id, checked_at)`,

					`CREATE TABLE IF NOT EXISTS pulse_transitions (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id TEXT NOT NULL,
						from_state TEXT NOT NULL,
						to_state TEXT NOT NULL,
						event TEXT NOT NULL,
						reason TEXT NOT NULL DEFAULT '',
						incident_id TEXT NOT NULL DEFAULT '',
						attempt INTEGER NOT NULL DEFAULT 0,
						exhausted INTEGER NOT NULL DEFAULT 0,
						at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_pulse_transitions_device_time ON pulse_transitions(device_id, at)`,

					`CREATE TABLE IF NOT EXISTS pulse_incidents (
						id TEXT PRIMARY KEY,
						device_id TEXT NOT NULL,
						host TEXT NOT NULL DEFAULT '',
						state TEXT NOT NULL,
						attempts INTEGER NOT NULL DEFAULT 0,
						exhausted INTEGER NOT NULL DEFAULT 0,
						opened_at DATETIME NOT NULL,
						closed_at DATETIME
					)`,
					`CREATE INDEX IF NOT EXISTS idx_pulse_incidents_device ON pulse_incidents(device_id, closed_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "create pulse remediations table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS pulse_remediations (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id TEXT NOT NULL,
						incident_id TEXT NOT NULL DEFAULT '',
						attempt INTEGER NOT NULL,
						succeeded INTEGER NOT NULL,
						error_kind TEXT NOT NULL DEFAULT '',
						error_message TEXT NOT NULL DEFAULT '',
						output TEXT NOT NULL DEFAULT '',
						started_at DATETIME NOT NULL,
						finished_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_pulse_remediations_device ON pulse_remediations(device_id, finished_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
