package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netmedic.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTable(name string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec("CREATE TABLE " + name + " (id INTEGER PRIMARY KEY)")
		return err
	}
}

func countMigrations(t *testing.T, s *DB, component string) int {
	t.Helper()
	var n int
	err := s.SQL().QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM _migrations WHERE component = ?", component).Scan(&n)
	if err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	return n
}

func TestOpen_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open(context.Background(), "/nonexistent/path/to/db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestPragmas(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	var mode string
	if err := s.SQL().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	var fk int
	if err := s.SQL().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestTx_RollsBackOnError(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	if _, err := s.SQL().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Tx() error = %v, want boom", err)
	}

	var n int
	if err := s.SQL().QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestMigrate(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	pulse := []Migration{
		{Version: 1, Description: "results", Up: createTable("results")},
		{Version: 2, Description: "incidents", Up: createTable("incidents")},
	}
	if err := s.Migrate(ctx, "pulse", pulse); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Re-running is a no-op; CREATE TABLE would fail otherwise.
	if err := s.Migrate(ctx, "pulse", pulse); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if got := countMigrations(t, s, "pulse"); got != 2 {
		t.Errorf("pulse migrations = %d, want 2", got)
	}

	// Components are versioned independently.
	if err := s.Migrate(ctx, "auth", []Migration{{Version: 1, Description: "keys", Up: createTable("keys")}}); err != nil {
		t.Fatalf("Migrate auth: %v", err)
	}
	if got := countMigrations(t, s, "auth"); got != 1 {
		t.Errorf("auth migrations = %d, want 1", got)
	}
}

func TestMigrate_FailureKeepsEarlierSteps(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	err := s.Migrate(ctx, "partial", []Migration{
		{Version: 1, Description: "ok", Up: createTable("ok_table")},
		{Version: 2, Description: "bad", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE broken (")
			return err
		}},
	})
	if err == nil {
		t.Fatal("Migrate() error = nil, want failure")
	}
	if got := countMigrations(t, s, "partial"); got != 1 {
		t.Errorf("applied = %d, want 1", got)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		steps   []string
		wantErr error
	}{
		{"first run", []string{"0.4.0"}, nil},
		{"same version", []string{"0.4.0", "0.4.0"}, nil},
		{"upgrade", []string{"0.4.0", "0.5.0"}, nil},
		{"patch upgrade", []string{"0.4.0", "v0.4.1"}, nil},
		{"downgrade rejected", []string{"0.5.0", "0.4.0"}, ErrNewerSchema},
		{"dev passes", []string{"dev", "0.5.0", "dev"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempDB(t)
			var err error
			for _, v := range tt.steps {
				if err = s.CheckVersion(context.Background(), v); err != nil {
					break
				}
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("CheckVersion: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckVersion error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckVersion_RecordsUpgrade(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	for _, v := range []string{"0.4.0", "0.5.0"} {
		if err := s.CheckVersion(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	var stored string
	if err := s.SQL().QueryRowContext(ctx, "SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored != "0.5.0" {
		t.Errorf("stored version = %q, want 0.5.0", stored)
	}
}
