package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	db := openTestDB(t)

	// Every table from the migration sequence should exist and be empty.
	for _, table := range []string{
		"agents", "agent_keys", "policies", "team_policies",
		"approval_requests", "audit_logs", "admin_users", "revoked_tokens",
	} {
		var n int
		if err := db.SQL.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
		if n != 0 {
			t.Errorf("table %s has %d rows, want 0", table, n)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{Postgres: false}
	pg := &DB{Postgres: true}

	q := "SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?"

	if got := sqlite.Rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3"
	if got := pg.Rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	orig := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	s := FormatTime(orig)
	if s != "2026-03-14T09:26:53.589793Z" {
		t.Errorf("FormatTime = %q", s)
	}

	parsed, err := ParseTime(s)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !parsed.Equal(orig) {
		t.Errorf("round trip = %v, want %v", parsed, orig)
	}
}

func TestParseTimeAcceptsRFC3339(t *testing.T) {
	parsed, err := ParseTime("2026-03-14T09:26:53Z")
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	want := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if !parsed.Equal(want) {
		t.Errorf("parsed = %v, want %v", parsed, want)
	}
}

func TestFormatTimeOrdering(t *testing.T) {
	// Lexicographic order of the stored form must match chronological order,
	// including across the fraction boundary.
	a := FormatTime(time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC))
	b := FormatTime(time.Date(2026, 1, 1, 12, 0, 5, 500000000, time.UTC))
	c := FormatTime(time.Date(2026, 1, 1, 12, 0, 6, 0, time.UTC))

	if !(a < b && b < c) {
		t.Errorf("ordering broken: %q %q %q", a, b, c)
	}
}
