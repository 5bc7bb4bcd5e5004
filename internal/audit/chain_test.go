package audit

import (
	"strings"
	"testing"
	"time"
)

func TestGenesisHash(t *testing.T) {
	// SHA256("GENESIS"), recomputable by any implementation.
	const expected = "901131d838b17aac0f7885b81e03cbdc9f5157a00343d30ab22083685ed1416a"
	if got := GenesisHash(); got != expected {
		t.Errorf("GenesisHash() = %q, want %q", got, expected)
	}
}

func TestLinkHash(t *testing.T) {
	ts := time.Date(2026, 3, 4, 12, 0, 0, 123456000, time.UTC)

	hash := LinkHash("log-a", ts, "log-b", "read:file")
	if len(hash) != 64 {
		t.Fatalf("hash length = %d, want 64", len(hash))
	}
	if hash != strings.ToLower(hash) {
		t.Error("hash should be lowercase hex")
	}

	// Deterministic.
	if again := LinkHash("log-a", ts, "log-b", "read:file"); again != hash {
		t.Errorf("hash not deterministic: %s != %s", hash, again)
	}

	// Every component feeds the digest.
	variants := []string{
		LinkHash("log-x", ts, "log-b", "read:file"),
		LinkHash("log-a", ts.Add(time.Microsecond), "log-b", "read:file"),
		LinkHash("log-a", ts, "log-x", "read:file"),
		LinkHash("log-a", ts, "log-b", "write:file"),
	}
	for i, v := range variants {
		if v == hash {
			t.Errorf("variant %d should change the hash", i)
		}
	}
}

func TestIsoTimestamp(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{
			"with microseconds",
			time.Date(2026, 3, 4, 12, 0, 0, 123456000, time.UTC),
			"2026-03-04T12:00:00.123456",
		},
		{
			"whole second drops the fraction",
			time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
			"2026-03-04T12:00:00",
		},
		{
			"non-UTC input is converted",
			time.Date(2026, 3, 4, 13, 0, 0, 500000000, time.FixedZone("CET", 3600)),
			"2026-03-04T12:00:00.500000",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isoTimestamp(tt.t); got != tt.want {
				t.Errorf("isoTimestamp = %q, want %q", got, tt.want)
			}
		})
	}
}
