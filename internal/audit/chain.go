// Package audit persists the append-only, per-agent audit log. Entries
// are chained by a SHA-256 hash over the previous entry's identity and
// the new entry's log_id and action, so any mutation of a stored row is
// detectable by re-walking the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash returns the previous_hash of an agent's first log entry.
// The value is deterministic so any implementation can recompute it.
func GenesisHash() string {
	sum := sha256.Sum256([]byte("GENESIS"))
	return hex.EncodeToString(sum[:])
}

// LinkHash returns the hash linking a new entry to the chain tail. The
// input is pipe-delimited so the components stay unambiguous even when
// individual values contain special characters.
func LinkHash(prevLogID string, prevTimestamp time.Time, newLogID, newAction string) string {
	raw := prevLogID + "|" + isoTimestamp(prevTimestamp) + "|" + newLogID + "|" + newAction
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// isoTimestamp renders t the way the chain has always hashed timestamps:
// UTC without a zone suffix, fractional seconds only when nonzero.
// Changing this rendering would invalidate every stored chain.
func isoTimestamp(t time.Time) string {
	t = t.UTC()
	s := t.Format("2006-01-02T15:04:05")
	if us := t.Nanosecond() / 1000; us != 0 {
		s += fmt.Sprintf(".%06d", us)
	}
	return s
}
