// Package credential generates and hashes the static API keys agents and
// admin users present, and mints the opaque entity identifiers. Only the
// SHA-256 hash of a key is ever persisted; the raw key is shown once at
// creation and never logged.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const (
	// AgentKeyPrefix marks keys issued to agents.
	AgentKeyPrefix = "agk_"
	// AdminKeyPrefix marks keys issued to admin users.
	AdminKeyPrefix = "adk_"

	// prefixLen is how many leading characters of a raw key are stored for
	// operator identification.
	prefixLen = 12
)

// GenerateAgentKey returns a fresh raw agent key: agk_ plus 43 characters
// of URL-safe base64 (32 bytes of entropy).
func GenerateAgentKey() string {
	return AgentKeyPrefix + randomToken(32)
}

// GenerateAdminKey returns a fresh raw admin key.
func GenerateAdminKey() string {
	return AdminKeyPrefix + randomToken(32)
}

// NewAgentID mints an opaque agent identifier.
func NewAgentID() string {
	return "agt_" + randomToken(12)
}

// NewAdminID mints an opaque admin-user identifier.
func NewAdminID() string {
	return "adm_" + randomToken(10)
}

func randomToken(nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("credential: read random: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// HashKey returns the SHA-256 hex digest of a raw key. Lookup by digest is
// the verification path; comparing digests via a unique index does not leak
// timing on the key bytes.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the leading characters of a raw key stored for display
// next to the hash ("agk_3f9c2e1a" style).
func Prefix(raw string) string {
	if len(raw) <= prefixLen {
		return raw
	}
	return raw[:prefixLen]
}
