package token

import (
	"context"
	"fmt"
	"time"

	"agentguard/internal/storage"
)

// RevocationStore is the jti blocklist. Rows outlive their usefulness at
// expires_at and are swept by PurgeExpired.
type RevocationStore struct {
	db *storage.DB
}

// NewRevocationStore wraps the shared database handle.
func NewRevocationStore(db *storage.DB) *RevocationStore {
	return &RevocationStore{db: db}
}

// Revoke records a jti. Revoking the same token twice is a no-op, which
// keeps the revoke endpoint idempotent.
func (r *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := r.db.SQL.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO revoked_tokens (jti, revoked_at, expires_at)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = ?)
	`), jti, storage.FormatTime(storage.Now()), storage.FormatTime(expiresAt), jti)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether a jti is on the blocklist.
func (r *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	err := r.db.SQL.QueryRowContext(ctx, r.db.Rebind(
		"SELECT COUNT(*) FROM revoked_tokens WHERE jti = ?"), jti).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return n > 0, nil
}

// PurgeExpired drops rows whose tokens have expired on their own. The
// timestamp encoding is fixed-width UTC, so string comparison is safe.
func (r *RevocationStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := r.db.SQL.ExecContext(ctx, r.db.Rebind(
		"DELETE FROM revoked_tokens WHERE expires_at < ?"), storage.FormatTime(storage.Now()))
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	return res.RowsAffected()
}
