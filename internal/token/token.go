// Package token issues and verifies the RS256 bearer tokens that front
// every authenticated route. Static agent and admin keys are exchanged
// for short-lived tokens; revocation is a jti blocklist kept until the
// token would have expired anyway.
package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TypeAgent and TypeAdmin are the two token flavors; endpoints check
	// the claim against their own expectation.
	TypeAgent = "agent"
	TypeAdmin = "admin"

	// DefaultAgentTTL and DefaultAdminTTL match the issue endpoint's
	// documented lifetimes.
	DefaultAgentTTL = time.Hour
	DefaultAdminTTL = 8 * time.Hour
)

var (
	// ErrInvalidToken covers bad signatures, expiry, malformed tokens,
	// and tokens missing a jti.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrRevoked is returned for structurally valid tokens whose jti is
	// on the blocklist.
	ErrRevoked = errors.New("token has been revoked")
)

// Claims is the payload of every issued token. Agent tokens carry env and
// team; admin tokens carry role and, when the user is team-scoped, team.
type Claims struct {
	jwt.RegisteredClaims
	Type string  `json:"type"`
	Env  string  `json:"env,omitempty"`
	Team *string `json:"team,omitempty"`
	Role string  `json:"role,omitempty"`
}

// Signer holds the RSA keypair plus the revocation store consulted on
// every verify.
type Signer struct {
	private  *rsa.PrivateKey
	keyID    string
	agentTTL time.Duration
	adminTTL time.Duration
	revoked  *RevocationStore
}

// NewSigner builds a Signer around an already-loaded private key. Zero
// TTLs fall back to the defaults.
func NewSigner(key *rsa.PrivateKey, revoked *RevocationStore, agentTTL, adminTTL time.Duration) *Signer {
	if agentTTL == 0 {
		agentTTL = DefaultAgentTTL
	}
	if adminTTL == 0 {
		adminTTL = DefaultAdminTTL
	}
	return &Signer{
		private:  key,
		keyID:    keyID(&key.PublicKey),
		agentTTL: agentTTL,
		adminTTL: adminTTL,
		revoked:  revoked,
	}
}

// LoadOrGenerateKey reads an RSA private key from a PEM file, or, when no
// path is configured, generates an ephemeral RSA-2048 keypair. Generated
// keys do not survive a restart, which invalidates all outstanding tokens.
func LoadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		slog.Warn("no signing key configured; generated an ephemeral RSA-2048 keypair, all tokens will be invalidated on restart")
		return key, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key %s: no PEM block found", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		slog.Info("loaded signing key", "path", path)
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s: not an RSA key", path)
	}
	slog.Info("loaded signing key", "path", path)
	return key, nil
}

// IssueAgent mints an agent token. The team claim is always present for
// agents, even when the owner team is empty.
func (s *Signer) IssueAgent(agentID, env, team string) (string, int, error) {
	return s.issue(agentID, TypeAgent, s.agentTTL, func(c *Claims) {
		c.Env = env
		c.Team = &team
	})
}

// IssueAdmin mints an admin token. A nil team means the identity sees all
// teams.
func (s *Signer) IssueAdmin(sub, role string, team *string) (string, int, error) {
	return s.issue(sub, TypeAdmin, s.adminTTL, func(c *Claims) {
		c.Role = role
		c.Team = team
	})
}

func (s *Signer) issue(sub, typ string, ttl time.Duration, fill func(*Claims)) (string, int, error) {
	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: typ,
	}
	fill(claims)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keyID
	signed, err := tok.SignedString(s.private)
	if err != nil {
		return "", 0, fmt.Errorf("sign token: %w", err)
	}
	return signed, int(ttl.Seconds()), nil
}

// Verify checks signature and expiry, requires a jti, and consults the
// revocation store. Every failure other than revocation maps to
// ErrInvalidToken so callers leak nothing about why.
func (s *Signer) Verify(ctx context.Context, raw string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &s.private.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		slog.Debug("token verification failed", "error", err)
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Revoke blocklists the token's jti until its natural expiry.
func (s *Signer) Revoke(ctx context.Context, claims *Claims) error {
	if claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	return s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// JWKS renders the public half of the signing key as a JSON Web Key Set
// for third-party verifiers.
func (s *Signer) JWKS() map[string]any {
	pub := &s.private.PublicKey
	return map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": s.keyID,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}

// keyID derives a stable identifier from the public modulus so verifiers
// can match JWKS entries against the kid token header.
func keyID(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return hex.EncodeToString(sum[:8])
}
