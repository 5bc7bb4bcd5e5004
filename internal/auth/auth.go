// Package auth maps inbound requests onto identities. Two credential
// paths are honored: bearer tokens (preferred) and the legacy static
// headers X-Agent-Key / X-Admin-Key. The static admin path accepts only
// the configured bootstrap key and yields an implicit super-admin.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"agentguard/internal/registry"
	"agentguard/internal/token"
)

// Error is an authentication or authorization failure carrying the HTTP
// status the surface should return.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string { return e.Detail }

// AdminContext is a resolved admin identity. A nil Team sees all teams.
type AdminContext struct {
	Sub  string
	Role Role
	Team *string
}

// SeesTeam reports whether the identity may observe resources attached
// to agents owned by ownerTeam.
func (c *AdminContext) SeesTeam(ownerTeam string) bool {
	return c.Team == nil || *c.Team == ownerTeam
}

// RequireRole enforces the hierarchy; anything at or above min passes.
func (c *AdminContext) RequireRole(min Role) error {
	if c.Role.AtLeast(min) {
		return nil
	}
	return &Error{Status: http.StatusForbidden, Detail: "Requires " + min.String() + " role or higher"}
}

// Resolver turns request credentials into identities.
type Resolver struct {
	signer       *token.Signer
	registry     *registry.Store
	bootstrapKey string
}

// NewResolver wires the token verifier, the registry, and the configured
// bootstrap admin key. An empty bootstrap key disables the static admin
// path entirely.
func NewResolver(signer *token.Signer, reg *registry.Store, bootstrapKey string) *Resolver {
	return &Resolver{signer: signer, registry: reg, bootstrapKey: bootstrapKey}
}

// ResolveAgent authenticates an agent request. Bearer tokens are checked
// first; the raw key header is the legacy fallback.
func (r *Resolver) ResolveAgent(req *http.Request) (*registry.Agent, error) {
	if raw, ok := bearerToken(req); ok {
		claims, err := r.verify(req, raw)
		if err != nil {
			return nil, err
		}
		if claims.Type != token.TypeAgent {
			return nil, &Error{Status: http.StatusForbidden, Detail: "Agent token required"}
		}
		agent, err := r.registry.GetAgent(req.Context(), claims.Subject)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, &Error{Status: http.StatusNotFound, Detail: "Agent not found or inactive"}
		}
		if err != nil {
			return nil, err
		}
		if !agent.IsActive {
			return nil, &Error{Status: http.StatusNotFound, Detail: "Agent not found or inactive"}
		}
		return agent, nil
	}

	if key := req.Header.Get("X-Agent-Key"); key != "" {
		agent, err := r.registry.AgentByKey(req.Context(), key)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, &Error{Status: http.StatusForbidden, Detail: "Invalid or inactive agent key"}
		}
		if err != nil {
			return nil, err
		}
		return agent, nil
	}

	return nil, &Error{
		Status: http.StatusUnauthorized,
		Detail: "Agent authentication required. Provide a bearer token or X-Agent-Key header.",
	}
}

// ResolveAdmin authenticates an admin request. Named admin users arrive
// via bearer tokens; the static header accepts only the bootstrap key.
func (r *Resolver) ResolveAdmin(req *http.Request) (*AdminContext, error) {
	if raw, ok := bearerToken(req); ok {
		claims, err := r.verify(req, raw)
		if err != nil {
			return nil, err
		}
		if claims.Type != token.TypeAdmin {
			return nil, &Error{Status: http.StatusForbidden, Detail: "Admin token required"}
		}
		role, err := ParseRole(claims.Role)
		if err != nil {
			return nil, &Error{Status: http.StatusForbidden, Detail: "Token carries no recognized role"}
		}
		return &AdminContext{Sub: claims.Subject, Role: role, Team: claims.Team}, nil
	}

	if key := req.Header.Get("X-Admin-Key"); key != "" {
		if r.bootstrapKey == "" || key != r.bootstrapKey {
			return nil, &Error{Status: http.StatusForbidden, Detail: "Invalid admin key"}
		}
		return &AdminContext{Sub: "admin", Role: RoleSuperAdmin}, nil
	}

	return nil, &Error{
		Status: http.StatusUnauthorized,
		Detail: "Admin authentication required. Provide a bearer token or X-Admin-Key header.",
	}
}

// ResolveEither authenticates a request that may come from an admin or
// an agent. Bearer tokens dispatch on the type claim; otherwise the
// static headers are tried, admin first. Exactly one of the returns is
// non-nil on success.
func (r *Resolver) ResolveEither(req *http.Request) (*AdminContext, *registry.Agent, error) {
	if raw, ok := bearerToken(req); ok {
		claims, err := r.verify(req, raw)
		if err != nil {
			return nil, nil, err
		}
		switch claims.Type {
		case token.TypeAdmin:
			role, err := ParseRole(claims.Role)
			if err != nil {
				return nil, nil, &Error{Status: http.StatusForbidden, Detail: "Token carries no recognized role"}
			}
			return &AdminContext{Sub: claims.Subject, Role: role, Team: claims.Team}, nil, nil
		case token.TypeAgent:
			agent, err := r.registry.GetAgent(req.Context(), claims.Subject)
			if errors.Is(err, registry.ErrNotFound) {
				return nil, nil, &Error{Status: http.StatusNotFound, Detail: "Agent not found or inactive"}
			}
			if err != nil {
				return nil, nil, err
			}
			if !agent.IsActive {
				return nil, nil, &Error{Status: http.StatusNotFound, Detail: "Agent not found or inactive"}
			}
			return nil, agent, nil
		default:
			return nil, nil, &Error{Status: http.StatusForbidden, Detail: "Unrecognized token type"}
		}
	}

	if key := req.Header.Get("X-Admin-Key"); key != "" {
		if r.bootstrapKey != "" && key == r.bootstrapKey {
			return &AdminContext{Sub: "admin", Role: RoleSuperAdmin}, nil, nil
		}
		return nil, nil, &Error{Status: http.StatusForbidden, Detail: "Invalid admin key"}
	}

	if key := req.Header.Get("X-Agent-Key"); key != "" {
		agent, err := r.registry.AgentByKey(req.Context(), key)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, nil, &Error{Status: http.StatusForbidden, Detail: "Invalid or inactive agent key"}
		}
		if err != nil {
			return nil, nil, err
		}
		return nil, agent, nil
	}

	return nil, nil, &Error{
		Status: http.StatusUnauthorized,
		Detail: "Authentication required. Provide a bearer token, X-Admin-Key, or X-Agent-Key header.",
	}
}

func (r *Resolver) verify(req *http.Request, raw string) (*token.Claims, error) {
	claims, err := r.signer.Verify(req.Context(), raw)
	switch {
	case errors.Is(err, token.ErrRevoked):
		return nil, &Error{Status: http.StatusUnauthorized, Detail: "Token has been revoked"}
	case errors.Is(err, token.ErrInvalidToken):
		return nil, &Error{Status: http.StatusUnauthorized, Detail: "Invalid or expired token"}
	case err != nil:
		return nil, err
	}
	return claims, nil
}

func bearerToken(req *http.Request) (string, bool) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(rest), rest != ""
}
