package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"agentguard/internal/auth"
	"agentguard/internal/registry"
	"agentguard/internal/token"
)

// tokenServer exchanges static keys for bearer tokens and publishes the
// verification key set.
type tokenServer struct {
	signer       *token.Signer
	agents       *registry.Store
	bootstrapKey string
}

type tokenRequest struct {
	AgentKey string `json:"agent_key"`
	AdminKey string `json:"admin_key"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleIssue exchanges exactly one static credential for a signed JWT.
// Agent tokens live 1 hour, admin tokens 8; callers re-exchange on 401.
func (s *tokenServer) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeValid(w, r, &req) {
		return
	}

	switch {
	case req.AgentKey != "":
		s.issueAgent(w, r, req.AgentKey)
	case req.AdminKey != "":
		s.issueAdmin(w, r, req.AdminKey)
	default:
		writeDetail(w, http.StatusBadRequest, "Provide either 'agent_key' or 'admin_key'")
	}
}

func (s *tokenServer) issueAgent(w http.ResponseWriter, r *http.Request, key string) {
	agent, err := s.agents.AgentByKey(r.Context(), key)
	if errors.Is(err, registry.ErrNotFound) {
		writeDetail(w, http.StatusUnauthorized, "Invalid or inactive agent key")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	signed, expiresIn, err := s.signer.IssueAgent(agent.AgentID, agent.Environment, agent.OwnerTeam)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("issued agent token", "agent_id", agent.AgentID)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: signed, TokenType: "bearer", ExpiresIn: expiresIn})
}

// issueAdmin checks named admin users first; the bootstrap key is the
// fallback and mints an implicit super-admin.
func (s *tokenServer) issueAdmin(w http.ResponseWriter, r *http.Request, key string) {
	user, err := s.agents.AdminByKey(r.Context(), key)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		writeError(w, err)
		return
	}

	if err == nil {
		signed, expiresIn, issueErr := s.signer.IssueAdmin(user.AdminID, user.Role, user.Team)
		if issueErr != nil {
			writeError(w, issueErr)
			return
		}
		slog.Info("issued admin token", "admin_id", user.AdminID, "role", user.Role)
		writeJSON(w, http.StatusOK, tokenResponse{AccessToken: signed, TokenType: "bearer", ExpiresIn: expiresIn})
		return
	}

	if s.bootstrapKey == "" || key != s.bootstrapKey {
		writeDetail(w, http.StatusUnauthorized, "Invalid admin key")
		return
	}

	signed, expiresIn, err := s.signer.IssueAdmin("admin", auth.RoleSuperAdmin.String(), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("issued super-admin token from bootstrap key")
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: signed, TokenType: "bearer", ExpiresIn: expiresIn})
}

// handleRevoke blocklists the presented token's jti. The caller proves
// possession by sending the token itself.
func (s *tokenServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerAuthorization(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Authorization: Bearer <token> header required")
		return
	}

	claims, err := s.signer.Verify(r.Context(), raw)
	switch {
	case errors.Is(err, token.ErrRevoked):
		writeDetail(w, http.StatusUnauthorized, "Token has been revoked")
		return
	case errors.Is(err, token.ErrInvalidToken):
		writeDetail(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	case err != nil:
		writeError(w, err)
		return
	}

	if err := s.signer.Revoke(r.Context(), claims); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("revoked token", "jti", claims.ID, "sub", claims.Subject)
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *tokenServer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.signer.JWKS())
}

func bearerAuthorization(r *http.Request) (string, bool) {
	scheme, rest, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}
