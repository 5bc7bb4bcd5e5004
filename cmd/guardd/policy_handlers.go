package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"agentguard/internal/auth"
	"agentguard/internal/policy"
	"agentguard/internal/registry"
)

// policyServer manages agent and team rule sets. Writes run the JSON
// schema check before touching storage.
type policyServer struct {
	policies *policy.Store
	agents   *registry.Store
	auth     *auth.Resolver
}

// policyRequest carries the three rule lists as raw JSON; schema
// validation and decoding happen together in policy.ParseRules.
type policyRequest struct {
	Allow           json.RawMessage `json:"allow"`
	Deny            json.RawMessage `json:"deny"`
	RequireApproval json.RawMessage `json:"require_approval"`
}

func (s *policyServer) parseRules(w http.ResponseWriter, r *http.Request) (allow, deny, requireApproval []policy.Rule, ok bool) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, nil, nil, false
	}

	var err error
	if allow, err = policy.ParseRules(req.Allow); err != nil {
		writeDetail(w, http.StatusBadRequest, "allow: "+err.Error())
		return nil, nil, nil, false
	}
	if deny, err = policy.ParseRules(req.Deny); err != nil {
		writeDetail(w, http.StatusBadRequest, "deny: "+err.Error())
		return nil, nil, nil, false
	}
	if requireApproval, err = policy.ParseRules(req.RequireApproval); err != nil {
		writeDetail(w, http.StatusBadRequest, "require_approval: "+err.Error())
		return nil, nil, nil, false
	}
	return allow, deny, requireApproval, true
}

func (s *policyServer) handleSetAgentPolicy(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAdmin)
	if !ok {
		return
	}

	agentID := r.PathValue("agentID")
	agent, err := s.agents.GetAgent(r.Context(), agentID)
	if errors.Is(err, registry.ErrNotFound) || (err == nil && !agent.IsActive) {
		writeDetail(w, http.StatusNotFound, "Agent "+agentID+" not found or inactive")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if !admin.SeesTeam(agent.OwnerTeam) {
		writeDetail(w, http.StatusNotFound, "Agent "+agentID+" not found or inactive")
		return
	}

	allow, deny, requireApproval, ok := s.parseRules(w, r)
	if !ok {
		return
	}

	p, err := s.policies.Set(r.Context(), agentID, allow, deny, requireApproval)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("set agent policy", "agent_id", agentID, "by", admin.Sub,
		"allow", len(allow), "deny", len(deny), "require_approval", len(requireApproval))
	writeJSON(w, http.StatusOK, p)
}

func (s *policyServer) handleGetAgentPolicy(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAdmin)
	if !ok {
		return
	}

	agentID := r.PathValue("agentID")
	agent, err := s.agents.GetAgent(r.Context(), agentID)
	if errors.Is(err, registry.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Agent "+agentID+" not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if !admin.SeesTeam(agent.OwnerTeam) {
		writeDetail(w, http.StatusNotFound, "Agent "+agentID+" not found")
		return
	}

	p, err := s.policies.Get(r.Context(), agentID)
	if errors.Is(err, policy.ErrNoPolicy) {
		writeDetail(w, http.StatusNotFound, "No policy found for agent "+agentID)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *policyServer) handleSetTeamPolicy(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAdmin)
	if !ok {
		return
	}

	team := r.PathValue("team")
	if !admin.SeesTeam(team) {
		writeDetail(w, http.StatusForbidden, "Cannot manage policies for another team")
		return
	}

	allow, deny, requireApproval, ok := s.parseRules(w, r)
	if !ok {
		return
	}

	p, err := s.policies.SetTeam(r.Context(), team, allow, deny, requireApproval)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("set team policy", "team", team, "by", admin.Sub,
		"allow", len(allow), "deny", len(deny), "require_approval", len(requireApproval))
	writeJSON(w, http.StatusOK, p)
}

func (s *policyServer) handleGetTeamPolicy(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAdmin)
	if !ok {
		return
	}

	team := r.PathValue("team")
	if !admin.SeesTeam(team) {
		writeDetail(w, http.StatusNotFound, "No policy set for team '"+team+"'")
		return
	}

	p, err := s.policies.GetTeam(r.Context(), team)
	if errors.Is(err, policy.ErrNoPolicy) {
		writeDetail(w, http.StatusNotFound, "No policy set for team '"+team+"'")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
