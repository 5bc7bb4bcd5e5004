package main

import (
	"errors"
	"net/http"

	"agentguard/internal/auth"
	"agentguard/internal/playground"
	"agentguard/internal/policy"
	"agentguard/internal/registry"
)

// playgroundServer runs natural-language prompts through the analysis
// and enforcement pipeline on behalf of an agent, without the agent
// acting.
type playgroundServer struct {
	analyzer *playground.Analyzer
	engine   *policy.Engine
	agents   *registry.Store
	auth     *auth.Resolver
}

type playgroundRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
	Prompt  string `json:"prompt" validate:"required"`
}

func (s *playgroundServer) handleRun(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAdmin)
	if !ok {
		return
	}

	if !s.analyzer.Enabled() {
		writeDetail(w, http.StatusServiceUnavailable,
			"ANTHROPIC_API_KEY not configured — playground requires Claude for prompt analysis")
		return
	}

	var req playgroundRequest
	if !decodeValid(w, r, &req) {
		return
	}

	agent, err := s.agents.GetAgent(r.Context(), req.AgentID)
	if errors.Is(err, registry.ErrNotFound) || (err == nil && !agent.IsActive) {
		writeDetail(w, http.StatusNotFound, "Agent '"+req.AgentID+"' not found or inactive")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if !admin.SeesTeam(agent.OwnerTeam) {
		writeDetail(w, http.StatusNotFound, "Agent '"+req.AgentID+"' not found or inactive")
		return
	}

	result, err := s.analyzer.Run(r.Context(), s.engine, agent, req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
