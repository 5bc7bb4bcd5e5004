package main

import (
	"errors"
	"log/slog"
	"net/http"

	"agentguard/internal/auth"
	"agentguard/internal/registry"
)

// agentServer manages the agent registry. Every route is admin-only;
// team-scoped admins see only their own team's agents.
type agentServer struct {
	agents *registry.Store
	auth   *auth.Resolver
}

type agentCreateRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	OwnerTeam   string `json:"owner_team" validate:"required,min=1,max=255"`
	Environment string `json:"environment" validate:"required,oneof=development staging production"`
}

// agentWithKey is the creation response. The raw key appears here and
// nowhere else; only its hash is stored.
type agentWithKey struct {
	*registry.Agent
	APIKey string `json:"api_key"`
}

func (s *agentServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAdmin)
	if !ok {
		return
	}

	var req agentCreateRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if !admin.SeesTeam(req.OwnerTeam) {
		writeDetail(w, http.StatusForbidden, "Cannot create agents for another team")
		return
	}

	agent, rawKey, err := s.agents.CreateAgent(r.Context(), req.Name, req.OwnerTeam, req.Environment)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("created agent", "agent_id", agent.AgentID, "team", agent.OwnerTeam, "by", admin.Sub)
	writeJSON(w, http.StatusCreated, agentWithKey{Agent: agent, APIKey: rawKey})
}

func (s *agentServer) handleList(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAdmin)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	agents, err := s.agents.ListAgents(r.Context(), registry.AgentFilter{
		Environment: r.URL.Query().Get("environment"),
		Team:        teamScope(admin),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []*registry.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *agentServer) handleGet(w http.ResponseWriter, r *http.Request) {
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
	// Scope misses read as absence so team boundaries leak nothing.
	if !admin.SeesTeam(agent.OwnerTeam) {
		writeDetail(w, http.StatusNotFound, "Agent "+agentID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *agentServer) handleDelete(w http.ResponseWriter, r *http.Request) {
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

	if err := s.agents.DeleteAgent(r.Context(), agentID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		writeError(w, err)
		return
	}

	slog.Info("deleted agent", "agent_id", agentID, "by", admin.Sub)
	w.WriteHeader(http.StatusNoContent)
}
