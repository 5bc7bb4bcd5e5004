package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/auth"
	"agentguard/internal/registry"
	"agentguard/internal/storage"
)

// logServer is the audit trail surface: agents append to their own
// chain, agents and auditors read, anyone authenticated can verify.
type logServer struct {
	logs   *audit.Store
	agents *registry.Store
	auth   *auth.Resolver
}

// Allowed is a pointer so an explicit false survives the required check.
type logCreateRequest struct {
	Action    string         `json:"action" validate:"required"`
	Resource  string         `json:"resource"`
	Context   map[string]any `json:"context"`
	Allowed   *bool          `json:"allowed" validate:"required"`
	Result    string         `json:"result" validate:"required,oneof=success error"`
	Metadata  map[string]any `json:"metadata"`
	RequestID string         `json:"request_id"`
}

func (s *logServer) handleAppend(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r, s.auth)
	if !ok {
		return
	}

	var req logCreateRequest
	if !decodeValid(w, r, &req) {
		return
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = requestIDFrom(r.Context())
	}

	entry, err := s.logs.Append(r.Context(), agent.AgentID, audit.AppendInput{
		Action:    req.Action,
		Resource:  req.Resource,
		Context:   req.Context,
		Allowed:   *req.Allowed,
		Result:    req.Result,
		Metadata:  req.Metadata,
		RequestID: requestID,
	})
	if errors.Is(err, audit.ErrInvalidEntry) {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("audit log created", "log_id", entry.LogID, "agent_id", agent.AgentID, "action", entry.Action)
	writeJSON(w, http.StatusCreated, entry)
}

func (s *logServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	admin, agent, err := s.auth.ResolveEither(r)
	if err != nil {
		writeError(w, err)
		return
	}

	f := audit.Filter{
		Action:  r.URL.Query().Get("action"),
		AgentID: r.URL.Query().Get("agent_id"),
	}

	// Agents read their own stream no matter what they ask for.
	if agent != nil {
		f.AgentID = agent.AgentID
	} else {
		if err := admin.RequireRole(auth.RoleAuditor); err != nil {
			writeError(w, err)
			return
		}
		f.Team = teamScope(admin)
	}

	if v := r.URL.Query().Get("allowed"); v != "" {
		switch v {
		case "true":
			t := true
			f.Allowed = &t
		case "false":
			fa := false
			f.Allowed = &fa
		default:
			writeDetail(w, http.StatusBadRequest, "allowed must be true or false")
			return
		}
	}

	var ok bool
	if f.StartTime, ok = queryTime(w, r, "start_time"); !ok {
		return
	}
	if f.EndTime, ok = queryTime(w, r, "end_time"); !ok {
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit < 1 || limit > 1000 {
		writeDetail(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	f.Limit = limit

	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.logs.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleVerify recomputes the hash chain. Agents always verify their own
// stream; admins name the target with agent_id.
func (s *logServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	admin, agent, err := s.auth.ResolveEither(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var targetID string
	if agent != nil {
		targetID = agent.AgentID
	} else {
		if err := admin.RequireRole(auth.RoleAuditor); err != nil {
			writeError(w, err)
			return
		}
		targetID = r.URL.Query().Get("agent_id")
		if targetID == "" {
			writeDetail(w, http.StatusBadRequest, "agent_id query parameter is required for admin auth")
			return
		}
		if admin.Team != nil {
			target, err := s.agents.GetAgent(r.Context(), targetID)
			if errors.Is(err, registry.ErrNotFound) || (err == nil && !admin.SeesTeam(target.OwnerTeam)) {
				writeDetail(w, http.StatusNotFound, "Agent "+targetID+" not found")
				return
			}
			if err != nil {
				writeError(w, err)
				return
			}
		}
	}

	result, err := s.logs.Verify(r.Context(), targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, true
	}
	t, err := storage.ParseTime(v)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, name+" must be an ISO 8601 timestamp")
		return time.Time{}, false
	}
	return t, true
}
