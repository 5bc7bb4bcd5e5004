package main

import (
	"errors"
	"net/http"

	"agentguard/internal/approval"
	"agentguard/internal/auth"
	"agentguard/internal/policy"
)

// enforceServer is the decision path agents call before acting.
type enforceServer struct {
	engine    *policy.Engine
	approvals *approval.Store
	auth      *auth.Resolver
}

type enforceRequest struct {
	Action   string         `json:"action" validate:"required"`
	Resource string         `json:"resource"`
	Context  map[string]any `json:"context"`
}

type enforceResponse struct {
	Allowed    bool   `json:"allowed"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	ApprovalID string `json:"approval_id,omitempty"`
}

func (s *enforceServer) handleEnforce(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r, s.auth)
	if !ok {
		return
	}

	var req enforceRequest
	if !decodeValid(w, r, &req) {
		return
	}

	decision, err := s.engine.Evaluate(r.Context(), agent, req.Action, req.Resource, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, enforceResponse{
		Allowed:    decision.Allowed(),
		Status:     decision.Status,
		Reason:     decision.Reason,
		ApprovalID: decision.ApprovalID,
	})
}

// handlePollApproval lets an agent watch its own pending request. Other
// agents' approvals read as absent.
func (s *enforceServer) handlePollApproval(w http.ResponseWriter, r *http.Request) {
	agent, ok := requireAgent(w, r, s.auth)
	if !ok {
		return
	}

	approvalID := r.PathValue("approvalID")
	req, err := s.approvals.Get(r.Context(), approvalID)
	if errors.Is(err, approval.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Approval "+approvalID+" not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if req.AgentID != agent.AgentID {
		writeDetail(w, http.StatusNotFound, "Approval "+approvalID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}
