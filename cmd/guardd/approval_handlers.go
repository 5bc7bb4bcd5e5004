package main

import (
	"errors"
	"log/slog"
	"net/http"

	"agentguard/internal/approval"
	"agentguard/internal/auth"
	"agentguard/internal/registry"
	"agentguard/internal/webhook"
)

// approvalServer is the human side of the approval loop: approvers list
// and decide, admins can cancel.
type approvalServer struct {
	approvals *approval.Store
	agents    *registry.Store
	auth      *auth.Resolver
	notifier  *webhook.Notifier
}

type approvalDecisionRequest struct {
	Reason string `json:"reason"`
}

type approvalListResponse struct {
	Items        []*approval.Request `json:"items"`
	Total        int                 `json:"total"`
	PendingCount int                 `json:"pending_count"`
}

func (s *approvalServer) handleList(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleApprover)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && status != approval.StatusPending && status != approval.StatusApproved && status != approval.StatusDenied {
		writeDetail(w, http.StatusBadRequest, "status must be one of: pending, approved, denied")
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit < 1 || limit > 500 {
		writeDetail(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if offset < 0 {
		writeDetail(w, http.StatusBadRequest, "offset must not be negative")
		return
	}

	items, total, pending, err := s.approvals.List(r.Context(), approval.Filter{
		Status:  status,
		AgentID: r.URL.Query().Get("agent_id"),
		Team:    teamScope(admin),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalListResponse{Items: items, Total: total, PendingCount: pending})
}

func (s *approvalServer) handleGet(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleApprover)
	if !ok {
		return
	}
	req, ok := s.visibleApproval(w, r, admin)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *approvalServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, approval.StatusApproved)
}

func (s *approvalServer) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, approval.StatusDenied)
}

func (s *approvalServer) decide(w http.ResponseWriter, r *http.Request, status string) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleApprover)
	if !ok {
		return
	}
	pending, ok := s.visibleApproval(w, r, admin)
	if !ok {
		return
	}

	var body approvalDecisionRequest
	if !decodeOptional(w, r, &body) {
		return
	}

	var decided *approval.Request
	var err error
	if status == approval.StatusApproved {
		decided, err = s.approvals.Approve(r.Context(), pending.ApprovalID, admin.Sub, body.Reason)
	} else {
		decided, err = s.approvals.Deny(r.Context(), pending.ApprovalID, admin.Sub, body.Reason)
	}
	if !s.writeDecisionError(w, pending.ApprovalID, err) {
		return
	}

	slog.Info("approval decided",
		"approval_id", decided.ApprovalID, "status", decided.Status,
		"agent_id", decided.AgentID, "by", admin.Sub)
	s.notifier.ApprovalDecided(decided)
	writeJSON(w, http.StatusOK, decided)
}

func (s *approvalServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAdmin)
	if !ok {
		return
	}
	req, ok := s.visibleApproval(w, r, admin)
	if !ok {
		return
	}

	err := s.approvals.Cancel(r.Context(), req.ApprovalID)
	var decidedErr *approval.AlreadyDecidedError
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Approval "+req.ApprovalID+" not found")
		return
	case errors.As(err, &decidedErr):
		writeDetail(w, http.StatusConflict, "Only pending approvals can be cancelled (current status: "+decidedErr.Status+")")
		return
	case err != nil:
		writeError(w, err)
		return
	}

	slog.Info("approval cancelled", "approval_id", req.ApprovalID, "by", admin.Sub)
	w.WriteHeader(http.StatusNoContent)
}

// visibleApproval loads the approval named in the path and applies team
// scope; misses of either kind read as absence.
func (s *approvalServer) visibleApproval(w http.ResponseWriter, r *http.Request, admin *auth.AdminContext) (*approval.Request, bool) {
	approvalID := r.PathValue("approvalID")
	req, err := s.approvals.Get(r.Context(), approvalID)
	if errors.Is(err, approval.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Approval "+approvalID+" not found")
		return nil, false
	}
	if err != nil {
		writeError(w, err)
		return nil, false
	}

	if admin.Team != nil {
		agent, err := s.agents.GetAgent(r.Context(), req.AgentID)
		if err == nil && !admin.SeesTeam(agent.OwnerTeam) {
			writeDetail(w, http.StatusNotFound, "Approval "+approvalID+" not found")
			return nil, false
		}
	}
	return req, true
}

// writeDecisionError maps Approve/Deny failures; returns true when there
// was no error.
func (s *approvalServer) writeDecisionError(w http.ResponseWriter, approvalID string, err error) bool {
	if err == nil {
		return true
	}
	var decidedErr *approval.AlreadyDecidedError
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Approval "+approvalID+" not found")
	case errors.As(err, &decidedErr):
		writeDetail(w, http.StatusConflict, "Approval is already "+decidedErr.Status)
	default:
		writeError(w, err)
	}
	return false
}
