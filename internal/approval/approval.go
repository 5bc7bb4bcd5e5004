// Package approval holds the human-in-the-loop state machine. Requests
// are created pending by the policy engine and move exactly once to
// approved or denied; pending requests can instead be cancelled outright.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentguard/internal/storage"
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// ErrNotFound is returned when the approval does not exist or is outside
// the caller's visibility.
var ErrNotFound = errors.New("approval not found")

// AlreadyDecidedError is the state-machine violation: the approval exists
// but has left the pending state.
type AlreadyDecidedError struct {
	Status string
}

func (e *AlreadyDecidedError) Error() string {
	return "approval is already " + e.Status
}

// Request is one approval row. AgentName is joined in for display and is
// not stored. Decision fields are all nil while pending and all set once
// decided.
type Request struct {
	ApprovalID     string         `json:"approval_id"`
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name,omitempty"`
	Status         string         `json:"status"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DecisionAt     *time.Time     `json:"decision_at"`
	DecisionBy     *string        `json:"decision_by"`
	DecisionReason *string        `json:"decision_reason"`
}

// Store persists approval requests.
type Store struct {
	db *storage.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pending request and returns it.
func (s *Store) Create(ctx context.Context, agentID, action, resource string, reqContext map[string]any) (*Request, error) {
	contextJSON, err := marshalContext(reqContext)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ApprovalID: uuid.NewString(),
		AgentID:    agentID,
		Status:     StatusPending,
		Action:     action,
		Resource:   resource,
		Context:    reqContext,
		CreatedAt:  storage.Now(),
	}

	_, err = s.db.SQL.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO approval_requests (approval_id, agent_id, status, action, resource, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), req.ApprovalID, req.AgentID, req.Status, req.Action, nullIfEmpty(req.Resource),
		contextJSON, storage.FormatTime(req.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return req, nil
}

// Get fetches one approval with its agent's name joined in.
func (s *Store) Get(ctx context.Context, approvalID string) (*Request, error) {
	row := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT r.approval_id, r.agent_id, a.name, r.status, r.action, r.resource, r.context,
		       r.created_at, r.decision_at, r.decision_by, r.decision_reason
		FROM approval_requests r
		LEFT JOIN agents a ON a.agent_id = r.agent_id
		WHERE r.approval_id = ?
	`), approvalID)
	return scanRequest(row)
}

// Filter narrows List. Team restricts to approvals whose agent belongs to
// that team; empty means no restriction.
type Filter struct {
	Status  string
	AgentID string
	Team    string
	Limit   int
	Offset  int
}

// List returns matching approvals newest first, the total count matching
// the filter, and the pending count. The pending count ignores the status
// and agent filters but honors the team scope.
func (s *Store) List(ctx context.Context, f Filter) ([]*Request, int, int, error) {
	where := " WHERE 1=1"
	var args []any

	if f.Team != "" {
		where += " AND a.owner_team = ?"
		args = append(args, f.Team)
	}
	if f.Status != "" {
		where += " AND r.status = ?"
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where += " AND r.agent_id = ?"
		args = append(args, f.AgentID)
	}

	base := " FROM approval_requests r LEFT JOIN agents a ON a.agent_id = r.agent_id"

	var total int
	err := s.db.SQL.QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*)"+base+where), args...).Scan(&total)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("count approvals: %w", err)
	}

	pendWhere := " WHERE r.status = 'pending'"
	var pendArgs []any
	if f.Team != "" {
		pendWhere += " AND a.owner_team = ?"
		pendArgs = append(pendArgs, f.Team)
	}
	var pending int
	err = s.db.SQL.QueryRowContext(ctx, s.db.Rebind("SELECT COUNT(*)"+base+pendWhere), pendArgs...).Scan(&pending)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("count pending approvals: %w", err)
	}

	query := `SELECT r.approval_id, r.agent_id, a.name, r.status, r.action, r.resource, r.context,
	       r.created_at, r.decision_at, r.decision_by, r.decision_reason` + base + where +
		" ORDER BY r.created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.SQL.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var items []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, req)
	}
	if items == nil {
		items = []*Request{}
	}
	return items, total, pending, rows.Err()
}

// Approve moves a pending request to approved. The decision fields are
// written in the same conditional UPDATE that checks the state, so
// concurrent decisions race to exactly one winner.
func (s *Store) Approve(ctx context.Context, approvalID, decidedBy, reason string) (*Request, error) {
	if reason == "" {
		reason = "Approved by admin"
	}
	return s.decide(ctx, approvalID, StatusApproved, decidedBy, reason)
}

// Deny moves a pending request to denied.
func (s *Store) Deny(ctx context.Context, approvalID, decidedBy, reason string) (*Request, error) {
	if reason == "" {
		reason = "Denied by admin"
	}
	return s.decide(ctx, approvalID, StatusDenied, decidedBy, reason)
}

func (s *Store) decide(ctx context.Context, approvalID, status, decidedBy, reason string) (*Request, error) {
	res, err := s.db.SQL.ExecContext(ctx, s.db.Rebind(`
		UPDATE approval_requests
		SET status = ?, decision_at = ?, decision_by = ?, decision_reason = ?
		WHERE approval_id = ? AND status = 'pending'
	`), status, storage.FormatTime(storage.Now()), decidedBy, reason, approvalID)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, s.conflictError(ctx, approvalID)
	}
	return s.Get(ctx, approvalID)
}

// Cancel deletes a pending request outright.
func (s *Store) Cancel(ctx context.Context, approvalID string) error {
	res, err := s.db.SQL.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM approval_requests WHERE approval_id = ? AND status = 'pending'"), approvalID)
	if err != nil {
		return fmt.Errorf("cancel approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.conflictError(ctx, approvalID)
	}
	return nil
}

// conflictError distinguishes a missing row from a row that already left
// the pending state.
func (s *Store) conflictError(ctx context.Context, approvalID string) error {
	var status string
	err := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(
		"SELECT status FROM approval_requests WHERE approval_id = ?"), approvalID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read approval status: %w", err)
	}
	return &AlreadyDecidedError{Status: status}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var agentName, resource, contextJSON, decisionAt, decisionBy, decisionReason sql.NullString
	var createdAt string
	err := row.Scan(&req.ApprovalID, &req.AgentID, &agentName, &req.Status, &req.Action,
		&resource, &contextJSON, &createdAt, &decisionAt, &decisionBy, &decisionReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}

	req.AgentName = agentName.String
	req.Resource = resource.String
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &req.Context); err != nil {
			return nil, fmt.Errorf("decode approval context: %w", err)
		}
	}
	if req.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if decisionAt.Valid {
		ts, err := storage.ParseTime(decisionAt.String)
		if err != nil {
			return nil, err
		}
		req.DecisionAt = &ts
	}
	if decisionBy.Valid {
		req.DecisionBy = &decisionBy.String
	}
	if decisionReason.Valid {
		req.DecisionReason = &decisionReason.String
	}
	return &req, nil
}

func marshalContext(reqContext map[string]any) (any, error) {
	if reqContext == nil {
		return nil, nil
	}
	data, err := json.Marshal(reqContext)
	if err != nil {
		return nil, fmt.Errorf("encode approval context: %w", err)
	}
	return string(data), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
