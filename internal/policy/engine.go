package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentguard/internal/approval"
	"agentguard/internal/registry"
)

// ApprovalNotifier receives newly created approval requests for outbound
// delivery. Implementations must not block the decision path.
type ApprovalNotifier interface {
	ApprovalCreated(req *approval.Request, agentName string)
}

// Engine evaluates enforcement requests against merged agent and team
// policies. Evaluation itself never fails; returned errors are storage
// failures only.
type Engine struct {
	policies  *Store
	approvals *approval.Store
	notifier  ApprovalNotifier
	now       func() time.Time
}

// NewEngine wires the policy store, the approval store used for pending
// decisions, and an optional notifier for approval.created events.
func NewEngine(policies *Store, approvals *approval.Store, notifier ApprovalNotifier) *Engine {
	return &Engine{
		policies:  policies,
		approvals: approvals,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the evaluation clock consulted by time and weekday
// conditions. The clock must return UTC.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate runs the decision order: require_approval, deny, allow, then
// the tail default. The merged lists interleave agent and team rules so
// a team can force approvals or deny broadly while an agent narrows its
// own allowances.
func (e *Engine) Evaluate(ctx context.Context, agent *registry.Agent, action, resource string, reqContext map[string]any) (*Decision, error) {
	agentPolicy, err := e.policies.Get(ctx, agent.AgentID)
	if errors.Is(err, ErrNoPolicy) {
		return e.decided(agent, action, resource, &Decision{
			Status: StatusDenied,
			Reason: "No policy defined for agent (default deny)",
		}), nil
	}
	if err != nil {
		return nil, err
	}

	teamPolicy := &Policy{}
	if agent.OwnerTeam != "" {
		tp, err := e.policies.GetTeam(ctx, agent.OwnerTeam)
		if err != nil && !errors.Is(err, ErrNoPolicy) {
			return nil, err
		}
		if tp != nil {
			teamPolicy = tp
		}
	}

	requireApproval := concatRules(agentPolicy.RequireApproval, teamPolicy.RequireApproval)
	deny := concatRules(teamPolicy.Deny, agentPolicy.Deny)
	allow := concatRules(agentPolicy.Allow, teamPolicy.Allow)

	now := e.now()

	for _, rule := range requireApproval {
		if !ruleMatches(rule, action, resource, agent.Environment, now) {
			continue
		}
		req, err := e.approvals.Create(ctx, agent.AgentID, action, resource, reqContext)
		if err != nil {
			return nil, fmt.Errorf("create approval request: %w", err)
		}
		if e.notifier != nil {
			e.notifier.ApprovalCreated(req, agent.Name)
		}
		return e.decided(agent, action, resource, &Decision{
			Status:     StatusPending,
			Reason:     fmt.Sprintf("Approval required by rule: %s on %s", rule.Action, displayResource(rule)),
			ApprovalID: req.ApprovalID,
		}), nil
	}

	for _, rule := range deny {
		if ruleMatches(rule, action, resource, agent.Environment, now) {
			return e.decided(agent, action, resource, &Decision{
				Status: StatusDenied,
				Reason: fmt.Sprintf("Denied by rule: %s on %s", rule.Action, displayResource(rule)),
			}), nil
		}
	}

	for _, rule := range allow {
		if ruleMatches(rule, action, resource, agent.Environment, now) {
			return e.decided(agent, action, resource, &Decision{
				Status: StatusAllowed,
				Reason: fmt.Sprintf("Allowed by rule: %s on %s", rule.Action, displayResource(rule)),
			}), nil
		}
	}

	// Dual tail default: any allow rule anywhere switches the agent into
	// whitelist mode; a policy of only deny rules is a blacklist.
	if len(allow) > 0 {
		return e.decided(agent, action, resource, &Decision{
			Status: StatusDenied,
			Reason: "No matching allow rule (default deny)",
		}), nil
	}
	return e.decided(agent, action, resource, &Decision{
		Status: StatusAllowed,
		Reason: "No allow rules defined (deny-list mode)",
	}), nil
}

func (e *Engine) decided(agent *registry.Agent, action, resource string, d *Decision) *Decision {
	attrs := []any{
		"agent_id", agent.AgentID,
		"action", action,
		"status", d.Status,
		"reason", d.Reason,
	}
	if resource != "" {
		attrs = append(attrs, "resource", resource)
	}
	if d.ApprovalID != "" {
		attrs = append(attrs, "approval_id", d.ApprovalID)
	}

	switch d.Status {
	case StatusDenied:
		slog.Warn("policy decision: DENY", attrs...)
	case StatusPending:
		slog.Info("policy decision: REQUIRE_APPROVAL", attrs...)
	default:
		slog.Debug("policy decision: ALLOW", attrs...)
	}
	return d
}

func concatRules(first, second []Rule) []Rule {
	merged := make([]Rule, 0, len(first)+len(second))
	merged = append(merged, first...)
	return append(merged, second...)
}

func displayResource(rule Rule) string {
	if rule.Resource == "" {
		return "*"
	}
	return rule.Resource
}
