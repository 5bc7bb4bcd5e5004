// Package policy implements the decision engine at the heart of the
// service: rule normalization and matching, agent/team policy merging,
// conditional rules, and the allow/deny/pending evaluation order.
package policy

import "time"

// Decision statuses. The enforce response's allowed flag is derived:
// allowed == (Status == StatusAllowed).
const (
	StatusAllowed = "allowed"
	StatusDenied  = "denied"
	StatusPending = "pending"
)

// Rule is one entry in a policy rule list. Action is mandatory; an empty
// or "*" resource matches anything.
type Rule struct {
	Action     string      `json:"action" yaml:"action"`
	Resource   string      `json:"resource,omitempty" yaml:"resource,omitempty"`
	Conditions *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Conditions gate a rule beyond action/resource matching. All present
// keys are AND-ed; absent keys pass. Unknown keys in stored documents are
// ignored.
type Conditions struct {
	Env       []string   `json:"env,omitempty" yaml:"env,omitempty"`
	TimeRange *TimeRange `json:"time_range,omitempty" yaml:"time_range,omitempty"`
	DayOfWeek []string   `json:"day_of_week,omitempty" yaml:"day_of_week,omitempty"`
}

// TimeRange is an inclusive single-day window in "HH:MM" form. TZ is
// stored but not yet honored; evaluation is UTC.
type TimeRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
	TZ    string `json:"tz,omitempty" yaml:"tz,omitempty"`
}

// Policy is a stored rule set. Exactly one of AgentID or Team is set,
// depending on which table the row came from.
type Policy struct {
	AgentID         string    `json:"agent_id,omitempty"`
	Team            string    `json:"team,omitempty"`
	Allow           []Rule    `json:"allow"`
	Deny            []Rule    `json:"deny"`
	RequireApproval []Rule    `json:"require_approval"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Decision is the outcome of one evaluation. ApprovalID is set iff
// Status is pending.
type Decision struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// Allowed reports whether the decision permits the action outright.
func (d *Decision) Allowed() bool { return d.Status == StatusAllowed }
