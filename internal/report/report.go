// Package report aggregates audit and approval activity into the
// compliance summary. All queries are scoped to a look-back window and,
// for team-scoped callers, to agents owned by that team.
package report

import (
	"context"
	"fmt"
	"math"
	"time"

	"agentguard/internal/storage"
)

// Top-list and chart caps, matching what the dashboard renders.
const (
	topLimit  = 10
	chartDays = 14
)

// Summary is the full report for one look-back window.
type Summary struct {
	PeriodDays       int             `json:"period_days"`
	GeneratedAt      string          `json:"generated_at"`
	Overview         Overview        `json:"overview"`
	Approvals        ApprovalStats   `json:"approvals"`
	TopAgents        []AgentActivity `json:"top_agents"`
	TopDeniedActions []DeniedAction  `json:"top_denied_actions"`
	DailyBreakdown   []DayBucket     `json:"daily_breakdown"`
}

// Overview counts enforcement outcomes over the window. Rates are
// percentages rounded to one decimal, zero when there is no activity.
type Overview struct {
	TotalActions int     `json:"total_actions"`
	Allowed      int     `json:"allowed"`
	Denied       int     `json:"denied"`
	AllowRate    float64 `json:"allow_rate"`
	DenyRate     float64 `json:"deny_rate"`
}

// ApprovalStats counts approval requests. Pending is a point-in-time
// count and ignores the window; the rest are window-scoped.
type ApprovalStats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Approved     int     `json:"approved"`
	Denied       int     `json:"denied"`
	ApprovalRate float64 `json:"approval_rate"`
}

// AgentActivity is one row of the most-active-agents list.
type AgentActivity struct {
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	TotalActions int    `json:"total_actions"`
	Allowed      int    `json:"allowed"`
	Denied       int    `json:"denied"`
}

// DeniedAction is one row of the most-blocked-actions list.
type DeniedAction struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// DayBucket is one day of the activity chart, UTC-midnight aligned.
type DayBucket struct {
	Date    string `json:"date"`
	Total   int    `json:"total"`
	Allowed int    `json:"allowed"`
	Denied  int    `json:"denied"`
}

// Store runs the report queries.
type Store struct {
	db  *storage.DB
	now func() time.Time
}

// NewStore binds the report queries to a database.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Summary builds the report for the last days days. The caller validates
// the window; team restricts scope to that team's agents, empty means all.
func (s *Store) Summary(ctx context.Context, days int, team string) (*Summary, error) {
	now := s.now()
	cutoff := storage.FormatTime(now.AddDate(0, 0, -days))

	out := &Summary{
		PeriodDays:       days,
		GeneratedAt:      now.Format(time.RFC3339),
		TopAgents:        []AgentActivity{},
		TopDeniedActions: []DeniedAction{},
	}

	logScope := ""
	approvalScope := ""
	if team != "" {
		logScope = " AND l.agent_id IN (SELECT agent_id FROM agents WHERE owner_team = ?)"
		approvalScope = " AND agent_id IN (SELECT agent_id FROM agents WHERE owner_team = ?)"
	}
	scopeArgs := func(args ...any) []any {
		if team != "" {
			args = append(args, team)
		}
		return args
	}

	// Overview.
	err := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN l.allowed THEN 1 ELSE 0 END), 0)
		FROM audit_logs l WHERE l.timestamp >= ?`+logScope),
		scopeArgs(cutoff)...).Scan(&out.Overview.TotalActions, &out.Overview.Allowed)
	if err != nil {
		return nil, fmt.Errorf("report overview: %w", err)
	}
	out.Overview.Denied = out.Overview.TotalActions - out.Overview.Allowed
	out.Overview.AllowRate = rate(out.Overview.Allowed, out.Overview.TotalActions)
	out.Overview.DenyRate = rate(out.Overview.Denied, out.Overview.TotalActions)

	// Approvals. Pending deliberately has no cutoff: an old undecided
	// request is still actionable.
	err = s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= ? AND status = 'approved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= ? AND status = 'denied' THEN 1 ELSE 0 END), 0)
		FROM approval_requests WHERE 1=1`+approvalScope),
		scopeArgs(cutoff, cutoff, cutoff)...).
		Scan(&out.Approvals.Total, &out.Approvals.Pending, &out.Approvals.Approved, &out.Approvals.Denied)
	if err != nil {
		return nil, fmt.Errorf("report approvals: %w", err)
	}
	out.Approvals.ApprovalRate = rate(out.Approvals.Approved, out.Approvals.Approved+out.Approvals.Denied)

	// Top agents by activity.
	rows, err := s.db.SQL.QueryContext(ctx, s.db.Rebind(`
		SELECT l.agent_id, COALESCE(a.name, 'Unknown'), COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN l.allowed THEN 1 ELSE 0 END), 0)
		FROM audit_logs l LEFT JOIN agents a ON a.agent_id = l.agent_id
		WHERE l.timestamp >= ?`+logScope+`
		GROUP BY l.agent_id, a.name
		ORDER BY total DESC, l.agent_id
		LIMIT `+fmt.Sprint(topLimit)),
		scopeArgs(cutoff)...)
	if err != nil {
		return nil, fmt.Errorf("report top agents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a AgentActivity
		if err := rows.Scan(&a.AgentID, &a.AgentName, &a.TotalActions, &a.Allowed); err != nil {
			return nil, err
		}
		a.Denied = a.TotalActions - a.Allowed
		out.TopAgents = append(out.TopAgents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Top denied actions.
	rows, err = s.db.SQL.QueryContext(ctx, s.db.Rebind(`
		SELECT l.action, COUNT(*) AS n
		FROM audit_logs l
		WHERE l.timestamp >= ? AND NOT l.allowed`+logScope+`
		GROUP BY l.action
		ORDER BY n DESC, l.action
		LIMIT `+fmt.Sprint(topLimit)),
		scopeArgs(cutoff)...)
	if err != nil {
		return nil, fmt.Errorf("report top denied: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d DeniedAction
		if err := rows.Scan(&d.Action, &d.Count); err != nil {
			return nil, err
		}
		out.TopDeniedActions = append(out.TopDeniedActions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	daily, err := s.dailyBreakdown(ctx, now, days, logScope, scopeArgs)
	if err != nil {
		return nil, err
	}
	out.DailyBreakdown = daily

	return out, nil
}

// dailyBreakdown groups the chart window by UTC day and zero-fills days
// without activity, oldest first. The chart is capped at 14 days
// regardless of the report window.
func (s *Store) dailyBreakdown(ctx context.Context, now time.Time, days int, logScope string, scopeArgs func(...any) []any) ([]DayBucket, error) {
	n := days
	if n > chartDays {
		n = chartDays
	}
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	chartStart := todayStart.AddDate(0, 0, -(n - 1))

	rows, err := s.db.SQL.QueryContext(ctx, s.db.Rebind(`
		SELECT substr(l.timestamp, 1, 10) AS day, COUNT(*),
		       COALESCE(SUM(CASE WHEN l.allowed THEN 1 ELSE 0 END), 0)
		FROM audit_logs l
		WHERE l.timestamp >= ?`+logScope+`
		GROUP BY day`),
		scopeArgs(storage.FormatTime(chartStart))...)
	if err != nil {
		return nil, fmt.Errorf("report daily breakdown: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]DayBucket, n)
	for rows.Next() {
		var b DayBucket
		if err := rows.Scan(&b.Date, &b.Total, &b.Allowed); err != nil {
			return nil, err
		}
		b.Denied = b.Total - b.Allowed
		byDay[b.Date] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	buckets := make([]DayBucket, 0, n)
	for i := n - 1; i >= 0; i-- {
		date := todayStart.AddDate(0, 0, -i).Format("2006-01-02")
		b, ok := byDay[date]
		if !ok {
			b = DayBucket{Date: date}
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// rate returns part/whole as a percentage rounded to one decimal.
func rate(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*1000) / 10
}
