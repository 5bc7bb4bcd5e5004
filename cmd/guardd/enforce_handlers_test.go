package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// --- handleEnforce: decision modes ---

func TestEnforce_NoPolicyDefaultDeny(t *testing.T) {
	f := newServerFixture(t)
	_, key := f.createAgent(t, "billing-bot", "billing", "production")

	resp := f.enforce(t, key, "read:db", "")
	if resp["allowed"] != false || resp["status"] != "denied" {
		t.Errorf("decision = %v, want denied", resp)
	}
	if resp["reason"] != "No policy defined for agent (default deny)" {
		t.Errorf("reason = %q", resp["reason"])
	}
}

func TestEnforce_DenyListMode(t *testing.T) {
	f := newServerFixture(t)
	id, key := f.createAgent(t, "report-bot", "analytics", "production")
	f.putPolicy(t, id, `{"deny": [{"action": "delete:*"}]}`)

	// Deny-only policies run as a blacklist: unlisted actions pass.
	resp := f.enforce(t, key, "read:warehouse", "")
	if resp["allowed"] != true {
		t.Errorf("read:warehouse = %v, want allowed", resp)
	}
	if resp["reason"] != "No allow rules defined (deny-list mode)" {
		t.Errorf("reason = %q", resp["reason"])
	}

	resp = f.enforce(t, key, "delete:records", "")
	if resp["allowed"] != false {
		t.Errorf("delete:records = %v, want denied", resp)
	}
	if resp["reason"] != "Denied by rule: delete:* on *" {
		t.Errorf("reason = %q", resp["reason"])
	}
}

func TestEnforce_AllowListMode(t *testing.T) {
	f := newServerFixture(t)
	id, key := f.createAgent(t, "reader-bot", "analytics", "production")
	f.putPolicy(t, id, `{"allow": [{"action": "read:*"}]}`)

	resp := f.enforce(t, key, "read:db", "")
	if resp["allowed"] != true {
		t.Errorf("read:db = %v, want allowed", resp)
	}

	// Any allow rule flips the tail default to deny.
	resp = f.enforce(t, key, "write:db", "")
	if resp["allowed"] != false {
		t.Errorf("write:db = %v, want denied", resp)
	}
	if resp["reason"] != "No matching allow rule (default deny)" {
		t.Errorf("reason = %q", resp["reason"])
	}
}

func TestEnforce_TeamDenyOverridesAgentAllow(t *testing.T) {
	f := newServerFixture(t)
	id, key := f.createAgent(t, "data-bot", "analytics", "production")
	f.putPolicy(t, id, `{"allow": [{"action": "read:*"}]}`)
	f.putTeamPolicy(t, "analytics", `{"deny": [{"action": "read:*", "resource": "secrets/*"}]}`)

	resp := f.enforce(t, key, "read:table", "secrets/api-keys")
	if resp["allowed"] != false {
		t.Errorf("secrets read = %v, want denied by team rule", resp)
	}
	if resp["reason"] != "Denied by rule: read:* on secrets/*" {
		t.Errorf("reason = %q", resp["reason"])
	}

	resp = f.enforce(t, key, "read:table", "reports/q3")
	if resp["allowed"] != true {
		t.Errorf("reports read = %v, want allowed", resp)
	}
}

func TestEnforce_WeekdayCondition(t *testing.T) {
	f := newServerFixture(t)
	id, key := f.createAgent(t, "deploy-bot", "platform", "production")
	f.putPolicy(t, id, `{"deny": [{"action": "deploy:*", "conditions": {"day_of_week": ["saturday", "sunday"]}}]}`)

	// Saturday: the weekend freeze applies.
	f.engine.WithClock(func() time.Time { return time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC) })
	resp := f.enforce(t, key, "deploy:api", "")
	if resp["allowed"] != false {
		t.Errorf("saturday deploy = %v, want denied", resp)
	}

	// Wednesday: it does not.
	f.engine.WithClock(func() time.Time { return time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC) })
	resp = f.enforce(t, key, "deploy:api", "")
	if resp["allowed"] != true {
		t.Errorf("wednesday deploy = %v, want allowed", resp)
	}
}

func TestEnforce_RequiresAgentAuth(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(jsonRequest(t, http.MethodPost, "/enforce", map[string]any{"action": "read:db"}))
	wantDetail(t, w, http.StatusUnauthorized,
		"Agent authentication required. Provide a bearer token or X-Agent-Key header.")

	w = f.do(asAgent(jsonRequest(t, http.MethodPost, "/enforce", map[string]any{"action": "read:db"}), "agk_bogus"))
	wantDetail(t, w, http.StatusForbidden, "Invalid or inactive agent key")

	// Admin credentials are not agent credentials.
	w = f.do(asBootstrap(jsonRequest(t, http.MethodPost, "/enforce", map[string]any{"action": "read:db"})))
	wantStatus(t, w, http.StatusUnauthorized)
}

func TestEnforce_ActionRequired(t *testing.T) {
	f := newServerFixture(t)
	_, key := f.createAgent(t, "empty-bot", "qa", "development")

	w := f.do(asAgent(jsonRequest(t, http.MethodPost, "/enforce", map[string]any{"resource": "db"}), key))
	wantDetail(t, w, http.StatusBadRequest, "action is required")
}

// --- handlePollApproval ---

func TestPollApproval(t *testing.T) {
	f := newServerFixture(t)
	id, key := f.createAgent(t, "export-bot", "payments", "production")
	f.putPolicy(t, id, `{"require_approval": [{"action": "export:*"}]}`)

	approvalID := f.enforcePending(t, key, "export:csv", "customers/q3")

	w := f.do(asAgent(httptest.NewRequest(http.MethodGet, "/enforce/approval/"+approvalID, nil), key))
	wantStatus(t, w, http.StatusOK)
	body := decodeMap(t, w)
	if body["status"] != "pending" {
		t.Errorf("status = %v, want pending", body["status"])
	}
	if body["action"] != "export:csv" || body["resource"] != "customers/q3" {
		t.Errorf("request fields = %v", body)
	}

	w = f.do(asAgent(httptest.NewRequest(http.MethodGet, "/enforce/approval/unknown", nil), key))
	wantDetail(t, w, http.StatusNotFound, "Approval unknown not found")
}

func TestPollApproval_OtherAgentsRequestHidden(t *testing.T) {
	f := newServerFixture(t)
	id, key := f.createAgent(t, "export-bot", "payments", "production")
	f.putPolicy(t, id, `{"require_approval": [{"action": "export:*"}]}`)
	_, otherKey := f.createAgent(t, "other-bot", "payments", "production")

	approvalID := f.enforcePending(t, key, "export:csv", "")

	w := f.do(asAgent(httptest.NewRequest(http.MethodGet, "/enforce/approval/"+approvalID, nil), otherKey))
	wantDetail(t, w, http.StatusNotFound, "Approval "+approvalID+" not found")
}
