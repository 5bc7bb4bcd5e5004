package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func (f *serverFixture) appendLog(t *testing.T, apiKey string, body map[string]any) map[string]any {
	t.Helper()
	w := f.do(asAgent(jsonRequest(t, http.MethodPost, "/logs", body), apiKey))
	wantStatus(t, w, http.StatusCreated)
	return decodeMap(t, w)
}

// --- handleAppend ---

func TestLogAppend(t *testing.T) {
	f := newServerFixture(t)
	id, key := f.createAgent(t, "log-bot", "payments", "production")

	w := f.do(asAgent(jsonRequest(t, http.MethodPost, "/logs", map[string]any{
		"action": "read:db", "result": "success",
	}), key))
	wantDetail(t, w, http.StatusBadRequest, "allowed is required")

	w = f.do(asAgent(jsonRequest(t, http.MethodPost, "/logs", map[string]any{
		"action": "read:db", "allowed": true, "result": "partial",
	}), key))
	wantDetail(t, w, http.StatusBadRequest, "result must be one of: success, error")

	// An explicit denied outcome is recordable.
	entry := f.appendLog(t, key, map[string]any{
		"action": "delete:records", "allowed": false, "result": "error",
		"context": map[string]any{"table": "payments"},
	})
	if entry["agent_id"] != id || entry["allowed"] != false {
		t.Errorf("entry = %v", entry)
	}
	if entry["previous_hash"] == "" {
		t.Error("entry carries no chain hash")
	}
	// Without a client request_id the middleware's ID is stamped in.
	if entry["request_id"] == "" || entry["request_id"] == nil {
		t.Errorf("request_id = %v, want middleware-assigned", entry["request_id"])
	}

	entry = f.appendLog(t, key, map[string]any{
		"action": "read:db", "allowed": true, "result": "success", "request_id": "req-42",
	})
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", entry["request_id"])
	}
}

// --- handleQuery ---

func TestLogQuery(t *testing.T) {
	f := newServerFixture(t)
	_, key := f.createAgent(t, "log-bot", "payments", "production")
	_, otherKey := f.createAgent(t, "other-bot", "ops", "production")

	f.appendLog(t, key, map[string]any{"action": "read:db", "allowed": true, "result": "success"})
	f.appendLog(t, key, map[string]any{"action": "delete:db", "allowed": false, "result": "error"})
	f.appendLog(t, otherKey, map[string]any{"action": "read:db", "allowed": true, "result": "success"})

	// Agents see their own stream only, regardless of filters.
	w := f.do(asAgent(httptest.NewRequest(http.MethodGet, "/logs", nil), key))
	wantStatus(t, w, http.StatusOK)
	if list := decodeList(t, w); len(list) != 2 {
		t.Errorf("agent query = %d entries, want 2", len(list))
	}

	w = f.do(asAgent(httptest.NewRequest(http.MethodGet, "/logs?allowed=false", nil), key))
	list := decodeList(t, w)
	if len(list) != 1 || list[0]["action"] != "delete:db" {
		t.Errorf("allowed=false query = %v", list)
	}

	// Admins see everything and can filter by action.
	w = f.do(asBootstrap(httptest.NewRequest(http.MethodGet, "/logs", nil)))
	if list := decodeList(t, w); len(list) != 3 {
		t.Errorf("admin query = %d entries, want 3", len(list))
	}
	w = f.do(asBootstrap(httptest.NewRequest(http.MethodGet, "/logs?action=read:db", nil)))
	if list := decodeList(t, w); len(list) != 2 {
		t.Errorf("action filter = %d entries, want 2", len(list))
	}

	w = f.do(asAgent(httptest.NewRequest(http.MethodGet, "/logs?allowed=maybe", nil), key))
	wantDetail(t, w, http.StatusBadRequest, "allowed must be true or false")
	w = f.do(asAgent(httptest.NewRequest(http.MethodGet, "/logs?limit=5000", nil), key))
	wantDetail(t, w, http.StatusBadRequest, "limit must be between 1 and 1000")
	w = f.do(asAgent(httptest.NewRequest(http.MethodGet, "/logs?start_time=yesterday", nil), key))
	wantDetail(t, w, http.StatusBadRequest, "start_time must be an ISO 8601 timestamp")
}

func TestLogQuery_ScopedAdmin(t *testing.T) {
	f := newServerFixture(t)
	_, payKey := f.createAgent(t, "pay-bot", "payments", "production")
	_, opsKey := f.createAgent(t, "ops-bot", "ops", "production")
	f.appendLog(t, payKey, map[string]any{"action": "read:db", "allowed": true, "result": "success"})
	f.appendLog(t, opsKey, map[string]any{"action": "read:db", "allowed": true, "result": "success"})

	team := "payments"
	_, scopedKey := f.createAdminUser(t, "payments-auditor", "auditor", &team)
	tok := f.issueToken(t, map[string]any{"admin_key": scopedKey})

	w := f.do(asBearer(httptest.NewRequest(http.MethodGet, "/logs", nil), tok))
	wantStatus(t, w, http.StatusOK)
	list := decodeList(t, w)
	if len(list) != 1 {
		t.Fatalf("scoped query = %d entries, want 1", len(list))
	}
}

// --- handleVerify ---

func TestChainVerifyAndTamperDetection(t *testing.T) {
	f := newServerFixture(t)
	id, key := f.createAgent(t, "chain-bot", "payments", "production")

	for i := 0; i < 3; i++ {
		f.appendLog(t, key, map[string]any{
			"action": fmt.Sprintf("step:%d", i), "allowed": true, "result": "success",
		})
	}

	// The agent verifies its own chain.
	w := f.do(asAgent(httptest.NewRequest(http.MethodGet, "/logs/verify", nil), key))
	wantStatus(t, w, http.StatusOK)
	body := decodeMap(t, w)
	if body["valid"] != true || body["total_entries"] != float64(3) || body["broken_at"] != nil {
		t.Errorf("verify = %v, want intact chain of 3", body)
	}

	// Rewrite history directly in the database.
	_, err := f.db.SQL.ExecContext(context.Background(), f.db.Rebind(
		"UPDATE audit_logs SET action = ? WHERE agent_id = ? AND action = ?"),
		"step:999", id, "step:1")
	if err != nil {
		t.Fatalf("tamper with chain: %v", err)
	}

	w = f.do(asBootstrap(httptest.NewRequest(http.MethodGet, "/logs/verify?agent_id="+id, nil)))
	wantStatus(t, w, http.StatusOK)
	body = decodeMap(t, w)
	if body["valid"] != false {
		t.Errorf("tampered chain still verifies: %v", body)
	}
	if body["broken_at"] == nil || body["broken_at"] == "" {
		t.Errorf("broken_at = %v, want the first bad entry", body["broken_at"])
	}
}

func TestChainVerify_AdminTargeting(t *testing.T) {
	f := newServerFixture(t)
	payID, _ := f.createAgent(t, "pay-bot", "payments", "production")
	opsID, _ := f.createAgent(t, "ops-bot", "ops", "production")

	w := f.do(asBootstrap(httptest.NewRequest(http.MethodGet, "/logs/verify", nil)))
	wantDetail(t, w, http.StatusBadRequest, "agent_id query parameter is required for admin auth")

	// An empty chain is trivially intact.
	w = f.do(asBootstrap(httptest.NewRequest(http.MethodGet, "/logs/verify?agent_id="+payID, nil)))
	wantStatus(t, w, http.StatusOK)
	body := decodeMap(t, w)
	if body["valid"] != true || body["total_entries"] != float64(0) {
		t.Errorf("empty chain verify = %v", body)
	}

	// Scoped admins cannot probe other teams' chains.
	team := "payments"
	_, scopedKey := f.createAdminUser(t, "payments-auditor", "auditor", &team)
	tok := f.issueToken(t, map[string]any{"admin_key": scopedKey})
	w = f.do(asBearer(httptest.NewRequest(http.MethodGet, "/logs/verify?agent_id="+opsID, nil), tok))
	wantDetail(t, w, http.StatusNotFound, "Agent "+opsID+" not found")
}
