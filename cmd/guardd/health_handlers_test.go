package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	wantStatus(t, w, http.StatusOK)
	if got := decodeMap(t, w)["service"]; got != "agentguard" {
		t.Errorf("service = %v", got)
	}

	w = f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	wantStatus(t, w, http.StatusOK)
	if got := decodeMap(t, w)["status"]; got != "healthy" {
		t.Errorf("status = %v, want healthy", got)
	}

	w = f.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	wantStatus(t, w, http.StatusOK)
	db, _ := decodeMap(t, w)["database"].(map[string]any)
	if db["connected"] != true {
		t.Errorf("database = %v, want connected", db)
	}

	w = f.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	wantStatus(t, w, http.StatusOK)
	if got := decodeMap(t, w)["status"]; got != "alive" {
		t.Errorf("status = %v, want alive", got)
	}
}

func TestHealthStats(t *testing.T) {
	f := newServerFixture(t)

	// Stats are not public.
	w := f.do(httptest.NewRequest(http.MethodGet, "/health/stats", nil))
	wantStatus(t, w, http.StatusUnauthorized)

	id, key := f.createAgent(t, "stat-bot", "infra", "production")
	f.putPolicy(t, id, `{"require_approval": [{"action": "deploy:*"}]}`)
	f.appendLog(t, key, map[string]any{"action": "read:db", "allowed": true, "result": "success"})
	f.enforcePending(t, key, "deploy:api", "")

	w = f.do(asBootstrap(httptest.NewRequest(http.MethodGet, "/health/stats", nil)))
	wantStatus(t, w, http.StatusOK)
	body := decodeMap(t, w)
	agents, _ := body["agents"].(map[string]any)
	logs, _ := body["logs"].(map[string]any)
	approvals, _ := body["approvals"].(map[string]any)
	if agents["total"] != float64(1) || agents["active"] != float64(1) {
		t.Errorf("agents = %v", agents)
	}
	if logs["total"] != float64(1) {
		t.Errorf("logs = %v", logs)
	}
	if approvals["pending"] != float64(1) {
		t.Errorf("approvals = %v", approvals)
	}
}
