package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"agentguard/internal/approval"
	"agentguard/internal/audit"
	"agentguard/internal/auth"
	"agentguard/internal/playground"
	"agentguard/internal/policy"
	"agentguard/internal/registry"
	"agentguard/internal/report"
	"agentguard/internal/storage"
	"agentguard/internal/token"
	"agentguard/internal/webhook"
)

const testBootstrapKey = "test-bootstrap-key"

// serverFixture runs the full router over a scratch SQLite database.
// Tests drive it through the HTTP surface only; db and engine are
// exposed for tampering and clock control.
type serverFixture struct {
	handler http.Handler
	db      *storage.DB
	engine  *policy.Engine
}

func newServerFixture(t *testing.T) *serverFixture {
	return newWebhookFixture(t, "", "")
}

func newWebhookFixture(t *testing.T, webhookURL, webhookSecret string) *serverFixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "guardd_test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	key, err := token.LoadOrGenerateKey("")
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	signer := token.NewSigner(key, token.NewRevocationStore(db), token.DefaultAgentTTL, token.DefaultAdminTTL)

	agents := registry.NewStore(db)
	policies := policy.NewStore(db)
	approvals := approval.NewStore(db)
	notifier := webhook.NewNotifier(webhookURL, webhookSecret)
	engine := policy.NewEngine(policies, approvals, notifier)

	handler := newRouter(deps{
		db:           db,
		agents:       agents,
		policies:     policies,
		approvals:    approvals,
		logs:         audit.NewStore(db),
		reports:      report.NewStore(db),
		engine:       engine,
		signer:       signer,
		auth:         auth.NewResolver(signer, agents, testBootstrapKey),
		notifier:     notifier,
		analyzer:     playground.NewAnalyzer("", ""),
		bootstrapKey: testBootstrapKey,
		version:      "test",
		startedAt:    time.Now().UTC(),
	})
	return &serverFixture{handler: handler, db: db, engine: engine}
}

// do runs one request through the router and records the response.
func (f *serverFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func asBootstrap(req *http.Request) *http.Request {
	req.Header.Set("X-Admin-Key", testBootstrapKey)
	return req
}

func asAgent(req *http.Request, apiKey string) *http.Request {
	req.Header.Set("X-Agent-Key", apiKey)
	return req
}

func asBearer(req *http.Request, tok string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var list []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return list
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, want, w.Body.String())
	}
}

// wantDetail asserts the uniform {"detail": ...} error body.
func wantDetail(t *testing.T, w *httptest.ResponseRecorder, status int, detail string) {
	t.Helper()
	wantStatus(t, w, status)
	if got := decodeMap(t, w)["detail"]; got != detail {
		t.Errorf("detail = %q, want %q", got, detail)
	}
}

// createAgent provisions an agent over the API and returns its ID and
// one-time plaintext key.
func (f *serverFixture) createAgent(t *testing.T, name, team, env string) (string, string) {
	t.Helper()
	w := f.do(asBootstrap(jsonRequest(t, http.MethodPost, "/agents", map[string]any{
		"name":        name,
		"owner_team":  team,
		"environment": env,
	})))
	wantStatus(t, w, http.StatusCreated)
	body := decodeMap(t, w)
	id, _ := body["agent_id"].(string)
	key, _ := body["api_key"].(string)
	if id == "" || key == "" {
		t.Fatalf("create agent response missing identifiers: %v", body)
	}
	return id, key
}

// createAdminUser provisions a named admin and returns its ID and
// one-time key. team may be nil for an unscoped user.
func (f *serverFixture) createAdminUser(t *testing.T, name, role string, team *string) (string, string) {
	t.Helper()
	w := f.do(asBootstrap(jsonRequest(t, http.MethodPost, "/admin/users", map[string]any{
		"name": name,
		"role": role,
		"team": team,
	})))
	wantStatus(t, w, http.StatusCreated)
	body := decodeMap(t, w)
	id, _ := body["admin_id"].(string)
	key, _ := body["api_key"].(string)
	if id == "" || key == "" {
		t.Fatalf("create admin user response missing identifiers: %v", body)
	}
	return id, key
}

// putPolicy installs an agent policy from a raw JSON document.
func (f *serverFixture) putPolicy(t *testing.T, agentID, doc string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/agents/"+agentID+"/policy", bytes.NewReader([]byte(doc)))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(asBootstrap(req))
	wantStatus(t, w, http.StatusOK)
}

// putTeamPolicy installs a team policy from a raw JSON document.
func (f *serverFixture) putTeamPolicy(t *testing.T, team, doc string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/teams/"+team+"/policy", bytes.NewReader([]byte(doc)))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(asBootstrap(req))
	wantStatus(t, w, http.StatusOK)
}

// enforce submits an enforcement check under the given agent key.
func (f *serverFixture) enforce(t *testing.T, apiKey, action, resource string) map[string]any {
	t.Helper()
	body := map[string]any{"action": action}
	if resource != "" {
		body["resource"] = resource
	}
	w := f.do(asAgent(jsonRequest(t, http.MethodPost, "/enforce", body), apiKey))
	wantStatus(t, w, http.StatusOK)
	return decodeMap(t, w)
}

// enforcePending runs an enforcement expected to park on a human
// decision and returns the approval ID.
func (f *serverFixture) enforcePending(t *testing.T, apiKey, action, resource string) string {
	t.Helper()
	resp := f.enforce(t, apiKey, action, resource)
	id, _ := resp["approval_id"].(string)
	if resp["status"] != "pending" || id == "" {
		t.Fatalf("expected pending decision, got %v", resp)
	}
	return id
}

// issueToken exchanges a static key for a bearer token.
func (f *serverFixture) issueToken(t *testing.T, body map[string]any) string {
	t.Helper()
	w := f.do(jsonRequest(t, http.MethodPost, "/token", body))
	wantStatus(t, w, http.StatusOK)
	tok, _ := decodeMap(t, w)["access_token"].(string)
	if tok == "" {
		t.Fatal("token response carries no access_token")
	}
	return tok
}
