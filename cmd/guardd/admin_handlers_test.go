package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// --- handleCreate / handleList / handleDeactivate ---

func TestAdminUserLifecycle(t *testing.T) {
	f := newServerFixture(t)

	id, key := f.createAdminUser(t, "alice", "admin", nil)
	if !strings.HasPrefix(key, "adk_") {
		t.Errorf("admin key = %q, want adk_ prefix", key)
	}

	// The key exchanges for a working token.
	tok := f.issueToken(t, map[string]any{"admin_key": key})
	w := f.do(asBearer(httptest.NewRequest(http.MethodGet, "/agents", nil), tok))
	wantStatus(t, w, http.StatusOK)

	// Listings carry the key prefix only, never a usable key.
	w = f.do(asBootstrap(httptest.NewRequest(http.MethodGet, "/admin/users", nil)))
	wantStatus(t, w, http.StatusOK)
	list := decodeList(t, w)
	if len(list) != 1 || list[0]["admin_id"] != id {
		t.Fatalf("list = %v", list)
	}
	if _, leaked := list[0]["api_key"]; leaked {
		t.Error("api_key must only appear in the create response")
	}
	if prefix, _ := list[0]["key_prefix"].(string); !strings.HasPrefix(key, prefix) || len(prefix) >= len(key) {
		t.Errorf("key_prefix = %q does not identify the key", prefix)
	}

	// Deactivation kills the static key immediately.
	w = f.do(asBootstrap(httptest.NewRequest(http.MethodDelete, "/admin/users/"+id, nil)))
	wantStatus(t, w, http.StatusNoContent)
	w = f.do(jsonRequest(t, http.MethodPost, "/token", map[string]any{"admin_key": key}))
	wantDetail(t, w, http.StatusUnauthorized, "Invalid admin key")

	w = f.do(asBootstrap(httptest.NewRequest(http.MethodDelete, "/admin/users/adm_missing", nil)))
	wantDetail(t, w, http.StatusNotFound, "Admin user adm_missing not found")
}

func TestAdminUserCreate_Validation(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(asBootstrap(jsonRequest(t, http.MethodPost, "/admin/users", map[string]any{"role": "admin"})))
	wantDetail(t, w, http.StatusBadRequest, "name is required")

	w = f.do(asBootstrap(jsonRequest(t, http.MethodPost, "/admin/users", map[string]any{
		"name": "bob", "role": "owner",
	})))
	wantDetail(t, w, http.StatusBadRequest, "role must be one of: admin, auditor, approver")
}

func TestAdminUsers_RequireSuperAdmin(t *testing.T) {
	f := newServerFixture(t)
	_, adminKey := f.createAdminUser(t, "plain-admin", "admin", nil)
	tok := f.issueToken(t, map[string]any{"admin_key": adminKey})

	// A plain admin manages agents but not admin users.
	w := f.do(asBearer(httptest.NewRequest(http.MethodGet, "/admin/users", nil), tok))
	wantDetail(t, w, http.StatusForbidden, "Requires super-admin role or higher")
	w = f.do(asBearer(jsonRequest(t, http.MethodPost, "/admin/users", map[string]any{
		"name": "eve", "role": "admin",
	}), tok))
	wantDetail(t, w, http.StatusForbidden, "Requires super-admin role or higher")
}
