package main

import (
	"errors"
	"log/slog"
	"net/http"

	"agentguard/internal/auth"
	"agentguard/internal/registry"
)

// adminServer manages named admin users. Everything here needs the
// super-admin role; super-admin itself stays reserved for the bootstrap
// key and cannot be granted.
type adminServer struct {
	users *registry.Store
	auth  *auth.Resolver
}

type adminUserCreateRequest struct {
	Name string  `json:"name" validate:"required"`
	Role string  `json:"role" validate:"required,oneof=admin auditor approver"`
	Team *string `json:"team"`
}

type adminUserWithKey struct {
	*registry.AdminUser
	APIKey string `json:"api_key"`
}

func (s *adminServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleSuperAdmin)
	if !ok {
		return
	}

	var req adminUserCreateRequest
	if !decodeValid(w, r, &req) {
		return
	}

	user, rawKey, err := s.users.CreateAdminUser(r.Context(), req.Name, req.Role, req.Team)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("created admin user", "admin_id", user.AdminID, "role", user.Role, "by", admin.Sub)
	writeJSON(w, http.StatusCreated, adminUserWithKey{AdminUser: user, APIKey: rawKey})
}

func (s *adminServer) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, s.auth, auth.RoleSuperAdmin); !ok {
		return
	}

	users, err := s.users.ListAdminUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []*registry.AdminUser{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *adminServer) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleSuperAdmin)
	if !ok {
		return
	}

	adminID := r.PathValue("adminID")
	err := s.users.DeactivateAdminUser(r.Context(), adminID)
	if errors.Is(err, registry.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Admin user "+adminID+" not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("deactivated admin user", "admin_id", adminID, "by", admin.Sub)
	w.WriteHeader(http.StatusNoContent)
}
