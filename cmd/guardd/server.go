package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

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

// deps bundles everything the HTTP surface needs. main builds one from
// config; tests build theirs over a scratch database.
type deps struct {
	db        *storage.DB
	agents    *registry.Store
	policies  *policy.Store
	approvals *approval.Store
	logs      *audit.Store
	reports   *report.Store
	engine    *policy.Engine
	signer    *token.Signer
	auth      *auth.Resolver
	notifier  *webhook.Notifier
	analyzer  *playground.Analyzer

	bootstrapKey string
	version      string
	startedAt    time.Time
}

// newRouter builds the full route table. Handlers parse their own input
// and map domain errors onto the {"detail": ...} error shape; domain
// logic stays in the internal packages.
func newRouter(d deps) http.Handler {
	tokens := &tokenServer{signer: d.signer, agents: d.agents, bootstrapKey: d.bootstrapKey}
	agents := &agentServer{agents: d.agents, auth: d.auth}
	policies := &policyServer{policies: d.policies, agents: d.agents, auth: d.auth}
	enforce := &enforceServer{engine: d.engine, approvals: d.approvals, auth: d.auth}
	approvals := &approvalServer{approvals: d.approvals, agents: d.agents, auth: d.auth, notifier: d.notifier}
	logs := &logServer{logs: d.logs, agents: d.agents, auth: d.auth}
	reports := &reportServer{reports: d.reports, auth: d.auth}
	admins := &adminServer{users: d.agents, auth: d.auth}
	play := &playgroundServer{analyzer: d.analyzer, engine: d.engine, agents: d.agents, auth: d.auth}
	health := &healthServer{db: d.db, auth: d.auth, version: d.version, startedAt: d.startedAt}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", health.handleRoot)
	mux.HandleFunc("GET /health", health.handleHealth)
	mux.HandleFunc("GET /health/ready", health.handleReady)
	mux.HandleFunc("GET /health/live", health.handleLive)
	mux.HandleFunc("GET /health/stats", health.handleStats)

	mux.HandleFunc("POST /token", tokens.handleIssue)
	mux.HandleFunc("POST /token/revoke", tokens.handleRevoke)
	mux.HandleFunc("GET /.well-known/jwks.json", tokens.handleJWKS)

	mux.HandleFunc("POST /agents", agents.handleCreate)
	mux.HandleFunc("GET /agents", agents.handleList)
	mux.HandleFunc("GET /agents/{agentID}", agents.handleGet)
	mux.HandleFunc("DELETE /agents/{agentID}", agents.handleDelete)

	mux.HandleFunc("PUT /agents/{agentID}/policy", policies.handleSetAgentPolicy)
	mux.HandleFunc("GET /agents/{agentID}/policy", policies.handleGetAgentPolicy)
	mux.HandleFunc("PUT /teams/{team}/policy", policies.handleSetTeamPolicy)
	mux.HandleFunc("GET /teams/{team}/policy", policies.handleGetTeamPolicy)

	mux.HandleFunc("POST /enforce", enforce.handleEnforce)
	mux.HandleFunc("GET /enforce/approval/{approvalID}", enforce.handlePollApproval)

	mux.HandleFunc("GET /approvals", approvals.handleList)
	mux.HandleFunc("GET /approvals/{approvalID}", approvals.handleGet)
	mux.HandleFunc("POST /approvals/{approvalID}/approve", approvals.handleApprove)
	mux.HandleFunc("POST /approvals/{approvalID}/deny", approvals.handleDeny)
	mux.HandleFunc("DELETE /approvals/{approvalID}", approvals.handleCancel)

	mux.HandleFunc("POST /logs", logs.handleAppend)
	mux.HandleFunc("GET /logs", logs.handleQuery)
	mux.HandleFunc("GET /logs/verify", logs.handleVerify)

	mux.HandleFunc("GET /reports/summary", reports.handleSummary)

	mux.HandleFunc("POST /admin/users", admins.handleCreate)
	mux.HandleFunc("GET /admin/users", admins.handleList)
	mux.HandleFunc("DELETE /admin/users/{adminID}", admins.handleDeactivate)

	mux.HandleFunc("POST /playground", play.handleRun)

	return withRequestID(mux)
}

// validate checks flat request bodies. Field names in error details come
// from the json tags so callers see the names they actually sent.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// writeDetail emits the uniform error body.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps an auth failure onto its carried status and everything
// else onto a generic 500; the real error is logged, never leaked.
func writeError(w http.ResponseWriter, err error) {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		writeDetail(w, authErr.Status, authErr.Detail)
		return
	}
	slog.Error("request failed", "err", err)
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}

// decodeValid decodes a JSON body into dst and runs the validate tags.
// Returns false after writing the 400 response.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return validateBody(w, dst)
}

// decodeOptional is decodeValid for endpoints whose body may be absent
// entirely; dst keeps its zero values on an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return validateBody(w, dst)
}

func validateBody(w http.ResponseWriter, dst any) bool {
	err := validate.Struct(dst)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		writeDetail(w, http.StatusBadRequest, fieldDetail(fieldErrs[0]))
		return false
	}
	writeDetail(w, http.StatusBadRequest, "Invalid request body")
	return false
}

func fieldDetail(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of: " + strings.Join(strings.Fields(fe.Param()), ", ")
	default:
		return fe.Field() + " is invalid"
	}
}

// requireAdmin resolves an admin identity at or above min. Returns false
// after writing the error response.
func requireAdmin(w http.ResponseWriter, r *http.Request, resolver *auth.Resolver, min auth.Role) (*auth.AdminContext, bool) {
	admin, err := resolver.ResolveAdmin(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if err := admin.RequireRole(min); err != nil {
		writeError(w, err)
		return nil, false
	}
	return admin, true
}

// requireAgent resolves the calling agent. Returns false after writing
// the error response.
func requireAgent(w http.ResponseWriter, r *http.Request, resolver *auth.Resolver) (*registry.Agent, bool) {
	agent, err := resolver.ResolveAgent(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return agent, true
}

// teamScope translates an admin's scope into the empty-means-all form the
// store filters use.
func teamScope(admin *auth.AdminContext) string {
	if admin.Team == nil {
		return ""
	}
	return *admin.Team
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}
