package main

import (
	"net/http"

	"agentguard/internal/auth"
	"agentguard/internal/report"
)

// reportServer produces the compliance summary.
type reportServer struct {
	reports *report.Store
	auth    *auth.Resolver
}

func (s *reportServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, s.auth, auth.RoleAuditor)
	if !ok {
		return
	}

	days, err := queryInt(r, "days", 7)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if days < 1 || days > 365 {
		writeDetail(w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}

	summary, err := s.reports.Summary(r.Context(), days, teamScope(admin))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
