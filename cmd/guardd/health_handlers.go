package main

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"agentguard/internal/auth"
	"agentguard/internal/storage"
)

// healthServer serves the unauthenticated liveness surface plus the
// auditor-facing stats endpoint.
type healthServer struct {
	db        *storage.DB
	auth      *auth.Resolver
	version   string
	startedAt time.Time
}

func (s *healthServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "agentguard",
		"version": s.version,
		"docs":    "/health",
	})
}

func (s *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "agentguard",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady pings the database with a short budget. Load balancers
// route away from a 503 here without killing the process.
func (s *healthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err := s.db.SQL.PingContext(ctx)
	latency := math.Round(float64(time.Since(start).Microseconds())/10) / 100

	if err != nil {
		slog.Warn("readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "not_ready",
			"database": map[string]any{"connected": false},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"database": map[string]any{"connected": true, "latency_ms": latency},
	})
}

func (s *healthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "alive",
		"uptime_seconds": math.Round(time.Since(s.startedAt).Seconds()*100) / 100,
	})
}

func (s *healthServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, s.auth, auth.RoleAuditor); !ok {
		return
	}

	var totalAgents, activeAgents, totalLogs, pendingApprovals int
	row := s.db.SQL.QueryRowContext(r.Context(), s.db.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM agents WHERE is_active = ?),
			(SELECT COUNT(*) FROM audit_logs),
			(SELECT COUNT(*) FROM approval_requests WHERE status = 'pending')
	`), true)
	if err := row.Scan(&totalAgents, &activeAgents, &totalLogs, &pendingApprovals); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agents":    map[string]int{"total": totalAgents, "active": activeAgents},
		"logs":      map[string]int{"total": totalLogs},
		"approvals": map[string]int{"pending": pendingApprovals},
	})
}
