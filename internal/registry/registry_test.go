package registry

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"agentguard/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func TestCreateAndGetAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent, rawKey, err := s.CreateAgent(ctx, "deploy-bot", "platform", "production")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if !strings.HasPrefix(agent.AgentID, "agt_") {
		t.Errorf("agent ID = %q, want agt_ prefix", agent.AgentID)
	}
	if !strings.HasPrefix(rawKey, "agk_") {
		t.Errorf("raw key = %q, want agk_ prefix", rawKey)
	}
	if !agent.IsActive {
		t.Error("new agent should be active")
	}

	got, err := s.GetAgent(ctx, agent.AgentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "deploy-bot" || got.OwnerTeam != "platform" || got.Environment != "production" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(agent.CreatedAt) {
		t.Errorf("created_at changed across round trip: %v != %v", got.CreatedAt, agent.CreatedAt)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetAgent(context.Background(), "agt_missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAgentByKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent, rawKey, err := s.CreateAgent(ctx, "reader", "data", "staging")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := s.AgentByKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("AgentByKey: %v", err)
	}
	if got.AgentID != agent.AgentID {
		t.Errorf("resolved %q, want %q", got.AgentID, agent.AgentID)
	}

	if _, err := s.AgentByKey(ctx, "agk_not-a-real-key"); err != ErrNotFound {
		t.Errorf("unknown key: err = %v, want ErrNotFound", err)
	}
}

func TestListAgentsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.CreateAgent(ctx, "a", "platform", "production"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.CreateAgent(ctx, "b", "platform", "staging"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.CreateAgent(ctx, "c", "data", "production"); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListAgents(ctx, AgentFilter{})
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d agents, want 3", len(all))
	}

	prod, err := s.ListAgents(ctx, AgentFilter{Environment: "production"})
	if err != nil {
		t.Fatal(err)
	}
	if len(prod) != 2 {
		t.Errorf("production filter: got %d, want 2", len(prod))
	}

	team, err := s.ListAgents(ctx, AgentFilter{Team: "data"})
	if err != nil {
		t.Fatal(err)
	}
	if len(team) != 1 || team[0].Name != "c" {
		t.Errorf("team filter: got %+v", team)
	}

	limited, err := s.ListAgents(ctx, AgentFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limit 2: got %d", len(limited))
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent, rawKey, err := s.CreateAgent(ctx, "doomed", "ops", "development")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	// Attach a policy row and an audit row so the cascade has work to do.
	db := s.db
	now := storage.FormatTime(storage.Now())
	if _, err := db.SQL.ExecContext(ctx, db.Rebind(
		"INSERT INTO policies (agent_id, allow_rules, deny_rules, require_approval_rules, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)"),
		agent.AgentID, "[]", "[]", "[]", now, now); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SQL.ExecContext(ctx, db.Rebind(
		"INSERT INTO audit_logs (log_id, agent_id, timestamp, action, resource, context, allowed, result, metadata, request_id, previous_hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		"log_x", agent.AgentID, storage.FormatTime(storage.Now()), "read:data", "*", "{}", true, "success", "{}", "", "abc"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAgent(ctx, agent.AgentID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	if _, err := s.GetAgent(ctx, agent.AgentID); err != ErrNotFound {
		t.Errorf("agent still present after delete: %v", err)
	}
	if _, err := s.AgentByKey(ctx, rawKey); err != ErrNotFound {
		t.Errorf("key still resolves after delete: %v", err)
	}

	var n int
	if err := db.SQL.QueryRowContext(ctx, db.Rebind(
		"SELECT COUNT(*) FROM audit_logs WHERE agent_id = ?"), agent.AgentID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("audit rows left behind: %d", n)
	}

	if err := s.DeleteAgent(ctx, agent.AgentID); err != ErrNotFound {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestAdminUserLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	team := "platform"
	user, rawKey, err := s.CreateAdminUser(ctx, "alice", "approver", &team)
	if err != nil {
		t.Fatalf("CreateAdminUser: %v", err)
	}
	if !strings.HasPrefix(user.AdminID, "adm_") {
		t.Errorf("admin ID = %q, want adm_ prefix", user.AdminID)
	}
	if !strings.HasPrefix(rawKey, "adk_") {
		t.Errorf("raw key = %q, want adk_ prefix", rawKey)
	}
	if user.KeyPrefix != rawKey[:12] {
		t.Errorf("key prefix = %q, want %q", user.KeyPrefix, rawKey[:12])
	}

	got, err := s.AdminByKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("AdminByKey: %v", err)
	}
	if got.Role != "approver" || got.Team == nil || *got.Team != "platform" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := s.DeactivateAdminUser(ctx, user.AdminID); err != nil {
		t.Fatalf("DeactivateAdminUser: %v", err)
	}
	if _, err := s.AdminByKey(ctx, rawKey); err != ErrNotFound {
		t.Errorf("deactivated key still resolves: %v", err)
	}

	users, err := s.ListAdminUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].IsActive {
		t.Errorf("list after deactivate: %+v", users)
	}
}

func TestAdminUserNilTeam(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, rawKey, err := s.CreateAdminUser(ctx, "root", "super-admin", nil)
	if err != nil {
		t.Fatalf("CreateAdminUser: %v", err)
	}
	got, err := s.AdminByKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("AdminByKey: %v", err)
	}
	if got.Team != nil {
		t.Errorf("team = %v, want nil (all-team scope)", *got.Team)
	}
}
