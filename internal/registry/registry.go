// Package registry manages the governed entities: agents, their static
// keys, and the named admin users. It is the lookup path for every static
// credential presented to the service.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentguard/internal/credential"
	"agentguard/internal/storage"
)

var (
	// ErrNotFound is returned when the requested entity does not exist or
	// is outside the caller's visibility.
	ErrNotFound = errors.New("not found")
)

// Agent is a registered autonomous agent.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	OwnerTeam   string    `json:"owner_team"`
	Environment string    `json:"environment"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AdminUser is a named human operator with a role and optional team scope.
type AdminUser struct {
	AdminID   string    `json:"admin_id"`
	Name      string    `json:"name"`
	KeyPrefix string    `json:"key_prefix"`
	Role      string    `json:"role"`
	Team      *string   `json:"team"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists agents, agent keys, and admin users.
type Store struct {
	db *storage.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// CreateAgent registers a new agent and mints its first key. The raw key
// is returned exactly once; only its hash is stored.
func (s *Store) CreateAgent(ctx context.Context, name, ownerTeam, environment string) (*Agent, string, error) {
	now := storage.Now()
	agent := &Agent{
		AgentID:     credential.NewAgentID(),
		Name:        name,
		OwnerTeam:   ownerTeam,
		Environment: environment,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rawKey := credential.GenerateAgentKey()

	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin create agent: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (agent_id, name, owner_team, environment, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`),
		agent.AgentID, agent.Name, agent.OwnerTeam, agent.Environment, agent.IsActive,
		storage.FormatTime(agent.CreatedAt), storage.FormatTime(agent.UpdatedAt),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert agent: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_keys (agent_id, key_hash, key_prefix, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`),
		agent.AgentID, credential.HashKey(rawKey), credential.Prefix(rawKey), true,
		storage.FormatTime(now),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert agent key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit create agent: %w", err)
	}
	return agent, rawKey, nil
}

// GetAgent fetches one agent by ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT agent_id, name, owner_team, environment, is_active, created_at, updated_at
		FROM agents WHERE agent_id = ?
	`), agentID)
	return scanAgent(row)
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Environment string
	Team        string // non-empty restricts to one owner_team
	Limit       int
	Offset      int
}

// ListAgents returns agents matching the filter, newest first.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	query := `
		SELECT agent_id, name, owner_team, environment, is_active, created_at, updated_at
		FROM agents WHERE 1=1
	`
	var args []any

	if f.Environment != "" {
		query += " AND environment = ?"
		args = append(args, f.Environment)
	}
	if f.Team != "" {
		query += " AND owner_team = ?"
		args = append(args, f.Team)
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.SQL.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent and everything attached to it: keys,
// policy, approvals, and audit logs. Children go first so foreign keys
// hold on PostgreSQL.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete agent: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM audit_logs WHERE agent_id = ?",
		"DELETE FROM approval_requests WHERE agent_id = ?",
		"DELETE FROM policies WHERE agent_id = ?",
		"DELETE FROM agent_keys WHERE agent_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(stmt), agentID); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind("DELETE FROM agents WHERE agent_id = ?"), agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// AgentByKey resolves a raw agent key to its active agent. Inactive keys,
// inactive agents, and unknown keys all come back as ErrNotFound.
func (s *Store) AgentByKey(ctx context.Context, rawKey string) (*Agent, error) {
	row := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT a.agent_id, a.name, a.owner_team, a.environment, a.is_active, a.created_at, a.updated_at
		FROM agent_keys k
		JOIN agents a ON a.agent_id = k.agent_id
		WHERE k.key_hash = ? AND k.is_active = ? AND a.is_active = ?
	`), credential.HashKey(rawKey), true, true)
	return scanAgent(row)
}

// CreateAdminUser registers a named admin user. The raw adk_ key is
// returned exactly once.
func (s *Store) CreateAdminUser(ctx context.Context, name, role string, team *string) (*AdminUser, string, error) {
	rawKey := credential.GenerateAdminKey()
	user := &AdminUser{
		AdminID:   credential.NewAdminID(),
		Name:      name,
		KeyPrefix: credential.Prefix(rawKey),
		Role:      role,
		Team:      team,
		IsActive:  true,
		CreatedAt: storage.Now(),
	}

	_, err := s.db.SQL.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO admin_users (admin_id, name, key_hash, key_prefix, role, team, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		user.AdminID, user.Name, credential.HashKey(rawKey), user.KeyPrefix,
		user.Role, nullableString(user.Team), user.IsActive, storage.FormatTime(user.CreatedAt),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert admin user: %w", err)
	}
	return user, rawKey, nil
}

// AdminByKey resolves a raw admin key to its active admin user.
func (s *Store) AdminByKey(ctx context.Context, rawKey string) (*AdminUser, error) {
	row := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT admin_id, name, key_prefix, role, team, is_active, created_at
		FROM admin_users WHERE key_hash = ? AND is_active = ?
	`), credential.HashKey(rawKey), true)
	return scanAdminUser(row)
}

// ListAdminUsers returns every admin user, active or not.
func (s *Store) ListAdminUsers(ctx context.Context) ([]*AdminUser, error) {
	rows, err := s.db.SQL.QueryContext(ctx, `
		SELECT admin_id, name, key_prefix, role, team, is_active, created_at
		FROM admin_users ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list admin users: %w", err)
	}
	defer rows.Close()

	var users []*AdminUser
	for rows.Next() {
		u, err := scanAdminUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeactivateAdminUser soft-deletes an admin user; the row stays for audit
// history but its key stops resolving.
func (s *Store) DeactivateAdminUser(ctx context.Context, adminID string) error {
	res, err := s.db.SQL.ExecContext(ctx, s.db.Rebind(`
		UPDATE admin_users SET is_active = ? WHERE admin_id = ?
	`), false, adminID)
	if err != nil {
		return fmt.Errorf("deactivate admin user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var createdAt, updatedAt string
	err := row.Scan(&a.AgentID, &a.Name, &a.OwnerTeam, &a.Environment, &a.IsActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if a.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAdminUser(row rowScanner) (*AdminUser, error) {
	var u AdminUser
	var team sql.NullString
	var createdAt string
	err := row.Scan(&u.AdminID, &u.Name, &u.KeyPrefix, &u.Role, &team, &u.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan admin user: %w", err)
	}
	if team.Valid {
		u.Team = &team.String
	}
	if u.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
