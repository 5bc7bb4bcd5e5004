package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agentguard/internal/storage"
)

// ErrNoPolicy is returned when no policy row exists for the subject.
var ErrNoPolicy = errors.New("no policy defined")

// Store persists agent and team policies. Rule lists live in JSON text
// columns; the schema check (schema.go) runs before anything is written.
type Store struct {
	db *storage.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Get loads the policy for one agent.
func (s *Store) Get(ctx context.Context, agentID string) (*Policy, error) {
	row := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT allow_rules, deny_rules, require_approval_rules, created_at, updated_at
		FROM policies WHERE agent_id = ?
	`), agentID)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, err
	}
	p.AgentID = agentID
	return p, nil
}

// Set replaces the agent's policy, creating the row on first write.
func (s *Store) Set(ctx context.Context, agentID string, allow, deny, requireApproval []Rule) (*Policy, error) {
	return s.upsert(ctx, "policies", "agent_id", agentID, allow, deny, requireApproval)
}

// GetTeam loads the policy shared by every agent of a team.
func (s *Store) GetTeam(ctx context.Context, team string) (*Policy, error) {
	row := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT allow_rules, deny_rules, require_approval_rules, created_at, updated_at
		FROM team_policies WHERE team = ?
	`), team)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, err
	}
	p.Team = team
	return p, nil
}

// SetTeam replaces a team policy, creating the row on first write.
func (s *Store) SetTeam(ctx context.Context, team string, allow, deny, requireApproval []Rule) (*Policy, error) {
	return s.upsert(ctx, "team_policies", "team", team, allow, deny, requireApproval)
}

// upsert is update-then-insert inside one transaction, which stays
// portable across both backends.
func (s *Store) upsert(ctx context.Context, table, keyCol, key string, allow, deny, requireApproval []Rule) (*Policy, error) {
	allowJSON, err := marshalRules(allow)
	if err != nil {
		return nil, err
	}
	denyJSON, err := marshalRules(deny)
	if err != nil {
		return nil, err
	}
	requireJSON, err := marshalRules(requireApproval)
	if err != nil {
		return nil, err
	}

	now := storage.Now()
	nowText := storage.FormatTime(now)

	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin set policy: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(`
		UPDATE %s SET allow_rules = ?, deny_rules = ?, require_approval_rules = ?, updated_at = ?
		WHERE %s = ?
	`, table, keyCol)), allowJSON, denyJSON, requireJSON, nowText, key)
	if err != nil {
		return nil, fmt.Errorf("update policy: %w", err)
	}

	createdAt := now
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(`
			INSERT INTO %s (%s, allow_rules, deny_rules, require_approval_rules, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, table, keyCol)), key, allowJSON, denyJSON, requireJSON, nowText, nowText)
		if err != nil {
			return nil, fmt.Errorf("insert policy: %w", err)
		}
	} else {
		// Keep the original creation time on update.
		var createdText string
		err = tx.QueryRowContext(ctx, s.db.Rebind(fmt.Sprintf(
			"SELECT created_at FROM %s WHERE %s = ?", table, keyCol)), key).Scan(&createdText)
		if err != nil {
			return nil, fmt.Errorf("read policy created_at: %w", err)
		}
		if createdAt, err = storage.ParseTime(createdText); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit set policy: %w", err)
	}

	p := &Policy{
		Allow:           allow,
		Deny:            deny,
		RequireApproval: requireApproval,
		CreatedAt:       createdAt,
		UpdatedAt:       now,
	}
	if table == "policies" {
		p.AgentID = key
	} else {
		p.Team = key
	}
	return p, nil
}

func scanPolicy(row *sql.Row) (*Policy, error) {
	var allowJSON, denyJSON, requireJSON, createdAt, updatedAt string
	err := row.Scan(&allowJSON, &denyJSON, &requireJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPolicy
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}

	var p Policy
	if p.Allow, err = unmarshalRules(allowJSON); err != nil {
		return nil, err
	}
	if p.Deny, err = unmarshalRules(denyJSON); err != nil {
		return nil, err
	}
	if p.RequireApproval, err = unmarshalRules(requireJSON); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalRules(rules []Rule) (string, error) {
	if rules == nil {
		rules = []Rule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("encode rules: %w", err)
	}
	return string(data), nil
}

func unmarshalRules(data string) ([]Rule, error) {
	var rules []Rule
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return nil, fmt.Errorf("decode stored rules: %w", err)
	}
	if rules == nil {
		rules = []Rule{}
	}
	return rules, nil
}
