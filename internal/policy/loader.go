package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapFile is the optional YAML policy file applied at startup. Keys
// are agent IDs and team names; values are full rule sets that upsert
// through the same validated store path as the HTTP surface.
type BootstrapFile struct {
	Agents map[string]RuleSet `yaml:"agents"`
	Teams  map[string]RuleSet `yaml:"teams"`
}

// RuleSet is the three rule lists of one policy.
type RuleSet struct {
	Allow           []Rule `yaml:"allow"`
	Deny            []Rule `yaml:"deny"`
	RequireApproval []Rule `yaml:"require_approval"`
}

// LoadBootstrapFile reads and validates a bootstrap policy file.
// Environment variables in the YAML are expanded before parsing.
func LoadBootstrapFile(path string) (*BootstrapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return parseBootstrap([]byte(os.ExpandEnv(string(data))))
}

func parseBootstrap(data []byte) (*BootstrapFile, error) {
	var f BootstrapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}

	for agentID, rs := range f.Agents {
		if err := rs.validate(); err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentID, err)
		}
	}
	for team, rs := range f.Teams {
		if team == "" {
			return nil, fmt.Errorf("team policies need a non-empty team name")
		}
		if err := rs.validate(); err != nil {
			return nil, fmt.Errorf("team %s: %w", team, err)
		}
	}
	return &f, nil
}

// validate runs each list through the same schema enforced on HTTP
// writes.
func (rs RuleSet) validate() error {
	for name, rules := range map[string][]Rule{
		"allow":            rs.Allow,
		"deny":             rs.Deny,
		"require_approval": rs.RequireApproval,
	} {
		data, err := json.Marshal(rules)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, err := ParseRules(data); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Apply upserts every entry. Agents referenced here need not exist yet;
// a policy row simply waits for its agent.
func (f *BootstrapFile) Apply(ctx context.Context, store *Store) error {
	for agentID, rs := range f.Agents {
		if _, err := store.Set(ctx, agentID, rs.Allow, rs.Deny, rs.RequireApproval); err != nil {
			return fmt.Errorf("bootstrap policy for agent %s: %w", agentID, err)
		}
	}
	for team, rs := range f.Teams {
		if _, err := store.SetTeam(ctx, team, rs.Allow, rs.Deny, rs.RequireApproval); err != nil {
			return fmt.Errorf("bootstrap policy for team %s: %w", team, err)
		}
	}
	slog.Info("policy bootstrap applied", "agents", len(f.Agents), "teams", len(f.Teams))
	return nil
}
