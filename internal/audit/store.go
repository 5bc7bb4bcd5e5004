package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentguard/internal/storage"
)

// ErrInvalidEntry is wrapped by Append for entries that fail validation.
var ErrInvalidEntry = errors.New("invalid audit entry")

// Entry is one immutable audit log row. No field changes after insert.
type Entry struct {
	LogID        string         `json:"log_id"`
	AgentID      string         `json:"agent_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Allowed      bool           `json:"allowed"`
	Result       string         `json:"result"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	PreviousHash string         `json:"previous_hash"`
}

// AppendInput is the caller-supplied portion of a new entry. The agent
// identity, timestamp and chain hash are filled in by the store.
type AppendInput struct {
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Allowed   bool           `json:"allowed"`
	Result    string         `json:"result"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (in AppendInput) validate() error {
	if in.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidEntry)
	}
	if in.Result != "success" && in.Result != "error" {
		return fmt.Errorf("%w: result must be success or error", ErrInvalidEntry)
	}
	return nil
}

// VerifyResult reports the outcome of a chain walk. BrokenAt names the
// first entry whose stored previous_hash does not recompute; it is null
// on an intact chain.
type VerifyResult struct {
	AgentID      string  `json:"agent_id"`
	Valid        bool    `json:"valid"`
	TotalEntries int     `json:"total_entries"`
	BrokenAt     *string `json:"broken_at"`
}

// Store reads and appends audit log entries.
type Store struct {
	db *storage.DB
}

// NewStore wraps the shared database handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Append inserts a new entry at the tail of the agent's chain. The tail
// read and the insert happen in one transaction; appends for the same
// agent serialize so no two entries ever share a previous_hash.
func (s *Store) Append(ctx context.Context, agentID string, in AppendInput) (*Entry, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	contextJSON, err := marshalJSONColumn(in.Context)
	if err != nil {
		return nil, err
	}
	metadataJSON, err := marshalJSONColumn(in.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if s.db.Postgres {
		// Lock the agent row rather than the chain tail: a FOR UPDATE on
		// an empty tail locks nothing, and two first entries could then
		// both compute the genesis hash. SQLite serializes writers via
		// its single connection.
		_, err = tx.ExecContext(ctx, s.db.Rebind(
			"SELECT agent_id FROM agents WHERE agent_id = ? FOR UPDATE"), agentID)
		if err != nil {
			return nil, fmt.Errorf("lock agent chain: %w", err)
		}
	}

	logID := uuid.NewString()

	var prevHash string
	var prevLogID, prevTS string
	err = tx.QueryRowContext(ctx, s.db.Rebind(`
		SELECT log_id, timestamp FROM audit_logs
		WHERE agent_id = ? ORDER BY id DESC LIMIT 1
	`), agentID).Scan(&prevLogID, &prevTS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevHash = GenesisHash()
	case err != nil:
		return nil, fmt.Errorf("read chain tail: %w", err)
	default:
		ts, err := storage.ParseTime(prevTS)
		if err != nil {
			return nil, err
		}
		prevHash = LinkHash(prevLogID, ts, logID, in.Action)
	}

	now := storage.Now()
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_logs (log_id, agent_id, timestamp, action, resource, context, allowed, result, metadata, request_id, previous_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), logID, agentID, storage.FormatTime(now), in.Action, nullIfEmpty(in.Resource),
		contextJSON, in.Allowed, in.Result, metadataJSON, nullIfEmpty(in.RequestID), prevHash)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return &Entry{
		LogID:        logID,
		AgentID:      agentID,
		Timestamp:    now,
		Action:       in.Action,
		Resource:     in.Resource,
		Context:      in.Context,
		Allowed:      in.Allowed,
		Result:       in.Result,
		Metadata:     in.Metadata,
		RequestID:    in.RequestID,
		PreviousHash: prevHash,
	}, nil
}

// Filter narrows a Query. Zero values mean "any"; use Allowed as a
// pointer so false remains expressible. Team restricts results to agents
// of one owner_team and is only ever set server-side.
type Filter struct {
	AgentID   string
	Action    string
	Allowed   *bool
	Team      string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Query returns entries newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `
		SELECT log_id, agent_id, timestamp, action, resource, context, allowed, result, metadata, request_id, previous_hash
		FROM audit_logs WHERE 1=1
	`
	var args []any

	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Team != "" {
		query += " AND agent_id IN (SELECT agent_id FROM agents WHERE owner_team = ?)"
		args = append(args, f.Team)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Allowed != nil {
		query += " AND allowed = ?"
		args = append(args, *f.Allowed)
	}
	if !f.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, storage.FormatTime(f.StartTime))
	}
	if !f.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, storage.FormatTime(f.EndTime))
	}

	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.SQL.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify walks one agent's chain in insertion order and recomputes every
// hash. Insertion id defines chain order; the timestamp column is
// informational and may repeat under clock skew.
func (s *Store) Verify(ctx context.Context, agentID string) (*VerifyResult, error) {
	rows, err := s.db.SQL.QueryContext(ctx, s.db.Rebind(`
		SELECT log_id, timestamp, action, previous_hash FROM audit_logs
		WHERE agent_id = ? ORDER BY id ASC
	`), agentID)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	type link struct {
		logID        string
		timestamp    time.Time
		action       string
		previousHash string
	}
	var links []link
	for rows.Next() {
		var l link
		var ts string
		if err := rows.Scan(&l.logID, &ts, &l.action, &l.previousHash); err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		if l.timestamp, err = storage.ParseTime(ts); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &VerifyResult{AgentID: agentID, Valid: true, TotalEntries: len(links)}
	for i, l := range links {
		expected := GenesisHash()
		if i > 0 {
			prev := links[i-1]
			expected = LinkHash(prev.logID, prev.timestamp, l.logID, l.action)
		}
		if l.previousHash != expected {
			result.Valid = false
			brokenAt := l.logID
			result.BrokenAt = &brokenAt
			break
		}
	}
	return result, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var ts string
	var resource, contextJSON, metadataJSON, requestID sql.NullString
	err := rows.Scan(&e.LogID, &e.AgentID, &ts, &e.Action, &resource, &contextJSON,
		&e.Allowed, &e.Result, &metadataJSON, &requestID, &e.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}

	if e.Timestamp, err = storage.ParseTime(ts); err != nil {
		return nil, err
	}
	e.Resource = resource.String
	e.RequestID = requestID.String
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &e.Context); err != nil {
			return nil, fmt.Errorf("decode entry context: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	return &e, nil
}

func marshalJSONColumn(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
