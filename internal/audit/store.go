// Package audit persists an append-only record of gate decisions and
// approval resolutions. The audit trail is advisory: session state on
// disk remains the source of truth, so write failures are logged and
// swallowed by callers rather than failing the operation.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oklog/ulid/v2"
)

// Decision is one recorded gate verdict.
type Decision struct {
	ID          string
	SessionID   string
	ToolCallID  string
	Tool        string
	Args        map[string]any
	Operation   string
	Decision    string
	RuleIDs     []string
	Reason      string
	Signature   string
	Timestamp   time.Time
}

// Resolution is one recorded approval outcome.
type Resolution struct {
	ID         string
	SessionID  string
	ToolCallID string
	Approved   bool
	ResolvedBy string
	Timestamp  time.Time
}

// Store is a SQLite-backed audit trail.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id              TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL,
		tool_call_id    TEXT NOT NULL,
		tool            TEXT NOT NULL,
		args            TEXT,
		operation_type  TEXT NOT NULL,
		decision        TEXT NOT NULL,
		rule_ids        TEXT,
		reason          TEXT,
		signature       TEXT NOT NULL,
		timestamp       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS resolutions (
		id              TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL,
		tool_call_id    TEXT NOT NULL,
		approved        INTEGER NOT NULL,
		resolved_by     TEXT NOT NULL,
		timestamp       DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_resolutions_session ON resolutions(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordDecision appends one gate verdict.
func (s *Store) RecordDecision(d Decision) error {
	if d.ID == "" {
		d.ID = strings.ToLower(ulid.Make().String())
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}

	args, err := json.Marshal(d.Args)
	if err != nil {
		args = []byte("{}")
	}
	ruleIDs, err := json.Marshal(d.RuleIDs)
	if err != nil {
		ruleIDs = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO decisions (id, session_id, tool_call_id, tool, args, operation_type, decision, rule_ids, reason, signature, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SessionID, d.ToolCallID, d.Tool, string(args), d.Operation, d.Decision,
		string(ruleIDs), d.Reason, d.Signature, d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// RecordResolution appends one approval outcome.
func (s *Store) RecordResolution(r Resolution) error {
	if r.ID == "" {
		r.ID = strings.ToLower(ulid.Make().String())
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	approved := 0
	if r.Approved {
		approved = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO resolutions (id, session_id, tool_call_id, approved, resolved_by, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.ToolCallID, approved, r.ResolvedBy, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// Decisions returns the recorded verdicts for a session, oldest first.
func (s *Store) Decisions(sessionID string, limit int) ([]Decision, error) {
	query := `
		SELECT id, session_id, tool_call_id, tool, args, operation_type, decision, rule_ids, reason, signature, timestamp
		FROM decisions WHERE session_id = ? ORDER BY timestamp ASC`
	sqlArgs := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		sqlArgs = append(sqlArgs, limit)
	}

	rows, err := s.db.Query(query, sqlArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var args, ruleIDs string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.ToolCallID, &d.Tool, &args, &d.Operation,
			&d.Decision, &ruleIDs, &d.Reason, &d.Signature, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		_ = json.Unmarshal([]byte(args), &d.Args)
		_ = json.Unmarshal([]byte(ruleIDs), &d.RuleIDs)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes audit records older than the cutoff. Returns
// the number of decision rows removed.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM decisions WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decisions: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM resolutions WHERE timestamp < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune resolutions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
