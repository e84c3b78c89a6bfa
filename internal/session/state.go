// Package session owns session records, their on-disk persistence, the
// per-session exclusive lock, and the append-only history log. A session's
// state document is rewritten atomically (write temp, rename); history is
// append-only JSONL flushed before any dependent state change.
package session

import (
	"slices"
	"time"

	"github.com/carapace/carapace/internal/classifier"
)

// State is the persisted, mutable session record. It is only mutated
// while the session's exclusive lock is held.
type State struct {
	SessionID   string `yaml:"session_id" json:"session_id"`
	ChannelType string `yaml:"channel_type" json:"channel_type"`
	ChannelRef  string `yaml:"channel_ref" json:"channel_ref"`

	// ActivatedRules grows monotonically; ids are only removed by reset,
	// which creates a new session id.
	ActivatedRules      []string `yaml:"activated_rules" json:"activated_rules"`
	DisabledRules       []string `yaml:"disabled_rules" json:"disabled_rules"`
	ApprovedCredentials []string `yaml:"approved_credentials" json:"approved_credentials"`
	ApprovedOperations  []string `yaml:"approved_operations" json:"approved_operations"`

	// Retired marks a session replaced by reset; kept on disk for audit.
	Retired    bool       `yaml:"retired,omitempty" json:"retired,omitempty"`
	ResetTo    string     `yaml:"reset_to,omitempty" json:"reset_to,omitempty"`
	CreatedAt  time.Time  `yaml:"created_at" json:"created_at"`
	LastActive time.Time  `yaml:"last_active" json:"last_active"`
	RetiredAt  *time.Time `yaml:"retired_at,omitempty" json:"retired_at,omitempty"`
}

// HasActivated reports whether a rule id is in the activated set.
func (s *State) HasActivated(ruleID string) bool {
	return slices.Contains(s.ActivatedRules, ruleID)
}

// Activate adds a rule id to the activated set. Returns true if the set
// grew.
func (s *State) Activate(ruleID string) bool {
	if s.HasActivated(ruleID) {
		return false
	}
	s.ActivatedRules = append(s.ActivatedRules, ruleID)
	return true
}

// IsDisabled reports whether the user disabled a rule for this session.
func (s *State) IsDisabled(ruleID string) bool {
	return slices.Contains(s.DisabledRules, ruleID)
}

// Disable adds a rule id to the disabled set. Returns true if the set grew.
func (s *State) Disable(ruleID string) bool {
	if s.IsDisabled(ruleID) {
		return false
	}
	s.DisabledRules = append(s.DisabledRules, ruleID)
	return true
}

// Enable removes a rule id from the disabled set. Returns true if it was
// present.
func (s *State) Enable(ruleID string) bool {
	idx := slices.Index(s.DisabledRules, ruleID)
	if idx < 0 {
		return false
	}
	s.DisabledRules = slices.Delete(s.DisabledRules, idx, idx+1)
	return true
}

// IsApprovedOperation reports whether an operation signature was approved
// earlier in this session.
func (s *State) IsApprovedOperation(signature string) bool {
	return slices.Contains(s.ApprovedOperations, signature)
}

// ApproveOperation records an approved operation signature.
func (s *State) ApproveOperation(signature string) {
	if !s.IsApprovedOperation(signature) {
		s.ApprovedOperations = append(s.ApprovedOperations, signature)
	}
}

// Info is the lock-free listing view of a session.
type Info struct {
	SessionID   string    `json:"session_id"`
	ChannelType string    `json:"channel_type"`
	ChannelRef  string    `json:"channel_ref"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	Retired     bool      `json:"retired,omitempty"`
}

// History entry kinds.
const (
	EntryUserMessage      = "user_message"
	EntryAssistantMessage = "assistant_message"
	EntryToolCall         = "tool_call"
	EntryClassification   = "classification"
	EntryApprovalRequest  = "approval_request"
	EntryApprovalResponse = "approval_response"
	EntryError            = "error"
)

// HistoryEntry is one record in the append-only session history. The Kind
// discriminator selects which optional fields are populated.
type HistoryEntry struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`

	Content string `json:"content,omitempty"`

	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	Classification *classifier.Classification `json:"classification,omitempty"`

	ToolCallID string   `json:"tool_call_id,omitempty"`
	RuleIDs    []string `json:"rule_ids,omitempty"`
	Approved   *bool    `json:"approved,omitempty"`
}
