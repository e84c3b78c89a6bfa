// Package rules loads and publishes the plain-English security rules that
// the engine evaluates against each operation. A rule set is immutable
// after load; reloads swap the whole snapshot atomically so a malformed
// file can never leave a partial set in force.
package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode is the enforcement mode of a rule.
type Mode string

const (
	// ModeApprove gates matching operations behind user approval.
	ModeApprove Mode = "approve"
	// ModeBlock rejects matching operations outright.
	ModeBlock Mode = "block"
)

// TriggerAlways is the literal trigger marking a rule in force from
// session creation.
const TriggerAlways = "always"

// Rule is a single security constraint. Trigger and Effect are natural
// language, evaluated by the auxiliary model; Condition is an optional CEL
// expression that replaces the model call for effect applicability.
type Rule struct {
	ID          string `yaml:"id"`
	Trigger     string `yaml:"trigger"`
	Effect      string `yaml:"effect"`
	Mode        Mode   `yaml:"mode"`
	Description string `yaml:"description"`
	Condition   string `yaml:"condition,omitempty"`

	compiled *CompiledCondition
}

// IsAlways reports whether the rule is in force from session creation.
func (r *Rule) IsAlways() bool {
	return strings.EqualFold(strings.TrimSpace(r.Trigger), TriggerAlways)
}

// CompiledCondition returns the pre-compiled CEL program for the rule's
// condition, or nil when the rule has none.
func (r *Rule) CompiledCondition() *CompiledCondition {
	return r.compiled
}

// RuleSet is an immutable, ordered collection of rules. Order is file
// order and is the engine's reporting tiebreak.
type RuleSet struct {
	rules []Rule
	byID  map[string]int
}

// All returns the rules in file order. Callers must not mutate the slice.
func (rs *RuleSet) All() []Rule {
	if rs == nil {
		return nil
	}
	return rs.rules
}

// Get returns the rule with the given id.
func (rs *RuleSet) Get(id string) (Rule, bool) {
	if rs == nil {
		return Rule{}, false
	}
	idx, ok := rs.byID[id]
	if !ok {
		return Rule{}, false
	}
	return rs.rules[idx], true
}

// Has reports whether a rule with the given id exists.
func (rs *RuleSet) Has(id string) bool {
	_, ok := rs.Get(id)
	return ok
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads and validates a rule file. The load is atomic: any invalid
// rule fails the whole load and no partial set is returned.
func Load(path string, cel *CELEvaluator) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newRuleSet(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return Parse(data, cel)
}

// Parse validates raw YAML rule definitions and compiles any CEL
// conditions.
func Parse(data []byte, cel *CELEvaluator) (*RuleSet, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	for i := range file.Rules {
		r := &file.Rules[i]
		if r.Mode == "" {
			r.Mode = ModeApprove
		}
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.ID, err)
		}
		if r.Condition != "" && cel != nil {
			compiled, err := cel.Compile(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			r.compiled = &compiled
		}
	}

	return newRuleSet(file.Rules)
}

func newRuleSet(list []Rule) (*RuleSet, error) {
	byID := make(map[string]int, len(list))
	for i, r := range list {
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		byID[r.ID] = i
	}
	return &RuleSet{rules: list, byID: byID}, nil
}

func validate(r *Rule) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("missing id")
	}
	if strings.TrimSpace(r.Trigger) == "" {
		return fmt.Errorf("missing trigger")
	}
	if strings.TrimSpace(r.Effect) == "" && r.Condition == "" {
		return fmt.Errorf("missing effect")
	}
	if r.Mode != ModeApprove && r.Mode != ModeBlock {
		return fmt.Errorf("invalid mode %q (must be approve or block)", r.Mode)
	}
	return nil
}

// Marshal serialises a rule set back to YAML in file order.
func (rs *RuleSet) Marshal() ([]byte, error) {
	return yaml.Marshal(rulesFile{Rules: rs.All()})
}
