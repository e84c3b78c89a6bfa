// Package engine decides what happens to a tool invocation: allow it,
// gate it behind user approval, or block it. Rules activate monotonically
// as the session's history satisfies their triggers; in-force rules are
// then matched against the pending operation. Blocks dominate approvals,
// approvals dominate allow.
//
// Failure semantics are asymmetric on purpose: a model error while
// checking a dormant rule's trigger leaves the rule dormant (uncertainty
// must not create new restrictions), while a model error while checking
// an in-force rule's effect makes the rule apply in approve mode (errors
// must never weaken an established restriction).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carapace/carapace/internal/classifier"
	"github.com/carapace/carapace/internal/rules"
	"github.com/carapace/carapace/internal/session"
)

// Decision verdicts.
const (
	DecisionAllow         = "allow"
	DecisionNeedsApproval = "needs_approval"
	DecisionBlock         = "block"
)

// Decision is the engine's verdict for one operation.
type Decision struct {
	Decision         string
	TriggeredRuleIDs []string
	Descriptions     []string
	NewlyActivated   []string
	Signature        string
	Reason           string
}

// Engine evaluates rules against classified operations. Safe for
// concurrent use across sessions; within a session the caller holds the
// session's exclusive lock.
type Engine struct {
	evaluator Evaluator
	cel       *rules.CELEvaluator
	logger    *slog.Logger
}

// New creates an Engine. cel may be nil when no rule carries a CEL
// condition.
func New(evaluator Evaluator, cel *rules.CELEvaluator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		evaluator: evaluator,
		cel:       cel,
		logger:    logger.With("component", "engine"),
	}
}

// Evaluate runs the full pipeline for one operation: trigger activation,
// approved-operation shortcut, applicability, aggregation. Must be called
// with the session's exclusive lock held; it mutates state.ActivatedRules
// and the session cache, but does not persist either.
func (e *Engine) Evaluate(
	ctx context.Context,
	state *session.State,
	cache *session.Cache,
	ruleSet *rules.RuleSet,
	c classifier.Classification,
	tool string,
	args map[string]any,
) Decision {
	sig := Signature(tool, args, c)
	d := Decision{Decision: DecisionAllow, Signature: sig}

	// Pass 1: trigger activation. Runs for disabled rules too; disabling
	// suppresses enforcement, not bookkeeping.
	for _, rule := range ruleSet.All() {
		if rule.IsAlways() || state.HasActivated(rule.ID) {
			continue
		}
		if e.triggerSatisfied(ctx, rule, state, cache, c, sig) {
			state.Activate(rule.ID)
			d.NewlyActivated = append(d.NewlyActivated, rule.ID)
		}
	}
	if len(d.NewlyActivated) > 0 {
		// The in-force set changed; previous applicability answers no
		// longer describe it.
		cache.InvalidateEffects()
		e.logger.Info("rules activated",
			"session_id", state.SessionID,
			"rules", d.NewlyActivated,
		)
	}

	// Approved-operation shortcut: an identical operation was already
	// approved in this session. Activation above still ran so state
	// transitions are recorded.
	if state.IsApprovedOperation(sig) {
		d.Reason = "operation previously approved in this session"
		return d
	}

	// Pass 2: applicability of in-force rules, in file order.
	var blocked, approval []rules.Rule
	for _, rule := range ruleSet.All() {
		if state.IsDisabled(rule.ID) {
			continue
		}
		if !rule.IsAlways() && !state.HasActivated(rule.ID) {
			continue
		}

		applies, mode := e.effectApplies(ctx, rule, cache, c, tool, args, sig)
		if !applies {
			continue
		}

		d.TriggeredRuleIDs = append(d.TriggeredRuleIDs, rule.ID)
		d.Descriptions = append(d.Descriptions, fmt.Sprintf("[%s] %s", rule.ID, strings.TrimSpace(rule.Description)))
		if mode == rules.ModeBlock {
			blocked = append(blocked, rule)
		} else {
			approval = append(approval, rule)
		}
	}

	// Aggregation: block > approve > allow.
	switch {
	case len(blocked) > 0:
		d.Decision = DecisionBlock
		d.Reason = fmt.Sprintf("blocked by rule %s: %s", blocked[0].ID, strings.TrimSpace(blocked[0].Description))
	case len(approval) > 0:
		d.Decision = DecisionNeedsApproval
		ids := make([]string, len(approval))
		for i, r := range approval {
			ids[i] = r.ID
		}
		d.Reason = fmt.Sprintf("approval required by rules: %s", strings.Join(ids, ", "))
	}

	return d
}

// triggerSatisfied checks one dormant rule's trigger, consulting the
// session cache first. Model errors fail open: the trigger is treated as
// not satisfied.
func (e *Engine) triggerSatisfied(
	ctx context.Context,
	rule rules.Rule,
	state *session.State,
	cache *session.Cache,
	c classifier.Classification,
	sig string,
) bool {
	key := rule.ID + "|" + sig
	if v, ok := cache.Trigger(key); ok {
		return v
	}

	satisfied, err := e.evaluator.TriggerSatisfied(ctx, rule, state.ActivatedRules, c)
	if err != nil {
		e.logger.Warn("trigger evaluation failed, treating as not satisfied",
			"rule", rule.ID,
			"session_id", state.SessionID,
			"error", err,
		)
		return false
	}

	cache.SetTrigger(key, satisfied)
	return satisfied
}

// effectApplies checks whether an in-force rule restricts the operation.
// CEL conditions are evaluated deterministically; otherwise the model is
// asked. Errors fail closed: the rule applies, in approve mode.
func (e *Engine) effectApplies(
	ctx context.Context,
	rule rules.Rule,
	cache *session.Cache,
	c classifier.Classification,
	tool string,
	args map[string]any,
	sig string,
) (bool, rules.Mode) {
	key := rule.ID + "|" + sig
	if v, ok := cache.Effect(key); ok {
		return v, rule.Mode
	}

	var applies bool
	var err error
	if cond := rule.CompiledCondition(); cond != nil && e.cel != nil {
		applies, err = e.cel.Evaluate(*cond, rules.Operation{
			Type:        c.OperationType,
			Categories:  c.Categories,
			Description: c.Description,
			Confidence:  c.Confidence,
			Tool:        tool,
			Args:        args,
		})
	} else {
		applies, err = e.evaluator.EffectApplies(ctx, rule, c, tool, args)
	}

	if err != nil {
		e.logger.Error("effect evaluation failed, failing closed (approve)",
			"rule", rule.ID,
			"error", err,
		)
		return true, rules.ModeApprove
	}

	cache.SetEffect(key, applies)
	return applies, rule.Mode
}
