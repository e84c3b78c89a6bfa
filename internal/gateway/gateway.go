// Package gateway interposes the security pipeline between the agent
// and tool execution. Every tool invocation flows through classify,
// evaluate, and (when required) the approval gate before the tool body
// runs; the session's history and state are persisted at each step so a
// crash replays cleanly.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/carapace/carapace/internal/approval"
	"github.com/carapace/carapace/internal/audit"
	"github.com/carapace/carapace/internal/channel"
	"github.com/carapace/carapace/internal/classifier"
	"github.com/carapace/carapace/internal/engine"
	"github.com/carapace/carapace/internal/rules"
	"github.com/carapace/carapace/internal/session"
)

// Gate outcomes.
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
	OutcomeBlock = "block"
)

// Result is the gateway's verdict for one tool invocation. Deny means a
// user (or timeout) refused an approval request; Block means a rule
// rejected the operation outright.
type Result struct {
	Outcome        string
	Reason         string
	ToolCallID     string
	Classification classifier.Classification
	Decision       engine.Decision
}

// Allowed reports whether the tool body may run.
func (r Result) Allowed() bool {
	return r.Outcome == OutcomeAllow
}

// Classifier maps a tool invocation to an operation classification.
type Classifier interface {
	Classify(ctx context.Context, tool string, args map[string]any, hint string) classifier.Classification
}

// Notifier delivers an approval request to the session's connected
// client. A nil Notifier (headless session) means approval requests can
// only resolve via the control plane.
type Notifier interface {
	NotifyApproval(req channel.ApprovalRequest)
}

// Gateway runs the security pipeline for tool invocations.
type Gateway struct {
	classifier Classifier
	engine     *engine.Engine
	rules      *rules.Store
	gate       *approval.Gate
	audit      *audit.Store
	logger     *slog.Logger
}

// New creates a Gateway. audit may be nil to disable the audit trail.
func New(
	cls Classifier,
	eng *engine.Engine,
	ruleStore *rules.Store,
	gate *approval.Gate,
	auditStore *audit.Store,
	logger *slog.Logger,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		classifier: cls,
		engine:     eng,
		rules:      ruleStore,
		gate:       gate,
		audit:      auditStore,
		logger:     logger.With("component", "gateway"),
	}
}

// Gate returns the approval gate, for resolving pending requests.
func (g *Gateway) Gate() *approval.Gate {
	return g.gate
}

// CheckOperation runs the pipeline for one tool invocation. The caller
// holds the session's exclusive lock via h. On needs_approval the call
// blocks until the user resolves the request, the gate times out, or
// the session is closed.
func (g *Gateway) CheckOperation(
	ctx context.Context,
	h *session.Handle,
	notifier Notifier,
	tool string,
	args map[string]any,
	hint string,
) (Result, error) {
	state := h.State()
	toolCallID := strings.ToLower(ulid.Make().String())

	if err := h.AppendHistory(session.HistoryEntry{
		Time:       time.Now().UTC(),
		Kind:       session.EntryToolCall,
		Tool:       tool,
		Args:       args,
		ToolCallID: toolCallID,
	}); err != nil {
		return Result{}, fmt.Errorf("failed to record tool call: %w", err)
	}

	c := g.classifier.Classify(ctx, tool, args, hint)
	if err := h.AppendHistory(session.HistoryEntry{
		Time:           time.Now().UTC(),
		Kind:           session.EntryClassification,
		Tool:           tool,
		ToolCallID:     toolCallID,
		Classification: &c,
	}); err != nil {
		return Result{}, fmt.Errorf("failed to record classification: %w", err)
	}

	decision := g.engine.Evaluate(ctx, state, h.Cache(), g.rules.Snapshot(), c, tool, args)
	if err := h.SaveState(); err != nil {
		return Result{}, fmt.Errorf("failed to persist session state: %w", err)
	}

	res := Result{
		ToolCallID:     toolCallID,
		Classification: c,
		Decision:       decision,
	}

	switch decision.Decision {
	case engine.DecisionAllow:
		res.Outcome = OutcomeAllow
		res.Reason = decision.Reason
		g.record(state.SessionID, toolCallID, tool, args, c, decision, OutcomeAllow, decision.Reason)
		return res, nil

	case engine.DecisionBlock:
		res.Outcome = OutcomeBlock
		res.Reason = decision.Reason
		if err := h.AppendHistory(session.HistoryEntry{
			Time:       time.Now().UTC(),
			Kind:       session.EntryError,
			Content:    decision.Reason,
			Tool:       tool,
			ToolCallID: toolCallID,
			RuleIDs:    decision.TriggeredRuleIDs,
		}); err != nil {
			g.logger.Error("failed to record block", "session_id", state.SessionID, "error", err)
		}
		g.record(state.SessionID, toolCallID, tool, args, c, decision, OutcomeBlock, decision.Reason)
		g.logger.Warn("operation blocked",
			"session_id", state.SessionID,
			"tool", tool,
			"rules", decision.TriggeredRuleIDs,
		)
		return res, nil

	case engine.DecisionNeedsApproval:
		return g.awaitApproval(ctx, h, notifier, res, tool, args)

	default:
		return Result{}, fmt.Errorf("unknown engine decision %q", decision.Decision)
	}
}

// awaitApproval parks the invocation on the approval gate and records
// both sides of the exchange in history. ctx is the turn's context; a
// client disconnect cancels it and unblocks the wait so the session
// lock is not held for the full approval timeout.
func (g *Gateway) awaitApproval(
	ctx context.Context,
	h *session.Handle,
	notifier Notifier,
	res Result,
	tool string,
	args map[string]any,
) (Result, error) {
	state := h.State()
	decision := res.Decision

	if err := h.AppendHistory(session.HistoryEntry{
		Time:       time.Now().UTC(),
		Kind:       session.EntryApprovalRequest,
		Tool:       tool,
		Args:       args,
		ToolCallID: res.ToolCallID,
		RuleIDs:    decision.TriggeredRuleIDs,
	}); err != nil {
		return Result{}, fmt.Errorf("failed to record approval request: %w", err)
	}
	g.record(state.SessionID, res.ToolCallID, tool, args, res.Classification, decision, "needs_approval", decision.Reason)

	if notifier != nil {
		notifier.NotifyApproval(channel.NewApprovalRequest(
			res.ToolCallID, tool, args,
			classificationMap(res.Classification),
			decision.TriggeredRuleIDs, decision.Descriptions,
		))
	}

	outcome, err := g.gate.Await(ctx, h.Context().Done(), &approval.Request{
		ToolCallID: res.ToolCallID,
		SessionID:  state.SessionID,
		Tool:       tool,
		Args:       args,
		RuleIDs:    decision.TriggeredRuleIDs,
		Reason:     decision.Reason,
	})
	if err != nil {
		return Result{}, err
	}

	approved := outcome.Approved
	if histErr := h.AppendHistory(session.HistoryEntry{
		Time:       time.Now().UTC(),
		Kind:       session.EntryApprovalResponse,
		ToolCallID: res.ToolCallID,
		Approved:   &approved,
		Content:    outcome.ResolvedBy,
	}); histErr != nil {
		g.logger.Error("failed to record approval response", "session_id", state.SessionID, "error", histErr)
	}
	if g.audit != nil {
		if auditErr := g.audit.RecordResolution(audit.Resolution{
			SessionID:  state.SessionID,
			ToolCallID: res.ToolCallID,
			Approved:   approved,
			ResolvedBy: outcome.ResolvedBy,
		}); auditErr != nil {
			g.logger.Error("failed to record resolution", "error", auditErr)
		}
	}

	if !approved {
		res.Outcome = OutcomeDeny
		if outcome.ResolvedBy == approval.ResolvedByTimeout {
			res.Reason = "approval request timed out"
		} else {
			res.Reason = "user denied the operation"
		}
		return res, nil
	}

	// Identical future operations in this session skip the prompt.
	state.ApproveOperation(decision.Signature)
	if err := h.SaveState(); err != nil {
		return Result{}, fmt.Errorf("failed to persist approval: %w", err)
	}

	res.Outcome = OutcomeAllow
	res.Reason = "approved by user"
	return res, nil
}

// record writes the decision to the audit trail, if enabled.
func (g *Gateway) record(
	sessionID, toolCallID, tool string,
	args map[string]any,
	c classifier.Classification,
	decision engine.Decision,
	verdict, reason string,
) {
	if g.audit == nil {
		return
	}
	if err := g.audit.RecordDecision(audit.Decision{
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		Tool:       tool,
		Args:       args,
		Operation:  c.OperationType,
		Decision:   verdict,
		RuleIDs:    decision.TriggeredRuleIDs,
		Reason:     reason,
		Signature:  decision.Signature,
	}); err != nil {
		g.logger.Error("failed to record decision", "session_id", sessionID, "error", err)
	}
}

func classificationMap(c classifier.Classification) map[string]any {
	return map[string]any{
		"operation_type": c.OperationType,
		"categories":     c.Categories,
		"description":    c.Description,
		"confidence":     c.Confidence,
	}
}
