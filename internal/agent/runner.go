// Package agent runs the tool-calling loop on behalf of a connected
// session. Every tool invocation the model requests is routed through
// the security gateway before its body executes; denied and blocked
// invocations are surfaced back to the model as tool results so the
// conversation can continue.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/carapace/carapace/internal/channel"
	"github.com/carapace/carapace/internal/gateway"
	"github.com/carapace/carapace/internal/llm"
	"github.com/carapace/carapace/internal/session"
)

// Sink receives turn progress notifications for the connected client.
type Sink interface {
	gateway.Notifier

	// OnToolCall is invoked before a gated tool runs, for verbose
	// progress display.
	OnToolCall(info channel.ToolCallInfo)
}

// ChatClient is the model surface the runner needs.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Runner drives one conversational turn at a time for a session.
type Runner struct {
	client   ChatClient
	gw       *gateway.Gateway
	dataDir  string
	model    string
	maxSteps int
	logger   *slog.Logger
}

// NewRunner creates a Runner executing tools inside dataDir.
func NewRunner(client ChatClient, gw *gateway.Gateway, dataDir, model string, maxSteps int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSteps <= 0 {
		maxSteps = 20
	}
	return &Runner{
		client:   client,
		gw:       gw,
		dataDir:  dataDir,
		model:    model,
		maxSteps: maxSteps,
		logger:   logger.With("component", "agent.Runner"),
	}
}

// RunTurn processes one user message: records it, loops the model until
// it produces a final answer or the step budget runs out, and records
// the assistant reply. The caller holds the session's exclusive lock.
func (r *Runner) RunTurn(ctx context.Context, h *session.Handle, sink Sink, userMessage string, verbose bool) (string, error) {
	if err := h.AppendHistory(session.HistoryEntry{
		Time:    time.Now().UTC(),
		Kind:    session.EntryUserMessage,
		Content: userMessage,
	}); err != nil {
		return "", fmt.Errorf("failed to record user message: %w", err)
	}

	messages, err := r.buildMessages(h)
	if err != nil {
		return "", err
	}

	exec := &executor{dataDir: r.dataDir}
	tools := make([]llm.Tool, 0, 4)
	for _, def := range toolDefs() {
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        def["name"].(string),
				Description: def["description"].(string),
				Parameters:  def["parameters"].(map[string]any),
			},
		})
	}

	for step := 0; step < r.maxSteps; step++ {
		resp, err := r.client.Chat(ctx, llm.Request{
			Model:       r.model,
			Messages:    messages,
			Tools:       tools,
			Temperature: 0.7,
		})
		if err != nil {
			return "", fmt.Errorf("model call failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if err := h.AppendHistory(session.HistoryEntry{
				Time:    time.Now().UTC(),
				Kind:    session.EntryAssistantMessage,
				Content: resp.Content,
			}); err != nil {
				return "", fmt.Errorf("failed to record assistant message: %w", err)
			}
			return resp.Content, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result := r.invokeTool(ctx, h, sink, exec, tc, verbose)
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	return "", fmt.Errorf("turn exceeded %d steps without a final answer", r.maxSteps)
}

// invokeTool gates one model-requested tool call and executes it when
// permitted. The returned string is the tool result handed back to the
// model.
func (r *Runner) invokeTool(
	ctx context.Context,
	h *session.Handle,
	sink Sink,
	exec *executor,
	tc llm.ToolCall,
	verbose bool,
) string {
	tool := tc.Function.Name
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("Error: malformed tool arguments: %v", err)
		}
	}

	res, err := r.gw.CheckOperation(ctx, h, sink, tool, args, "")
	if err != nil {
		r.logger.Error("gate failed", "session_id", h.State().SessionID, "tool", tool, "error", err)
		return fmt.Sprintf("Error: operation could not be evaluated: %v", err)
	}

	if verbose && sink != nil {
		sink.OnToolCall(channel.NewToolCall(tool, args, describeGate(res)))
	}

	switch res.Outcome {
	case gateway.OutcomeBlock:
		return fmt.Sprintf("Operation blocked by security policy: %s", res.Reason)
	case gateway.OutcomeDeny:
		return fmt.Sprintf("Operation denied: %s", res.Reason)
	}

	out, err := exec.Execute(ctx, tool, args)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}

// describeGate renders the one-line verbose annotation for a tool call.
func describeGate(res gateway.Result) string {
	c := res.Classification
	detail := "[" + c.OperationType + "]"
	if len(c.Categories) > 0 {
		detail += " (" + strings.Join(c.Categories, ", ") + ")"
	}
	if len(res.Decision.TriggeredRuleIDs) > 0 {
		detail += " rules: " + strings.Join(res.Decision.TriggeredRuleIDs, ", ")
	}
	switch res.Outcome {
	case gateway.OutcomeBlock:
		detail += " -> blocked"
	case gateway.OutcomeDeny:
		detail += " -> denied"
	default:
		if len(res.Decision.TriggeredRuleIDs) > 0 {
			detail += " -> approved"
		}
	}
	return detail
}

// buildMessages reconstructs the chat transcript from session history.
// Only user and assistant messages carry over between turns; tool
// exchanges are scoped to the turn that produced them.
func (r *Runner) buildMessages(h *session.Handle) ([]llm.Message, error) {
	state := h.State()
	messages := []llm.Message{{Role: "system", Content: r.systemPrompt(state)}}

	entries, err := h.History()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	for _, entry := range entries {
		switch entry.Kind {
		case session.EntryUserMessage:
			messages = append(messages, llm.Message{Role: "user", Content: entry.Content})
		case session.EntryAssistantMessage:
			messages = append(messages, llm.Message{Role: "assistant", Content: entry.Content})
		}
	}
	return messages, nil
}

// systemPrompt assembles the agent's instructions from the workspace
// files plus a session info trailer.
func (r *Runner) systemPrompt(state *session.State) string {
	var parts []string
	for _, name := range []string{"AGENTS.md", "SOUL.md", "USER.md"} {
		data, err := os.ReadFile(filepath.Join(r.dataDir, name))
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			parts = append(parts, string(data))
		}
	}

	activated := strings.Join(state.ActivatedRules, ", ")
	if activated == "" {
		activated = "(none)"
	}
	disabled := strings.Join(state.DisabledRules, ", ")
	if disabled == "" {
		disabled = "(none)"
	}
	parts = append(parts, fmt.Sprintf(
		"# Session Info\nSession ID: %s\nActivated rules: %s\nDisabled rules: %s",
		state.SessionID, activated, disabled,
	))

	return strings.Join(parts, "\n\n---\n\n")
}
