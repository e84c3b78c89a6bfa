// Package channel defines the message envelopes exchanged between a
// connected client and the gateway, independent of transport. Envelopes
// are tagged JSON objects discriminated by a "type" field.
package channel

import (
	"encoding/json"
	"fmt"
)

// Client to server envelope types.
const (
	TypeMessage          = "message"
	TypeApprovalResponse = "approval_response"
	TypeCommand          = "command"
)

// Server to client envelope types.
const (
	TypeToken           = "token"
	TypeToolCall        = "tool_call"
	TypeApprovalRequest = "approval_request"
	TypeDone            = "done"
	TypeCommandResult   = "command_result"
	TypeError           = "error"
)

// UserMessage is a user turn submitted over the channel. Content
// beginning with "/" is interpreted as a command.
type UserMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ApprovalResponse is the user's verdict on a pending approval request.
type ApprovalResponse struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
}

// Command is a slash command in typed form, equivalent to a UserMessage
// whose content is "/<name> <args...>".
type Command struct {
	Type string   `json:"type"`
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// ClientEnvelope is one of the client to server message types.
type ClientEnvelope interface {
	clientEnvelope()
}

func (UserMessage) clientEnvelope()      {}
func (ApprovalResponse) clientEnvelope() {}
func (Command) clientEnvelope()          {}

// ParseClient decodes a raw client frame into its typed envelope.
func ParseClient(raw []byte) (ClientEnvelope, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("malformed client message: %w", err)
	}

	switch probe.Type {
	case TypeMessage:
		var m UserMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed user message: %w", err)
		}
		return m, nil
	case TypeApprovalResponse:
		var m ApprovalResponse
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed approval response: %w", err)
		}
		if m.ToolCallID == "" {
			return nil, fmt.Errorf("approval response missing tool_call_id")
		}
		return m, nil
	case TypeCommand:
		var m Command
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed command: %w", err)
		}
		if m.Name == "" {
			return nil, fmt.Errorf("command missing name")
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown client message type: %q", probe.Type)
	}
}

// TokenChunk is a streamed fragment of the assistant's reply.
type TokenChunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ToolCallInfo notifies the client that the agent is invoking a tool.
type ToolCallInfo struct {
	Type   string         `json:"type"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Detail string         `json:"detail"`
}

// ApprovalRequest asks the user to approve or deny a gated operation.
type ApprovalRequest struct {
	Type           string         `json:"type"`
	ToolCallID     string         `json:"tool_call_id"`
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args"`
	Classification map[string]any `json:"classification"`
	TriggeredRules []string       `json:"triggered_rules"`
	Descriptions   []string       `json:"descriptions"`
}

// Done carries the assistant's final reply for a turn.
type Done struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// CommandResult is the structured outcome of a slash command.
type CommandResult struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Data    any    `json:"data"`
}

// ErrorMessage reports a turn-level failure to the client.
type ErrorMessage struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// Constructors fill in the discriminator so call sites cannot forget it.

func NewToken(content string) TokenChunk {
	return TokenChunk{Type: TypeToken, Content: content}
}

func NewToolCall(tool string, args map[string]any, detail string) ToolCallInfo {
	return ToolCallInfo{Type: TypeToolCall, Tool: tool, Args: args, Detail: detail}
}

func NewApprovalRequest(toolCallID, tool string, args, classification map[string]any, ruleIDs, descriptions []string) ApprovalRequest {
	return ApprovalRequest{
		Type:           TypeApprovalRequest,
		ToolCallID:     toolCallID,
		Tool:           tool,
		Args:           args,
		Classification: classification,
		TriggeredRules: ruleIDs,
		Descriptions:   descriptions,
	}
}

func NewDone(content string) Done {
	return Done{Type: TypeDone, Content: content}
}

func NewCommandResult(command string, data any) CommandResult {
	return CommandResult{Type: TypeCommandResult, Command: command, Data: data}
}

func NewError(detail string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Detail: detail}
}
