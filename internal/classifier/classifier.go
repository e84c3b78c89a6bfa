// Package classifier turns a tool invocation into a structured operation
// classification using the fast auxiliary model. Classification never
// fails upward: if the model is unreachable or returns garbage, a
// conservative default is produced so broad rules still gate the
// operation.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carapace/carapace/internal/llm"
)

// Operation types, ordered roughly by increasing sensitivity.
const (
	OpReadLocal        = "read_local"
	OpWriteLocal       = "write_local"
	OpReadExternal     = "read_external"
	OpWriteExternal    = "write_external"
	OpReadSensitive    = "read_sensitive"
	OpWriteSensitive   = "write_sensitive"
	OpExecute          = "execute"
	OpCredentialAccess = "credential_access"
	OpMemoryRead       = "memory_read"
	OpMemoryWrite      = "memory_write"
	OpSkillModify      = "skill_modify"
)

var validTypes = map[string]bool{
	OpReadLocal: true, OpWriteLocal: true, OpReadExternal: true,
	OpWriteExternal: true, OpReadSensitive: true, OpWriteSensitive: true,
	OpExecute: true, OpCredentialAccess: true, OpMemoryRead: true,
	OpMemoryWrite: true, OpSkillModify: true,
}

// Classification is the structured result of classifying one tool
// invocation.
type Classification struct {
	OperationType string   `json:"operation_type" yaml:"operation_type"`
	Categories    []string `json:"categories" yaml:"categories"`
	Description   string   `json:"description" yaml:"description"`
	Confidence    float64  `json:"confidence" yaml:"confidence"`
}

// ConservativeDefault is the fallback classification used when the model
// is unreachable or its output cannot be parsed. Execute with zero
// confidence is the likeliest shape to be caught by broad rules.
func ConservativeDefault() Classification {
	return Classification{
		OperationType: OpExecute,
		Categories:    []string{},
		Description:   "unclassified",
		Confidence:    0,
	}
}

const systemPrompt = `You are a security classifier for an AI agent system. Given a tool name, its arguments, and optional context, classify the operation.

Operation types:
- read_local: reading files, listing directories, read-only shell commands
- write_local: writing/modifying local files
- read_external: reading from the internet, APIs, external services
- write_external: sending emails, posting to APIs, outbound communication
- read_sensitive: reading personal data (finances, health, documents)
- write_sensitive: modifying personal/sensitive data
- execute: running arbitrary code or commands that modify state
- credential_access: fetching or using credentials/secrets
- memory_read: reading agent memory files
- memory_write: writing/modifying agent memory files
- skill_modify: creating, editing, or deleting skill files

Categories are free-form tags like: finance, email, documents, web, skills, shell, memory, health.

Be precise. A shell command like 'ls' or 'cat' is read_local. A shell command like 'rm' or 'curl -X POST' is execute or write_external. Reading a file in memory/ is memory_read. Writing to memory/ is memory_write.

Respond with a single JSON object (no markdown fencing, no extra text):
{"operation_type": "<type>", "categories": ["<tag>", ...], "description": "<one sentence>", "confidence": <0.0-1.0>}`

// Classifier wraps one auxiliary-model call per tool invocation.
type Classifier struct {
	client     *llm.Client
	model      string
	argsBudget int
	logger     *slog.Logger
}

// New creates a Classifier. argsBudget caps how many bytes of serialised
// tool arguments are included in the prompt.
func New(client *llm.Client, model string, argsBudget int, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if argsBudget <= 0 {
		argsBudget = 2048
	}
	return &Classifier{
		client:     client,
		model:      model,
		argsBudget: argsBudget,
		logger:     logger.With("component", "classifier"),
	}
}

// Classify produces a Classification for the given tool invocation. hint
// is an optional prior from the tool's manifest; the model may override
// it. Errors are logged and absorbed into the conservative default.
func (c *Classifier) Classify(ctx context.Context, tool string, args map[string]any, hint string) Classification {
	prompt := c.buildPrompt(tool, args, hint)

	var result Classification
	if err := c.client.CompleteJSON(ctx, c.model, systemPrompt, prompt, &result); err != nil {
		c.logger.Warn("classification failed, using conservative default",
			"tool", tool,
			"error", err,
		)
		return ConservativeDefault()
	}

	return normalize(result)
}

func (c *Classifier) buildPrompt(tool string, args map[string]any, hint string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\n", tool)
	fmt.Fprintf(&b, "Arguments: %s\n", formatArgs(args, c.argsBudget))
	if hint != "" {
		fmt.Fprintf(&b, "Context: %s\n", hint)
	}
	return b.String()
}

// normalize makes the post-processing deterministic for a fixed model
// response: unknown types fall back to the conservative default, nil
// categories become empty, confidence is clamped to [0, 1].
func normalize(c Classification) Classification {
	if !validTypes[c.OperationType] {
		fallback := ConservativeDefault()
		fallback.Description = c.Description
		return fallback
	}
	if c.Categories == nil {
		c.Categories = []string{}
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c
}

func formatArgs(args map[string]any, budget int) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	if len(data) > budget {
		return string(data[:budget]) + "...(truncated)"
	}
	return string(data)
}
