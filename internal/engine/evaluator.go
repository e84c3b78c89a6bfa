package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/carapace/carapace/internal/classifier"
	"github.com/carapace/carapace/internal/llm"
	"github.com/carapace/carapace/internal/rules"
)

// Evaluator answers the two natural-language questions the engine asks
// about a rule. Implementations must be side-effect free; the engine owns
// all caching.
type Evaluator interface {
	// TriggerSatisfied reports whether a dormant rule's trigger condition
	// has become true given the current operation and the rules already
	// activated in the session.
	TriggerSatisfied(ctx context.Context, rule rules.Rule, activated []string, c classifier.Classification) (bool, error)

	// EffectApplies reports whether an in-force rule's effect restricts
	// the current operation.
	EffectApplies(ctx context.Context, rule rules.Rule, c classifier.Classification, tool string, args map[string]any) (bool, error)
}

const evaluatorSystemPrompt = `You are a security rule evaluator. You will be given:
1. A rule with a trigger condition and an effect description
2. The current session state (which rules are activated)
3. An operation classification

Answer True if the condition holds, False otherwise. Respond with a single word: True or False.

Be precise. For example, if a rule says 'block all write operations' and the operation is a read, answer False. If the rule says 'block outbound communication' and the operation is writing a local file, answer False.`

// ModelEvaluator answers rule questions with the auxiliary model, one
// call per question.
type ModelEvaluator struct {
	client *llm.Client
	model  string
}

// NewModelEvaluator creates a ModelEvaluator.
func NewModelEvaluator(client *llm.Client, model string) *ModelEvaluator {
	return &ModelEvaluator{client: client, model: model}
}

func (m *ModelEvaluator) TriggerSatisfied(ctx context.Context, rule rules.Rule, activated []string, c classifier.Classification) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule trigger: %q\n", rule.Trigger)
	fmt.Fprintf(&b, "Current operation: %s (categories: %s, description: %s)\n",
		c.OperationType, strings.Join(c.Categories, ", "), c.Description)
	fmt.Fprintf(&b, "Already activated rules: %s\n\n", strings.Join(activated, ", "))
	b.WriteString("Has this trigger condition become true based on the current operation? " +
		"Answer True if this operation causes the trigger to be met " +
		"(e.g., if the trigger is 'the agent has read content from the internet' " +
		"and the operation is read_external, then True). Answer False otherwise.")

	return m.client.CompleteBool(ctx, m.model, evaluatorSystemPrompt, b.String())
}

func (m *ModelEvaluator) EffectApplies(ctx context.Context, rule rules.Rule, c classifier.Classification, tool string, args map[string]any) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule effect: %q\n", rule.Effect)
	fmt.Fprintf(&b, "Operation type: %s\n", c.OperationType)
	fmt.Fprintf(&b, "Operation categories: %s\n", strings.Join(c.Categories, ", "))
	fmt.Fprintf(&b, "Operation description: %s\n", c.Description)
	fmt.Fprintf(&b, "Tool: %s\n\n", tool)
	b.WriteString("Does this rule's effect restrict/gate this specific operation? " +
		"Answer True if the operation falls under what the rule restricts. " +
		"Answer False if the operation is not restricted by this rule.")

	return m.client.CompleteBool(ctx, m.model, evaluatorSystemPrompt, b.String())
}
