package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Operation is the view of a pending tool invocation that CEL conditions
// evaluate against.
type Operation struct {
	Type        string
	Categories  []string
	Description string
	Confidence  float64
	Tool        string
	Args        map[string]any
}

// CompiledCondition wraps a pre-compiled CEL program for fast repeated
// evaluation.
type CompiledCondition struct {
	Expression string
	program    cel.Program
}

// CELEvaluator compiles and evaluates CEL conditions against Operation
// values. Conditions are compiled once at rule load; evaluation is
// lock-free and safe for concurrent use.
type CELEvaluator struct {
	env *cel.Env
}

// NewCELEvaluator creates a CELEvaluator with the variable declarations
// available in rule conditions.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("operation.type", cel.StringType),
		cel.Variable("operation.categories", cel.ListType(cel.StringType)),
		cel.Variable("operation.description", cel.StringType),
		cel.Variable("operation.confidence", cel.DoubleType),
		cel.Variable("tool.name", cel.StringType),
		cel.Variable("tool.args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEvaluator{env: env}, nil
}

// Compile parses and type-checks a condition expression. Called at load
// time, not in the hot path.
func (c *CELEvaluator) Compile(expr string) (CompiledCondition, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledCondition{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CompiledCondition{}, fmt.Errorf("CEL condition %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledCondition{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	return CompiledCondition{Expression: expr, program: prg}, nil
}

// Evaluate runs a pre-compiled condition against the given operation.
// Returns true if the condition matches (the rule applies).
func (c *CELEvaluator) Evaluate(cond CompiledCondition, op Operation) (bool, error) {
	categories := op.Categories
	if categories == nil {
		categories = []string{}
	}
	args := op.Args
	if args == nil {
		args = map[string]any{}
	}

	out, _, err := cond.program.Eval(map[string]any{
		"operation.type":        op.Type,
		"operation.categories":  categories,
		"operation.description": op.Description,
		"operation.confidence":  op.Confidence,
		"tool.name":             op.Tool,
		"tool.args":             args,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", cond.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL condition %q returned non-bool: %T", cond.Expression, out.Value())
	}
	return result, nil
}
