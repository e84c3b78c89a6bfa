// Package approval parks gated tool invocations until the user resolves
// them. Each pending request is keyed by its tool call id; the waiting
// goroutine blocks on a buffered result channel so a resolution never
// blocks the resolver.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Request describes one operation waiting for a user verdict.
type Request struct {
	ToolCallID string
	SessionID  string
	Tool       string
	Args       map[string]any
	RuleIDs    []string
	Reason     string
	CreatedAt  time.Time

	result chan Result
}

// Result is the outcome of a pending request.
type Result struct {
	Approved   bool
	ResolvedBy string
}

// Resolvers recorded in results.
const (
	ResolvedByUser    = "user"
	ResolvedByTimeout = "timeout"
)

// Gate tracks pending approval requests across sessions.
type Gate struct {
	mu      sync.RWMutex
	pending map[string]*Request
	timeout time.Duration
	logger  *slog.Logger
}

// NewGate creates a Gate whose requests time out after the given
// duration.
func NewGate(timeout time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]*Request),
		timeout: timeout,
		logger:  logger.With("component", "approval.Gate"),
	}
}

// Await registers the request and blocks until it is resolved, times
// out, ctx is cancelled, or done is closed. A timeout resolves as
// denied. ctx is the requesting connection's context and done is the
// session's lifetime channel; either cancellation surfaces as an error
// so it is never mistaken for a user verdict.
func (g *Gate) Await(ctx context.Context, done <-chan struct{}, req *Request) (Result, error) {
	req.CreatedAt = time.Now().UTC()
	req.result = make(chan Result, 1)

	g.mu.Lock()
	if _, exists := g.pending[req.ToolCallID]; exists {
		g.mu.Unlock()
		return Result{}, fmt.Errorf("approval already pending for tool call %s", req.ToolCallID)
	}
	g.pending[req.ToolCallID] = req
	g.mu.Unlock()

	g.logger.Info("approval requested",
		"tool_call_id", req.ToolCallID,
		"session_id", req.SessionID,
		"tool", req.Tool,
		"rules", req.RuleIDs,
		"timeout", g.timeout,
	)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case result := <-req.result:
		return result, nil
	case <-timer.C:
		g.remove(req.ToolCallID)
		g.logger.Warn("approval timed out, denying",
			"tool_call_id", req.ToolCallID,
			"session_id", req.SessionID,
		)
		return Result{Approved: false, ResolvedBy: ResolvedByTimeout}, nil
	case <-ctx.Done():
		g.remove(req.ToolCallID)
		g.logger.Info("approval wait cancelled",
			"tool_call_id", req.ToolCallID,
			"session_id", req.SessionID,
		)
		return Result{}, fmt.Errorf("approval wait cancelled: %w", ctx.Err())
	case <-done:
		g.remove(req.ToolCallID)
		return Result{}, fmt.Errorf("session closed while awaiting approval for %s", req.ToolCallID)
	}
}

// Resolve delivers the user's verdict for a pending request. Unknown or
// already-resolved ids are an error; late responses after a timeout land
// here and are discarded by the caller.
func (g *Gate) Resolve(toolCallID string, approved bool) error {
	g.mu.Lock()
	req, ok := g.pending[toolCallID]
	if ok {
		delete(g.pending, toolCallID)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval for tool call %s", toolCallID)
	}

	req.result <- Result{Approved: approved, ResolvedBy: ResolvedByUser}

	g.logger.Info("approval resolved",
		"tool_call_id", toolCallID,
		"session_id", req.SessionID,
		"approved", approved,
	)
	return nil
}

// Pending returns the requests currently awaiting resolution, most
// useful for the control plane and tests.
func (g *Gate) Pending() []*Request {
	g.mu.RLock()
	defer g.mu.RUnlock()

	requests := make([]*Request, 0, len(g.pending))
	for _, req := range g.pending {
		requests = append(requests, req)
	}
	return requests
}

func (g *Gate) remove(toolCallID string) {
	g.mu.Lock()
	delete(g.pending, toolCallID)
	g.mu.Unlock()
}
