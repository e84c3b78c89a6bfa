package approval

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestAwaitApproved(t *testing.T) {
	g := NewGate(5*time.Second, nil)

	type outcome struct {
		result Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := g.Await(context.Background(), nil, &Request{ToolCallID: "tc-1", SessionID: "s1", Tool: "exec"})
		ch <- outcome{r, err}
	}()

	// Wait for the request to register, then resolve it.
	waitPending(t, g, 1)
	if err := g.Resolve("tc-1", true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	o := <-ch
	if o.err != nil {
		t.Fatalf("Await: %v", o.err)
	}
	if !o.result.Approved || o.result.ResolvedBy != ResolvedByUser {
		t.Fatalf("result = %+v, want approved by user", o.result)
	}
	if len(g.Pending()) != 0 {
		t.Fatal("request still pending after resolution")
	}
}

func TestAwaitDenied(t *testing.T) {
	g := NewGate(5*time.Second, nil)

	ch := make(chan Result, 1)
	go func() {
		r, _ := g.Await(context.Background(), nil, &Request{ToolCallID: "tc-2", SessionID: "s1", Tool: "exec"})
		ch <- r
	}()

	waitPending(t, g, 1)
	if err := g.Resolve("tc-2", false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if r := <-ch; r.Approved {
		t.Fatalf("result = %+v, want denied", r)
	}
}

func TestAwaitTimesOutAsDenied(t *testing.T) {
	g := NewGate(20*time.Millisecond, nil)

	r, err := g.Await(context.Background(), nil, &Request{ToolCallID: "tc-3", SessionID: "s1", Tool: "exec"})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if r.Approved || r.ResolvedBy != ResolvedByTimeout {
		t.Fatalf("result = %+v, want timeout denial", r)
	}
	if len(g.Pending()) != 0 {
		t.Fatal("timed-out request left pending")
	}
}

func TestAwaitSessionClose(t *testing.T) {
	g := NewGate(5*time.Second, nil)
	done := make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Await(context.Background(), done, &Request{ToolCallID: "tc-4", SessionID: "s1", Tool: "exec"})
		errCh <- err
	}()

	waitPending(t, g, 1)
	close(done)

	err := <-errCh
	if err == nil || !strings.Contains(err.Error(), "session closed") {
		t.Fatalf("err = %v, want session closed error", err)
	}
	if len(g.Pending()) != 0 {
		t.Fatal("cancelled request left pending")
	}
}

func TestAwaitContextCancelled(t *testing.T) {
	g := NewGate(5*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Await(ctx, nil, &Request{ToolCallID: "tc-6", SessionID: "s1", Tool: "exec"})
		errCh <- err
	}()

	waitPending(t, g, 1)
	cancel()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "cancelled") {
			t.Fatalf("err = %v, want cancellation error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after context cancellation")
	}
	if len(g.Pending()) != 0 {
		t.Fatal("cancelled request left pending")
	}
}

func TestResolveUnknownToolCall(t *testing.T) {
	g := NewGate(time.Second, nil)
	if err := g.Resolve("missing", true); err == nil {
		t.Fatal("expected error for unknown tool call id")
	}
}

func TestLateResolveAfterTimeout(t *testing.T) {
	g := NewGate(10*time.Millisecond, nil)

	if _, err := g.Await(context.Background(), nil, &Request{ToolCallID: "tc-5", SessionID: "s1", Tool: "exec"}); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if err := g.Resolve("tc-5", true); err == nil {
		t.Fatal("late resolution should be rejected")
	}
}

func TestDuplicatePendingRejected(t *testing.T) {
	g := NewGate(time.Second, nil)

	go g.Await(context.Background(), nil, &Request{ToolCallID: "dup", SessionID: "s1", Tool: "exec"}) //nolint:errcheck
	waitPending(t, g, 1)

	_, err := g.Await(context.Background(), nil, &Request{ToolCallID: "dup", SessionID: "s1", Tool: "exec"})
	if err == nil {
		t.Fatal("second Await with same tool call id should fail")
	}

	g.Resolve("dup", false) //nolint:errcheck
}

func waitPending(t *testing.T, g *Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.Pending()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending requests", n)
}
