package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestCreateAndLoad(t *testing.T) {
	m := newTestManager(t)

	state, err := m.Create("web", "conn-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if state.SessionID == "" {
		t.Fatal("empty session id")
	}
	if state.ChannelType != "web" {
		t.Errorf("channel_type = %q", state.ChannelType)
	}

	loaded, err := m.LoadState(state.SessionID)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if loaded.SessionID != state.SessionID {
		t.Errorf("loaded id = %q, want %q", loaded.SessionID, state.SessionID)
	}
}

func TestStateRoundTripPreservesSets(t *testing.T) {
	m := newTestManager(t)
	state, err := m.Create("cli", "")
	if err != nil {
		t.Fatal(err)
	}

	h, err := m.Open(context.Background(), state.SessionID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h.State().Activate("rule-a")
	h.State().Activate("rule-b")
	h.State().Disable("rule-c")
	h.State().ApproveOperation("sig-1")
	h.State().ApprovedCredentials = []string{"github"}
	if err := h.SaveState(); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	h.Close()

	loaded, err := m.LoadState(state.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.ActivatedRules) != 2 || loaded.ActivatedRules[0] != "rule-a" || loaded.ActivatedRules[1] != "rule-b" {
		t.Errorf("activated_rules = %v", loaded.ActivatedRules)
	}
	if !loaded.IsDisabled("rule-c") {
		t.Error("disabled_rules lost")
	}
	if !loaded.IsApprovedOperation("sig-1") {
		t.Error("approved_operations lost")
	}
	if len(loaded.ApprovedCredentials) != 1 || loaded.ApprovedCredentials[0] != "github" {
		t.Errorf("approved_credentials = %v", loaded.ApprovedCredentials)
	}
}

func TestOpen_ExclusiveLock(t *testing.T) {
	m := newTestManager(t)
	state, _ := m.Create("cli", "")

	h1, err := m.Open(context.Background(), state.SessionID)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Open(ctx, state.SessionID); err == nil {
		t.Fatal("second Open should block until timeout while lock is held")
	}

	h1.Close()

	h2, err := m.Open(context.Background(), state.SessionID)
	if err != nil {
		t.Fatalf("Open after release failed: %v", err)
	}
	h2.Close()
}

func TestOpen_NotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Open(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHistory_OrderPreserved(t *testing.T) {
	m := newTestManager(t)
	state, _ := m.Create("cli", "")

	h, err := m.Open(context.Background(), state.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	kinds := []string{EntryUserMessage, EntryToolCall, EntryClassification, EntryApprovalRequest, EntryApprovalResponse, EntryAssistantMessage}
	for i, k := range kinds {
		if err := h.AppendHistory(HistoryEntry{Kind: k, Content: string(rune('a' + i))}); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	entries, err := m.LoadHistory(state.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(kinds) {
		t.Fatalf("len = %d, want %d", len(entries), len(kinds))
	}
	for i, e := range entries {
		if e.Kind != kinds[i] {
			t.Errorf("entry %d kind = %q, want %q", i, e.Kind, kinds[i])
		}
	}
}

func TestHistory_ToleratesTornTrailingLine(t *testing.T) {
	m := newTestManager(t)
	state, _ := m.Create("cli", "")

	h, _ := m.Open(context.Background(), state.SessionID)
	_ = h.AppendHistory(HistoryEntry{Kind: EntryUserMessage, Content: "hello"})
	h.Close()

	// Simulate a crash mid-append.
	path := filepath.Join(m.sessionDir(state.SessionID), historyFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"time":"2026-01-01T0`)
	_ = f.Close()

	entries, err := m.LoadHistory(state.SessionID)
	if err != nil {
		t.Fatalf("LoadHistory failed on torn log: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "hello" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestCrashBetweenHistoryAndState(t *testing.T) {
	// History is appended, then the process dies before the state rewrite.
	// On reload: state is the pre-operation state, history keeps the entry.
	m := newTestManager(t)
	state, _ := m.Create("cli", "")

	h, _ := m.Open(context.Background(), state.SessionID)
	_ = h.AppendHistory(HistoryEntry{Kind: EntryToolCall, Tool: "write_file"})
	h.State().Activate("rule-x")
	// No SaveState: crash.
	h.Close()

	reloaded, err := m.LoadState(state.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.HasActivated("rule-x") {
		t.Error("state change visible despite crash before rewrite")
	}
	entries, _ := m.LoadHistory(state.SessionID)
	if len(entries) != 1 || entries[0].Tool != "write_file" {
		t.Errorf("appended history entry lost: %+v", entries)
	}
}

func TestList_SortedByLastActive(t *testing.T) {
	m := newTestManager(t)
	a, _ := m.Create("cli", "")
	b, _ := m.Create("web", "")

	// Make a the most recently active.
	time.Sleep(5 * time.Millisecond)
	if err := m.Touch(context.Background(), a.SessionID); err != nil {
		t.Fatal(err)
	}

	infos, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d, want 2", len(infos))
	}
	if infos[0].SessionID != a.SessionID {
		t.Errorf("most recent first: got %q, want %q", infos[0].SessionID, a.SessionID)
	}
	if infos[1].SessionID != b.SessionID {
		t.Errorf("second = %q, want %q", infos[1].SessionID, b.SessionID)
	}
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	state, _ := m.Create("cli", "")

	if err := m.Delete(state.SessionID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.LoadState(state.SessionID); err != ErrNotFound {
		t.Errorf("LoadState after delete = %v, want ErrNotFound", err)
	}
	if err := m.Delete(state.SessionID); err != ErrNotFound {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestDelete_CancelsInFlight(t *testing.T) {
	m := newTestManager(t)
	state, _ := m.Create("cli", "")

	h, err := m.Open(context.Background(), state.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	done := make(chan struct{})
	go func() {
		<-h.Context().Done()
		close(done)
	}()

	if err := m.Delete(state.SessionID); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight handle not cancelled by delete")
	}
}

func TestReset_SeversState(t *testing.T) {
	m := newTestManager(t)
	state, _ := m.Create("web", "conn-9")

	h, _ := m.Open(context.Background(), state.SessionID)
	h.State().Activate("rule-a")
	h.State().ApproveOperation("sig-1")
	_ = h.SaveState()
	h.Close()

	fresh, err := m.Reset(state.SessionID)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if fresh.SessionID == state.SessionID {
		t.Fatal("reset did not allocate a new id")
	}
	if fresh.ChannelType != "web" || fresh.ChannelRef != "conn-9" {
		t.Errorf("channel not carried over: %q/%q", fresh.ChannelType, fresh.ChannelRef)
	}
	if len(fresh.ActivatedRules) != 0 || len(fresh.ApprovedOperations) != 0 {
		t.Error("activation state leaked across reset")
	}

	// Old session is retired but kept on disk for audit.
	old, err := m.LoadState(state.SessionID)
	if err != nil {
		t.Fatalf("old session gone after reset: %v", err)
	}
	if !old.Retired {
		t.Error("old session not marked retired")
	}
	if old.ResetTo != fresh.SessionID {
		t.Errorf("reset_to = %q, want %q", old.ResetTo, fresh.SessionID)
	}
}

func TestReset_RetireMarkerSurvivesLockHolder(t *testing.T) {
	// A turn holding the lock may finish with a SaveState; the retire
	// marker must be written after that save, not racing it.
	m := newTestManager(t)
	state, _ := m.Create("cli", "")

	h, err := m.Open(context.Background(), state.SessionID)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		fresh *State
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		fresh, err := m.Reset(state.SessionID)
		ch <- result{fresh, err}
	}()

	// Reset cancels in-flight work before taking the lock.
	select {
	case <-h.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not cancel the in-flight handle")
	}

	h.State().Activate("rule-a")
	if err := h.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	h.Close()

	r := <-ch
	if r.err != nil {
		t.Fatalf("Reset: %v", r.err)
	}

	old, err := m.LoadState(state.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if !old.Retired {
		t.Error("retire marker overwritten by the lock holder's save")
	}
	if old.ResetTo != r.fresh.SessionID {
		t.Errorf("reset_to = %q, want %q", old.ResetTo, r.fresh.SessionID)
	}
	if !old.HasActivated("rule-a") {
		t.Error("lock holder's save lost")
	}
}

func TestTouchUpdatesLastActive(t *testing.T) {
	m := newTestManager(t)
	state, _ := m.Create("cli", "")
	before := state.LastActive

	time.Sleep(5 * time.Millisecond)
	if err := m.Touch(context.Background(), state.SessionID); err != nil {
		t.Fatal(err)
	}

	loaded, err := m.LoadState(state.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.LastActive.After(before) {
		t.Errorf("last_active = %v, want later than %v", loaded.LastActive, before)
	}
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(t)
	old, _ := m.Create("cli", "")
	fresh, _ := m.Create("cli", "")

	// Age the old session by rewriting its state directly.
	state, _ := m.LoadState(old.SessionID)
	state.LastActive = time.Now().UTC().Add(-100 * 24 * time.Hour)
	if err := m.writeState(state); err != nil {
		t.Fatal(err)
	}

	removed, err := m.SweepExpired(90 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := m.LoadState(old.SessionID); err != ErrNotFound {
		t.Error("expired session survived sweep")
	}
	if _, err := m.LoadState(fresh.SessionID); err != nil {
		t.Error("fresh session removed by sweep")
	}
}

func TestCache_InvalidateEffects(t *testing.T) {
	m := newTestManager(t)
	state, _ := m.Create("cli", "")

	h, _ := m.Open(context.Background(), state.SessionID)
	defer h.Close()

	c := h.Cache()
	c.SetTrigger("t1", true)
	c.SetEffect("e1", true)
	c.InvalidateEffects()

	if _, ok := c.Effect("e1"); ok {
		t.Error("effect cache survived invalidation")
	}
	if v, ok := c.Trigger("t1"); !ok || !v {
		t.Error("trigger cache should survive invalidation")
	}
}
