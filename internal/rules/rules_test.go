package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleRules = `rules:
  - id: no-write-after-web
    trigger: "the agent has read content from the internet"
    effect: "write operations require approval"
    mode: approve
    description: "Writes after web reads need approval."
  - id: block-secrets
    trigger: always
    effect: "reading credential files is forbidden"
    mode: block
    description: "Never read credential files."
`

func TestParse_ValidRules(t *testing.T) {
	rs, err := Parse([]byte(sampleRules), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if rs.Len() != 2 {
		t.Fatalf("len = %d, want 2", rs.Len())
	}

	all := rs.All()
	if all[0].ID != "no-write-after-web" || all[1].ID != "block-secrets" {
		t.Errorf("file order not preserved: %s, %s", all[0].ID, all[1].ID)
	}

	r, ok := rs.Get("block-secrets")
	if !ok {
		t.Fatal("Get failed for block-secrets")
	}
	if !r.IsAlways() {
		t.Error("block-secrets should be an always-rule")
	}
	if r.Mode != ModeBlock {
		t.Errorf("mode = %q, want block", r.Mode)
	}
}

func TestParse_DefaultsToApprove(t *testing.T) {
	data := "rules:\n  - id: r1\n    trigger: always\n    effect: something\n"
	rs, err := Parse([]byte(data), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	r, _ := rs.Get("r1")
	if r.Mode != ModeApprove {
		t.Errorf("mode = %q, want approve default", r.Mode)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"duplicate id": "rules:\n  - {id: a, trigger: always, effect: x}\n  - {id: a, trigger: always, effect: y}\n",
		"missing id":   "rules:\n  - {trigger: always, effect: x}\n",
		"bad mode":     "rules:\n  - {id: a, trigger: always, effect: x, mode: throttle}\n",
		"no trigger":   "rules:\n  - {id: a, effect: x}\n",
		"not yaml":     "rules: [unterminated",
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data), nil); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	rs, err := Parse([]byte(sampleRules), nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := rs.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	rs2, err := Parse(out, nil)
	if err != nil {
		t.Fatalf("re-Parse failed: %v", err)
	}
	if rs2.Len() != rs.Len() {
		t.Fatalf("round trip changed rule count: %d != %d", rs2.Len(), rs.Len())
	}
	for i, r := range rs.All() {
		r2 := rs2.All()[i]
		if r.ID != r2.ID || r.Trigger != r2.Trigger || r.Effect != r2.Effect || r.Mode != r2.Mode {
			t.Errorf("rule %d differs after round trip: %+v != %+v", i, r, r2)
		}
	}
}

func TestLoad_MissingFileIsEmptySet(t *testing.T) {
	rs, err := Load(filepath.Join(t.TempDir(), "rules.yaml"), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rs.Len() != 0 {
		t.Errorf("len = %d, want 0", rs.Len())
	}
}

func TestStore_FailedReloadKeepsRunningSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, nil, nil)
	if err := store.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if store.Snapshot().Len() != 2 {
		t.Fatalf("snapshot len = %d, want 2", store.Snapshot().Len())
	}

	if err := os.WriteFile(path, []byte("rules: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Load(); err == nil {
		t.Fatal("expected load error for malformed rules")
	}
	if store.Snapshot().Len() != 2 {
		t.Errorf("running snapshot lost after failed reload: len = %d", store.Snapshot().Len())
	}
}

func TestStore_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, nil, nil)
	if err := store.Load(); err != nil {
		t.Fatal(err)
	}
	if err := store.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer store.StopWatch()

	extended := sampleRules + "  - id: extra\n    trigger: always\n    effect: anything\n    mode: approve\n"
	if err := os.WriteFile(path, []byte(extended), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if store.Snapshot().Len() == 3 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("snapshot not reloaded, len = %d", store.Snapshot().Len())
}

func TestCEL_CompileAndEvaluate(t *testing.T) {
	eval, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("NewCELEvaluator failed: %v", err)
	}

	cond, err := eval.Compile(`operation.type == "write_local" && tool.name.startsWith("write")`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	matched, err := eval.Evaluate(cond, Operation{Type: "write_local", Tool: "write_file"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !matched {
		t.Error("condition should match write_local/write_file")
	}

	matched, err = eval.Evaluate(cond, Operation{Type: "read_local", Tool: "read"})
	if err != nil {
		t.Fatal(err)
	}
	if matched {
		t.Error("condition should not match read_local")
	}
}

func TestCEL_Categories(t *testing.T) {
	eval, err := NewCELEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	cond, err := eval.Compile(`"finance" in operation.categories`)
	if err != nil {
		t.Fatal(err)
	}
	matched, err := eval.Evaluate(cond, Operation{Type: "read_sensitive", Categories: []string{"finance", "documents"}})
	if err != nil {
		t.Fatal(err)
	}
	if !matched {
		t.Error("category membership should match")
	}
	// Nil categories must not panic.
	if _, err := eval.Evaluate(cond, Operation{Type: "execute"}); err != nil {
		t.Errorf("nil categories errored: %v", err)
	}
}

func TestCEL_RejectsNonBool(t *testing.T) {
	eval, err := NewCELEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eval.Compile(`operation.type`); err == nil {
		t.Error("non-bool expression should fail to compile")
	}
	if _, err := eval.Compile(`operation.`); err == nil {
		t.Error("syntax error should fail to compile")
	}
}

func TestParse_CompilesConditions(t *testing.T) {
	eval, err := NewCELEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	data := `rules:
  - id: skill-writes
    trigger: always
    effect: "writes under skills/ need approval"
    mode: approve
    condition: 'operation.type == "skill_modify"'
`
	rs, err := Parse([]byte(data), eval)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	r, _ := rs.Get("skill-writes")
	if r.CompiledCondition() == nil {
		t.Fatal("condition not compiled")
	}

	bad := strings.Replace(data, `operation.type == "skill_modify"`, "operation.nope", 1)
	if _, err := Parse([]byte(bad), eval); err == nil {
		t.Error("invalid condition should fail the whole load")
	}
}
