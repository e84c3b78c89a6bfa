package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carapace/carapace/internal/llm"
)

func newClassifierWithReply(t *testing.T, reply string) (*Classifier, *string) {
	t.Helper()
	var lastPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) > 0 {
			lastPrompt = req.Messages[len(req.Messages)-1].Content
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return New(llm.NewClient(srv.URL, "k"), "gpt-4o-mini", 0, nil), &lastPrompt
}

func TestClassify_ParsesModelOutput(t *testing.T) {
	c, _ := newClassifierWithReply(t, `{"operation_type": "read_external", "categories": ["web"], "description": "Fetches a URL", "confidence": 0.95}`)

	got := c.Classify(context.Background(), "fetch", map[string]any{"url": "https://x"}, "")
	if got.OperationType != OpReadExternal {
		t.Errorf("operation_type = %q, want read_external", got.OperationType)
	}
	if len(got.Categories) != 1 || got.Categories[0] != "web" {
		t.Errorf("categories = %v", got.Categories)
	}
	if got.Confidence != 0.95 {
		t.Errorf("confidence = %v", got.Confidence)
	}
}

func TestClassify_PromptIncludesToolAndHint(t *testing.T) {
	c, prompt := newClassifierWithReply(t, `{"operation_type": "read_local", "confidence": 1}`)
	c.Classify(context.Background(), "read", map[string]any{"path": "a.txt"}, "from manifest: read-only")

	for _, want := range []string{"Tool: read", `"path":"a.txt"`, "from manifest: read-only"} {
		if !strings.Contains(*prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, *prompt)
		}
	}
}

func TestClassify_UnreachableModelFallsBack(t *testing.T) {
	c := New(llm.NewClient("http://127.0.0.1:1", "k"), "m", 0, nil)
	got := c.Classify(context.Background(), "exec", map[string]any{"command": "rm -rf /"}, "")

	want := ConservativeDefault()
	if got.OperationType != want.OperationType || got.Confidence != 0 {
		t.Errorf("got %+v, want conservative default", got)
	}
}

func TestClassify_MalformedOutputFallsBack(t *testing.T) {
	c, _ := newClassifierWithReply(t, "I think this is probably a read operation.")
	got := c.Classify(context.Background(), "read", nil, "")
	if got.OperationType != OpExecute || got.Confidence != 0 {
		t.Errorf("got %+v, want conservative default", got)
	}
}

func TestClassify_UnknownTypeFallsBack(t *testing.T) {
	c, _ := newClassifierWithReply(t, `{"operation_type": "launch_missiles", "confidence": 1}`)
	got := c.Classify(context.Background(), "x", nil, "")
	if got.OperationType != OpExecute {
		t.Errorf("operation_type = %q, want execute fallback", got.OperationType)
	}
}

func TestNormalize_ClampsConfidence(t *testing.T) {
	got := normalize(Classification{OperationType: OpReadLocal, Confidence: 7})
	if got.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", got.Confidence)
	}
	got = normalize(Classification{OperationType: OpReadLocal, Confidence: -1})
	if got.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", got.Confidence)
	}
	if got.Categories == nil {
		t.Error("nil categories should become empty slice")
	}
}

func TestFormatArgs_Truncation(t *testing.T) {
	long := strings.Repeat("a", 5000)
	out := formatArgs(map[string]any{"data": long}, 100)
	if len(out) > 120 {
		t.Errorf("args not truncated: %d bytes", len(out))
	}
	if !strings.HasSuffix(out, "...(truncated)") {
		t.Errorf("missing truncation marker: %q", out[len(out)-30:])
	}
}
