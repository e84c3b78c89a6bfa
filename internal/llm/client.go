// Package llm is a minimal client for OpenAI-compatible chat completion
// APIs. The security pipeline depends on it for classification and rule
// evaluation; the agent loop uses the tool-calling surface. All responses
// are plain JSON over HTTP, no SDK.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// EnvAPIKey holds the API key for the model provider.
	EnvAPIKey = "CARAPACE_LLM_API_KEY"
	// EnvBaseURL overrides the API base URL (defaults to OpenAI).
	EnvBaseURL = "CARAPACE_LLM_BASE_URL"

	defaultBaseURL = "https://api.openai.com/v1"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client. Empty baseURL or apiKey fall back to the
// CARAPACE_LLM_BASE_URL and CARAPACE_LLM_API_KEY environment variables.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv(EnvBaseURL)
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if apiKey == "" {
		apiKey = os.Getenv(EnvAPIKey)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Message is a single chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON-encoded args
	} `json:"function"`
}

// Tool declares a callable tool to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a tool's name, purpose, and parameter schema.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a chat completions request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response is the parsed chat completions response.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a chat completions request and returns the first choice.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s environment variable is not set", EnvAPIKey)
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		errMsg := fmt.Sprintf("status %d", resp.StatusCode)
		if result.Error != nil {
			errMsg += ": " + result.Error.Message
		}
		return nil, fmt.Errorf("LLM API error: %s", errMsg)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	msg := result.Choices[0].Message
	return &Response{
		Content:   strings.TrimSpace(msg.Content),
		ToolCalls: msg.ToolCalls,
	}, nil
}

// Complete is the single-shot convenience used by the security pipeline:
// one system prompt, one user prompt, low temperature, text answer.
func (c *Client) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.Chat(ctx, Request{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.1,
		MaxTokens:   512,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// CompleteJSON runs Complete and unmarshals the answer into out, tolerating
// markdown fencing and surrounding prose around the JSON object.
func (c *Client) CompleteJSON(ctx context.Context, model, systemPrompt, userPrompt string, out any) error {
	raw, err := c.Complete(ctx, model, systemPrompt, userPrompt)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), out); err != nil {
		return fmt.Errorf("invalid JSON in model response: %w (raw: %s)", err, truncate(raw, 200))
	}
	return nil
}

// CompleteBool runs Complete and interprets the answer as a yes/no.
func (c *Client) CompleteBool(ctx context.Context, model, systemPrompt, userPrompt string) (bool, error) {
	raw, err := c.Complete(ctx, model, systemPrompt, userPrompt)
	if err != nil {
		return false, err
	}
	return ParseBool(raw)
}

// ExtractJSON strips any surrounding text to isolate the first JSON object
// in a model response.
func ExtractJSON(raw string) string {
	cleaned := raw
	if idx := strings.Index(cleaned, "{"); idx >= 0 {
		cleaned = cleaned[idx:]
	}
	if idx := strings.LastIndex(cleaned, "}"); idx >= 0 {
		cleaned = cleaned[:idx+1]
	}
	return cleaned
}

// ParseBool interprets a model answer as a boolean. Accepts true/false,
// yes/no in any casing, possibly followed by punctuation or explanation.
func ParseBool(raw string) (bool, error) {
	word := strings.ToLower(strings.TrimSpace(raw))
	for _, cut := range []string{".", ",", ":", "\n", " "} {
		if idx := strings.Index(word, cut); idx > 0 {
			word = word[:idx]
		}
	}
	switch word {
	case "true", "yes":
		return true, nil
	case "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("model answer is not a boolean: %s", truncate(raw, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
