// Package llmclient provides a typed HTTP adapter to the external LLM
// service (§6): one call interface, given a model name, a system prompt,
// and an ordered conversation, returning a textual reply. Surfaces HTTP 429
// as a distinguished rate-limit signal for the Agent Loop to handle.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Message is a single turn in the conversation sent to the LLM.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// RateLimitError is returned when the LLM service reports HTTP 429.
// The Agent Loop handles this by sleeping and retrying the same turn,
// without consuming the turn budget (spec §4.4 step 4a, §7).
type RateLimitError struct{}

func (e *RateLimitError) Error() string { return "llm service rate limit exceeded (HTTP 429)" }

// CallError wraps any other LLM adapter failure.
type CallError struct {
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm call failed: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("llm call failed: %v", e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Client is a typed HTTP client for the LLM service.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates an LLM client against baseURL using the given model.
// The per-call timeout is 60s (spec §5).
func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	Messages     []Message `json:"messages"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

// Generate sends the system prompt and conversation to the LLM service and
// returns its textual reply.
func (c *Client) Generate(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	reqBody, err := json.Marshal(generateRequest{
		Model:        c.model,
		SystemPrompt: systemPrompt,
		Messages:     messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &CallError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &RateLimitError{}
	}
	if resp.StatusCode/100 != 2 {
		return "", &CallError{StatusCode: resp.StatusCode}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return out.Reply, nil
}

// IsRateLimit reports whether err is a rate-limit signal from the LLM service.
func IsRateLimit(err error) bool {
	_, ok := err.(*RateLimitError)
	return ok
}
