package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/secretvault/interfaces"
)

// Completer produces chat completions for a gateway.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Models(ctx context.Context) ([]Model, error)
}

// EchoCompleter answers every request with the last user message. It backs
// gateways running without an upstream model server.
type EchoCompleter struct {
	ModelIDs []string
	Now      func() time.Time
}

func (e *EchoCompleter) Models(context.Context) ([]Model, error) {
	out := make([]Model, len(e.ModelIDs))
	for i, id := range e.ModelIDs {
		out[i] = Model{ID: id, Object: "model", OwnedBy: "echo"}
	}
	return out, nil
}

func (e *EchoCompleter) Complete(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	if len(e.ModelIDs) > 0 && !slices.Contains(e.ModelIDs, req.Model) {
		return nil, fmt.Errorf("%w: model %q", interfaces.ErrNotFound, req.Model)
	}

	var prompt string
	for _, m := range req.Messages {
		if m.Role == "user" {
			prompt = m.Content
		}
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}

	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += len(strings.Fields(m.Content))
	}
	completionTokens := len(strings.Fields(prompt))
	return &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: prompt},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// UpstreamCompleter forwards to an OpenAI compatible server.
type UpstreamCompleter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewUpstreamCompleter creates a completer for the server at baseURL (for
// example http://localhost:8000/v1). apiKey may be empty.
func NewUpstreamCompleter(baseURL, apiKey string, timeout ...time.Duration) *UpstreamCompleter {
	clientTimeout := 2 * time.Minute
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &UpstreamCompleter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

func (u *UpstreamCompleter) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := u.do(ctx, http.MethodPost, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (u *UpstreamCompleter) Models(ctx context.Context) ([]Model, error) {
	var list ModelList
	if err := u.do(ctx, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// UpstreamError is a non 2xx answer of the upstream server.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

func (u *UpstreamCompleter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("could not read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse upstream response: %w", err)
	}
	return nil
}
