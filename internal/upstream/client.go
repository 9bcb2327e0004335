// Package upstream calls the OpenAI-compatible chat completions endpoint.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// DefaultModel is the model requested when none is configured.
const DefaultModel = "o1"

// maxErrorBodyBytes caps the upstream body read on failures.
const maxErrorBodyBytes = 1024

// ErrUnavailable indicates the upstream call failed for any reason.
var ErrUnavailable = errors.New("upstream unavailable")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Messages        []Message
	ReasoningEffort string
}

// Usage is the token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64 // Reasoning included.
	TotalTokens      int64
	ReasoningTokens  int64
}

// Response is a completed chat call.
type Response struct {
	ID      string
	Model   string
	Content string
	Usage   Usage
	Latency time.Duration
}

// Client performs chat completions.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Error carries the detail of a failed upstream call. It unwraps to ErrUnavailable.
type Error struct {
	StatusCode int
	Body       []byte
	Cause      error
	Latency    time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream unavailable: status %d", e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("upstream unavailable: %v", e.Cause)
	default:
		return ErrUnavailable.Error()
	}
}

func (e *Error) Unwrap() error { return ErrUnavailable }

// OpenAIClient talks to an OpenAI-compatible API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ Client = (*OpenAIClient)(nil)

// Option configures the client.
type Option func(*OpenAIClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OpenAIClient) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithModel overrides the requested model.
func WithModel(model string) Option {
	return func(o *OpenAIClient) {
		if strings.TrimSpace(model) != "" {
			o.model = strings.TrimSpace(model)
		}
	}
}

// NewOpenAIClient creates a client for baseURL, e.g. https://api.openai.com/v1.
func NewOpenAIClient(baseURL, apiKey string, opts ...Option) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name sent upstream.
func (c *OpenAIClient) Model() string { return c.model }

type apiResponseFormat struct {
	Type string `json:"type"`
}

// apiRequest is the chat completion request format.
type apiRequest struct {
	Model           string            `json:"model"`
	Messages        []Message         `json:"messages"`
	ResponseFormat  apiResponseFormat `json:"response_format"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
}

// apiResponse is the chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens            int64 `json:"prompt_tokens"`
		CompletionTokens        int64 `json:"completion_tokens"`
		TotalTokens             int64 `json:"total_tokens"`
		CompletionTokensDetails *struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

// Complete sends req and waits for the full response.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(apiRequest{
		Model:           c.model,
		Messages:        req.Messages,
		ResponseFormat:  apiResponseFormat{Type: "text"},
		ReasoningEffort: req.ReasoningEffort,
	})
	if err != nil {
		return Response{}, &Error{Cause: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, &Error{Cause: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &Error{Cause: err, Latency: time.Since(start)}
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		return Response{}, &Error{StatusCode: httpResp.StatusCode, Body: errBody, Latency: time.Since(start)}
	}

	var resp apiResponse
	if errDecode := json.NewDecoder(httpResp.Body).Decode(&resp); errDecode != nil {
		return Response{}, &Error{Cause: fmt.Errorf("decode response: %w", errDecode), Latency: time.Since(start)}
	}
	latency := time.Since(start)
	if len(resp.Choices) == 0 {
		return Response{}, &Error{Cause: errors.New("empty choices in response"), Latency: latency}
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if resp.Usage.CompletionTokensDetails != nil {
		usage.ReasoningTokens = resp.Usage.CompletionTokensDetails.ReasoningTokens
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: resp.Choices[0].Message.Content,
		Usage:   usage,
		Latency: latency,
	}, nil
}
