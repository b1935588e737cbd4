package assistant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	defaultBaseURL      = "https://api.openai.com/v1/chat/completions"
	defaultModel        = "gpt-4o-mini"
	defaultMaxRetries   = 3
	defaultInitialDelay = 1 * time.Second
)

// Request is one prompt sent to the generation service.
type Request struct {
	Prompt   string
	JSONMode bool
}

// Generator produces raw text for a prompt. It enforces no schema on the result.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ClientConfig configures an OpenAI-compatible chat completions client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client is a Generator backed by an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	client       *http.Client
	maxRetries   int
	initialDelay time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		model:        cfg.Model,
		client:       &http.Client{Timeout: cfg.Timeout},
		maxRetries:   defaultMaxRetries,
		initialDelay: defaultInitialDelay,
	}
}

// Generate sends the prompt as a single user message. Rate limits and server errors are
// retried with exponential backoff.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("generation api key not set")
	}
	body := chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := sonic.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.initialDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response body: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var apiErr apiError
			if sonic.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
				lastErr = fmt.Errorf("generation api error (%d): %s", resp.StatusCode, apiErr.Error.Message)
			} else {
				lastErr = fmt.Errorf("generation api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return "", lastErr
		}

		var out chatResponse
		if err := sonic.Unmarshal(respBody, &out); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if len(out.Choices) == 0 {
			return "", fmt.Errorf("generation api returned no choices")
		}
		return out.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}
