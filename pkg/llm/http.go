package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-enhance/internal/governance"
	"github.com/polisai/polis-enhance/pkg/domain"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

const maxErrorBody = 4 << 10

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url" json:"base_url"`
	// APIKey takes precedence over APIKeyEnv.
	APIKey       string        `yaml:"-" toml:"-" json:"-"`
	APIKeyEnv    string        `yaml:"api_key_env" toml:"api_key_env" json:"api_key_env"`
	DefaultModel string        `yaml:"model" toml:"model" json:"model"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	// Retry is applied around each call. Nil disables retries.
	Retry *governance.RetryConfig `yaml:"retry" toml:"retry" json:"retry"`

	Transport http.RoundTripper `yaml:"-" toml:"-" json:"-"`
	Logger    *slog.Logger      `yaml:"-" toml:"-" json:"-"`
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	retry    *governance.RetryPolicy
	logger   *slog.Logger
}

// NewHTTPClient builds a client. Requests are traced through otelhttp.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	key := cfg.APIKey
	if key == "" {
		env := cfg.APIKeyEnv
		if env == "" {
			env = "OPENAI_API_KEY"
		}
		key = strings.TrimSpace(os.Getenv(env))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &HTTPClient{
		endpoint: base + "/chat/completions",
		apiKey:   key,
		model:    model,
		client:   &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(transport)},
		logger:   logger,
	}
	if cfg.Retry != nil {
		c.retry = governance.NewRetryPolicy(*cfg.Retry)
	}
	return c
}

// Model returns the model used when a prompt names none.
func (c *HTTPClient) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke implements Invoker.
func (c *HTTPClient) Invoke(ctx context.Context, prompt Prompt) (Completion, error) {
	if prompt.Model == "" {
		prompt.Model = c.model
	}
	body, err := json.Marshal(buildRequest(prompt))
	if err != nil {
		return Completion{}, fmt.Errorf("encode chat request: %w", err)
	}

	if c.retry == nil {
		return c.call(ctx, body)
	}
	var out Completion
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.call(ctx, body)
		return callErr
	})
	return out, err
}

func buildRequest(p Prompt) chatRequest {
	req := chatRequest{Model: p.Model, Temperature: max(p.Temperature, 0), MaxTokens: p.MaxTokens}
	if p.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: p.User})
	if p.JSON {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	return req
}

func (c *HTTPClient) call(ctx context.Context, body []byte) (Completion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Completion{}, ctxErr
		}
		return Completion{}, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close llm response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Completion{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, fmt.Errorf("%w: decode chat response: %w", domain.ErrStrategyFailure, err)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: no completion choices returned", domain.ErrStrategyFailure)
	}
	return Completion{
		Content:      decoded.Choices[0].Message.Content,
		Model:        decoded.Model,
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
		FinishReason: decoded.Choices[0].FinishReason,
	}, nil
}

// IsUnavailable reports whether err means the provider could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrUpstreamUnavailable)
}
