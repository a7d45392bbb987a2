// Package llm wraps the OpenAI-compatible chat-completion endpoint used
// for intent classification.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"golang.org/x/sync/semaphore"
)

// ErrQuota means the completion account has run out of tokens. Like the
// STT variant, it must pause the campaign instead of degrading silently.
var ErrQuota = errors.New("llm quota exhausted")

// Client issues chat completions against an OpenAI-compatible gateway.
type Client struct {
	client  oai.Client
	model   string
	apiKey  string
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration, maxParallel, maxConns int, logger *slog.Logger) *Client {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	if maxConns <= 0 {
		maxConns = 100
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConns,
				MaxIdleConnsPerHost: maxConns,
				IdleConnTimeout:     90 * time.Second,
			},
		}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client:  oai.NewClient(opts...),
		model:   model,
		apiKey:  apiKey,
		sem:     semaphore.NewWeighted(int64(maxParallel)),
		timeout: timeout,
		logger:  logger.With("subsystem", "llm"),
	}
}

// Configured reports whether an API key is present. Without one the flow
// engine relies on fallback tokens only.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Chat sends a single user message and returns the assistant's reply.
func (c *Client) Chat(ctx context.Context, prompt string, temperature float64) (string, error) {
	if c.apiKey == "" {
		return "", nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquiring llm slot: %w", err)
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    []oai.ChatCompletionMessageParamUnion{oai.UserMessage(prompt)},
		Temperature: param.NewOpt(temperature),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if isQuotaError(err) {
			return "", fmt.Errorf("llm completion: %w", ErrQuota)
		}
		return "", fmt.Errorf("llm completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// isQuotaError recognises the gateway's out-of-credit failure modes:
// HTTP 403 or the relay's quota error codes in the message body.
func isQuotaError(err error) bool {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusForbidden {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "pre_consume_token_quota_failed") ||
		strings.Contains(msg, "token quota is not enough") ||
		strings.Contains(msg, "403")
}
