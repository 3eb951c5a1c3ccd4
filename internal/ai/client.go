// Package ai wraps the model provider behind a narrow interface and provides
// resilient parsing of model JSON output.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"golang.org/x/time/rate"
)

// Typed upstream errors. The orchestrator maps these to failure dispositions
// rather than inspecting provider error strings.
var (
	// ErrUpstreamTimeout is a deadline or transport failure; retryable.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrRateLimited is a provider 429; retryable after backoff.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrUpstreamRejected is a non-retryable provider rejection (auth, bad
	// request, content policy).
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrMalformedResponse means the response could not be parsed after all
	// recovery strategies.
	ErrMalformedResponse = errors.New("malformed model response")
)

// DefaultModel is used when config leaves the model unset.
const DefaultModel = "claude-sonnet-4-5"

// Completion is one model response plus its accounting metadata.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
}

// ModelClient is the minimal surface the classifier and fix generator need.
type ModelClient interface {
	Complete(ctx context.Context, prompt string, maxTokens int64) (*Completion, error)
}

// AnthropicClient implements ModelClient against the Anthropic Messages API.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	limiter *rate.Limiter
}

// AnthropicConfig configures the Anthropic-backed client.
type AnthropicConfig struct {
	Model string
	// RequestsPerMinute caps the outbound call rate. 0 disables the limiter.
	RequestsPerMinute int
}

// NewAnthropicClient creates a client using ANTHROPIC_API_KEY from the
// environment (the SDK reads it by default).
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(),
		model:   model,
		limiter: limiter,
	}
}

// Complete sends a single-turn prompt and returns the concatenated text
// blocks of the response.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string, maxTokens int64) (*Completion, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &Completion{
		Text:         sb.String(),
		Model:        c.model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Latency:      time.Since(start),
	}, nil
}

// classifyProviderError maps SDK errors onto the package's typed errors.
func classifyProviderError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case 408, 500, 502, 503, 504, 529:
			return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		default:
			return fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
		}
	}
	// Transport-level failure without a status code.
	return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
}

// Retryable reports whether the error is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrRateLimited)
}
