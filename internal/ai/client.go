package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/kastel/remedia/pkg/schema"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = time.Second
)

// Client wraps an llms.Model with retry and JSON extraction. Models are
// prompted for strict JSON but routinely wrap it in prose; CompleteJSON
// cuts out the first balanced object before unmarshalling.
type Client struct {
	model      llms.Model
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetries overrides the retry count.
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoff overrides the base backoff between retries.
func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.backoff = d }
}

// NewClient creates a client over the given model.
func NewClient(model llms.Model, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		model:      model,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends a single prompt and returns the raw completion.
// Transient failures are retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			c.logger.Warn("model call failed, retrying",
				"attempt", attempt, "max", c.maxRetries, "delay", delay, "err", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", schema.NewErrorf(schema.ErrCodeExternal, "model call failed after %d retries", c.maxRetries).WithCause(lastErr)
}

// CompleteJSON sends a prompt and unmarshals the first JSON object found
// in the completion into out.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, out any) error {
	text, err := c.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	raw, ok := extractJSONObject(text)
	if !ok {
		return schema.NewError(schema.ErrCodeExternal, "completion carries no JSON object").
			WithDetails(map[string]any{"completion": truncate(text, 500)})
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return schema.NewError(schema.ErrCodeExternal, "completion JSON is malformed").
			WithCause(err).
			WithDetails(map[string]any{"completion": truncate(text, 500)})
	}
	return nil
}

// extractJSONObject returns the substring from the first '{' to the last
// '}' inclusive, when both are present.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
