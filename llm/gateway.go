package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/feedmind/feedmind/telemetry"
)

// ErrMalformedResponse is returned by ChatJSON when no salvage tier
// produced valid JSON. The raw text is preserved in telemetry.
var ErrMalformedResponse = errors.New("llm: no parseable JSON in response")

const (
	maxAttempts        = 3
	baseRetryDelay     = 2 * time.Second
	maxRetryDelay      = 30 * time.Second
	defaultCallTimeout = 60 * time.Second
)

// Gateway is the single call point to the LLM provider. It applies the
// retry policy, per-call timeouts, JSON salvage and telemetry emission
// on behalf of every agent.
type Gateway struct {
	provider    Provider
	recorder    *telemetry.Recorder
	logger      *slog.Logger
	model       string
	maxTokens   int
	callTimeout time.Duration
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithCallTimeout overrides the per-attempt timeout (default 60s).
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.callTimeout = d
		}
	}
}

// WithLogger overrides the gateway logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l.With("component", "llm")
		}
	}
}

// NewGateway wires a provider to the pipeline. recorder may be nil.
func NewGateway(provider Provider, cfg Config, recorder *telemetry.Recorder, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:    provider,
		recorder:    recorder,
		logger:      slog.Default().With("component", "llm"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ChatOptions are the per-call knobs agents set.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Chat sends a chat completion and returns the text content plus token
// usage. Transient failures are retried with exponential backoff.
func (g *Gateway) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, telemetry.TokenUsage, error) {
	start := time.Now()
	resp, retries, err := g.chatWithRetry(ctx, messages, opts)
	usage := usageOf(resp)
	g.record(ctx, telemetry.CallChat, messages, resp, nil, usage, retries, time.Since(start), err)
	if err != nil {
		return "", usage, err
	}
	return resp.Content, usage, nil
}

// ChatJSON sends a chat completion in JSON mode and salvages a JSON
// value from the response. Returns ErrMalformedResponse when every
// salvage tier fails; the raw text is still recorded in telemetry.
func (g *Gateway) ChatJSON(ctx context.Context, messages []Message, opts ChatOptions) (json.RawMessage, telemetry.TokenUsage, error) {
	opts.JSONMode = true
	start := time.Now()
	resp, retries, err := g.chatWithRetry(ctx, messages, opts)
	usage := usageOf(resp)
	if err != nil {
		g.record(ctx, telemetry.CallChatJSON, messages, resp, nil, usage, retries, time.Since(start), err)
		return nil, usage, err
	}

	parsed := ParseJSON(resp.Content)
	if parsed == nil {
		err = ErrMalformedResponse
		g.logger.Warn("llm_call_failed",
			"reason", "malformed_json", "agent", telemetry.AgentFrom(ctx),
			"response_len", len(resp.Content))
	}
	g.record(ctx, telemetry.CallChatJSON, messages, resp, parsed, usage, retries, time.Since(start), err)
	return parsed, usage, err
}

// Embed generates one embedding per input text.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	ctx2, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	vecs, err := g.provider.Embed(ctx2, texts)

	dims := 0
	if len(vecs) > 0 {
		dims = len(vecs[0])
	}
	rec := telemetry.Record{
		CallType:   telemetry.CallEmbedding,
		Model:      g.model,
		Messages:   []telemetry.Message{{Role: "input", Content: head(joinTexts(texts), 1000)}},
		Response:   fmt.Sprintf("[%d vectors x %d dimensions]", len(vecs), dims),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	g.recorder.Record(ctx, rec)
	return vecs, err
}

func (g *Gateway) chatWithRetry(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, int, error) {
	req := ChatRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = g.maxTokens
	}
	if opts.JSONMode {
		req.ResponseFormat = "json_object"
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			g.logger.Warn("llm_call_retrying",
				"attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		resp, err := g.provider.Chat(callCtx, req)
		cancel()
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err

		// Permanent request errors are surfaced immediately.
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, attempt, err
		}
		// Cancellation of the parent context ends the budget; a per-call
		// timeout just consumes one attempt.
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
	}
	return nil, maxAttempts - 1, fmt.Errorf("llm call failed after %d attempts: %w", maxAttempts, lastErr)
}

// backoffDelay grows exponentially from the base and is capped at 30s.
// A Retry-After hint from the provider takes precedence when larger.
func backoffDelay(attempt int, lastErr error) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<(attempt-1))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfterSeconds > 0 {
		if hint := time.Duration(apiErr.RetryAfterSeconds) * time.Second; hint > delay {
			delay = hint
		}
	}
	return delay
}

func (g *Gateway) record(ctx context.Context, callType string, messages []Message, resp *ChatResponse, parsed json.RawMessage, usage telemetry.TokenUsage, retries int, elapsed time.Duration, err error) {
	rec := telemetry.Record{
		CallType:   callType,
		Model:      g.model,
		Messages:   toTelemetryMessages(messages),
		ParsedJSON: parsed,
		TokenUsage: usage,
		RetryCount: retries,
		DurationMS: elapsed.Milliseconds(),
	}
	if resp != nil {
		rec.Response = resp.Content
	}
	if err != nil {
		rec.Error = err.Error()
	}
	g.recorder.Record(ctx, rec)
}

func usageOf(resp *ChatResponse) telemetry.TokenUsage {
	if resp == nil {
		return telemetry.TokenUsage{}
	}
	return telemetry.TokenUsage{
		Prompt:     resp.PromptTokens,
		Completion: resp.CompletionTokens,
		Total:      resp.TotalTokens,
	}
}

func toTelemetryMessages(messages []Message) []telemetry.Message {
	out := make([]telemetry.Message, len(messages))
	for i, m := range messages {
		out[i] = telemetry.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func joinTexts(texts []string) string {
	switch len(texts) {
	case 0:
		return ""
	case 1:
		return texts[0]
	default:
		return texts[0] + fmt.Sprintf(" ... [+%d more]", len(texts)-1)
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
