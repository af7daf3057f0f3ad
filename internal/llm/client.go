// Package llm adapts an OpenAI-compatible chat completion backend for
// answer generation, query rewriting and summarisation. Generation runs
// at temperature 0 with a bounded concurrency semaphore; streamed output
// passes through the think-tag filter before anyone sees it.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/metrics"
	"github.com/kworks-ai/docqa/internal/qaerr"
)

// Config mirrors the llm section of the service configuration.
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Temperature   float64
	TopP          float64
	MaxTokens     int
	MaxConcurrent int
	Timeout       time.Duration
}

// Client is the shared chat-completion adapter.
type Client struct {
	api openai.Client
	cfg Config
	sem chan struct{}
	log *zap.Logger
}

// New builds the client. MaxConcurrent bounds simultaneous backend
// calls; callers past the bound wait, and give up with their context.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &Client{
		api: openai.NewClient(opts...),
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrent),
		log: logger,
	}
}

// Options override per-call sampling. Zero values fall back to the
// configured defaults; answer generation pins Temperature 0, TopP 1.
type Options struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// DeterministicOptions returns the sampling used for grounded answers.
func DeterministicOptions(maxTokens int) Options {
	zero, one := 0.0, 1.0
	return Options{Temperature: &zero, TopP: &one, MaxTokens: maxTokens}
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		metrics.LLMInFlight.Inc()
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return qaerr.Wrap(qaerr.KindOverloaded, ctx.Err(), "llm queue full")
		}
		return qaerr.Wrap(qaerr.KindCancelled, ctx.Err(), "llm acquire")
	}
}

func (c *Client) release() {
	<-c.sem
	metrics.LLMInFlight.Dec()
}

func (c *Client) params(system, user string, opts Options) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model: openai.ChatModel(c.cfg.Model),
	}
	temp := c.cfg.Temperature
	if opts.Temperature != nil {
		temp = *opts.Temperature
	}
	p.Temperature = param.NewOpt(temp)
	topP := c.cfg.TopP
	if opts.TopP != nil {
		topP = *opts.TopP
	}
	if topP > 0 {
		p.TopP = param.NewOpt(topP)
	}
	maxTok := c.cfg.MaxTokens
	if opts.MaxTokens > 0 {
		maxTok = opts.MaxTokens
	}
	if maxTok > 0 {
		p.MaxCompletionTokens = param.NewOpt(int64(maxTok))
	}
	return p
}

// Complete runs a whole (non-streaming) completion and returns the
// filtered text.
func (c *Client) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	completion, err := c.api.Chat.Completions.New(ctx, c.params(system, user, opts))
	if err != nil {
		metrics.GenerationDuration.WithLabelValues("whole", statusOf(ctx, err)).Observe(time.Since(start).Seconds())
		return "", c.mapErr(err, ctx)
	}
	metrics.GenerationDuration.WithLabelValues("whole", "ok").Observe(time.Since(start).Seconds())
	if len(completion.Choices) == 0 {
		return "", qaerr.New(qaerr.KindModelUnavailable, "model returned no choices")
	}
	if completion.Usage.CompletionTokens > 0 {
		metrics.GenerationTokens.Observe(float64(completion.Usage.CompletionTokens))
	}

	f := NewThinkFilter()
	text := f.Feed(completion.Choices[0].Message.Content) + f.Flush()
	return text, nil
}

// Stream runs a streaming completion, invoking onDelta for each visible
// chunk after think-tag filtering, and returns the full filtered text.
// onDelta returning an error aborts the stream with that error.
func (c *Client) Stream(ctx context.Context, system, user string, opts Options, onDelta func(string) error) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	stream := c.api.Chat.Completions.NewStreaming(ctx, c.params(system, user, opts))
	defer stream.Close()

	filter := NewThinkFilter()
	var full []byte
	emit := func(s string) error {
		if s == "" {
			return nil
		}
		full = append(full, s...)
		if onDelta != nil {
			return onDelta(s)
		}
		return nil
	}

	for stream.Next() {
		event := stream.Current()
		if len(event.Choices) == 0 {
			continue
		}
		if delta := event.Choices[0].Delta.Content; delta != "" {
			if err := emit(filter.Feed(delta)); err != nil {
				metrics.GenerationDuration.WithLabelValues("stream", "cancelled").Observe(time.Since(start).Seconds())
				metrics.StreamInterruptions.Inc()
				return string(full), err
			}
		}
		if usage := event.Usage.CompletionTokens; usage > 0 {
			metrics.GenerationTokens.Observe(float64(usage))
		}
	}
	if err := stream.Err(); err != nil {
		metrics.GenerationDuration.WithLabelValues("stream", statusOf(ctx, err)).Observe(time.Since(start).Seconds())
		return string(full), c.mapErr(err, ctx)
	}
	if err := emit(filter.Flush()); err != nil {
		metrics.StreamInterruptions.Inc()
		return string(full), err
	}
	metrics.GenerationDuration.WithLabelValues("stream", "ok").Observe(time.Since(start).Seconds())
	return string(full), nil
}

func statusOf(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func (c *Client) mapErr(err error, ctx context.Context) error {
	switch {
	case errors.Is(err, context.Canceled):
		return qaerr.Wrap(qaerr.KindCancelled, err, "generation cancelled")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return qaerr.Wrap(qaerr.KindTimeout, err, "generation timed out")
	default:
		c.log.Warn("llm backend error", zap.Error(err))
		return qaerr.Wrap(qaerr.KindModelUnavailable, err, "llm backend")
	}
}
