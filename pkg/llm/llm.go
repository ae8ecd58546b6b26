// Package llm wraps the OpenAI API for embeddings, blocking chat, JSON-mode
// chat and streaming chat. Every call is paced by a client-side rate limiter,
// guarded by a circuit breaker and bounded by a per-call timeout.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
	"github.com/WessleyAI/pdfstudy/pkg/resilience"
)

const provider = "openai"

// Message roles.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Message is one chat message.
type Message struct {
	Role    string
	Content string
}

// System, User and Assistant build messages.
func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ChatRequest describes one chat completion. Empty Model uses the client's
// chat model.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Options configures a Client.
type Options struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	ChatModel      string
	// Timeout bounds each call. Streams are bounded as a whole.
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

// Client talks to an OpenAI-compatible endpoint.
type Client struct {
	api        *openai.Client
	embedModel string
	chatModel  string
	timeout    time.Duration
	breaker    *resilience.Breaker
	limiter    *resilience.Limiter
	log        *slog.Logger

	calls    *metrics.Counter
	failures *metrics.Counter
	latency  *metrics.Histogram
}

// New creates a Client.
func New(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if opts.ChatModel == "" {
		opts.ChatModel = openai.GPT4oMini
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		embedModel: opts.EmbeddingModel,
		chatModel:  opts.ChatModel,
		timeout:    opts.Timeout,
		breaker:    resilience.NewBreaker(provider, resilience.DefaultBreakerOpts),
		limiter:    resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.RateLimit, Burst: opts.RateBurst}),
		log:        opts.Logger,
		calls:      metrics.Default.Counter("pdfstudy_llm_calls_total", "Provider calls made."),
		failures:   metrics.Default.Counter("pdfstudy_llm_failures_total", "Provider calls that failed."),
		latency:    metrics.Default.Histogram("pdfstudy_llm_call_seconds", "Provider call latency.", nil),
	}
}

// EmbeddingModel returns the configured embedding model.
func (c *Client) EmbeddingModel() string { return c.embedModel }

// Breaker exposes the circuit breaker, mostly for health reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// call runs f with pacing, the breaker and a timeout, and wraps failures
// as provider errors.
func call[T any](ctx context.Context, c *Client, op string, f func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, domain.NewProviderError(provider, op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	c.calls.Inc()
	v, err := resilience.Do(ctx, c.breaker, f)
	c.latency.Since(start)
	if err != nil {
		c.failures.Inc()
		c.log.Debug("provider call failed", "op", op, "duration", time.Since(start), "err", err)
		return zero, domain.NewProviderError(provider, op, err)
	}
	return v, nil
}

// EmbedTexts embeds texts in one request and returns the vectors in input order.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := call(ctx, c, "embed", func(ctx context.Context) (openai.EmbeddingResponse, error) {
		return c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(c.embedModel),
		})
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, domain.NewProviderError(provider, "embed", fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}
	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Embed embeds a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) request(req ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.chatModel
	}
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (c *Client) complete(ctx context.Context, op string, r openai.ChatCompletionRequest) (string, error) {
	resp, err := call(ctx, c, op, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		return c.api.CreateChatCompletion(ctx, r)
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewProviderError(provider, op, errors.New("no choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// Chat runs a blocking completion and returns the reply text.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	return c.complete(ctx, "chat", c.request(req))
}

// ChatJSON runs a completion in JSON mode. The reply is returned raw; callers
// parse and validate it.
func (c *Client) ChatJSON(ctx context.Context, req ChatRequest) (string, error) {
	r := c.request(req)
	r.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	return c.complete(ctx, "chat_json", r)
}

// Stream yields completion deltas. Recv returns io.EOF after the last delta.
type Stream struct {
	s      *openai.ChatCompletionStream
	cancel context.CancelFunc
}

// Recv returns the next content delta, which may be empty.
func (s *Stream) Recv() (string, error) {
	resp, err := s.s.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", domain.NewProviderError(provider, "stream", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

// Close releases the stream.
func (s *Stream) Close() error {
	defer s.cancel()
	return s.s.Close()
}

// ChatStream opens a streaming completion. The caller must Close the stream.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.NewProviderError(provider, "stream", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	r := c.request(req)
	r.Stream = true
	c.calls.Inc()
	s, err := resilience.Do(ctx, c.breaker, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
		return c.api.CreateChatCompletionStream(ctx, r)
	})
	if err != nil {
		cancel()
		c.failures.Inc()
		return nil, domain.NewProviderError(provider, "stream", err)
	}
	return &Stream{s: s, cancel: cancel}, nil
}
