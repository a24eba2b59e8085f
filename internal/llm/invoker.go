// Package llm presents the three chat providers behind one Invoker
// interface and normalizes their failures into *model.ProviderError so the
// pipeline never handles provider-specific error shapes.
package llm

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/internal/schema"
	"github.com/sells-group/mapeval-cli/pkg/anthropic"
	"github.com/sells-group/mapeval-cli/pkg/ollama"
	"github.com/sells-group/mapeval-cli/pkg/openai"
)

// Chat roles shared by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Request is a provider-neutral chat completion request.
type Request struct {
	Model      string
	System     string
	Messages   []Message
	MaxTokens  int
	OutputMode model.OutputMode
	Tier       model.Tier // backs the schema for structured-output modes
}

// Output is the normalized completion result.
type Output struct {
	Raw     string
	Usage   model.TokenUsage
	Latency time.Duration
}

// Invoker performs one chat completion against a single provider.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Output, error)
	Provider() model.Provider
}

// Option configures an invoker.
type Option func(*settings)

type settings struct {
	timeout time.Duration
	limiter *rate.Limiter
}

// WithTimeout bounds each Invoke call (default 2 minutes).
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRateLimit throttles Invoke calls to rps requests per second.
func WithRateLimit(rps float64) Option {
	return func(s *settings) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{timeout: 2 * time.Minute}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// wrap normalizes any provider failure. Deadline and network timeouts are
// flagged so the pipeline can treat them as transient.
func wrap(err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if !timeout && errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &model.ProviderError{Err: err, Timeout: timeout}
}

func (s settings) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, nil, wrap(err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return ctx, cancel, nil
}

type anthropicInvoker struct {
	client anthropic.Client
	s      settings
}

// NewAnthropic wraps an Anthropic client as an Invoker. Anthropic has no
// native structured-output switch, so output mode only shapes the prompt.
func NewAnthropic(client anthropic.Client, opts ...Option) Invoker {
	return &anthropicInvoker{client: client, s: newSettings(opts)}
}

func (a *anthropicInvoker) Provider() model.Provider { return model.ProviderAnthropic }

func (a *anthropicInvoker) Invoke(ctx context.Context, req Request) (*Output, error) {
	ctx, cancel, err := a.s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	msgs := make([]anthropic.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, anthropic.Message{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     req.Model,
		MaxTokens: int64(req.MaxTokens),
		System:    req.System,
		Messages:  msgs,
	})
	if err != nil {
		return nil, wrap(err)
	}

	usage := model.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	zap.L().Debug("anthropic completion",
		zap.String("model", resp.Model),
		zap.String("stop_reason", resp.StopReason),
		zap.Int64("total_tokens", usage.TotalTokens))
	resp.Usage.LogCost(resp.Model)

	return &Output{Raw: resp.Text, Usage: usage, Latency: time.Since(start)}, nil
}

type openaiInvoker struct {
	client openai.Client
	s      settings
}

// NewOpenAI wraps an OpenAI-compatible client as an Invoker.
func NewOpenAI(client openai.Client, opts ...Option) Invoker {
	return &openaiInvoker{client: client, s: newSettings(opts)}
}

func (o *openaiInvoker) Provider() model.Provider { return model.ProviderOpenAI }

func (o *openaiInvoker) Invoke(ctx context.Context, req Request) (*Output, error) {
	ctx, cancel, err := o.s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	msgs := make([]openai.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.Message{Role: m.Role, Content: m.Content})
	}

	creq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		creq.MaxTokens = &mt
	}
	switch req.OutputMode {
	case model.OutputJSONObject:
		creq.ResponseFormat = &openai.ResponseFormat{Type: "json_object"}
	case model.OutputJSONSchema:
		creq.ResponseFormat = &openai.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &openai.JSONSchemaSpec{
				Name:   "machine_day_record",
				Strict: true,
				Schema: schema.JSONSchema(req.Tier),
			},
		}
	}

	start := time.Now()
	resp, err := o.client.ChatCompletion(ctx, creq)
	if err != nil {
		return nil, wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, wrap(errors.New("completion returned no choices"))
	}

	usage := model.TokenUsage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
	}
	zap.L().Debug("openai completion",
		zap.String("model", req.Model),
		zap.String("finish_reason", resp.Choices[0].FinishReason),
		zap.Int64("total_tokens", usage.TotalTokens))

	return &Output{Raw: resp.Choices[0].Message.Content, Usage: usage, Latency: time.Since(start)}, nil
}

type ollamaInvoker struct {
	client ollama.Client
	s      settings
}

// NewOllama wraps a local Ollama client as an Invoker. Ollama only supports
// the json_object constraint; json_schema degrades to it.
func NewOllama(client ollama.Client, opts ...Option) Invoker {
	return &ollamaInvoker{client: client, s: newSettings(opts)}
}

func (l *ollamaInvoker) Provider() model.Provider { return model.ProviderOllama }

func (l *ollamaInvoker) Invoke(ctx context.Context, req Request) (*Output, error) {
	ctx, cancel, err := l.s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	msgs := make([]ollama.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, ollama.Message{Role: m.Role, Content: m.Content})
	}

	creq := ollama.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   false,
	}
	if req.OutputMode == model.OutputJSONObject || req.OutputMode == model.OutputJSONSchema {
		creq.Format = "json"
	}
	if req.MaxTokens > 0 {
		creq.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	start := time.Now()
	resp, err := l.client.Chat(ctx, creq)
	if err != nil {
		return nil, wrap(err)
	}

	usage := model.TokenUsage{
		InputTokens:  int64(resp.PromptEvalCount),
		OutputTokens: int64(resp.EvalCount),
		TotalTokens:  int64(resp.PromptEvalCount + resp.EvalCount),
	}
	zap.L().Debug("ollama completion",
		zap.String("model", req.Model),
		zap.Int64("total_tokens", usage.TotalTokens))

	return &Output{Raw: resp.Message.Content, Usage: usage, Latency: time.Since(start)}, nil
}
