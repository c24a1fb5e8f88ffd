// Package anthropic implements the Provider adapter for Anthropic's Messages
// API using the official Go SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/KushGrandhi/llm-routing-server/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	msg, err := p.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	// Collect text from all text blocks.
	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ChatResponse{
		ID:       msg.ID,
		Model:    string(msg.Model),
		Content:  sb.String(),
		Provider: providerName,
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)

	stream := p.client.Messages.NewStreaming(ctx, buildParams(req))

	go func() {
		defer close(ch)

		var usage providers.Usage
		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !send(ctx, ch, providers.StreamChunk{Content: deltaVariant.Text}) {
						return
					}
				case *anthropic.TextDelta:
					if !send(ctx, ch, providers.StreamChunk{Content: deltaVariant.Text}) {
						return
					}
				}

			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(eventVariant.Usage.OutputTokens)

			case anthropic.MessageStopEvent:
				final := usage
				if !send(ctx, ch, providers.StreamChunk{FinishReason: "stop", Usage: &final}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, ch, providers.StreamChunk{Err: toProviderError(err)})
		}
	}()

	return ch, nil
}

func send(ctx context.Context, ch chan<- providers.StreamChunk, c providers.StreamChunk) bool {
	if c.Content == "" && c.FinishReason == "" && c.Err == nil {
		return true
	}
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	// Temperature is optional in Anthropic; set only if provided.
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := strings.ToLower(role)
	anthRole := anthropic.MessageParamRoleUser
	if r == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
