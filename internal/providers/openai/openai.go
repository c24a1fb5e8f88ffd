// Package openai implements the Provider adapter for the OpenAI API using
// the official Go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/KushGrandhi/llm-routing-server/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const providerName = "openai"

// Provider implements providers.Provider for OpenAI.
type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new OpenAI Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
	}
	if p.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(sdkOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.ChatResponse{
		ID:       resp.ID,
		Model:    resp.Model,
		Content:  content,
		Provider: providerName,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)

	stream := p.client.Chat.Completions.NewStreaming(ctx, buildParams(req))

	go func() {
		defer close(ch)

		var usage *providers.Usage
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = &providers.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			out := providers.StreamChunk{
				Content:      c.Delta.Content,
				FinishReason: c.FinishReason,
			}
			if c.FinishReason != "" {
				out.Usage = usage
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- providers.StreamChunk{Err: toProviderError(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// ProviderError is a structured error returned by the OpenAI API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
