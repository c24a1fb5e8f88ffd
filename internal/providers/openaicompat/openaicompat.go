// Package openaicompat provides a generic OpenAI-compatible LLM adapter.
// Use it for any service that implements the OpenAI chat completions API
// (vLLM, Ollama, LM Studio, Groq, DeepSeek, Together AI, and so on) — the
// base URL comes from the model registry entry, so adding a new compatible
// backend is a configuration change, not a code change.
package openaicompat

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

// Provider is a configurable OpenAI-compatible adapter.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Provider.
//
//   - name    — adapter identifier used in logs and providerUsed tags.
//   - apiKey  — API key sent as "Authorization: Bearer <key>". Self-hosted
//     backends often accept any value here.
//   - baseURL — API base URL, e.g. "http://localhost:8000/v1".
func New(name, apiKey, baseURL string) *Provider {
	p := &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.ChatResponse{
		ID:       resp.ID,
		Model:    resp.Model,
		Content:  content,
		Provider: p.name,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) CompleteStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))

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
			if c.Delta.Content != "" || c.FinishReason != "" {
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
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- providers.StreamChunk{Err: p.toProviderError(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func (p *Provider) buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
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

// ProviderError is a structured error returned by an OpenAI-compatible API.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Name:       p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
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
