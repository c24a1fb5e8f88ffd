// Package providers defines the common interfaces and types used by all LLM
// provider adapters (OpenAI, Anthropic, Gemini, and generic OpenAI-compatible
// backends).
//
// Each adapter lives in its own sub-package and implements the Provider
// interface. The dispatcher never talks to a provider SDK directly — it only
// sees the canonical request/response shapes defined here.
package providers

import (
	"context"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats. Adapters whose upstream omits usage must
	// report zeros here, never fail the request over it.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ChatRequest — normalized client request. Model carries the upstream
	// model identifier by the time an adapter sees it; logical-name
	// resolution happens in the dispatcher.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Temperature float64
		MaxTokens   int
		Stream      bool

		// Extra holds opaque pass-through options that affect determinism
		// (and therefore the cache fingerprint) but that adapters may ignore.
		Extra map[string]any

		RequestID string
	}

	// ChatResponse — normalized provider response for a non-streaming call.
	ChatResponse struct {
		ID       string
		Model    string
		Content  string
		Usage    Usage
		Provider string // name of the adapter that served the request
	}

	// StreamChunk is a single delta delivered during a streaming response.
	// The sequence is finite and not restartable: it ends with either a chunk
	// carrying FinishReason (and final Usage when the upstream reports it) or
	// a chunk whose Err is non-nil. No chunks follow a terminal chunk.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
		Err          error
	}
)

// Provider is the capability set every adapter implements.
//
// Complete blocks until the upstream responds or ctx expires.
// CompleteStream returns immediately with a channel of deltas; the adapter
// closes the channel after the terminal chunk. Both honour ctx cancellation
// so the dispatcher can release the upstream connection promptly.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	CompleteStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) error
}

// Provider kind strings accepted in the model registry.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
	// KindCustomOpenAI is the generic OpenAI-compatible kind. Entries of this
	// kind must set api_base; adding such a backend needs no new code.
	KindCustomOpenAI = "custom_openai"
)

// Default adapter constants.
const (
	DefaultTimeout = 30 * time.Second
	StreamBuffer   = 64
)

// StatusCoder is implemented by adapter errors that carry the upstream HTTP
// status. The dispatcher uses it to decide retriability: 5xx and timeouts
// move to the next fallback, 4xx abort the chain (an upstream 429 is the
// configurable exception).
type StatusCoder interface {
	HTTPStatus() int
}
