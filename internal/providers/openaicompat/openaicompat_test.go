package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/KushGrandhi/llm-routing-server/internal/providers"
)

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "llama-3.1-8b-instruct",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestProviderNameIsConfigurable(t *testing.T) {
	p := New("vllm-local", "any-key", "http://localhost:8000/v1")
	if p.Name() != "vllm-local" {
		t.Fatalf("Name() = %q", p.Name())
	}
}

func TestCompleteAgainstCompatibleBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer local-key" {
			t.Errorf("Authorization = %q", got)
		}
		var body struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Model != "llama-3.1-8b-instruct" {
			t.Errorf("model = %q", body.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "cmpl-local-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "llama-3.1-8b-instruct",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "local hello"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 2, "completion_tokens": 2, "total_tokens": 4},
		})
	}))
	defer srv.Close()

	p := New("vllm-local", "local-key", srv.URL)
	resp, err := p.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "local hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Provider != "vllm-local" {
		t.Errorf("Provider = %q", resp.Provider)
	}
}

func TestCompleteErrorCarriesAdapterName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "overloaded", "type": "server_error"},
		})
	}))
	defer srv.Close()

	p := New("vllm-local", "local-key", srv.URL)
	_, err := p.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if pe.Name != "vllm-local" || pe.HTTPStatus() != http.StatusServiceUnavailable {
		t.Errorf("error = %+v", pe)
	}
}
