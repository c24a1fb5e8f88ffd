package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/KushGrandhi/llm-routing-server/internal/providers"
)

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := New(context.Background(), "mock-api-key", WithBaseURL(srv.URL+"/v1beta"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "gemini-2.5-flash",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestProviderName(t *testing.T) {
	p, err := New(context.Background(), "key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "gemini" {
		t.Fatalf("Name() = %q", p.Name())
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	tests := []struct {
		in          string
		wantBase    string
		wantVersion string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"http://localhost:9090/v1", "http://localhost:9090/", "v1"},
		{"http://localhost:9090", "http://localhost:9090/", ""},
		{"http://localhost:9090/custom/path", "http://localhost:9090/custom/path/", ""},
	}
	for _, tt := range tests {
		base, ver := splitBaseURLAndVersion(tt.in)
		if base != tt.wantBase || ver != tt.wantVersion {
			t.Errorf("splitBaseURLAndVersion(%q) = (%q, %q), want (%q, %q)",
				tt.in, base, ver, tt.wantBase, tt.wantVersion)
		}
	}
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if !strings.Contains(r.URL.Path, "gemini-2.5-flash") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": "Hi from Gemini"}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     7,
				"candidatesTokenCount": 3,
			},
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	resp, err := p.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "Hi from Gemini" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Provider != "gemini" {
		t.Errorf("Provider = %q", resp.Provider)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	// The inbound request id is carried through.
	if resp.ID != "req-mock-1" {
		t.Errorf("ID = %q", resp.ID)
	}
}

func TestCompleteErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    429,
				"message": "quota exceeded",
				"status":  "RESOURCE_EXHAUSTED",
			},
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	_, err := p.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if pe.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() = %d", pe.HTTPStatus())
	}
	if !strings.Contains(pe.Message, "quota exceeded") {
		t.Errorf("Message = %q", pe.Message)
	}
}

func TestBuildContentsFoldsSystemPrompt(t *testing.T) {
	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi"},
	}

	contents, cfg := buildContentsAndConfig(req)
	if len(contents) != 2 {
		t.Fatalf("contents = %d", len(contents))
	}
	if cfg == nil || cfg.SystemInstruction == nil {
		t.Fatal("system instruction not set")
	}
	if got := cfg.SystemInstruction.Parts[0].Text; got != "be terse" {
		t.Errorf("system = %q", got)
	}
}
