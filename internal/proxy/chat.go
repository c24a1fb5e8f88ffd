package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/KushGrandhi/llm-routing-server/internal/dispatch"
	"github.com/KushGrandhi/llm-routing-server/internal/providers"
	"github.com/KushGrandhi/llm-routing-server/internal/usage"
	"github.com/KushGrandhi/llm-routing-server/pkg/apierr"
)

// X-Cache header values.
const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundChatRequest mirrors the OpenAI POST /v1/chat/completions body.
	// Fields outside the known set are carried opaquely in ChatRequest.Extra
	// so they participate in the cache fingerprint.
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
		Stream      bool             `json:"stream"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundUsage struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		TotalTokens      int      `json:"total_tokens"`
		CostUSD          *float64 `json:"cost_usd,omitempty"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// knownChatFields are stripped from the raw body before the remainder is
// stored as Extra.
var knownChatFields = []string{"model", "messages", "temperature", "max_tokens", "stream"}

// handleChatCompletions serves POST /v1/chat/completions and its
// /v1/completions alias. Non-streaming requests go through the response
// cache; streaming requests bypass it and are framed as SSE.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	if s.metrics != nil {
		s.metrics.RequestStarted()
	}
	defer func() {
		if s.metrics == nil || streaming {
			return
		}
		// Streaming requests finish inside the body writer.
		s.metrics.RequestFinished()
		s.metrics.ObserveRequest(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	credential := credentialFrom(ctx)

	req, err := parseChatRequest(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.RequestID = reqID

	s.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		streaming = s.serveStream(ctx, req, credential, route, start)
		return
	}

	resp, hit, err := s.dispatcher.Handle(ctx, req, credential)
	if err != nil {
		s.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		s.writeDispatchError(ctx, err)
		s.logUsage(usage.Record{
			RequestID:      parseUUID(reqID),
			Timestamp:      time.Now(),
			CredentialHash: credential,
			Model:          req.Model,
			LatencyMs:      time.Since(start).Milliseconds(),
			Status:         ctx.Response.StatusCode(),
			ErrorMessage:   err.Error(),
		})
		return
	}

	cost := s.estimateCost(resp.Model, resp.Usage)

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      outboundMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CostUSD:          cost,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if hit {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	if s.metrics != nil {
		s.metrics.RecordTokens(resp.Provider, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	s.logUsage(usage.Record{
		RequestID:      parseUUID(reqID),
		Timestamp:      time.Now(),
		CredentialHash: credential,
		Model:          req.Model,
		UpstreamModel:  resp.Model,
		Provider:       resp.Provider,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
		CostUSD:        cost,
		LatencyMs:      time.Since(start).Milliseconds(),
		Status:         fasthttp.StatusOK,
		Cached:         hit,
	})
}

// serveStream opens the dispatcher stream and relays it as Server-Sent
// Events. The dispatcher has already consumed the first delta before this
// returns a channel, so fallback is settled; a later failure surfaces as an
// error event followed by [DONE]. Returns true once the body writer is
// installed — from then on, request metrics finish inside the writer.
func (s *Server) serveStream(ctx *fasthttp.RequestCtx, req *providers.ChatRequest, credential, route string, start time.Time) bool {
	reqID := req.RequestID

	stream, err := s.dispatcher.HandleStream(ctx, req, credential)
	if err != nil {
		s.log.ErrorContext(ctx, "stream_dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		s.writeDispatchError(ctx, err)
		s.logUsage(usage.Record{
			RequestID:      parseUUID(reqID),
			Timestamp:      time.Now(),
			CredentialHash: credential,
			Model:          req.Model,
			LatencyMs:      time.Since(start).Milliseconds(),
			Status:         ctx.Response.StatusCode(),
			ErrorMessage:   err.Error(),
		})
		return false
	}

	model := req.Model
	chunkID := "chatcmpl-" + reqID

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Cache", "BYPASS")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects mid-write

		var (
			contentLen int
			finalUsage *providers.Usage
			streamErr  error
		)

		for chunk := range stream {
			if chunk.Err != nil {
				streamErr = chunk.Err
				writeSSEData(w, sseErrorPayload(chunk.Err))
				break
			}
			contentLen += len(chunk.Content)
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}
			writeSSEData(w, marshalChunk(chunkID, model, chunk))
			if chunk.FinishReason != "" {
				break
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Prefer reported usage; fall back to the ~4 chars/token estimate.
		var in, out int
		if finalUsage != nil {
			in, out = finalUsage.InputTokens, finalUsage.OutputTokens
		} else if contentLen > 0 {
			out = max(contentLen/4, 1)
		}

		rec := usage.Record{
			RequestID:      parseUUID(reqID),
			Timestamp:      time.Now(),
			CredentialHash: credential,
			Model:          model,
			InputTokens:    in,
			OutputTokens:   out,
			LatencyMs:      time.Since(start).Milliseconds(),
			Status:         fasthttp.StatusOK,
		}
		if streamErr != nil {
			rec.ErrorMessage = streamErr.Error()
		}
		s.logUsage(rec)

		if s.metrics != nil {
			// End-to-end duration runs until the stream drains.
			s.metrics.RequestFinished()
			s.metrics.ObserveRequest(route, fasthttp.StatusOK, time.Since(start))
		}
	})
	return true
}

// marshalChunk renders one OpenAI chat.completion.chunk SSE payload.
func marshalChunk(id, model string, chunk providers.StreamChunk) []byte {
	var finish any
	if chunk.FinishReason != "" {
		finish = chunk.FinishReason
	}
	body := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]string{"content": chunk.Content},
			"finish_reason": finish,
		}},
	}
	if chunk.Usage != nil {
		body["usage"] = map[string]int{
			"prompt_tokens":     chunk.Usage.InputTokens,
			"completion_tokens": chunk.Usage.OutputTokens,
			"total_tokens":      chunk.Usage.InputTokens + chunk.Usage.OutputTokens,
		}
	}
	data, _ := json.Marshal(body)
	return data
}

func sseErrorPayload(err error) []byte {
	data, _ := json.Marshal(map[string]any{
		"error": apierr.APIError{
			Message: err.Error(),
			Type:    apierr.TypeProviderError,
			Code:    apierr.CodeProviderError,
		},
	})
	return data
}

func writeSSEData(w *bufio.Writer, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	w.Flush() //nolint:errcheck
}

// parseChatRequest decodes the inbound body into the canonical request,
// preserving unknown fields as Extra.
func parseChatRequest(body []byte) (*providers.ChatRequest, error) {
	var in inboundChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("field 'messages' is required")
	}
	for i, m := range in.Messages {
		if m.Role == "" {
			return nil, fmt.Errorf("message %d has no role", i)
		}
	}

	msgs := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	req := &providers.ChatRequest{
		Model:       in.Model,
		Messages:    msgs,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Stream:      in.Stream,
	}

	// Anything beyond the known fields rides along opaquely so it reaches
	// the cache fingerprint.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err == nil {
		for _, k := range knownChatFields {
			delete(raw, k)
		}
		if len(raw) > 0 {
			extra := make(map[string]any, len(raw))
			for k, v := range raw {
				var val any
				if err := json.Unmarshal(v, &val); err == nil {
					extra[k] = val
				}
			}
			req.Extra = extra
		}
	}
	return req, nil
}

// writeDispatchError maps dispatcher errors onto the OpenAI error envelope.
func (s *Server) writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var (
		rle *dispatch.RateLimitedError
		nfe *dispatch.NotFoundError
		exh *dispatch.ExhaustedError
	)
	switch {
	case errors.As(err, &rle):
		apierr.WriteRateLimit(ctx, rle.RetryAfter)
	case errors.As(err, &nfe):
		apierr.WriteModelNotFound(ctx, nfe.Model)
	case errors.As(err, &exh):
		apierr.WriteExhausted(ctx, exh.Error())
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		var sc providers.StatusCoder
		if errors.As(err, &sc) {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

func (s *Server) estimateCost(model string, u providers.Usage) *float64 {
	if s.pricing == nil {
		return nil
	}
	cost, ok := s.pricing.Estimate(model, u)
	if !ok {
		return nil
	}
	return &cost
}

// logUsage enqueues one accounting record. Never blocks.
func (s *Server) logUsage(rec usage.Record) {
	if s.reqLogger == nil {
		return
	}
	s.reqLogger.Log(rec)
}

func parseUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}
