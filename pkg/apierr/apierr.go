// Package apierr renders structured API errors in the OpenAI error format
// and maps internal error classes to HTTP statuses.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFound          = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeProvidersExhausted = "providers_exhausted"
	CodeRequestTimeout     = "request_timeout"
	CodeModelNotFound      = "model_not_found"
	CodeInvalidRequest     = "invalid_request"
)

// APIError is the structured error body returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write renders the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps an upstream provider status to the right outbound
// status:
//
//	429 → 429 + Retry-After: 60
//	5xx → 502
//	4xx → passed through (the client's request was at fault)
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	case providerStatus >= 400:
		Write(ctx, providerStatus, msg, TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 upstream timeout.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 with the suggested retry delay.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteModelNotFound writes a 404 for an unknown logical model name.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound,
		"model "+strconv.Quote(model)+" is not defined in the registry",
		TypeNotFound, CodeModelNotFound)
}

// WriteExhausted writes a 502 after every fallback candidate failed.
func WriteExhausted(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProvidersExhausted)
}
