package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrCircuitOpen marks an attempt skipped because the provider's breaker was
// open. It is always treated as retriable.
var ErrCircuitOpen = errors.New("dispatch: circuit breaker open")

// NotFoundError reports a logical model name absent from the registry.
type NotFoundError struct {
	Model string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("dispatch: model %q not found", e.Model)
}

// HTTPStatus implements providers.StatusCoder.
func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// RateLimitedError reports a request denied by the rate limiter, with the
// suggested retry delay.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("dispatch: rate limited, retry after %s", e.RetryAfter)
}

// HTTPStatus implements providers.StatusCoder.
func (e *RateLimitedError) HTTPStatus() int { return http.StatusTooManyRequests }

// Attempt records one failed candidate during a dispatch walk.
type Attempt struct {
	Provider string
	Model    string
	Err      error
}

// ExhaustedError reports that every candidate in the fallback chain failed.
// Attempts preserves dispatch order.
type ExhaustedError struct {
	Model    string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s(%s): %v", a.Model, a.Provider, a.Err))
	}
	return fmt.Sprintf("dispatch: all %d candidate(s) for %q failed: %s",
		len(e.Attempts), e.Model, strings.Join(parts, "; "))
}

// Unwrap exposes the last attempt's error for errors.Is/As.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// HTTPStatus implements providers.StatusCoder.
func (e *ExhaustedError) HTTPStatus() int { return http.StatusBadGateway }
