package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/KushGrandhi/llm-routing-server/pkg/apierr"
)

// recovery catches handler panics and returns a 500 without crashing the
// process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request carries an X-Request-ID. A missing header
// gets a generated UUID v4. The ID is stored under the "request_id" user
// value for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the handler duration in the X-Response-Time header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds the standard hardening headers to every response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// X-XSS-Protection is deprecated; set to 0 and rely on CSP.
		h.Set("X-XSS-Protection", "0")
		// API-only CSP: no HTML is ever served.
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *  (open)
//   - specific origins      → joined with ", "  (strict allowlist)
//
// OPTIONS preflights are answered with 204 No Content.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// publicPaths are reachable without a bearer key: probes and scrapes.
var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
	"/metrics":   true,
}

// authenticate checks the inbound bearer key against the configured set and
// derives the rate-limit credential: the SHA-256 of the presented key, or the
// remote IP when no key was sent. An empty key set disables auth (development
// mode) but a presented key still becomes the credential.
func (s *Server) authenticate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if publicPaths[string(ctx.Path())] {
			next(ctx)
			return
		}

		key := bearerToken(ctx)
		if len(s.apiKeys) > 0 && !s.apiKeys[key] {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"missing or invalid API key",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}

		ctx.SetUserValue("credential", credentialFor(ctx, key))
		next(ctx)
	}
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func credentialFor(ctx *fasthttp.RequestCtx, key string) string {
	if key == "" {
		return ctx.RemoteIP().String()
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// credentialFrom reads the credential set by authenticate, defaulting to the
// remote IP for handlers reached outside the middleware chain (tests).
func credentialFrom(ctx *fasthttp.RequestCtx) string {
	if cred, ok := ctx.UserValue("credential").(string); ok && cred != "" {
		return cred
	}
	return ctx.RemoteIP().String()
}

// applyMiddleware wraps h with the given chain; the first middleware becomes
// the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
