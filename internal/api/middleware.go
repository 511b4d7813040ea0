package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/auth"
	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/redis"
)

// Authenticator verifies tenant credentials.
type Authenticator interface {
	VerifyHMAC(ctx context.Context, apiKey, signature, timestamp string, body []byte) (*db.Tenant, error)
	VerifyAPIKey(ctx context.Context, apiKey string) (*db.Tenant, error)
}

type contextKey int

const tenantKey contextKey = iota

// TenantFromContext returns the tenant attached by an auth middleware.
func TenantFromContext(ctx context.Context) *db.Tenant {
	t, _ := ctx.Value(tenantKey).(*db.Tenant)
	return t
}

func withTenant(ctx context.Context, t *db.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// HMACAuth authenticates signed requests. It buffers the body so the
// signature can be checked and hands the same bytes to the next handler.
func HMACAuth(a Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, ok := readBody(w, r)
			if !ok {
				return
			}

			tenant, err := a.VerifyHMAC(r.Context(),
				r.Header.Get(auth.HeaderAPIKey),
				r.Header.Get(auth.HeaderSignature),
				r.Header.Get(auth.HeaderTimestamp),
				body,
			)
			if err != nil {
				authFailed(w, r, err, logger)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
		})
	}
}

// APIKeyAuth authenticates with the API key alone, taken from the {apiKey}
// path parameter, the X-API-Key header or a bearer token, in that order.
func APIKeyAuth(a Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, err := a.VerifyAPIKey(r.Context(), APIKeyFromRequest(r))
			if err != nil {
				authFailed(w, r, err, logger)
				return
			}
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
		})
	}
}

func APIKeyFromRequest(r *http.Request) string {
	if key := chi.URLParam(r, "apiKey"); key != "" {
		return key
	}
	if key := r.Header.Get(auth.HeaderAPIKey); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authFailed answers every credential failure with the same body so callers
// cannot tell which check failed. Store errors are not credential failures.
func authFailed(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	if !auth.IsAuthFailure(err) {
		logger.Error("authentication unavailable",
			zap.Error(err),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Authentication unavailable", "")
		return
	}

	logger.Warn("authentication failed",
		zap.String("reason", err.Error()),
		zap.String("path", routePath(r)),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	)
	writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "invalid or missing credentials")
}

// readBody reads the (size limited) request body, answering 413 or 400
// itself when it cannot.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large",
				"body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable request body", "")
		return nil, false
	}
	return body, true
}

// BodyLimit caps request bodies at n bytes.
func BodyLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request. Limiter errors
// fail open.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(key)
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TenantKeyFunc keys rate limits by the authenticated tenant. It must run
// after an auth middleware.
func TenantKeyFunc(r *http.Request) string {
	if t := TenantFromContext(r.Context()); t != nil {
		return "tenant:" + t.ID.String()
	}
	return ""
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", routePath(r)),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// routePath avoids logging API keys embedded in webhook URLs.
func routePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
