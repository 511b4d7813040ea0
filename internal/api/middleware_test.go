package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lalithlochan/smsrelay/internal/auth"
	"github.com/lalithlochan/smsrelay/internal/db"
)

type stubAuth struct {
	tenant *db.Tenant
	err    error
	body   []byte
	key    string
}

func (s *stubAuth) VerifyHMAC(_ context.Context, apiKey, _, _ string, body []byte) (*db.Tenant, error) {
	s.key, s.body = apiKey, body
	return s.tenant, s.err
}

func (s *stubAuth) VerifyAPIKey(_ context.Context, apiKey string) (*db.Tenant, error) {
	s.key = apiKey
	return s.tenant, s.err
}

func TestTenantKeyFunc(t *testing.T) {
	id := uuid.New()

	req := httptest.NewRequest("GET", "/test", nil)
	if got := TenantKeyFunc(req); got != "" {
		t.Errorf("unauthenticated: expected empty key, got %q", got)
	}

	req = req.WithContext(withTenant(req.Context(), &db.Tenant{ID: id}))
	if got := TenantKeyFunc(req); got != "tenant:"+id.String() {
		t.Errorf("expected tenant key, got %q", got)
	}
}

func TestAPIKeyFromRequest(t *testing.T) {
	tests := []struct {
		name     string
		pathKey  string
		header   string
		bearer   string
		expected string
	}{
		{"path wins", "pk_path", "pk_header", "pk_bearer", "pk_path"},
		{"header before bearer", "", "pk_header", "pk_bearer", "pk_header"},
		{"bearer", "", "", "pk_bearer", "pk_bearer"},
		{"none", "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/x", nil)
			if tt.header != "" {
				req.Header.Set(auth.HeaderAPIKey, tt.header)
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			if tt.pathKey != "" {
				rctx := chi.NewRouteContext()
				rctx.URLParams.Add("apiKey", tt.pathKey)
				req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
			}

			if got := APIKeyFromRequest(req); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestHMACAuth_PassesBodyAndTenant(t *testing.T) {
	tenant := &db.Tenant{ID: uuid.New()}
	a := &stubAuth{tenant: tenant}

	var seenBody string
	var seenTenant *db.Tenant
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		seenTenant = TenantFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest("POST", "/events", strings.NewReader(`{"a":1}`))
	req.Header.Set(auth.HeaderAPIKey, "pk_1")
	rec := httptest.NewRecorder()
	HMACAuth(a, zap.NewNop())(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if string(a.body) != `{"a":1}` || seenBody != `{"a":1}` {
		t.Errorf("verified %q, handler saw %q", a.body, seenBody)
	}
	if seenTenant != tenant || a.key != "pk_1" {
		t.Error("tenant not attached to context")
	}
}

func TestHMACAuth_Failures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"bad signature", auth.ErrBadSignature, http.StatusUnauthorized},
		{"stale", auth.ErrStaleTimestamp, http.StatusUnauthorized},
		{"store down", errDatabase, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })

			rec := httptest.NewRecorder()
			HMACAuth(&stubAuth{err: tt.err}, zap.NewNop())(next).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

			if rec.Code != tt.code {
				t.Errorf("expected status %d, got %d", tt.code, rec.Code)
			}
			if called {
				t.Error("next handler must not run")
			}
		})
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	rec := httptest.NewRecorder()

	RateLimitMiddleware(nil, zap.NewNop(), TenantKeyFunc)(next).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("no rate limit headers without a limiter")
	}
}

func TestRoutePath_HidesPathKeys(t *testing.T) {
	var logged string
	r := chi.NewRouter()
	r.Post("/webhooks/{apiKey}", func(w http.ResponseWriter, r *http.Request) {
		logged = routePath(r)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/webhooks/pk_secret", nil))

	if logged != "/webhooks/{apiKey}" {
		t.Errorf("expected route pattern, got %q", logged)
	}
}

func TestAPIKeyAuth_FailureLogOmitsPathKey(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	a := &stubAuth{err: auth.ErrUnknownTenant}

	r := chi.NewRouter()
	r.With(APIKeyAuth(a, zap.New(core))).Post("/webhooks/{apiKey}", func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/webhooks/pk_live_secret", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}

	entries := logs.FilterMessage("authentication failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if path := entries[0].ContextMap()["path"]; path != "/webhooks/{apiKey}" {
		t.Errorf("logged path = %v", path)
	}
	for _, e := range logs.All() {
		for k, v := range e.ContextMap() {
			if s, ok := v.(string); ok && strings.Contains(s, "pk_live_secret") {
				t.Errorf("field %s leaks the api key: %q", k, s)
			}
		}
	}
}
