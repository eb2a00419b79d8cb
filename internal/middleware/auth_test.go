package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	auth := NewAuth(AuthConfig{Enabled: false}, nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	rec := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when auth disabled, got %d", rec.Code)
	}
	if auth.IsEnabled() {
		t.Error("expected auth to report disabled")
	}
}

func TestAuthMiddlewareMissingKey(t *testing.T) {
	failures := 0
	auth := NewAuth(AuthConfig{Enabled: true, APIKeys: []string{"secret"}}, func() { failures++ })

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	rec := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	if failures != 1 {
		t.Errorf("expected 1 failure callback, got %d", failures)
	}
}

func TestAuthMiddlewareInvalidKey(t *testing.T) {
	failures := 0
	auth := NewAuth(AuthConfig{Enabled: true, APIKeys: []string{"secret"}}, func() { failures++ })

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if failures != 1 {
		t.Errorf("expected 1 failure callback, got %d", failures)
	}
}

func TestAuthMiddlewareValidKey(t *testing.T) {
	auth := NewAuth(AuthConfig{Enabled: true, APIKeys: []string{"first", " secret "}}, nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddlewareBearerToken(t *testing.T) {
	auth := NewAuth(AuthConfig{Enabled: true, APIKeys: []string{"secret"}}, nil)

	req := httptest.NewRequest("POST", "/admin/waterfall/stats/reset", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with bearer token, got %d", rec.Code)
	}
}

func TestAuthMiddlewareCustomHeader(t *testing.T) {
	auth := NewAuth(AuthConfig{Enabled: true, APIKeys: []string{"secret"}, HeaderName: "X-Admin-Key"}, nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("X-Admin-Key", "secret")
	rec := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with custom header, got %d", rec.Code)
	}
}

func TestAuthMiddlewareBlankKeysIgnored(t *testing.T) {
	auth := NewAuth(AuthConfig{Enabled: true, APIKeys: []string{"", "  "}}, nil)

	req := httptest.NewRequest("GET", "/admin/breakers", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Error("expected blank keys to never authenticate")
	}
}
