package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lemonade-sh/lemonade-gateway/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestDisabledWhenKeyEmptyAllowsEverything(t *testing.T) {
	m := auth.New("")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rr := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestUngatedPathBypassesAuth(t *testing.T) {
	m := auth.New("secret")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestGatedPathRejectsMissingKey(t *testing.T) {
	m := auth.New("secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rr := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestGatedPathRejectsWrongKey(t *testing.T) {
	m := auth.New("secret")
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestGatedPathAcceptsBearerToken(t *testing.T) {
	m := auth.New("secret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestGatedPathAcceptsXAPIKeyHeader(t *testing.T) {
	m := auth.New("secret")
	req := httptest.NewRequest(http.MethodGet, "/v0/models", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
