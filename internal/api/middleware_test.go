package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

func TestRequestIDMiddleware(t *testing.T) {
	chain := MiddlewareChain()
	var captured string
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = chiMiddleware.GetReqID(r.Context())
	})
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rr, req)
	if captured == "" {
		t.Fatalf("missing request id")
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := APIKeyMiddleware("sekret")(ok)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic sekret", http.StatusUnauthorized},
		{"correct key", "Bearer sekret", http.StatusOK},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		h.ServeHTTP(rr, req)
		if rr.Code != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.name, tt.want, rr.Code)
		}
	}

	// no key configured
	rr := httptest.NewRecorder()
	APIKeyMiddleware("")(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without key, got %d", rr.Code)
	}
}
