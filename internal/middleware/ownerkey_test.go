package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOwnerKeyMiddleware_ValidKey_StoredInContext(t *testing.T) {
	var gotKey string
	handler := NewOwnerKeyMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := OwnerKeyFromContext(r.Context())
		if err != nil {
			t.Errorf("OwnerKeyFromContext() error = %v", err)
		}
		gotKey = key
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set(OwnerKeyHeader, "client-abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if gotKey != "client-abc-123" {
		t.Errorf("owner key = %q, want %q", gotKey, "client-abc-123")
	}
}

func TestOwnerKeyMiddleware_MissingHeader_Returns400(t *testing.T) {
	called := false
	handler := NewOwnerKeyMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if called {
		t.Error("next handler was called without owner key")
	}
}

func TestOwnerKeyMiddleware_WhitespaceOnlyHeader_Returns400(t *testing.T) {
	handler := NewOwnerKeyMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set(OwnerKeyHeader, "   ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOwnerKeyMiddleware_TooLongKey_Returns400(t *testing.T) {
	handler := NewOwnerKeyMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set(OwnerKeyHeader, strings.Repeat("a", maxOwnerKeyLength+1))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOwnerKeyFromContext_MissingKey(t *testing.T) {
	_, err := OwnerKeyFromContext(context.Background())
	if !errors.Is(err, ErrNoOwnerKey) {
		t.Errorf("error = %v, want ErrNoOwnerKey", err)
	}
}
