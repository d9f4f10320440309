package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestRateLimiter(t *testing.T, config RateLimiterConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(config)
	t.Cleanup(rl.Stop)
	return rl
}

func requestWithOwner(ownerKey string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	ctx := context.WithValue(req.Context(), ownerKeyContextKey{}, ownerKey)
	return req.WithContext(ctx)
}

func TestGeneralMiddleware_AllowsWithinBurst(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    3,
		SubmitRate:      rate.Limit(1),
		SubmitBurst:     1,
		CleanupInterval: time.Minute,
	})

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestWithOwner("owner-1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	// バーストを使い切った4回目は拒否される
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithOwner("owner-1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on 429 response")
	}
}

func TestGeneralMiddleware_OwnersIsolated(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     rate.Limit(0.01),
		GeneralBurst:    1,
		SubmitRate:      rate.Limit(1),
		SubmitBurst:     1,
		CleanupInterval: time.Minute,
	})

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithOwner("owner-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("owner-1 first request: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithOwner("owner-1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("owner-1 second request: status = %d, want 429", rec.Code)
	}

	// 別オーナーは影響を受けない
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestWithOwner("owner-2"))
	if rec.Code != http.StatusOK {
		t.Errorf("owner-2 request: status = %d, want 200", rec.Code)
	}

	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestSubmitMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     rate.Limit(100),
		GeneralBurst:    100,
		SubmitRate:      rate.Limit(0.01),
		SubmitBurst:     1,
		CleanupInterval: time.Minute,
	})

	general := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	submit := rl.SubmitMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	// URL投入のバーストを使い切る
	rec := httptest.NewRecorder()
	submit.ServeHTTP(rec, requestWithOwner("owner-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submit: status = %d, want 201", rec.Code)
	}
	rec = httptest.NewRecorder()
	submit.ServeHTTP(rec, requestWithOwner("owner-1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit: status = %d, want 429", rec.Code)
	}

	// API全般のリミッターは独立している
	rec = httptest.NewRecorder()
	general.ServeHTTP(rec, requestWithOwner("owner-1"))
	if rec.Code != http.StatusOK {
		t.Errorf("general request after submit limit: status = %d, want 200", rec.Code)
	}
}

func TestRateLimitMiddleware_NoOwnerKey_Returns400(t *testing.T) {
	rl := newTestRateLimiter(t, NewRateLimiterConfig(120, 10))

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler called without owner key")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCleanup_RemovesStaleEntries(t *testing.T) {
	rl := newTestRateLimiter(t, RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    1,
		SubmitRate:      rate.Limit(1),
		SubmitBurst:     1,
		CleanupInterval: 10 * time.Millisecond,
	})

	rl.getOrCreate(&rl.generalMu, rl.generalLimiters, "owner-1", rl.config.GeneralRate, rl.config.GeneralBurst)
	if rl.GeneralLimiterCount() != 1 {
		t.Fatalf("GeneralLimiterCount() = %d, want 1", rl.GeneralLimiterCount())
	}

	// 最終アクセスをTTL（CleanupIntervalの2倍）より過去に巻き戻す
	rl.generalMu.Lock()
	rl.generalLimiters["owner-1"].lastAccess = time.Now().Add(-time.Minute)
	rl.generalMu.Unlock()

	rl.cleanup()

	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("GeneralLimiterCount() after cleanup = %d, want 0", rl.GeneralLimiterCount())
	}
}

func TestNewRateLimiterConfig_ConvertsPerMinuteRates(t *testing.T) {
	config := NewRateLimiterConfig(120, 10)

	if config.GeneralRate != rate.Limit(2.0) {
		t.Errorf("GeneralRate = %v, want 2 req/sec", config.GeneralRate)
	}
	if config.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", config.GeneralBurst)
	}
	if config.SubmitRate != rate.Limit(10.0/60.0) {
		t.Errorf("SubmitRate = %v, want %v", config.SubmitRate, rate.Limit(10.0/60.0))
	}
	if config.SubmitBurst != 10 {
		t.Errorf("SubmitBurst = %d, want 10", config.SubmitBurst)
	}
}
