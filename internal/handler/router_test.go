package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yusuke/mediabox/internal/middleware"
	"github.com/yusuke/mediabox/internal/model"
)

// stubItemService はItemServiceInterfaceのテストスタブ。
type stubItemService struct {
	items     map[string]*model.Item
	submitErr error
}

func (s *stubItemService) Submit(ctx context.Context, ownerKey, rawURL string) (*model.Item, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	now := time.Now()
	return &model.Item{
		ID:        "11111111-1111-1111-1111-111111111111",
		OwnerKey:  ownerKey,
		SourceURL: rawURL,
		Type:      model.ItemTypeFile,
		Status:    model.ItemStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *stubItemService) Get(ctx context.Context, ownerKey, itemID string) (*model.Item, error) {
	item, ok := s.items[itemID]
	if !ok || item.OwnerKey != ownerKey {
		return nil, model.NewItemNotFoundError(itemID)
	}
	return item, nil
}

func (s *stubItemService) List(ctx context.Context, ownerKey string) ([]*model.Item, error) {
	var out []*model.Item
	for _, item := range s.items {
		if item.OwnerKey == ownerKey {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *stubItemService) Delete(ctx context.Context, ownerKey, itemID string) error {
	if _, ok := s.items[itemID]; !ok {
		return model.NewItemNotFoundError(itemID)
	}
	delete(s.items, itemID)
	return nil
}

func (s *stubItemService) MediaURL(item *model.Item) string {
	if item.Status != model.ItemStatusReady {
		return ""
	}
	return "/media/" + item.ID + "/"
}

// stubMediaService はMediaServiceInterfaceのテストスタブ。
type stubMediaService struct {
	readyItem *model.Item
	dir       string
}

func (s *stubMediaService) FindForServing(ctx context.Context, itemID string) (*model.Item, error) {
	if s.readyItem != nil && s.readyItem.ID == itemID {
		return s.readyItem, nil
	}
	return nil, nil
}

func (s *stubMediaService) ItemDir(itemID string) string {
	return filepath.Join(s.dir, itemID)
}

type routerFixture struct {
	handler http.Handler
	items   *stubItemService
	media   *stubMediaService
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	items := &stubItemService{items: make(map[string]*model.Item)}
	media := &stubMediaService{dir: t.TempDir()}
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(1000, 1000))
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		ItemService:       items,
		MediaService:      media,
		Gatherer:          prometheus.NewRegistry(),
	})
	return &routerFixture{handler: router, items: items, media: media}
}

func doRequest(fx *routerFixture, method, target string, body []byte, ownerKey string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if ownerKey != "" {
		req.Header.Set(middleware.OwnerKeyHeader, ownerKey)
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitItem_Returns201WithItem(t *testing.T) {
	fx := newRouterFixture(t)

	body, _ := json.Marshal(map[string]string{"url": "https://example.com/clip.mp4"})
	rec := doRequest(fx, http.MethodPost, "/api/items", body, "owner-1")

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", rec.Code, rec.Body.String())
	}

	var resp itemResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.ID == "" {
		t.Error("response ID is empty")
	}
	if resp.Status != string(model.ItemStatusQueued) {
		t.Errorf("response status = %q, want queued", resp.Status)
	}
	if resp.SourceURL != "https://example.com/clip.mp4" {
		t.Errorf("response source_url = %q, want submitted URL", resp.SourceURL)
	}
}

func TestSubmitItem_InvalidJSON_Returns400(t *testing.T) {
	fx := newRouterFixture(t)

	rec := doRequest(fx, http.MethodPost, "/api/items", []byte("{not json"), "owner-1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitItem_ServiceValidationError_Returns400WithCode(t *testing.T) {
	fx := newRouterFixture(t)
	fx.items.submitErr = model.NewSSRFBlockedError()

	body, _ := json.Marshal(map[string]string{"url": "http://10.0.0.1/"})
	rec := doRequest(fx, http.MethodPost, "/api/items", body, "owner-1")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid error JSON: %v", err)
	}
	if resp.Code != model.ErrCodeSSRFBlocked {
		t.Errorf("error code = %q, want %q", resp.Code, model.ErrCodeSSRFBlocked)
	}
}

func TestSubmitItem_UnexpectedError_Returns500(t *testing.T) {
	fx := newRouterFixture(t)
	fx.items.submitErr = errors.New("database is down")

	body, _ := json.Marshal(map[string]string{"url": "https://example.com/clip.mp4"})
	rec := doRequest(fx, http.MethodPost, "/api/items", body, "owner-1")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestAPIRoutes_MissingOwnerKey_Returns400(t *testing.T) {
	fx := newRouterFixture(t)

	rec := doRequest(fx, http.MethodGet, "/api/items", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without owner key", rec.Code)
	}
}

func TestListItems_ReturnsOwnersItemsOnly(t *testing.T) {
	fx := newRouterFixture(t)
	fx.items.items["a"] = &model.Item{ID: "a", OwnerKey: "owner-1", Status: model.ItemStatusReady}
	fx.items.items["b"] = &model.Item{ID: "b", OwnerKey: "owner-2", Status: model.ItemStatusReady}

	rec := doRequest(fx, http.MethodGet, "/api/items", nil, "owner-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp itemListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "a" {
		t.Errorf("items = %+v, want only owner-1's item", resp.Items)
	}
}

func TestGetItem_NotFound_Returns404(t *testing.T) {
	fx := newRouterFixture(t)

	rec := doRequest(fx, http.MethodGet, "/api/items/unknown", nil, "owner-1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteItem_Returns204(t *testing.T) {
	fx := newRouterFixture(t)
	fx.items.items["a"] = &model.Item{ID: "a", OwnerKey: "owner-1"}

	rec := doRequest(fx, http.MethodDelete, "/api/items/a", nil, "owner-1")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if _, ok := fx.items.items["a"]; ok {
		t.Error("item was not deleted")
	}
}

func TestHealthz_Healthy(t *testing.T) {
	fx := newRouterFixture(t)

	rec := doRequest(fx, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealthz_Unhealthy_Returns503(t *testing.T) {
	items := &stubItemService{items: make(map[string]*model.Item)}
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(1000, 1000))
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		ItemService:       items,
		MediaService:      &stubMediaService{dir: t.TempDir()},
		Gatherer:          prometheus.NewRegistry(),
		HealthCheck: func(ctx context.Context) error {
			return errors.New("db unreachable")
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint_NoOwnerKeyRequired(t *testing.T) {
	fx := newRouterFixture(t)

	rec := doRequest(fx, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestServeMedia_ReadyItem_ServedWithoutOwnerKey(t *testing.T) {
	fx := newRouterFixture(t)

	itemID := "22222222-2222-2222-2222-222222222222"
	fx.media.readyItem = &model.Item{ID: itemID, Status: model.ItemStatusReady}
	dir := fx.media.ItemDir(itemID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(fx, http.MethodGet, "/media/"+itemID+"/index.m3u8", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("#EXTM3U")) {
		t.Errorf("body = %q, want playlist content", rec.Body.String())
	}
}

func TestServeMedia_UnknownItem_Returns404(t *testing.T) {
	fx := newRouterFixture(t)

	rec := doRequest(fx, http.MethodGet, "/media/unknown-item/index.m3u8", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServeMedia_PathTraversal_Rejected(t *testing.T) {
	fx := newRouterFixture(t)

	itemID := "22222222-2222-2222-2222-222222222222"
	fx.media.readyItem = &model.Item{ID: itemID, Status: model.ItemStatusReady}
	dir := fx.media.ItemDir(itemID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// アイテムディレクトリの外にある機密ファイル
	secret := filepath.Join(fx.media.dir, "secret.txt")
	if err := os.WriteFile(secret, []byte("top secret"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, target := range []string{
		"/media/" + itemID + "/../secret.txt",
		"/media/" + itemID + "/segments/../../secret.txt",
		"/media/" + itemID + "/",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)

		if rec.Code == http.StatusOK && bytes.Contains(rec.Body.Bytes(), []byte("top secret")) {
			t.Errorf("GET %s leaked file outside item dir", target)
		}
	}
}
