// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yusuke/mediabox/internal/middleware"
	"github.com/yusuke/mediabox/internal/model"
)

// maxSubmitBodyBytes はURL投入リクエストボディの上限。
const maxSubmitBodyBytes = 16 * 1024

// ItemServiceInterface はアイテムハンドラーが必要とするサービスインターフェース。
type ItemServiceInterface interface {
	// Submit はURLを検証・分類してアイテムを作成し、ジョブを起動する。
	Submit(ctx context.Context, ownerKey, rawURL string) (*model.Item, error)
	// Get はオーナーのアイテムを取得する。
	Get(ctx context.Context, ownerKey, itemID string) (*model.Item, error)
	// List はオーナーのアイテム一覧を返す。
	List(ctx context.Context, ownerKey string) ([]*model.Item, error)
	// Delete はアイテムを削除する。実行中のジョブはキャンセルされる。
	Delete(ctx context.Context, ownerKey, itemID string) error
	// MediaURL は再生用メディアのURLを返す。readyでない場合は空文字。
	MediaURL(item *model.Item) string
}

// ItemHandler はアイテム管理のHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface) *ItemHandler {
	return &ItemHandler{service: service}
}

// --- リクエスト・レスポンス型 ---

// submitRequest はURL投入リクエストのボディ。
type submitRequest struct {
	URL string `json:"url"`
}

// itemResponse はアイテムのレスポンス。
type itemResponse struct {
	ID        string    `json:"id"`
	SourceURL string    `json:"source_url"`
	FinalURL  string    `json:"final_url,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Title     string    `json:"title,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	MediaURL  string    `json:"media_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// itemListResponse はアイテム一覧のレスポンス。
type itemListResponse struct {
	Items []itemResponse `json:"items"`
}

// toItemResponse はドメインモデルをレスポンス型へ変換する。
func (h *ItemHandler) toItemResponse(item *model.Item) itemResponse {
	return itemResponse{
		ID:        item.ID,
		SourceURL: item.SourceURL,
		FinalURL:  item.FinalURL,
		Type:      string(item.Type),
		Status:    string(item.Status),
		Reason:    item.Reason,
		Title:     item.Title,
		SizeBytes: item.SizeBytes,
		MediaURL:  h.service.MediaURL(item),
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

// SubmitItem はURLを投入して新しいアイテムを作成する。
// POST /api/items
func (h *ItemHandler) SubmitItem(w http.ResponseWriter, r *http.Request) {
	ownerKey, err := middleware.OwnerKeyFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing owner key", http.StatusBadRequest)
		return
	}

	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidURLError("リクエストボディを解析できません。"))
		return
	}

	item, err := h.service.Submit(r.Context(), ownerKey, req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(h.toItemResponse(item))
}

// ListItems はオーナーのアイテム一覧を取得する。
// GET /api/items
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	ownerKey, err := middleware.OwnerKeyFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing owner key", http.StatusBadRequest)
		return
	}

	items, err := h.service.List(r.Context(), ownerKey)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := itemListResponse{Items: make([]itemResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, h.toItemResponse(item))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetItem はアイテム詳細を取得する。状態のポーリングにも使う。
// GET /api/items/{id}
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	ownerKey, err := middleware.OwnerKeyFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing owner key", http.StatusBadRequest)
		return
	}

	item, err := h.service.Get(r.Context(), ownerKey, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.toItemResponse(item))
}

// DeleteItem はアイテムを削除する。実行中のジョブはキャンセルされる。
// DELETE /api/items/{id}
func (h *ItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	ownerKey, err := middleware.OwnerKeyFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing owner key", http.StatusBadRequest)
		return
	}

	if err := h.service.Delete(r.Context(), ownerKey, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleServiceError はサービス層のエラーをHTTPレスポンスへ変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadRequest
		if apiErr.Code == model.ErrCodeItemNotFound {
			status = http.StatusNotFound
		}
		middleware.WriteErrorResponse(w, status, apiErr)
		return
	}
	middleware.WriteInternalServerError(w)
}
