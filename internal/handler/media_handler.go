package handler

import (
	"context"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yusuke/mediabox/internal/model"
)

// MediaServiceInterface はメディア配信ハンドラーが必要とするサービスインターフェース。
type MediaServiceInterface interface {
	// FindForServing は配信可能（ready）なアイテムを取得する。
	// 存在しない・readyでない場合はnilを返す。
	FindForServing(ctx context.Context, itemID string) (*model.Item, error)
	// ItemDir はアイテムのメディア格納ディレクトリを返す。
	ItemDir(itemID string) string
}

// MediaHandler は取得済みメディアファイルを配信するHTTPハンドラー。
// readyなアイテムのディレクトリ配下のみを公開する。
type MediaHandler struct {
	service MediaServiceInterface
}

// NewMediaHandler はMediaHandlerを生成する。
func NewMediaHandler(service MediaServiceInterface) *MediaHandler {
	return &MediaHandler{service: service}
}

// ServeMedia はアイテムのメディアファイルを配信する。
// GET /media/{id}/*
// パストラバーサルを防ぐため、相対パスはディレクトリ内に正規化してから解決する。
func (h *MediaHandler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")
	rest := chi.URLParam(r, "*")

	item, err := h.service.FindForServing(r.Context(), itemID)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if item == nil {
		http.NotFound(w, r)
		return
	}

	// "/.."などを潰してディレクトリ内の相対パスへ正規化する
	clean := path.Clean("/" + rest)
	if clean == "/" || strings.Contains(clean, "..") {
		http.NotFound(w, r)
		return
	}

	dir := h.service.ItemDir(item.ID)
	http.ServeFile(w, r, filepath.Join(dir, filepath.FromSlash(clean)))
}
