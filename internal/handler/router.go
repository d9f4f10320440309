package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yusuke/mediabox/internal/metrics"
	"github.com/yusuke/mediabox/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// アイテム
	ItemService  ItemServiceInterface
	MediaService MediaServiceInterface

	// 運用
	Gatherer    prometheus.Gatherer
	HealthCheck func(ctx context.Context) error
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → CORS → (APIのみ) SecurityHeaders → OwnerKey → RateLimit
//
// /media と /healthz、/metrics はオーナーキー不要のルートとしてチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	itemHandler := NewItemHandler(deps.ItemService)
	mediaHandler := NewMediaHandler(deps.MediaService)

	// --- オーナーキー不要のルート ---

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(req.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// メディア配信（再生プレイヤーからの直接アクセスを想定）
	r.Get("/media/{id}/*", mediaHandler.ServeMedia)

	// --- オーナーキーが必要なルート ---
	// ミドルウェアスタック: SecurityHeaders → OwnerKey → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewOwnerKeyMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/items", func(r chi.Router) {
			// POST /api/items - URL投入（投入専用レート制限を追加）
			r.With(deps.RateLimiter.SubmitMiddleware()).Post("/", itemHandler.SubmitItem)

			r.Get("/", itemHandler.ListItems)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", itemHandler.GetItem)
				r.Delete("/", itemHandler.DeleteItem)
			})
		})
	})

	return r
}
