// Package app はアプリケーションの起動・ワイヤリング・終了処理を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yusuke/mediabox/internal/classify"
	"github.com/yusuke/mediabox/internal/config"
	"github.com/yusuke/mediabox/internal/database"
	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/handler"
	"github.com/yusuke/mediabox/internal/hls"
	"github.com/yusuke/mediabox/internal/item"
	"github.com/yusuke/mediabox/internal/job"
	"github.com/yusuke/mediabox/internal/logger"
	"github.com/yusuke/mediabox/internal/metrics"
	"github.com/yusuke/mediabox/internal/middleware"
	"github.com/yusuke/mediabox/internal/repository"
	"github.com/yusuke/mediabox/internal/resolver"
	"github.com/yusuke/mediabox/internal/security"
	"github.com/yusuke/mediabox/internal/storage"
	"github.com/yusuke/mediabox/internal/worker/cleanup"
	"github.com/yusuke/mediabox/internal/ytdlp"

	"github.com/prometheus/client_golang/prometheus"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続とメディア格納領域を用意し、全依存関係をワイヤリングして
// HTTPサーバーとクリーンアップワーカーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. 永続化と格納領域の初期化
	itemRepo := repository.NewPostgresItemRepo(db)
	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to prepare data directory: %w", err)
	}

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 安全なフェッチ層の初期化
	ssrfGuard := security.NewSSRFGuard()
	fetchClient := fetch.NewClient(ssrfGuard, cfg.FetchTimeout, cfg.MaxRedirects)

	// 5. 分類器・リゾルバ・取り込みエンジンの初期化
	detector := classify.NewDetector(fetchClient, slog.Default())

	resolvers := []job.Resolver{
		resolver.NewInstagramResolver(fetchClient, slog.Default()),
		resolver.NewVimeoResolver(fetchClient, slog.Default()),
		resolver.NewDailymotionResolver(fetchClient, slog.Default()),
		resolver.NewVliveResolver(fetchClient, slog.Default()),
	}

	ingester := hls.NewEngine(fetchClient, slog.Default(), hls.Limits{
		MaxSegments:   cfg.MaxHLSSegments,
		MaxTotalBytes: cfg.MaxDownloadBytes,
	})

	runner := ytdlp.NewRunner(cfg.YtdlpPath, slog.Default())
	if !runner.Available() {
		slog.Warn("yt-dlp binary not found; youtube downloads will fail",
			slog.String("path", cfg.YtdlpPath),
		)
	}

	// 6. ジョブコントローラーの初期化
	controller := job.NewController(
		itemRepo, store, fetchClient, ingester, runner, resolvers,
		collector, slog.Default(),
		job.Limits{
			MaxDownloadBytes:  cfg.MaxDownloadBytes,
			ProgressByteDelta: cfg.ProgressByteDelta,
		},
	)

	// 7. アプリケーションサービスの初期化
	itemService := item.NewService(
		itemRepo, ssrfGuard, detector, controller, store,
		collector, slog.Default(), cfg.BaseURL,
	)

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSubmit),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		ItemService:       itemService,
		MediaService:      itemService,
		Gatherer:          registry,
		HealthCheck:       db.PingContext,
	})

	// 9. クリーンアップワーカーの起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupJob := cleanup.NewCleanupJob(itemRepo, store, controller, slog.Default())
	go func() {
		// 起動直後に1回実行（再起動で宙に浮いたジョブの後始末）
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // メディア配信があるため長めにとる
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中のジョブをキャンセルして完了を待つ
	controller.Shutdown()

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
