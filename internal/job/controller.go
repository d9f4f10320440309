// Package job はダウンロードジョブの実行と状態遷移を管理する。
// 状態遷移は queued → downloading → {ready | unsupported | error} の一方向で、
// キャンセルは状態を変更せずジョブを静かに放棄する。
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/hls"
	"github.com/yusuke/mediabox/internal/model"
	"github.com/yusuke/mediabox/internal/ytdlp"
)

// copyChunkSize は直接ダウンロードのチャンクサイズ。
const copyChunkSize = 32 * 1024

// ItemStore はジョブが必要とするアイテム永続化の一部。
type ItemStore interface {
	Patch(ctx context.Context, id string, patch model.ItemPatch) error
}

// MediaStore はジョブが必要とするファイル格納操作の一部。
type MediaStore interface {
	Reset(itemID string) (string, error)
	Wipe(itemID string) error
	VideoPath(itemID, ext string) string
	ImagePath(itemID, ext string) string
	ItemDir(itemID string) string
}

// Fetcher は安全なHTTPフェッチのインターフェース。
type Fetcher interface {
	Do(ctx context.Context, rawURL string, opts fetch.Options) (*http.Response, string, error)
}

// Ingester はHLS取り込みのインターフェース。
type Ingester interface {
	Ingest(ctx context.Context, playlistURL string, headers map[string]string, destDir string, progress func(totalBytes int64)) (*hls.Result, error)
}

// VideoRunner は外部ダウンローダー実行のインターフェース。
type VideoRunner interface {
	Inspect(ctx context.Context, videoURL string) (*ytdlp.Metadata, error)
	Download(ctx context.Context, videoURL, destPath, formatSelector string, progress ytdlp.ProgressFunc) error
}

// Resolver はプラットフォームリゾルバのインターフェース。
type Resolver interface {
	Platform() string
	Resolve(ctx context.Context, pageURL string) (*model.ResolvedMedia, error)
}

// Collector はジョブが記録するメトリクスの一部。
type Collector interface {
	RecordJobOutcome(status string)
	RecordResolverFailure(platform string)
	RecordDownloadBytes(bytes int64)
	RecordJobDuration(duration time.Duration)
}

// Limits はジョブ実行に適用される予算。
type Limits struct {
	MaxDownloadBytes  int64 // 1アイテムの合計ダウンロード上限
	ProgressByteDelta int64 // 進捗を永続化するバイト間隔
}

// Controller はダウンロードジョブの起動・実行・キャンセルを管理する。
type Controller struct {
	repo      ItemStore
	store     MediaStore
	fetcher   Fetcher
	ingester  Ingester
	runner    VideoRunner
	resolvers map[model.ItemType]Resolver
	metrics   Collector
	logger    *slog.Logger
	limits    Limits

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewController はControllerの新しいインスタンスを生成する。
func NewController(
	repo ItemStore,
	store MediaStore,
	fetcher Fetcher,
	ingester Ingester,
	runner VideoRunner,
	resolvers []Resolver,
	metrics Collector,
	logger *slog.Logger,
	limits Limits,
) *Controller {
	byType := make(map[model.ItemType]Resolver, len(resolvers))
	for _, r := range resolvers {
		switch r.Platform() {
		case "Instagram":
			byType[model.ItemTypeInstagram] = r
		case "Vimeo":
			byType[model.ItemTypeVimeo] = r
		case "Dailymotion":
			byType[model.ItemTypeDailymotion] = r
		case "VLIVE":
			byType[model.ItemTypeVlive] = r
		}
	}
	return &Controller{
		repo:      repo,
		store:     store,
		fetcher:   fetcher,
		ingester:  ingester,
		runner:    runner,
		resolvers: byType,
		metrics:   metrics,
		logger:    logger,
		limits:    limits,
		running:   make(map[string]context.CancelFunc),
	}
}

// Start はアイテムのダウンロードジョブを起動する。
// 同一アイテムのジョブが既に実行中の場合は何もしない（冪等）。
func (c *Controller) Start(item *model.Item) {
	c.mu.Lock()
	if _, ok := c.running[item.ID]; ok {
		c.mu.Unlock()
		c.logger.Info("ジョブは既に実行中のため起動をスキップします", slog.String("item_id", item.ID))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running[item.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, item.ID)
			c.mu.Unlock()
			cancel()
		}()
		c.run(ctx, item)
	}()
}

// IsRunning はアイテムのジョブが実行中かを返す。
// 停滞判定を行う保守ワーカーが実行中ジョブを誤って確定させないために使う。
func (c *Controller) IsRunning(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[itemID]
	return ok
}

// Cancel は実行中のジョブをキャンセルする。
// アイテムの状態は変更しない。実行中でない場合は何もしない。
func (c *Controller) Cancel(itemID string) {
	c.mu.Lock()
	cancel, ok := c.running[itemID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown は全ジョブをキャンセルして完了を待つ。
func (c *Controller) Shutdown() {
	c.mu.Lock()
	for _, cancel := range c.running {
		cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// run はジョブ本体。ソース種別ごとの取得処理を実行し、終端状態を確定させる。
func (c *Controller) run(ctx context.Context, item *model.Item) {
	start := time.Now()
	c.logger.Info("ダウンロードジョブを開始します",
		slog.String("item_id", item.ID),
		slog.String("type", string(item.Type)),
	)

	if err := c.markDownloading(ctx, item.ID); err != nil {
		c.logger.Error("ジョブ開始の永続化に失敗しました", slog.String("item_id", item.ID), slog.Any("error", err))
		return
	}

	outcome, err := c.dispatch(ctx, item)

	// キャンセルは状態も成果物も変更せず静かに終了する。
	// 片付けはキャンセルした側（通常は直後のアイテム削除）の責務。
	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		c.logger.Info("ジョブがキャンセルされました", slog.String("item_id", item.ID))
		return
	}

	// 終端確定はジョブ自身のコンテキストに依存させない
	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		c.finishReady(finalCtx, item.ID, outcome)
		c.metrics.RecordJobOutcome(string(model.ItemStatusReady))
		c.metrics.RecordDownloadBytes(outcome.bytes)
	case model.IsUnsupported(err):
		c.finishUnsupported(finalCtx, item.ID, err)
		c.metrics.RecordJobOutcome(string(model.ItemStatusUnsupported))
	default:
		c.finishError(finalCtx, item.ID, err)
		c.metrics.RecordJobOutcome(string(model.ItemStatusError))
	}
	c.metrics.RecordJobDuration(time.Since(start))
}

// jobOutcome はジョブ成功時の成果。
type jobOutcome struct {
	finalURL string
	title    string
	bytes    int64
}

// dispatch はソース種別ごとの取得処理を選択して実行する。
func (c *Controller) dispatch(ctx context.Context, item *model.Item) (*jobOutcome, error) {
	dir, err := c.store.Reset(item.ID)
	if err != nil {
		return nil, err
	}

	sourceURL := item.FinalURL
	if sourceURL == "" {
		sourceURL = item.SourceURL
	}

	switch item.Type {
	case model.ItemTypeFile:
		return c.runFile(ctx, item.ID, sourceURL)
	case model.ItemTypeHLS:
		return c.runHLS(ctx, item.ID, sourceURL, nil, "", dir)
	case model.ItemTypeYouTube:
		return c.runYouTube(ctx, item.ID, sourceURL)
	case model.ItemTypeInstagram, model.ItemTypeVimeo, model.ItemTypeDailymotion, model.ItemTypeVlive:
		return c.runResolved(ctx, item, sourceURL, dir)
	default:
		return nil, model.NewUnknownSourceError("", "")
	}
}

// runFile は直接ファイルをダウンロードする。
func (c *Controller) runFile(ctx context.Context, itemID, mediaURL string) (*jobOutcome, error) {
	finalURL, n, err := c.downloadDirect(ctx, itemID, mediaURL, nil, model.MediaKindVideo)
	if err != nil {
		return nil, err
	}
	return &jobOutcome{finalURL: finalURL, bytes: n}, nil
}

// runHLS はHLSプレイリストを取り込む。
// 累計バイト数がProgressByteDeltaを超えるたびに進捗を永続化する。
func (c *Controller) runHLS(ctx context.Context, itemID, manifestURL string, headers map[string]string, title, dir string) (*jobOutcome, error) {
	var lastReported int64
	progress := func(total int64) {
		if c.limits.ProgressByteDelta > 0 && total-lastReported >= c.limits.ProgressByteDelta {
			lastReported = total
			c.reportProgress(ctx, itemID, total)
		}
	}

	result, err := c.ingester.Ingest(ctx, manifestURL, headers, dir, progress)
	if err != nil {
		return nil, err
	}
	return &jobOutcome{finalURL: manifestURL, title: title, bytes: result.TotalBytes}, nil
}

// runYouTube は外部ダウンローダーで動画を取得する。
// ダウンロード前にメタデータのサイズを検査し、上限超過を早期に弾く。
func (c *Controller) runYouTube(ctx context.Context, itemID, videoURL string) (*jobOutcome, error) {
	meta, err := c.runner.Inspect(ctx, videoURL)
	if err != nil {
		return nil, model.NewResolveFailedError("YouTube", "動画情報を取得できませんでした。")
	}

	if size := estimateFormatSize(meta.Formats); c.limits.MaxDownloadBytes > 0 && size > c.limits.MaxDownloadBytes {
		return nil, model.NewByteLimitError(c.limits.MaxDownloadBytes)
	}

	// 拡張子はダウンローダーに委ねるためテンプレートで指定する
	destPath := strings.TrimSuffix(c.store.VideoPath(itemID, ".mp4"), ".mp4") + ".%(ext)s"

	var lastReported int64
	progress := func(percent float64, totalBytes int64) {
		written := int64(percent / 100 * float64(totalBytes))
		if c.limits.ProgressByteDelta > 0 && written-lastReported >= c.limits.ProgressByteDelta {
			lastReported = written
			c.reportProgress(ctx, itemID, written)
		}
	}

	if err := c.runner.Download(ctx, videoURL, destPath, "bv*+ba/b", progress); err != nil {
		return nil, err
	}

	n, err := dirFileSize(c.store.ItemDir(itemID))
	if err != nil {
		return nil, err
	}
	return &jobOutcome{finalURL: videoURL, title: meta.Title, bytes: n}, nil
}

// runResolved はプラットフォームリゾルバで解決してからメディアを取得する。
func (c *Controller) runResolved(ctx context.Context, item *model.Item, pageURL, dir string) (*jobOutcome, error) {
	resolver, ok := c.resolvers[item.Type]
	if !ok {
		return nil, model.NewUnknownSourceError("", "")
	}

	media, err := resolver.Resolve(ctx, pageURL)
	if err != nil {
		c.metrics.RecordResolverFailure(resolver.Platform())
		return nil, err
	}

	if media.IsHLS {
		return c.runHLS(ctx, item.ID, media.MediaURL, media.RequestHeaders, media.Title, dir)
	}

	finalURL, n, err := c.downloadDirect(ctx, item.ID, media.MediaURL, media.RequestHeaders, media.Kind)
	if err != nil {
		return nil, err
	}
	return &jobOutcome{finalURL: finalURL, title: media.Title, bytes: n}, nil
}

// downloadDirect はメディアURLを1ファイルとしてダウンロードする。
// バイト上限をチャンク単位で検査し、ProgressByteDeltaごとに進捗を永続化する。
func (c *Controller) downloadDirect(ctx context.Context, itemID, mediaURL string, headers map[string]string, kind model.MediaKind) (string, int64, error) {
	resp, finalURL, err := c.fetcher.Do(ctx, mediaURL, fetch.Options{Headers: headers})
	if err != nil {
		return "", 0, fmt.Errorf("メディアの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", 0, model.NewAuthRequiredError("配信元")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("メディアの取得がステータス %d を返しました", resp.StatusCode)
	}

	// 宣言サイズの時点で上限超過が確定していれば1バイトも読まずに終了する
	if c.limits.MaxDownloadBytes > 0 && resp.ContentLength > c.limits.MaxDownloadBytes {
		return "", 0, model.NewByteLimitError(c.limits.MaxDownloadBytes)
	}

	ext := mediaExt(finalURL, resp.Header.Get("Content-Type"))
	dest := c.store.VideoPath(itemID, ext)
	if kind == model.MediaKindImage {
		dest = c.store.ImagePath(itemID, ext)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", 0, fmt.Errorf("メディアファイルの作成に失敗しました: %w", err)
	}
	defer f.Close()

	var written, lastReported int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", written, err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return "", written, fmt.Errorf("メディアの書き込みに失敗しました: %w", writeErr)
			}
			written += int64(n)

			if c.limits.MaxDownloadBytes > 0 && written > c.limits.MaxDownloadBytes {
				return "", written, model.NewByteLimitError(c.limits.MaxDownloadBytes)
			}
			if c.limits.ProgressByteDelta > 0 && written-lastReported >= c.limits.ProgressByteDelta {
				lastReported = written
				c.reportProgress(ctx, itemID, written)
			}
		}
		if readErr == io.EOF {
			return finalURL, written, nil
		}
		if readErr != nil {
			return "", written, fmt.Errorf("メディアの読み取りに失敗しました: %w", readErr)
		}
	}
}

// reportProgress は進捗バイト数を永続化する。失敗してもジョブは継続する。
func (c *Controller) reportProgress(ctx context.Context, itemID string, written int64) {
	if err := c.repo.Patch(ctx, itemID, model.ItemPatch{SizeBytes: &written}); err != nil {
		c.logger.Error("進捗の永続化に失敗しました", slog.String("item_id", itemID), slog.Any("error", err))
	}
}

// finishReady はジョブを成功として確定させる。前回実行のreasonは消す。
func (c *Controller) finishReady(ctx context.Context, itemID string, outcome *jobOutcome) {
	status := model.ItemStatusReady
	reason := ""
	patch := model.ItemPatch{
		Status:    &status,
		Reason:    &reason,
		SizeBytes: &outcome.bytes,
	}
	if outcome.finalURL != "" {
		patch.FinalURL = &outcome.finalURL
	}
	if outcome.title != "" {
		patch.Title = &outcome.title
	}
	if err := c.repo.Patch(ctx, itemID, patch); err != nil {
		c.logger.Error("ジョブ成功の永続化に失敗しました", slog.String("item_id", itemID), slog.Any("error", err))
		return
	}
	c.logger.Info("ダウンロードジョブが完了しました",
		slog.String("item_id", itemID),
		slog.Int64("size_bytes", outcome.bytes),
	)
}

// finishUnsupported はジョブを非対応として確定させる。
// 種別もunsupportedに強制し、部分成果物を削除する。
func (c *Controller) finishUnsupported(ctx context.Context, itemID string, cause error) {
	if err := c.store.Wipe(itemID); err != nil {
		c.logger.Error("非対応アイテムの片付けに失敗しました", slog.String("item_id", itemID), slog.Any("error", err))
	}

	status := model.ItemStatusUnsupported
	itemType := model.ItemTypeUnsupported
	reason := model.UnsupportedReason(cause)
	if err := c.repo.Patch(ctx, itemID, model.ItemPatch{
		Status: &status,
		Type:   &itemType,
		Reason: &reason,
	}); err != nil {
		c.logger.Error("非対応確定の永続化に失敗しました", slog.String("item_id", itemID), slog.Any("error", err))
		return
	}
	c.logger.Info("非対応ソースとしてジョブを終了しました",
		slog.String("item_id", itemID),
		slog.String("reason", reason),
	)
}

// finishError はジョブを失敗として確定させる。部分成果物を削除する。
func (c *Controller) finishError(ctx context.Context, itemID string, cause error) {
	if err := c.store.Wipe(itemID); err != nil {
		c.logger.Error("失敗アイテムの片付けに失敗しました", slog.String("item_id", itemID), slog.Any("error", err))
	}

	status := model.ItemStatusError
	reason := "ダウンロード中にエラーが発生しました。時間をおいて再度お試しください。"
	if err := c.repo.Patch(ctx, itemID, model.ItemPatch{
		Status: &status,
		Reason: &reason,
	}); err != nil {
		c.logger.Error("失敗確定の永続化に失敗しました", slog.String("item_id", itemID), slog.Any("error", err))
		return
	}
	c.logger.Error("ダウンロードジョブが失敗しました",
		slog.String("item_id", itemID),
		slog.Any("error", cause),
	)
}

// markDownloading は downloading への遷移を永続化する。
// 再実行時に前回のreasonが残らないよう同時に消す。
func (c *Controller) markDownloading(ctx context.Context, itemID string) error {
	status := model.ItemStatusDownloading
	reason := ""
	return c.repo.Patch(ctx, itemID, model.ItemPatch{Status: &status, Reason: &reason})
}

// estimateFormatSize はダウンロードされるフォーマットの推定サイズを返す。
// 映像+音声の複合フォーマットを優先し、なければ映像と音声の最大値の和を使う。
func estimateFormatSize(formats []ytdlp.Format) int64 {
	var bestCombined, bestVideo, bestAudio int64
	for _, f := range formats {
		size := f.SizeBytes()
		if size <= 0 {
			continue
		}
		switch {
		case f.HasVideo() && f.HasAudio():
			if size > bestCombined {
				bestCombined = size
			}
		case f.HasVideo():
			if size > bestVideo {
				bestVideo = size
			}
		case f.HasAudio():
			if size > bestAudio {
				bestAudio = size
			}
		}
	}
	if bestVideo+bestAudio > bestCombined {
		return bestVideo + bestAudio
	}
	return bestCombined
}

// contentTypeExts はContent-Typeから拡張子への対応表。
var contentTypeExts = map[string]string{
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
}

// mediaExt はURLのパスとContent-Typeから拡張子を決める。URLのパスを優先する。
func mediaExt(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	return contentTypeExts[strings.TrimSpace(strings.ToLower(mediaType))]
}

// dirFileSize はディレクトリ直下のファイルの合計サイズを返す。
func dirFileSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("成果物ディレクトリの読み取りに失敗しました: %w", err)
	}
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
