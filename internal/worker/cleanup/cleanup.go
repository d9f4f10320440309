// Package cleanup はメディア格納領域とジョブ状態の定期保守を提供する。
// DB上に対応するアイテムが存在しない孤立ディレクトリの削除と、
// プロセス再起動で宙に浮いた downloading アイテムの失敗確定を行う。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yusuke/mediabox/internal/model"
)

// staleGrace は downloading のまま停滞しているとみなすまでの猶予時間。
// 実行中ジョブは別途除外されるため、前回プロセスの残骸だけがこの判定に落ちる。
const staleGrace = 30 * time.Minute

// ItemStore はクリーンアップが必要とするアイテム永続化の一部。
type ItemStore interface {
	ListAllIDs(ctx context.Context) ([]string, error)
	ListStaleDownloading(ctx context.Context, before time.Time) ([]*model.Item, error)
	Patch(ctx context.Context, id string, patch model.ItemPatch) error
}

// MediaStore はクリーンアップが必要とするファイル格納操作の一部。
type MediaStore interface {
	ListItemDirs() ([]string, error)
	Wipe(itemID string) error
}

// JobChecker は実行中ジョブの照会インターフェース。
// updated_atの鮮度だけでは長時間実行中のジョブと停滞を区別できないため、
// プロセス内のジョブ台帳を直接参照する。
type JobChecker interface {
	IsRunning(itemID string) bool
}

// CleanupJob はメディア格納領域の定期保守ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な処理を保証する。
type CleanupJob struct {
	repo   ItemStore
	store  MediaStore
	jobs   JobChecker
	logger *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(repo ItemStore, store MediaStore, jobs JobChecker, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:   repo,
		store:  store,
		jobs:   jobs,
		logger: logger,
	}
}

// Run は孤立ディレクトリの削除と停滞ジョブの失敗確定を実行する。
// 冪等: 対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	orphans, err := j.sweepOrphanDirs(ctx)
	if err != nil {
		return err
	}

	stale, err := j.failStaleDownloads(ctx)
	if err != nil {
		return err
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int("orphan_dirs_removed", orphans),
		slog.Int("stale_jobs_failed", stale),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// sweepOrphanDirs はDB上にアイテムが存在しないディレクトリを削除する。
func (j *CleanupJob) sweepOrphanDirs(ctx context.Context) (int, error) {
	ids, err := j.repo.ListAllIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("アイテムID一覧の取得に失敗: %w", err)
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	dirs, err := j.store.ListItemDirs()
	if err != nil {
		return 0, fmt.Errorf("メディアディレクトリの一覧取得に失敗: %w", err)
	}

	removed := 0
	for _, dir := range dirs {
		if _, ok := known[dir]; ok {
			continue
		}
		if err := j.store.Wipe(dir); err != nil {
			j.logger.Error("孤立ディレクトリの削除に失敗しました",
				slog.String("dir", dir),
				slog.Any("error", err),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

// failStaleDownloads は猶予時間を超えて downloading のままのアイテムを
// errorに確定させる。プロセス再起動でジョブが失われた場合の後始末。
func (j *CleanupJob) failStaleDownloads(ctx context.Context) (int, error) {
	items, err := j.repo.ListStaleDownloading(ctx, time.Now().Add(-staleGrace))
	if err != nil {
		return 0, fmt.Errorf("停滞アイテムの取得に失敗: %w", err)
	}

	failed := 0
	for _, item := range items {
		// このプロセスで実行中のジョブは停滞ではない
		if j.jobs != nil && j.jobs.IsRunning(item.ID) {
			continue
		}
		status := model.ItemStatusError
		reason := "ダウンロードが中断されました。再度お試しください。"
		if err := j.repo.Patch(ctx, item.ID, model.ItemPatch{
			Status: &status,
			Reason: &reason,
		}); err != nil {
			j.logger.Error("停滞アイテムの失敗確定に失敗しました",
				slog.String("item_id", item.ID),
				slog.Any("error", err),
			)
			continue
		}
		if err := j.store.Wipe(item.ID); err != nil {
			j.logger.Error("停滞アイテムの片付けに失敗しました",
				slog.String("item_id", item.ID),
				slog.Any("error", err),
			)
		}
		failed++
	}
	return failed, nil
}
