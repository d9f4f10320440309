// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/yusuke/mediabox/internal/model"
)

// ItemRepository はダウンロードアイテムの永続化インターフェース。
type ItemRepository interface {
	// Create はアイテムを作成する。
	Create(ctx context.Context, item *model.Item) error

	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Item, error)

	// FindByOwnerAndID はオーナーキーとIDでアイテムを取得する。
	// 他のオーナーのアイテムは存在しないものとして扱い、nilを返す。
	FindByOwnerAndID(ctx context.Context, ownerKey, id string) (*model.Item, error)

	// ListByOwner はオーナーのアイテム一覧を作成日時降順で返す。
	ListByOwner(ctx context.Context, ownerKey string) ([]*model.Item, error)

	// Patch はアイテムを部分更新する。nilフィールドは変更しない。
	// 進捗更新とジョブの終端確定の両方がこのメソッドを通る。
	Patch(ctx context.Context, id string, patch model.ItemPatch) error

	// Delete は指定IDのアイテムを削除する。
	Delete(ctx context.Context, id string) error

	// ListAllIDs は全アイテムのIDを返す。
	// クリーンアップワーカーが孤立ディレクトリの検出に使う。
	ListAllIDs(ctx context.Context) ([]string, error)

	// ListStaleDownloading は指定時刻より前から downloading のままのアイテムを返す。
	// プロセス再起動で宙に浮いたジョブの検出に使う。
	ListStaleDownloading(ctx context.Context, before time.Time) ([]*model.Item, error)
}
