package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/yusuke/mediabox/internal/model"
)

// itemColumns はitemsテーブルのSELECT列。scanItemと順序を一致させること。
const itemColumns = `id, owner_key, source_url, final_url, type, status, reason,
       title, size_bytes, created_at, updated_at`

// PostgresItemRepo はPostgreSQLを使用したアイテムリポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

// scanItem は1行をmodel.Itemへ読み取る。
func scanItem(scan func(dest ...any) error) (*model.Item, error) {
	item := &model.Item{}
	var finalURL, reason, title sql.NullString
	var sizeBytes sql.NullInt64

	err := scan(
		&item.ID, &item.OwnerKey, &item.SourceURL, &finalURL,
		&item.Type, &item.Status, &reason,
		&title, &sizeBytes, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.FinalURL = finalURL.String
	item.Reason = reason.String
	item.Title = title.String
	item.SizeBytes = sizeBytes.Int64
	return item, nil
}

// Create はアイテムを作成する。
func (r *PostgresItemRepo) Create(ctx context.Context, item *model.Item) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, owner_key, source_url, final_url, type, status, reason,
		                    title, size_bytes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		item.ID, item.OwnerKey, item.SourceURL, nullString(item.FinalURL),
		item.Type, item.Status, nullString(item.Reason),
		nullString(item.Title), item.SizeBytes, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("アイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id)

	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// FindByOwnerAndID はオーナーキーとIDでアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByOwnerAndID(ctx context.Context, ownerKey, id string) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE owner_key = $1 AND id = $2`,
		ownerKey, id)

	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("オーナーによるアイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// ListByOwner はオーナーのアイテム一覧を作成日時降順で返す。
func (r *PostgresItemRepo) ListByOwner(ctx context.Context, ownerKey string) ([]*model.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE owner_key = $1
		 ORDER BY created_at DESC`,
		ownerKey)
	if err != nil {
		return nil, fmt.Errorf("アイテム一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("アイテム行の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アイテム一覧の走査に失敗しました: %w", err)
	}
	return items, nil
}

// Patch はアイテムを部分更新する。nilフィールドは変更しない。
func (r *PostgresItemRepo) Patch(ctx context.Context, id string, patch model.ItemPatch) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	argIndex := 2

	addSet := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIndex))
		args = append(args, value)
		argIndex++
	}

	if patch.FinalURL != nil {
		addSet("final_url", nullString(*patch.FinalURL))
	}
	if patch.Type != nil {
		addSet("type", *patch.Type)
	}
	if patch.Status != nil {
		addSet("status", *patch.Status)
	}
	if patch.Reason != nil {
		addSet("reason", nullString(*patch.Reason))
	}
	if patch.Title != nil {
		addSet("title", nullString(*patch.Title))
	}
	if patch.SizeBytes != nil {
		addSet("size_bytes", *patch.SizeBytes)
	}

	query := "UPDATE items SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("アイテムの部分更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDのアイテムを削除する。
func (r *PostgresItemRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("アイテムの削除に失敗しました: %w", err)
	}
	return nil
}

// ListAllIDs は全アイテムのIDを返す。
func (r *PostgresItemRepo) ListAllIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM items`)
	if err != nil {
		return nil, fmt.Errorf("アイテムID一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("アイテムIDの読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アイテムID一覧の走査に失敗しました: %w", err)
	}
	return ids, nil
}

// ListStaleDownloading は指定時刻より前から downloading のままのアイテムを返す。
func (r *PostgresItemRepo) ListStaleDownloading(ctx context.Context, before time.Time) ([]*model.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE status = $1 AND updated_at < $2`,
		model.ItemStatusDownloading, before)
	if err != nil {
		return nil, fmt.Errorf("停滞アイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("停滞アイテム行の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("停滞アイテムの走査に失敗しました: %w", err)
	}
	return items, nil
}

// nullString は空文字をNULLに変換する。
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
