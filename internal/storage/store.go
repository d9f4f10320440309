// Package storage はアイテムごとのメディアファイル格納ディレクトリを管理する。
// レイアウト: {DataDir}/{itemID}/ の下に video.{ext}、image.{ext}、
// またはHLSの場合は index.m3u8 と segments/ が置かれる。
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store はデータディレクトリ配下のアイテム格納領域を管理する。
type Store struct {
	dataDir string
}

// NewStore はStoreの新しいインスタンスを生成する。
// データディレクトリが存在しない場合は作成する。
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("データディレクトリの作成に失敗しました: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir はデータディレクトリの絶対パスを返す。
func (s *Store) DataDir() string { return s.dataDir }

// ItemDir はアイテムの格納ディレクトリのパスを返す。存在は保証しない。
func (s *Store) ItemDir(itemID string) string {
	return filepath.Join(s.dataDir, itemID)
}

// Reset はアイテムの格納ディレクトリを空の状態で用意する。
// 再試行時に前回の部分成果物が残らないよう、既存の内容は削除する。
func (s *Store) Reset(itemID string) (string, error) {
	dir := s.ItemDir(itemID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("アイテムディレクトリの削除に失敗しました: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("アイテムディレクトリの作成に失敗しました: %w", err)
	}
	return dir, nil
}

// Wipe はアイテムの格納ディレクトリを完全に削除する。
// 失敗したジョブの部分成果物を配信可能な状態で残さないために使う。
func (s *Store) Wipe(itemID string) error {
	if err := os.RemoveAll(s.ItemDir(itemID)); err != nil {
		return fmt.Errorf("アイテムディレクトリの削除に失敗しました: %w", err)
	}
	return nil
}

// VideoPath は動画ファイルの格納パスを返す。拡張子が空の場合は.mp4を補う。
func (s *Store) VideoPath(itemID, ext string) string {
	return filepath.Join(s.ItemDir(itemID), "video"+normalizeExt(ext, ".mp4"))
}

// ImagePath は静止画ファイルの格納パスを返す。拡張子が空の場合は.jpgを補う。
func (s *Store) ImagePath(itemID, ext string) string {
	return filepath.Join(s.ItemDir(itemID), "image"+normalizeExt(ext, ".jpg"))
}

// ListItemDirs はデータディレクトリ直下のアイテムディレクトリ名を返す。
// クリーンアップワーカーがDB上のアイテムと突き合わせるために使う。
func (s *Store) ListItemDirs() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("データディレクトリの読み取りに失敗しました: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// DirSize はアイテムディレクトリ配下の合計バイト数を返す。
// ディレクトリが存在しない場合は0を返す。
func (s *Store) DirSize(itemID string) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.ItemDir(itemID), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("ディレクトリサイズの計算に失敗しました: %w", err)
	}
	return total, nil
}

// normalizeExt は拡張子を先頭ドット付きの小文字に正規化する。
// 空または不正に長い場合はフォールバックを返す。
func normalizeExt(ext, fallback string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return fallback
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if len(ext) > 8 {
		return fallback
	}
	return ext
}
