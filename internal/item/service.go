// Package item はダウンロードアイテムのアプリケーションサービスを提供する。
// URL投入の検証・分類・ジョブ起動と、アイテムの照会・削除をまとめる。
package item

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yusuke/mediabox/internal/hls"
	"github.com/yusuke/mediabox/internal/model"
	"github.com/yusuke/mediabox/internal/repository"
)

// Detector はURL分類のインターフェース。
type Detector interface {
	Detect(ctx context.Context, rawURL string) (*model.DetectResult, error)
}

// URLValidator は投入URLの事前検証のインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// JobController はジョブ起動・キャンセルのインターフェース。
type JobController interface {
	Start(item *model.Item)
	Cancel(itemID string)
}

// MediaStore はサービスが必要とするファイル格納操作の一部。
type MediaStore interface {
	ItemDir(itemID string) string
	Wipe(itemID string) error
	ListItemDirs() ([]string, error)
}

// Collector はサービスが記録するメトリクスの一部。
type Collector interface {
	RecordClassification(itemType string)
}

// Service はダウンロードアイテムのアプリケーションサービス。
type Service struct {
	repo       repository.ItemRepository
	validator  URLValidator
	detector   Detector
	controller JobController
	store      MediaStore
	metrics    Collector
	logger     *slog.Logger
	baseURL    string // メディアURL構築用。空の場合は相対パスを返す
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.ItemRepository,
	validator URLValidator,
	detector Detector,
	controller JobController,
	store MediaStore,
	metrics Collector,
	logger *slog.Logger,
	baseURL string,
) *Service {
	return &Service{
		repo:       repo,
		validator:  validator,
		detector:   detector,
		controller: controller,
		store:      store,
		metrics:    metrics,
		logger:     logger,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Submit はURLを検証・分類してアイテムを作成し、ダウンロードジョブを起動する。
// 不正・危険なURLはアイテムを作成せずmodel.APIErrorで拒否する。
// 分類がunsupportedの場合はジョブを起動せず、終端状態のアイテムを作成する。
func (s *Service) Submit(ctx context.Context, ownerKey, rawURL string) (*model.Item, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, model.NewInvalidURLError("URLが空です。")
	}
	if err := validateScheme(rawURL); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateURL(rawURL); err != nil {
		s.logger.Warn("投入URLを拒否しました",
			slog.String("owner_key", ownerKey),
			slog.Any("error", err),
		)
		return nil, model.NewSSRFBlockedError()
	}

	result, err := s.detector.Detect(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("URLの分類に失敗しました: %w", err)
	}
	s.metrics.RecordClassification(string(result.Type))

	now := time.Now()
	item := &model.Item{
		ID:        uuid.NewString(),
		OwnerKey:  ownerKey,
		SourceURL: rawURL,
		FinalURL:  result.FinalURL,
		Type:      result.Type,
		Status:    model.ItemStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// 分類の時点で非対応が確定している場合はジョブを起動しない
	if result.Type == model.ItemTypeUnsupported {
		item.Status = model.ItemStatusUnsupported
		item.Reason = result.Reason
	}

	if err := s.repo.Create(ctx, item); err != nil {
		return nil, err
	}

	s.logger.Info("アイテムを受け付けました",
		slog.String("item_id", item.ID),
		slog.String("type", string(item.Type)),
		slog.String("adapter", result.Adapter),
	)

	if item.Status == model.ItemStatusQueued {
		s.controller.Start(item)
	}
	return item, nil
}

// Get はオーナーのアイテムを取得する。見つからない場合はmodel.APIErrorを返す。
func (s *Service) Get(ctx context.Context, ownerKey, itemID string) (*model.Item, error) {
	item, err := s.repo.FindByOwnerAndID(ctx, ownerKey, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}
	return item, nil
}

// List はオーナーのアイテム一覧を作成日時降順で返す。
func (s *Service) List(ctx context.Context, ownerKey string) ([]*model.Item, error) {
	return s.repo.ListByOwner(ctx, ownerKey)
}

// Delete はアイテムを削除する。
// 実行中のジョブをキャンセルし、行とメディアファイルの両方を片付ける。
func (s *Service) Delete(ctx context.Context, ownerKey, itemID string) error {
	item, err := s.repo.FindByOwnerAndID(ctx, ownerKey, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return model.NewItemNotFoundError(itemID)
	}

	s.controller.Cancel(item.ID)

	if err := s.repo.Delete(ctx, item.ID); err != nil {
		return err
	}
	if err := s.store.Wipe(item.ID); err != nil {
		s.logger.Error("メディアファイルの削除に失敗しました",
			slog.String("item_id", item.ID),
			slog.Any("error", err),
		)
	}

	s.logger.Info("アイテムを削除しました", slog.String("item_id", item.ID))
	return nil
}

// MediaURL は再生用メディアのURLを返す。readyでないアイテムは空文字を返す。
func (s *Service) MediaURL(item *model.Item) string {
	if item.Status != model.ItemStatusReady {
		return ""
	}
	switch item.Type {
	case model.ItemTypeHLS, model.ItemTypeVimeo, model.ItemTypeDailymotion, model.ItemTypeVlive:
		return s.baseURL + path.Join("/media", item.ID, hls.IndexFileName)
	default:
		return s.baseURL + path.Join("/media", item.ID) + "/"
	}
}

// FindForServing はメディア配信用にアイテムを取得する。
// readyでない、または存在しないアイテムはnilを返す。
func (s *Service) FindForServing(ctx context.Context, itemID string) (*model.Item, error) {
	if _, err := uuid.Parse(itemID); err != nil {
		return nil, nil
	}
	item, err := s.repo.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.Status != model.ItemStatusReady {
		return nil, nil
	}
	return item, nil
}

// ItemDir はアイテムのメディア格納ディレクトリを返す。
func (s *Service) ItemDir(itemID string) string {
	return s.store.ItemDir(itemID)
}

// validateScheme は投入URLのスキームを検証する補助。ValidateURL前の軽量チェック用。
func validateScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.NewInvalidURLError("URLを解析できません。")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return model.NewInvalidURLError("http:// または https:// のURLのみ対応しています。")
	}
	return nil
}
