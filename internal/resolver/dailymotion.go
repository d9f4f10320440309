package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/model"
)

// dailymotionIDRe は動画ページURLのパスから動画IDを抽出する。
// dailymotion.com/video/{id} と短縮URL dai.ly/{id} の両方に対応する。
var dailymotionIDRe = regexp.MustCompile(`^/(?:video/)?([a-zA-Z0-9]+)`)

// dailymotionConfigRe は埋め込みページからプレイヤー設定JSONブロブを抽出する。
var dailymotionConfigRe = regexp.MustCompile(`(?s)window\.__PLAYER_CONFIG__\s*=\s*(\{.*?\});`)

// DailymotionResolver はDailymotionの埋め込みページを取得し、
// HTMLに埋め込まれた設定JSON（HTMLエンティティエンコード済み）から
// HLSマニフェストURLとタイトルを取り出すリゾルバ。
type DailymotionResolver struct {
	fetcher  Fetcher
	logger   *slog.Logger
	embedURL string // %sに動画IDが入る。テスト用に差し替え可能
}

// NewDailymotionResolver はDailymotionResolverの新しいインスタンスを生成する。
func NewDailymotionResolver(fetcher Fetcher, logger *slog.Logger) *DailymotionResolver {
	return &DailymotionResolver{
		fetcher:  fetcher,
		logger:   logger,
		embedURL: "https://www.dailymotion.com/embed/video/%s",
	}
}

// Platform はプラットフォーム名を返す。
func (r *DailymotionResolver) Platform() string { return "Dailymotion" }

// dailymotionConfig は埋め込み設定JSONの構造（必要な部分のみ）。
type dailymotionConfig struct {
	Metadata struct {
		Title     string `json:"title"`
		Qualities map[string][]struct {
			Type string `json:"type"`
			URL  string `json:"url"`
		} `json:"qualities"`
		Error *struct {
			Code  string `json:"code"`
			Title string `json:"title"`
		} `json:"error"`
	} `json:"metadata"`
}

// Resolve は動画URLをHLSマニフェストURLに解決する。
func (r *DailymotionResolver) Resolve(ctx context.Context, pageURL string) (*model.ResolvedMedia, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, model.NewResolveFailedError("Dailymotion", "URLを解析できません。")
	}
	m := dailymotionIDRe.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, model.NewResolveFailedError("Dailymotion", "動画IDを特定できません。")
	}
	videoID := m[1]

	resp, _, err := r.fetcher.Do(ctx, fmt.Sprintf(r.embedURL, videoID), fetch.Options{})
	if err != nil {
		return nil, fmt.Errorf("Dailymotion埋め込みページの取得に失敗しました: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, model.NewPostNotFoundError("Dailymotion")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("Dailymotion埋め込みページがステータス %d を返しました", resp.StatusCode)
	}

	page, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	blob := dailymotionConfigRe.FindSubmatch(page)
	if blob == nil {
		return nil, model.NewResolveFailedError("Dailymotion", "プレイヤー設定が見つかりません。")
	}

	// HTMLエンティティ（&amp;等）をデコードしてからJSONとして解析する
	decoded := html.UnescapeString(string(blob[1]))

	var config dailymotionConfig
	if err := json.Unmarshal([]byte(decoded), &config); err != nil {
		return nil, fmt.Errorf("Dailymotionプレイヤー設定の解析に失敗しました: %w", err)
	}

	if config.Metadata.Error != nil {
		if config.Metadata.Error.Code == "DM007" {
			// パスワード保護された動画
			return nil, model.NewAuthRequiredError("Dailymotion")
		}
		return nil, model.NewResolveFailedError("Dailymotion", config.Metadata.Error.Title)
	}

	manifestURL := ""
	for _, entry := range config.Metadata.Qualities["auto"] {
		if strings.Contains(strings.ToLower(entry.Type), "mpegurl") && entry.URL != "" {
			manifestURL = entry.URL
			break
		}
	}
	if manifestURL == "" {
		return nil, model.NewResolveFailedError("Dailymotion", "HLSマニフェストURLが見つかりません。")
	}

	return &model.ResolvedMedia{
		MediaURL: manifestURL,
		Title:    CleanTitle(config.Metadata.Title),
		IsHLS:    true,
	}, nil
}
