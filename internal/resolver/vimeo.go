package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"

	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/model"
)

// vimeoIDRe は動画ページ/プレイヤーURLのパスから数値IDを抽出する。
var vimeoIDRe = regexp.MustCompile(`/(?:video/)?(\d+)(?:/|$)`)

// VimeoResolver はVimeoのプレイヤー設定APIを呼び出す単一エンドポイント型リゾルバ。
// 構造化JSONからHLSマニフェストURLとタイトルを取り出す。
type VimeoResolver struct {
	fetcher   Fetcher
	logger    *slog.Logger
	configURL string // %sに動画IDが入る。テスト用に差し替え可能
}

// NewVimeoResolver はVimeoResolverの新しいインスタンスを生成する。
func NewVimeoResolver(fetcher Fetcher, logger *slog.Logger) *VimeoResolver {
	return &VimeoResolver{
		fetcher:   fetcher,
		logger:    logger,
		configURL: "https://player.vimeo.com/video/%s/config",
	}
}

// Platform はプラットフォーム名を返す。
func (r *VimeoResolver) Platform() string { return "Vimeo" }

// vimeoConfig はプレイヤー設定APIのレスポンス構造（必要な部分のみ）。
type vimeoConfig struct {
	Request struct {
		Files struct {
			HLS struct {
				DefaultCDN string `json:"default_cdn"`
				CDNs       map[string]struct {
					URL string `json:"url"`
				} `json:"cdns"`
			} `json:"hls"`
		} `json:"files"`
	} `json:"request"`
	Video struct {
		Title string `json:"title"`
	} `json:"video"`
}

// Resolve は動画URLをHLSマニフェストURLに解決する。
func (r *VimeoResolver) Resolve(ctx context.Context, pageURL string) (*model.ResolvedMedia, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, model.NewResolveFailedError("Vimeo", "URLを解析できません。")
	}
	m := vimeoIDRe.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, model.NewResolveFailedError("Vimeo", "動画IDを特定できません。")
	}
	videoID := m[1]

	resp, _, err := r.fetcher.Do(ctx, fmt.Sprintf(r.configURL, videoID), fetch.Options{
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("Vimeoプレイヤー設定の取得に失敗しました: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// 続行
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, model.NewAuthRequiredError("Vimeo")
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, model.NewPostNotFoundError("Vimeo")
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("Vimeoプレイヤー設定APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var config vimeoConfig
	if err := json.Unmarshal(body, &config); err != nil {
		return nil, fmt.Errorf("Vimeoプレイヤー設定の解析に失敗しました: %w", err)
	}

	hls := config.Request.Files.HLS
	manifestURL := ""
	if cdn, ok := hls.CDNs[hls.DefaultCDN]; ok {
		manifestURL = cdn.URL
	} else {
		// デフォルトCDNが見つからない場合は任意の1つを採用する
		for _, cdn := range hls.CDNs {
			if cdn.URL != "" {
				manifestURL = cdn.URL
				break
			}
		}
	}
	if manifestURL == "" {
		return nil, model.NewResolveFailedError("Vimeo", "HLSマニフェストURLが見つかりません。")
	}

	return &model.ResolvedMedia{
		MediaURL: manifestURL,
		Title:    CleanTitle(config.Video.Title),
		IsHLS:    true,
	}, nil
}
