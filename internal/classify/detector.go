// Package classify は投入されたURLをソース種別に分類する。
// 高速なプラットフォームマッチャーの順序付きチェーンと、
// どれにも一致しない場合のネットワークプローブで構成される。
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/model"
)

// probeRangeHeader はプローブ用GETのRangeヘッダー値。
// 先頭1MiBだけを要求し、ヘッダー確認後にボディは破棄する。
const probeRangeHeader = "bytes=0-1048575"

// Fetcher は安全なHTTPフェッチのインターフェース。
type Fetcher interface {
	Do(ctx context.Context, rawURL string, opts fetch.Options) (*http.Response, string, error)
}

// Detector はURL分類器。
// マッチャーチェーンはネットワークアクセスなしで判定し、
// フォールバックのプローブのみがHEAD/GETを発行する。
type Detector struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewDetector はDetectorの新しいインスタンスを生成する。
func NewDetector(fetcher Fetcher, logger *slog.Logger) *Detector {
	return &Detector{
		fetcher: fetcher,
		logger:  logger,
	}
}

// matcher はプラットフォーム1つ分の判定関数。
// URLがそのプラットフォームのものであればDetectResultとtrueを返す。
// ホストが一致しパス形状が違う場合はunsupportedの結果を返す
// （ホスト一致は強い意図のシグナルなのでプローブへは流さない）。
type matcher func(u *url.URL) (*model.DetectResult, bool)

var (
	youtubeWatchRe  = regexp.MustCompile(`^/watch$`)
	youtubeShortsRe = regexp.MustCompile(`^/shorts/[\w-]+`)
	instagramPostRe = regexp.MustCompile(`^/(p|reel|reels|tv)/[\w-]+`)
	vimeoVideoRe    = regexp.MustCompile(`^/(\d+)(/|$)`)
	vimeoPlayerRe   = regexp.MustCompile(`^/video/(\d+)(/|$)`)
	dailymotionRe   = regexp.MustCompile(`^/video/([a-zA-Z0-9]+)`)
	vliveVideoRe    = regexp.MustCompile(`^/video/(\d+)(/|$)`)
)

// blockedPlatforms は既知の非互換プラットフォーム。
// ネットワークアクセスの前に理由付きでunsupportedを返す。
var blockedPlatforms = []struct {
	domain string
	name   string
	reason string
}{
	{"tiktok.com", "TikTok", "動的に生成される署名付きURLが必要なため取得できません。"},
	{"twitter.com", "Twitter/X", "APIのログイン必須化により取得できません。"},
	{"x.com", "Twitter/X", "APIのログイン必須化により取得できません。"},
	{"twitch.tv", "Twitch", "配信アーカイブの取得には対応していません。"},
}

// fileExtensions はプローブで直接ファイルと判定する拡張子の許可リスト。
var fileExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".mov":  true,
	".m4v":  true,
	".mp3":  true,
	".m4a":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// hlsContentTypes はHLSプレイリストとして認識するContent-Type。
var hlsContentTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// Detect はURLを分類してDetectResultを返す。
// プラットフォームマッチャー → ブロックリスト → ネットワークプローブの順で判定する。
// 分類そのものは失敗せず、判定できないURLはunsupportedの結果になる。
// エラーはプローブのネットワーク失敗など予期しない状況でのみ返る。
func (d *Detector) Detect(ctx context.Context, rawURL string) (*model.DetectResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}

	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))

	matchers := []struct {
		adapter string
		fn      matcher
	}{
		{"youtube", matchYouTube},
		{"instagram", matchInstagram},
		{"vimeo", matchVimeo},
		{"dailymotion", matchDailymotion},
		{"vlive", matchVlive},
	}

	for _, m := range matchers {
		if result, ok := m.fn(u); ok {
			result.Adapter = m.adapter
			if result.FinalURL == "" {
				result.FinalURL = rawURL
			}
			return result, nil
		}
	}

	// ブロックリスト: ネットワークアクセス前に確定させる
	for _, b := range blockedPlatforms {
		if hostMatches(host, b.domain) {
			return &model.DetectResult{
				Type:     model.ItemTypeUnsupported,
				FinalURL: rawURL,
				Reason:   model.NewBlockedPlatformError(b.name, b.reason).Message,
				Adapter:  "blocklist",
			}, nil
		}
	}

	return d.probe(ctx, rawURL)
}

// probe はHEAD（失敗時はRange付きGET）で拡張子とContent-Typeを観測し、
// 直接ファイル / HLSプレイリスト / unsupported を判定する。
func (d *Detector) probe(ctx context.Context, rawURL string) (*model.DetectResult, error) {
	resp, finalURL, err := d.fetcher.Do(ctx, rawURL, fetch.Options{Method: http.MethodHead})
	if err == nil && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotImplemented {
		defer resp.Body.Close()
	} else {
		// HEAD非対応サーバー向けにRange付きGETへフォールバック
		if err != nil {
			d.logger.Info("HEADプローブに失敗したためGETにフォールバックします",
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
		} else {
			resp.Body.Close()
		}
		resp, finalURL, err = d.fetcher.Do(ctx, rawURL, fetch.Options{
			Method:  http.MethodGet,
			Headers: map[string]string{"Range": probeRangeHeader},
		})
		if err != nil {
			return nil, fmt.Errorf("プローブリクエストに失敗しました: %w", err)
		}
		// ヘッダーだけ確認してボディは読まずに破棄する
		defer resp.Body.Close()
	}

	if resp.StatusCode >= 400 {
		// 到達できないURLは分類エラーではなく非対応として確定させる
		return &model.DetectResult{
			Type:     model.ItemTypeUnsupported,
			FinalURL: finalURL,
			Reason:   fmt.Sprintf("URLにアクセスできませんでした（HTTPステータス %d）。", resp.StatusCode),
			Adapter:  "probe",
		}, nil
	}

	finalU, err := url.Parse(finalURL)
	if err != nil {
		return nil, fmt.Errorf("最終URLのパースに失敗しました: %w", err)
	}

	ext := strings.ToLower(path.Ext(finalU.Path))
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, parseErr := mime.ParseMediaType(contentType)
	if parseErr != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	mediaType = strings.ToLower(mediaType)

	// HLS判定: 拡張子またはContent-Type
	if ext == ".m3u8" || hlsContentTypes[mediaType] {
		return &model.DetectResult{
			Type:     model.ItemTypeHLS,
			FinalURL: finalURL,
			Adapter:  "probe",
		}, nil
	}

	// 直接ファイル判定: 拡張子許可リストまたはvideo/*
	if fileExtensions[ext] || strings.HasPrefix(mediaType, "video/") {
		return &model.DetectResult{
			Type:     model.ItemTypeFile,
			FinalURL: finalURL,
			Adapter:  "probe",
		}, nil
	}

	return &model.DetectResult{
		Type:     model.ItemTypeUnsupported,
		FinalURL: finalURL,
		Reason:   model.NewUnknownSourceError(ext, mediaType).Message,
		Adapter:  "probe",
	}, nil
}

// hostMatches はホストがドメインまたはそのサブドメインかを判定する。
func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// matchYouTube はYouTubeのURLを判定する。
func matchYouTube(u *url.URL) (*model.DetectResult, bool) {
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))

	if host == "youtu.be" {
		if len(strings.Trim(u.Path, "/")) > 0 {
			return &model.DetectResult{Type: model.ItemTypeYouTube}, true
		}
		return &model.DetectResult{
			Type:   model.ItemTypeUnsupported,
			Reason: model.NewWrongPostPathError("YouTube", "短縮URLに動画IDが含まれていません。").Message,
		}, true
	}

	if !hostMatches(host, "youtube.com") {
		return nil, false
	}
	if youtubeWatchRe.MatchString(u.Path) && u.Query().Get("v") != "" {
		return &model.DetectResult{Type: model.ItemTypeYouTube}, true
	}
	if youtubeShortsRe.MatchString(u.Path) {
		return &model.DetectResult{Type: model.ItemTypeYouTube}, true
	}
	return &model.DetectResult{
		Type:   model.ItemTypeUnsupported,
		Reason: model.NewWrongPostPathError("YouTube", "動画URL（watch?v=... または youtu.be/...）を指定してください。").Message,
	}, true
}

// matchInstagram はInstagramの投稿URLを判定する。
func matchInstagram(u *url.URL) (*model.DetectResult, bool) {
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if !hostMatches(host, "instagram.com") {
		return nil, false
	}
	if instagramPostRe.MatchString(u.Path) {
		return &model.DetectResult{Type: model.ItemTypeInstagram}, true
	}
	return &model.DetectResult{
		Type:   model.ItemTypeUnsupported,
		Reason: model.NewWrongPostPathError("Instagram", "投稿URL（/p/、/reel/、/tv/）を指定してください。").Message,
	}, true
}

// matchVimeo はVimeoの動画URLを判定する。
func matchVimeo(u *url.URL) (*model.DetectResult, bool) {
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if host == "player.vimeo.com" {
		if vimeoPlayerRe.MatchString(u.Path) {
			return &model.DetectResult{Type: model.ItemTypeVimeo}, true
		}
		return &model.DetectResult{
			Type:   model.ItemTypeUnsupported,
			Reason: model.NewWrongPostPathError("Vimeo", "プレイヤーURLに動画IDが含まれていません。").Message,
		}, true
	}
	if !hostMatches(host, "vimeo.com") {
		return nil, false
	}
	if vimeoVideoRe.MatchString(u.Path) {
		return &model.DetectResult{Type: model.ItemTypeVimeo}, true
	}
	return &model.DetectResult{
		Type:   model.ItemTypeUnsupported,
		Reason: model.NewWrongPostPathError("Vimeo", "動画URL（vimeo.com/動画ID）を指定してください。").Message,
	}, true
}

// matchDailymotion はDailymotionの動画URLを判定する。
func matchDailymotion(u *url.URL) (*model.DetectResult, bool) {
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if host == "dai.ly" {
		if len(strings.Trim(u.Path, "/")) > 0 {
			return &model.DetectResult{Type: model.ItemTypeDailymotion}, true
		}
		return &model.DetectResult{
			Type:   model.ItemTypeUnsupported,
			Reason: model.NewWrongPostPathError("Dailymotion", "短縮URLに動画IDが含まれていません。").Message,
		}, true
	}
	if !hostMatches(host, "dailymotion.com") {
		return nil, false
	}
	if dailymotionRe.MatchString(u.Path) {
		return &model.DetectResult{Type: model.ItemTypeDailymotion}, true
	}
	return &model.DetectResult{
		Type:   model.ItemTypeUnsupported,
		Reason: model.NewWrongPostPathError("Dailymotion", "動画URL（/video/動画ID）を指定してください。").Message,
	}, true
}

// matchVlive はVLIVEの動画URLを判定する。
func matchVlive(u *url.URL) (*model.DetectResult, bool) {
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if !hostMatches(host, "vlive.tv") {
		return nil, false
	}
	if vliveVideoRe.MatchString(u.Path) {
		return &model.DetectResult{Type: model.ItemTypeVlive}, true
	}
	return &model.DetectResult{
		Type:   model.ItemTypeUnsupported,
		Reason: model.NewWrongPostPathError("VLIVE", "動画URL（/video/動画ID）を指定してください。").Message,
	}, true
}
