package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/model"
)

const (
	// instagramAppID は内部GraphQLクエリに必要なアプリケーションID。
	// Web版Instagramが使用している公開値。
	instagramAppID = "936619743392459"

	// instagramDocID は投稿取得用GraphQLクエリの署名済みドキュメントID。
	instagramDocID = "10015901848480474"

	// canonicalShortcodeLen はショートコードの正規長。
	// 共有サービスがショートコードを切り詰め・延長することがあるため、
	// 正規長プレフィックスと生の文字列の両方を候補として試す。
	canonicalShortcodeLen = 11
)

// 失敗の具体度ランク。複数候補・複数戦略の失敗から最も具体的な理由を選ぶ。
// auth-required > not-found > generic の順に具体的とみなす。
const (
	failGeneric = iota
	failNotFound
	failAuth
)

// instagramPathRe は投稿パスからショートコードを抽出する。
var instagramPathRe = regexp.MustCompile(`/(?:p|reel|reels|tv)/([A-Za-z0-9_-]+)`)

// 埋め込みJSON/生URLの抽出用正規表現。優先度順にhtmlExtractorsから参照される。
var (
	videoURLFieldRe   = regexp.MustCompile(`"video_url"\s*:\s*"([^"]+)"`)
	rawMP4Re          = regexp.MustCompile(`https://[^"'\s\\]+\.mp4[^"'\s\\]*`)
	displayURLFieldRe = regexp.MustCompile(`"display_url"\s*:\s*"([^"]+)"`)
	rawImageRe        = regexp.MustCompile(`https://[^"'\s\\]+\.(?:jpg|jpeg|png|webp)[^"'\s\\]*`)
)

// InstagramResolver はInstagram投稿のマルチ戦略スクレイプチェーンリゾルバ。
// 署名付きGraphQLクエリ → レガシーJSONクエリ → HTMLフォールバックの順に試行し、
// 最初に成功した結果を返す。全戦略が失敗した場合は観測した中で
// 最も具体的な失敗理由を返す。
type InstagramResolver struct {
	fetcher Fetcher
	logger  *slog.Logger
	baseURL string // テスト用に差し替え可能
}

// NewInstagramResolver はInstagramResolverの新しいインスタンスを生成する。
func NewInstagramResolver(fetcher Fetcher, logger *slog.Logger) *InstagramResolver {
	return &InstagramResolver{
		fetcher: fetcher,
		logger:  logger,
		baseURL: "https://www.instagram.com",
	}
}

// Platform はプラットフォーム名を返す。
func (r *InstagramResolver) Platform() string { return "Instagram" }

// Resolve は投稿URLをResolvedMediaに解決する。
func (r *InstagramResolver) Resolve(ctx context.Context, pageURL string) (*model.ResolvedMedia, error) {
	codes, err := shortcodeCandidates(pageURL)
	if err != nil {
		return nil, err
	}

	bestRank := failGeneric
	for _, code := range codes {
		strategies := []struct {
			name string
			fn   func(context.Context, string) (*model.ResolvedMedia, int, error)
		}{
			{"graphql", r.tryGraphQL},
			{"legacy_json", r.tryLegacyJSON},
			{"html", r.tryHTML},
		}
		for _, s := range strategies {
			media, rank, err := s.fn(ctx, code)
			if media != nil {
				return media, nil
			}
			if rank > bestRank {
				bestRank = rank
			}
			if err != nil {
				r.logger.Info("Instagram解決戦略が失敗しました",
					slog.String("strategy", s.name),
					slog.String("shortcode", code),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	switch bestRank {
	case failAuth:
		return nil, model.NewAuthRequiredError("Instagram")
	case failNotFound:
		return nil, model.NewPostNotFoundError("Instagram")
	default:
		return nil, model.NewResolveFailedError("Instagram", "全ての取得方法が失敗しました。")
	}
}

// shortcodeCandidates は投稿URLのパスからショートコード候補を抽出する。
// 正規長（11文字）プレフィックスを先に、生の文字列が異なる場合はそれも試す。
func shortcodeCandidates(pageURL string) ([]string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, model.NewResolveFailedError("Instagram", "URLを解析できません。")
	}
	m := instagramPathRe.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, model.NewResolveFailedError("Instagram", "ショートコードを特定できません。")
	}
	raw := m[1]

	var codes []string
	if len(raw) > canonicalShortcodeLen {
		codes = append(codes, raw[:canonicalShortcodeLen])
	}
	codes = append(codes, raw)
	return codes, nil
}

// instagramGraphQLResponse は署名付きGraphQLクエリのレスポンス構造。
type instagramGraphQLResponse struct {
	Data struct {
		ShortcodeMedia *instagramMedia `json:"xdt_shortcode_media"`
	} `json:"data"`
	RequireLogin bool `json:"require_login"`
}

// instagramMedia はGraphQL/レガシーJSON双方に現れる投稿メディアの構造。
type instagramMedia struct {
	IsVideo     bool   `json:"is_video"`
	VideoURL    string `json:"video_url"`
	DisplayURL  string `json:"display_url"`
	EdgeCaption struct {
		Edges []struct {
			Node struct {
				Text string `json:"text"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"edge_media_to_caption"`
}

// tryGraphQL は署名付き内部GraphQLクエリで投稿を取得する（第1戦略）。
func (r *InstagramResolver) tryGraphQL(ctx context.Context, code string) (*model.ResolvedMedia, int, error) {
	variables, _ := json.Marshal(map[string]string{"shortcode": code})
	reqURL := fmt.Sprintf("%s/graphql/query/?doc_id=%s&variables=%s",
		r.baseURL, instagramDocID, url.QueryEscape(string(variables)))

	resp, _, err := r.fetcher.Do(ctx, reqURL, fetch.Options{
		Headers: map[string]string{
			"X-IG-App-ID": instagramAppID,
			"Accept":      "application/json",
		},
	})
	if err != nil {
		return nil, failGeneric, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, failNotFound, fmt.Errorf("GraphQLクエリが404を返しました")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, failAuth, fmt.Errorf("GraphQLクエリがステータス %d を返しました", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, failGeneric, fmt.Errorf("GraphQLクエリがステータス %d を返しました", resp.StatusCode)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, failGeneric, err
	}

	var parsed instagramGraphQLResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, failGeneric, fmt.Errorf("GraphQLレスポンスの解析に失敗しました: %w", err)
	}
	if parsed.RequireLogin {
		return nil, failAuth, fmt.Errorf("GraphQLレスポンスがログインを要求しています")
	}
	if parsed.Data.ShortcodeMedia == nil {
		return nil, failNotFound, fmt.Errorf("GraphQLレスポンスに投稿が含まれていません")
	}

	return mediaFromInstagramPost(parsed.Data.ShortcodeMedia), failGeneric, nil
}

// instagramLegacyResponse はレガシー?__a=1クエリのレスポンス構造。
type instagramLegacyResponse struct {
	GraphQL struct {
		ShortcodeMedia *instagramMedia `json:"shortcode_media"`
	} `json:"graphql"`
}

// tryLegacyJSON はレガシーの__a=1クエリパラメータ形式で投稿を取得する（第2戦略）。
func (r *InstagramResolver) tryLegacyJSON(ctx context.Context, code string) (*model.ResolvedMedia, int, error) {
	reqURL := fmt.Sprintf("%s/p/%s/?__a=1&__d=dis", r.baseURL, code)

	resp, finalURL, err := r.fetcher.Do(ctx, reqURL, fetch.Options{
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, failGeneric, err
	}

	if strings.Contains(finalURL, "/accounts/login") {
		resp.Body.Close()
		return nil, failAuth, fmt.Errorf("ログインページへリダイレクトされました")
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, failNotFound, fmt.Errorf("レガシークエリが404を返しました")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, failGeneric, fmt.Errorf("レガシークエリがステータス %d を返しました", resp.StatusCode)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, failGeneric, err
	}

	var parsed instagramLegacyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, failGeneric, fmt.Errorf("レガシーレスポンスの解析に失敗しました: %w", err)
	}
	if parsed.GraphQL.ShortcodeMedia == nil {
		return nil, failNotFound, fmt.Errorf("レガシーレスポンスに投稿が含まれていません")
	}

	return mediaFromInstagramPost(parsed.GraphQL.ShortcodeMedia), failGeneric, nil
}

// mediaFromInstagramPost は投稿メディア構造からResolvedMediaを構築する。
// CDN許可リストを通らないURLは採用しない。
func mediaFromInstagramPost(post *instagramMedia) *model.ResolvedMedia {
	title := ""
	if len(post.EdgeCaption.Edges) > 0 {
		title = CleanTitle(post.EdgeCaption.Edges[0].Node.Text)
	}

	if post.IsVideo && isAllowedInstagramMediaURL(post.VideoURL) {
		return &model.ResolvedMedia{
			MediaURL: post.VideoURL,
			Title:    title,
			Kind:     model.MediaKindVideo,
		}
	}
	if isAllowedInstagramMediaURL(post.DisplayURL) {
		return &model.ResolvedMedia{
			MediaURL: post.DisplayURL,
			Title:    title,
			Kind:     model.MediaKindImage,
		}
	}
	return nil
}

// htmlExtractor はHTMLフォールバックの抽出器1つ分。優先度順に適用される。
type htmlExtractor struct {
	name  string
	kind  model.MediaKind
	apply func(page []byte, metas map[string]string) string
}

// htmlExtractors はHTMLフォールバックの抽出器チェーン。
// og:video → twitter:player:stream → 埋め込みvideo_url → 生.mp4 URL →
// 埋め込みdisplay_url → og:image → 生画像URL の優先度で適用する。
var htmlExtractors = []htmlExtractor{
	{"og:video", model.MediaKindVideo, func(page []byte, metas map[string]string) string {
		return metas["og:video"]
	}},
	{"twitter:player:stream", model.MediaKindVideo, func(page []byte, metas map[string]string) string {
		return metas["twitter:player:stream"]
	}},
	{"video_url", model.MediaKindVideo, func(page []byte, metas map[string]string) string {
		return firstJSONMatch(videoURLFieldRe, page)
	}},
	{"raw_mp4", model.MediaKindVideo, func(page []byte, metas map[string]string) string {
		return string(rawMP4Re.Find(page))
	}},
	{"display_url", model.MediaKindImage, func(page []byte, metas map[string]string) string {
		return firstJSONMatch(displayURLFieldRe, page)
	}},
	{"og:image", model.MediaKindImage, func(page []byte, metas map[string]string) string {
		return metas["og:image"]
	}},
	{"raw_image", model.MediaKindImage, func(page []byte, metas map[string]string) string {
		return string(rawImageRe.Find(page))
	}},
}

// tryHTML は投稿ページのHTMLから抽出器チェーンでメディアURLを探す（第3戦略）。
func (r *InstagramResolver) tryHTML(ctx context.Context, code string) (*model.ResolvedMedia, int, error) {
	pageURL := fmt.Sprintf("%s/p/%s/", r.baseURL, code)

	resp, finalURL, err := r.fetcher.Do(ctx, pageURL, fetch.Options{})
	if err != nil {
		return nil, failGeneric, err
	}

	if strings.Contains(finalURL, "/accounts/login") {
		resp.Body.Close()
		return nil, failAuth, fmt.Errorf("ログインページへリダイレクトされました")
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, failNotFound, fmt.Errorf("投稿ページが404を返しました")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, failGeneric, fmt.Errorf("投稿ページがステータス %d を返しました", resp.StatusCode)
	}

	page, err := readBody(resp)
	if err != nil {
		return nil, failGeneric, err
	}

	metas := parseMetaTags(page)

	for _, ex := range htmlExtractors {
		candidate := ex.apply(page, metas)
		if candidate == "" {
			continue
		}
		if !isAllowedInstagramMediaURL(candidate) {
			// アバターや静的アセット等、投稿と無関係なCDN資産は除外する
			continue
		}
		title := CleanTitle(metas["og:title"])
		return &model.ResolvedMedia{
			MediaURL: candidate,
			Title:    title,
			Kind:     ex.kind,
		}, failGeneric, nil
	}

	// メディアが見つからないログインウォールページの判定
	if bytes.Contains(page, []byte("loginForm")) || bytes.Contains(page, []byte("Login • Instagram")) {
		return nil, failAuth, fmt.Errorf("ログインウォールページが返されました")
	}

	return nil, failGeneric, fmt.Errorf("HTMLからメディアURLを抽出できませんでした")
}

// firstJSONMatch は正規表現の最初のキャプチャをJSON文字列としてアンエスケープして返す。
func firstJSONMatch(re *regexp.Regexp, page []byte) string {
	m := re.FindSubmatch(page)
	if m == nil {
		return ""
	}
	return unescapeJSONString(string(m[1]))
}

// unescapeJSONString はJSON文字列リテラル内のエスケープ（&、\/等）を解決する。
func unescapeJSONString(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

// allowedInstagramCDNSuffixes はメディアURLとして許可するCDNホストのサフィックス。
var allowedInstagramCDNSuffixes = []string{
	".cdninstagram.com",
	".fbcdn.net",
}

// blockedInstagramPathFragments は投稿メディアではないCDN資産のパス断片。
// t51.2885-19はプロフィールアイコンのサイズクラス。
var blockedInstagramPathFragments = []string{
	"/t51.2885-19/",
	"profile_pic",
	"/static/",
	"150x150",
}

// isAllowedInstagramMediaURL は候補URLが投稿メディアのCDN URLかを判定する。
// ホストの許可リストとパスの除外リストの両方を通過する必要がある。
func isAllowedInstagramMediaURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())

	allowed := false
	for _, suffix := range allowedInstagramCDNSuffixes {
		if strings.HasSuffix(host, suffix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	lower := strings.ToLower(raw)
	for _, frag := range blockedInstagramPathFragments {
		if strings.Contains(lower, frag) {
			return false
		}
	}
	return true
}

// parseMetaTags はHTMLのmetaタグからproperty/name→contentのマップを構築する。
// headの終わりまたはbodyの始まりで走査を打ち切る。
func parseMetaTags(page []byte) map[string]string {
	metas := make(map[string]string)
	tokenizer := html.NewTokenizer(bytes.NewReader(page))

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return metas

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			if tagName == "body" {
				return metas
			}
			if tagName != "meta" || !hasAttr {
				continue
			}

			var key, content string
			for {
				k, v, more := tokenizer.TagAttr()
				switch strings.ToLower(string(k)) {
				case "property", "name":
					key = strings.ToLower(string(v))
				case "content":
					content = string(v)
				}
				if !more {
					break
				}
			}
			if key != "" && content != "" {
				if _, exists := metas[key]; !exists {
					metas[key] = content
				}
			}
		}
	}
}
