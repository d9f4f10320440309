package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/model"
)

// vliveJSONGuard は再生情報APIのレスポンス先頭に付与されるコメントマーカー。
// JSONとして解析する前に取り除く必要がある。
const vliveJSONGuard = ")]}',"

// vliveIDRe は動画ページURLのパスから動画番号を抽出する。
var vliveIDRe = regexp.MustCompile(`/video/(\d+)`)

// VliveResolver は匿名ブラウザのログイン動作を模倣する
// 固定4ホップのCookieセッションウォーク型リゾルバ。
// 各ホップのSet-CookieをドメインごとのCookieJarへ取り込み、
// 以降のリクエストで蓄積したジャーを再送する。リダイレクトは全て手動処理。
type VliveResolver struct {
	fetcher Fetcher
	logger  *slog.Logger
	baseURL string // テスト用に差し替え可能
}

// NewVliveResolver はVliveResolverの新しいインスタンスを生成する。
func NewVliveResolver(fetcher Fetcher, logger *slog.Logger) *VliveResolver {
	return &VliveResolver{
		fetcher: fetcher,
		logger:  logger,
		baseURL: "https://www.vlive.tv",
	}
}

// Platform はプラットフォーム名を返す。
func (r *VliveResolver) Platform() string { return "VLIVE" }

// Resolve は動画URLをHLSマニフェストURLに解決する。
// ウォークは次の固定4ホップで構成される:
//  1. GET  /video/{id}        … 302で投稿ページへ。セッションCookieを取得
//  2. GET  投稿ページ          … ジャーを再送してページCookieを取得
//  3. POST /auth/anonymous    … 匿名セッションを確立（302 + トークンCookie）
//  4. POST /play/v1.0/playInfo … ガード付きJSONから再生情報を取得
func (r *VliveResolver) Resolve(ctx context.Context, pageURL string) (*model.ResolvedMedia, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, model.NewResolveFailedError("VLIVE", "URLを解析できません。")
	}
	m := vliveIDRe.FindStringSubmatch(u.Path)
	if m == nil {
		return nil, model.NewResolveFailedError("VLIVE", "動画番号を特定できません。")
	}
	videoSeq := m[1]

	jar := NewCookieJar()

	// ホップ1: 動画ページ。302のLocationが投稿ページを指す
	hop1URL := fmt.Sprintf("%s/video/%s", r.baseURL, videoSeq)
	postURL, jar, err := r.redirectHop(ctx, http.MethodGet, hop1URL, jar)
	if err != nil {
		return nil, err
	}

	// ホップ2: 投稿ページ。ページ表示に伴うCookieを取り込む
	jar, err = r.pageHop(ctx, postURL, jar)
	if err != nil {
		return nil, err
	}

	// ホップ3: 匿名セッションの確立
	authURL := fmt.Sprintf("%s/auth/anonymous", r.baseURL)
	if _, jar, err = r.redirectHop(ctx, http.MethodPost, authURL, jar); err != nil {
		return nil, err
	}

	// ホップ4: 再生情報の取得
	playURL := fmt.Sprintf("%s/play/v1.0/playInfo?videoSeq=%s", r.baseURL, videoSeq)
	return r.playInfoHop(ctx, playURL, jar)
}

// redirectHop はリダイレクト前提の1ホップを実行する。
// Set-Cookieを取り込み、解決済みのLocationと更新後のジャーを返す。
// Locationが無い場合はウォーク継続不能として解決失敗を返す。
func (r *VliveResolver) redirectHop(ctx context.Context, method, hopURL string, jar CookieJar) (string, CookieJar, error) {
	resp, finalURL, err := r.doHop(ctx, method, hopURL, jar)
	if err != nil {
		return "", jar, err
	}
	defer resp.Body.Close()

	host := hostOf(finalURL)
	jar = jar.Absorb(host, resp)

	if resp.StatusCode == http.StatusNotFound {
		return "", jar, model.NewPostNotFoundError("VLIVE")
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", jar, model.NewResolveFailedError("VLIVE",
			fmt.Sprintf("セッションウォーク中にLocationヘッダーがありません（ステータス %d）。", resp.StatusCode))
	}

	base, err := url.Parse(finalURL)
	if err != nil {
		return "", jar, fmt.Errorf("ホップURLの解析に失敗しました: %w", err)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", jar, fmt.Errorf("Locationヘッダーの解析に失敗しました: %w", err)
	}
	return base.ResolveReference(ref).String(), jar, nil
}

// pageHop はページ表示の1ホップを実行し、Cookieだけを取り込む。
func (r *VliveResolver) pageHop(ctx context.Context, hopURL string, jar CookieJar) (CookieJar, error) {
	resp, finalURL, err := r.doHop(ctx, http.MethodGet, hopURL, jar)
	if err != nil {
		return jar, err
	}
	defer resp.Body.Close()

	jar = jar.Absorb(hostOf(finalURL), resp)

	if resp.StatusCode == http.StatusNotFound {
		return jar, model.NewPostNotFoundError("VLIVE")
	}
	if resp.StatusCode >= 400 {
		return jar, fmt.Errorf("投稿ページがステータス %d を返しました", resp.StatusCode)
	}
	return jar, nil
}

// playInfoHop は最終ホップを実行し、ガード付きJSONから再生情報を取り出す。
// マニフェストURLとタイトルはネストした配列の固定位置から読み取る。
func (r *VliveResolver) playInfoHop(ctx context.Context, hopURL string, jar CookieJar) (*model.ResolvedMedia, error) {
	resp, _, err := r.doHop(ctx, http.MethodPost, hopURL, jar)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, model.NewAuthRequiredError("VLIVE")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("再生情報APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	// 先頭のコメントマーカーを取り除いてからJSONとして解析する
	text := strings.TrimSpace(string(body))
	text = strings.TrimPrefix(text, vliveJSONGuard)

	var payload []any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("再生情報の解析に失敗しました: %w", err)
	}

	manifestURL, title, ok := extractVlivePlayInfo(payload)
	if !ok || manifestURL == "" {
		return nil, model.NewResolveFailedError("VLIVE", "再生情報にマニフェストURLがありません。")
	}

	return &model.ResolvedMedia{
		MediaURL: manifestURL,
		Title:    CleanTitle(title),
		IsHLS:    true,
	}, nil
}

// doHop はジャーのCookieを付与して1リクエストを実行する。リダイレクトは追従しない。
func (r *VliveResolver) doHop(ctx context.Context, method, hopURL string, jar CookieJar) (*http.Response, string, error) {
	headers := map[string]string{}
	if cookie := jar.HeaderFor(hostOf(hopURL)); cookie != "" {
		headers["Cookie"] = cookie
	}
	return r.fetcher.Do(ctx, hopURL, fetch.Options{
		Method:            method,
		Headers:           headers,
		DisallowRedirects: true,
	})
}

// extractVlivePlayInfo は再生情報ペイロードの固定位置から
// マニフェストURL（payload[1][0][1]）とタイトル（payload[1][0][2]）を読み取る。
func extractVlivePlayInfo(payload []any) (manifestURL, title string, ok bool) {
	if len(payload) < 2 {
		return "", "", false
	}
	streams, ok := payload[1].([]any)
	if !ok || len(streams) == 0 {
		return "", "", false
	}
	row, ok := streams[0].([]any)
	if !ok || len(row) < 2 {
		return "", "", false
	}
	manifestURL, ok = row[1].(string)
	if !ok {
		return "", "", false
	}
	if len(row) >= 3 {
		if t, isStr := row[2].(string); isStr {
			title = t
		}
	}
	return manifestURL, title, true
}

// hostOf はURLからホスト名を取り出す。解析できない場合は空文字を返す。
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
