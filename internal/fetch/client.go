// Package fetch はSSRF検証付きの安全なHTTPフェッチ層を提供する。
// リダイレクトは自動追従せず、ホップごとに安全性を再検証しながら手動で追従する。
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// defaultUserAgent は全リクエストに付与するUser-Agent。
const defaultUserAgent = "Mediabox/1.0 Media Fetcher"

// redirectBodyDrainLimit はリダイレクトレスポンスのボディを破棄する際の上限。
// コネクション再利用のために読み捨てるだけなので小さくてよい。
const redirectBodyDrainLimit = 64 * 1024

// ErrTooManyRedirects はリダイレクトホップ数が上限を超えたことを示す。
var ErrTooManyRedirects = errors.New("too many redirects")

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	ValidateURLResolved(ctx context.Context, rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Options はDoに渡すHTTPリクエストのオプション。
type Options struct {
	Method  string            // 省略時はGET
	Headers map[string]string // 追加ヘッダー。User-Agentは未指定時にデフォルトを付与
	Body    io.Reader         // POST等のリクエストボディ

	// DisallowRedirects がtrueの場合、3xxレスポンスもそのまま返す。
	// Cookieウォーク等、呼び出し側がLocationを自分で処理するときに使う。
	DisallowRedirects bool
}

// Client は安全なHTTPフェッチを行うクライアント。
// 1リクエストごとに、検証済みのターゲットに対してのみ接続する。
type Client struct {
	guard        SSRFValidator
	httpClient   *http.Client
	maxRedirects int
}

// NewClient はClientの新しいインスタンスを生成する。
// timeoutは1試行あたりの上限で、呼び出し側のコンテキストと併合される。
// どちらが先に発火しても実行中のリクエストは中断される。
func NewClient(guard SSRFValidator, timeout time.Duration, maxRedirects int) *Client {
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	return &Client{
		guard:        guard,
		httpClient:   guard.NewSafeClient(timeout),
		maxRedirects: maxRedirects,
	}
}

// Do はURLに対してリクエストを実行し、レスポンスと到達した最終URLを返す。
// リダイレクトは手動で追従し、各ホップでスキーム・ホスト・解決先IPの
// 安全性を再検証する。ホップ数が上限を超えた場合はErrTooManyRedirectsを返す。
// レスポンスボディのCloseは呼び出し側の責務。
func (c *Client) Do(ctx context.Context, rawURL string, opts Options) (*http.Response, string, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	// 307/308でボディを再送できるよう、最初に全体をバッファする
	var bodyBytes []byte
	if opts.Body != nil {
		b, err := io.ReadAll(opts.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read request body: %w", err)
		}
		bodyBytes = b
	}

	currentURL := rawURL

	for hop := 0; hop <= c.maxRedirects; hop++ {
		// ホップごとの安全性検証（DNS解決を含む）
		if err := c.guard.ValidateURLResolved(ctx, currentURL); err != nil {
			return nil, "", fmt.Errorf("unsafe URL at hop %d: %w", hop, err)
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, currentURL, body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to build request: %w", err)
		}

		req.Header.Set("User-Agent", defaultUserAgent)
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, "", err
		}

		if !isRedirect(resp.StatusCode) || opts.DisallowRedirects {
			return resp, currentURL, nil
		}

		// リダイレクト: Locationを現在URL基準で解決して再検証ループへ
		next, err := redirectTarget(resp, currentURL)
		drainAndClose(resp.Body)
		if err != nil {
			return nil, "", err
		}

		// 303、および非冪等メソッドの301/302はGETに切り替える
		if resp.StatusCode == http.StatusSeeOther ||
			(method != http.MethodGet && method != http.MethodHead &&
				resp.StatusCode != http.StatusTemporaryRedirect &&
				resp.StatusCode != http.StatusPermanentRedirect) {
			method = http.MethodGet
			bodyBytes = nil
		}

		currentURL = next
	}

	return nil, "", fmt.Errorf("%w (limit: %d): %s", ErrTooManyRedirects, c.maxRedirects, rawURL)
}

// isRedirect はHTTPステータスコードがリダイレクトかを判定する。
func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectTarget はLocationヘッダーを現在URL基準の絶対URLに解決する。
func redirectTarget(resp *http.Response, currentURL string) (string, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("redirect response %d without Location header", resp.StatusCode)
	}
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", fmt.Errorf("invalid current URL: %w", err)
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("invalid Location header %q: %w", loc, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// drainAndClose はコネクション再利用のためにボディを読み捨ててCloseする。
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, redirectBodyDrainLimit))
	body.Close()
}
