// Package resolver はプラットフォームごとのページURLを
// 直接取得可能なメディアURLまたはHLSマニフェストURLに解決する。
// 各リゾルバは非公開エンドポイントの現時点の挙動に依存しており、
// 変更の影響がリゾルバ1つに閉じるようResolverインターフェースの背後に隔離する。
package resolver

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/model"
)

// maxResponseBytes はリゾルバが読み込むレスポンスボディの上限。
const maxResponseBytes = 5 * 1024 * 1024

// maxTitleLength はタイトルの最大文字数（rune単位）。
const maxTitleLength = 200

// Fetcher は安全なHTTPフェッチのインターフェース。
type Fetcher interface {
	Do(ctx context.Context, rawURL string, opts fetch.Options) (*http.Response, string, error)
}

// Resolver はプラットフォーム1つ分の解決ロジックのインターフェース。
// 解決失敗はmodel.UnsupportedErrorとして返し、
// ネットワーク起因の予期しない失敗は通常のエラーとして返す。
type Resolver interface {
	// Platform はリゾルバが担当するプラットフォーム名を返す。
	Platform() string
	// Resolve はページURLをResolvedMediaに解決する。
	Resolve(ctx context.Context, pageURL string) (*model.ResolvedMedia, error)
}

// titlePolicy はスクレイプしたタイトルからHTMLタグを除去するポリシー。
var titlePolicy = bluemonday.StrictPolicy()

// whitespaceRe は連続する空白文字にマッチする。
var whitespaceRe = regexp.MustCompile(`\s+`)

// CleanTitle はスクレイプしたタイトルをサニタイズする。
// HTMLタグを除去し、空白を1つに畳み、最大文字数で切り詰める。
// Sanitizeはテキストをエンティティエスケープして返すため、除去後に戻す。
func CleanTitle(raw string) string {
	s := html.UnescapeString(titlePolicy.Sanitize(raw))
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxTitleLength {
		s = string(runes[:maxTitleLength])
	}
	return s
}

// readBody はレスポンスボディを上限付きで読み込んでCloseする。
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return body, nil
}
