package resolver

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/yusuke/mediabox/internal/fetch"
)

// testFetcher はテストサーバーへ直接リクエストするFetcher。
// Optionsのメソッド・ヘッダー・リダイレクト抑止を尊重する。
type testFetcher struct{}

func (testFetcher) Do(ctx context.Context, rawURL string, opts fetch.Options) (*http.Response, string, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{}
	if opts.DisallowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	return resp, resp.Request.URL.String(), nil
}

func TestCleanTitle(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"HTMLタグの除去", "<b>動画</b>タイトル", "動画タイトル"},
		{"空白の畳み込み", "  タイトル \n\t その2  ", "タイトル その2"},
		{"スクリプトの除去", `<script>alert(1)</script>安全なタイトル`, "安全なタイトル"},
		{"空文字", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanTitle(tc.raw); got != tc.want {
				t.Errorf("CleanTitle(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestCleanTitle_TruncatesLongTitles(t *testing.T) {
	long := strings.Repeat("あ", maxTitleLength+50)
	got := CleanTitle(long)
	if runes := []rune(got); len(runes) != maxTitleLength {
		t.Errorf("len(CleanTitle(long)) = %d runes, want %d", len(runes), maxTitleLength)
	}
}
