package resolver

import (
	"net/http"
	"sort"
	"strings"
)

// CookieJar はドメインごとのCookieを保持する明示的な値。
// 複数ホップのリクエストチェーンでクロージャに閉じ込めるのではなく、
// 各ホップが受け取り・更新して次のホップへ渡すことで、
// ウォークをホップ単位でテストしやすくする。
type CookieJar map[string]map[string]string

// NewCookieJar は空のCookieJarを生成する。
func NewCookieJar() CookieJar {
	return make(CookieJar)
}

// Absorb はレスポンスのSet-Cookieを取り込み、更新後のジャーを返す。
// Domain属性が指定されていればそのドメインに、なければリクエストホストに紐付ける。
func (j CookieJar) Absorb(host string, resp *http.Response) CookieJar {
	for _, c := range resp.Cookies() {
		domain := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		if domain == "" {
			domain = strings.ToLower(host)
		}
		if j[domain] == nil {
			j[domain] = make(map[string]string)
		}
		j[domain][c.Name] = c.Value
	}
	return j
}

// HeaderFor はホストに送信すべきCookieヘッダー値を構築する。
// ホストと一致するドメイン、およびその親ドメインのCookieを含める。
// 名前順で整列し、出力を決定的にする。
func (j CookieJar) HeaderFor(host string) string {
	host = strings.ToLower(host)

	merged := make(map[string]string)
	for domain, cookies := range j {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			for name, value := range cookies {
				merged[name] = value
			}
		}
	}
	if len(merged) == 0 {
		return ""
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+merged[name])
	}
	return strings.Join(pairs, "; ")
}
