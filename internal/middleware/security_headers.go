package middleware

import "net/http"

// NewSecurityHeadersMiddleware はアイテムAPIのレスポンスに保護ヘッダーを付与する。
// /media配下はHTML埋め込み再生を想定するためこのミドルウェアを通さず、
// X-Frame-Options: DENY はAPIルートグループにのみ効く。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			next.ServeHTTP(w, r)
		})
	}
}
