// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// OwnerKeyHeader はクライアントを識別するリクエストヘッダー名。
// 認証ではなく、アイテムの可視範囲を分けるための不透明なキー。
const OwnerKeyHeader = "X-Owner-Key"

// ownerKeyContextKey はコンテキストキーの衝突を避けるための専用型。
type ownerKeyContextKey struct{}

// ErrNoOwnerKey はコンテキストにオーナーキーが存在しないことを示す。
var ErrNoOwnerKey = errors.New("オーナーキーがコンテキストに存在しません")

// maxOwnerKeyLength はオーナーキーの最大長。
const maxOwnerKeyLength = 128

// NewOwnerKeyMiddleware はX-Owner-Keyヘッダーを検証してコンテキストへ格納する
// ミドルウェアを返す。ヘッダーが無い・長すぎるリクエストは400で拒否する。
func NewOwnerKeyMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(OwnerKeyHeader))
			if key == "" || len(key) > maxOwnerKeyLength {
				http.Error(w, "missing or invalid owner key", http.StatusBadRequest)
				return
			}
			ctx := context.WithValue(r.Context(), ownerKeyContextKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerKeyFromContext はコンテキストからオーナーキーを取り出す。
func OwnerKeyFromContext(ctx context.Context) (string, error) {
	key, ok := ctx.Value(ownerKeyContextKey{}).(string)
	if !ok || key == "" {
		return "", ErrNoOwnerKey
	}
	return key, nil
}
