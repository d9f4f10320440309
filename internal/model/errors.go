// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// UnsupportedError はドメイン上想定される取得不能を表す型付きエラー。
// ジョブコントローラーはこの型のエラーをstatus=unsupportedに、
// それ以外のエラーをstatus=errorにマッピングする。
// Messageはそのままユーザーに表示されるreasonとなる。
type UnsupportedError struct {
	Code    string // エラーコード
	Message string // ユーザーに表示する理由
}

// Error はerrorインターフェースを実装する。
func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// IsUnsupported はエラーチェーンにUnsupportedErrorが含まれるかを判定する。
func IsUnsupported(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}

// UnsupportedReason はエラーチェーンからユーザー向け理由を取り出す。
// UnsupportedErrorでない場合は空文字を返す。
func UnsupportedReason(err error) string {
	var ue *UnsupportedError
	if errors.As(err, &ue) {
		return ue.Message
	}
	return ""
}

// 定義済みエラーコード
const (
	ErrCodeWrongPostPath     = "WRONG_POST_PATH"
	ErrCodeBlockedPlatform   = "BLOCKED_PLATFORM"
	ErrCodeUnknownSource     = "UNKNOWN_SOURCE"
	ErrCodeEncryptedPlaylist = "ENCRYPTED_PLAYLIST"
	ErrCodeNoSegments        = "NO_SEGMENTS"
	ErrCodeSegmentLimit      = "SEGMENT_LIMIT"
	ErrCodeByteLimit         = "BYTE_LIMIT"
	ErrCodeAuthRequired      = "AUTH_REQUIRED"
	ErrCodePostNotFound      = "POST_NOT_FOUND"
	ErrCodeResolveFailed     = "RESOLVE_FAILED"
)

// NewWrongPostPathError はホストは一致したがパス形状が投稿URLでない場合のエラーを生成する。
// ホスト一致は強い意図のシグナルであるため、汎用プローブにはフォールバックしない。
func NewWrongPostPathError(platform, hint string) *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodeWrongPostPath,
		Message: fmt.Sprintf("%s のURLですが対応している投稿形式ではありません。%s", platform, hint),
	}
}

// NewBlockedPlatformError は既知の非互換プラットフォームに対するエラーを生成する。
func NewBlockedPlatformError(platform, reason string) *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodeBlockedPlatform,
		Message: fmt.Sprintf("%s には対応していません。%s", platform, reason),
	}
}

// NewUnknownSourceError はプローブでメディアと判定できなかった場合のエラーを生成する。
// 観測した拡張子とContent-Typeを理由に含め、ユーザーへ正確に伝えられるようにする。
func NewUnknownSourceError(ext, contentType string) *UnsupportedError {
	if ext == "" {
		ext = "(なし)"
	}
	if contentType == "" {
		contentType = "(なし)"
	}
	return &UnsupportedError{
		Code:    ErrCodeUnknownSource,
		Message: fmt.Sprintf("対応しているメディアとして認識できませんでした（拡張子: %s, Content-Type: %s）。", ext, contentType),
	}
}

// NewEncryptedPlaylistError は暗号化されたHLSプレイリストに対するエラーを生成する。
// EXT-X-KEYを含むプレイリストはセグメントの到達性に関わらず常に非対応とする。
func NewEncryptedPlaylistError() *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodeEncryptedPlaylist,
		Message: "暗号化されたストリーム（EXT-X-KEY）には対応していません。",
	}
}

// NewNoSegmentsError は再生可能なセグメントが1つもないプレイリストに対するエラーを生成する。
func NewNoSegmentsError() *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodeNoSegments,
		Message: "プレイリストに再生可能なセグメントがありません。",
	}
}

// NewSegmentLimitError はセグメント数が上限を超えた場合のエラーを生成する。
func NewSegmentLimitError(count, limit int) *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodeSegmentLimit,
		Message: fmt.Sprintf("セグメント数が上限を超えています（%d > %d）。", count, limit),
	}
}

// NewByteLimitError はダウンロードサイズが上限を超えた場合のエラーを生成する。
func NewByteLimitError(limit int64) *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodeByteLimit,
		Message: fmt.Sprintf("ダウンロードサイズが上限（%dバイト）を超えています。", limit),
	}
}

// NewAuthRequiredError はログインが必要なリソースに対するエラーを生成する。
func NewAuthRequiredError(platform string) *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodeAuthRequired,
		Message: fmt.Sprintf("%s でログインが必要なコンテンツのため取得できません。", platform),
	}
}

// NewPostNotFoundError は投稿が見つからない場合のエラーを生成する。
func NewPostNotFoundError(platform string) *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodePostNotFound,
		Message: fmt.Sprintf("%s の投稿が見つかりません。削除されたか非公開の可能性があります。", platform),
	}
}

// NewResolveFailedError はリゾルバがメディアURLを特定できなかった場合のエラーを生成する。
func NewResolveFailedError(platform, detail string) *UnsupportedError {
	return &UnsupportedError{
		Code:    ErrCodeResolveFailed,
		Message: fmt.Sprintf("%s からメディアURLを取得できませんでした: %s", platform, detail),
	}
}

// APIError はHTTP層の統一エラーフォーマットを表す。
// 入力エラー（不正・危険なURL）はジョブ開始前にこの型で拒否される。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, item, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みAPIエラーコード
const (
	ErrCodeInvalidURL   = "INVALID_URL"
	ErrCodeSSRFBlocked  = "SSRF_BLOCKED"
	ErrCodeItemNotFound = "ITEM_NOT_FOUND"
)

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "http:// または https:// で始まる正しいURLを入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。プライベートネットワークへのアクセスは許可されていません。",
	}
}

// NewItemNotFoundError はアイテム未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたアイテムが見つかりません: %s", itemID),
		Category: "item",
		Action:   "アイテムIDを確認してください。",
	}
}
