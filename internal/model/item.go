// Package model はドメインモデルを定義する。
package model

import "time"

// ItemType はアイテムのソース種別を表す。
// 分類器が判定する閉じた集合であり、これ以外の種別は存在しない。
type ItemType string

const (
	// ItemTypeFile は直接ダウンロード可能なメディアファイル。
	ItemTypeFile ItemType = "file"
	// ItemTypeHLS はHLSプレイリスト（マスター/メディア）。
	ItemTypeHLS ItemType = "hls"
	// ItemTypeYouTube はYouTube動画（外部yt-dlpで取得）。
	ItemTypeYouTube ItemType = "youtube"
	// ItemTypeInstagram はInstagram投稿（スクレイプチェーンで解決）。
	ItemTypeInstagram ItemType = "instagram"
	// ItemTypeVimeo はVimeo動画（プレイヤー設定APIで解決）。
	ItemTypeVimeo ItemType = "vimeo"
	// ItemTypeDailymotion はDailymotion動画（埋め込みページのJSONで解決）。
	ItemTypeDailymotion ItemType = "dailymotion"
	// ItemTypeVlive はVLIVE動画（Cookieセッションウォークで解決）。
	ItemTypeVlive ItemType = "vlive"
	// ItemTypeUnsupported は非対応ソース。
	ItemTypeUnsupported ItemType = "unsupported"
)

// ItemStatus はダウンロードジョブの状態を表す。
// 遷移: queued → downloading → {ready | unsupported | error}。
// キャンセルは状態遷移を伴わずジョブを放棄する。
type ItemStatus string

const (
	// ItemStatusQueued は受付済みでジョブ未開始の状態。
	ItemStatusQueued ItemStatus = "queued"
	// ItemStatusDownloading はジョブ実行中の状態。
	ItemStatusDownloading ItemStatus = "downloading"
	// ItemStatusReady はメディア取得完了の終端状態。
	ItemStatusReady ItemStatus = "ready"
	// ItemStatusUnsupported は非対応ソースとして終了した終端状態。
	// この状態ではTypeも必ずunsupportedに強制され、Reasonが設定される。
	ItemStatusUnsupported ItemStatus = "unsupported"
	// ItemStatusError は予期しない失敗で終了した終端状態。
	ItemStatusError ItemStatus = "error"
)

// Item はユーザーが投入したURL1件に対応するダウンロード対象を表す。
type Item struct {
	ID        string
	OwnerKey  string
	SourceURL string // ユーザーが投入したURL
	FinalURL  string // 解決後の最終URL
	Type      ItemType
	Status    ItemStatus
	Reason    string // unsupported/error時の理由。それ以外は空
	Title     string
	SizeBytes int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemPatch はアイテムの部分更新を表す。
// nilフィールドは変更しない。
type ItemPatch struct {
	FinalURL  *string
	Type      *ItemType
	Status    *ItemStatus
	Reason    *string
	Title     *string
	SizeBytes *int64
}

// DetectResult は分類器の判定結果を表す。分類呼び出しごとに生成される一時データ。
type DetectResult struct {
	Type     ItemType
	FinalURL string
	Reason   string // unsupportedの場合の理由
	Adapter  string // どのマッチャーが判定したかを示すタグ
}

// MediaKind は解決されたメディアの種類を表す。
type MediaKind string

const (
	// MediaKindVideo は動画メディア。
	MediaKindVideo MediaKind = "video"
	// MediaKindImage は静止画メディア。
	MediaKindImage MediaKind = "image"
)

// ResolvedMedia はプラットフォームリゾルバの解決結果を表す。
// MediaURLが直接ファイルの場合はKindが設定され、
// HLSマニフェストの場合はIsHLSがtrueになりRequestHeadersが付与されることがある。
type ResolvedMedia struct {
	MediaURL       string
	Title          string
	Kind           MediaKind
	IsHLS          bool
	RequestHeaders map[string]string // HLS取得時に付与するヘッダー
}
