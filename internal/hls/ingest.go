// Package hls はHLSプレイリストの取り込みとローカル書き換えを提供する。
// マスタープレイリストから最高帯域のバリアントを選択し、
// セグメント数・合計バイト数の予算内で各リソースを一度だけダウンロードして、
// ローカル相対パスに書き換えたプレイリストを生成する。
package hls

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/yusuke/mediabox/internal/fetch"
	"github.com/yusuke/mediabox/internal/model"
)

const (
	// maxPlaylistBytes はプレイリスト本体の読み込み上限。
	maxPlaylistBytes = 10 * 1024 * 1024

	// copyChunkSize はセグメント書き込みのチャンクサイズ。
	// バイト予算とキャンセルはこの単位で検査される。
	copyChunkSize = 32 * 1024

	// IndexFileName は書き換え後プレイリストのファイル名。アイテムの再生起点。
	IndexFileName = "index.m3u8"

	// SegmentsDirName はセグメント格納ディレクトリ名。
	SegmentsDirName = "segments"
)

var (
	bandwidthRe = regexp.MustCompile(`BANDWIDTH=(\d+)`)
	mapURIRe    = regexp.MustCompile(`URI="([^"]+)"`)
)

// Fetcher は安全なHTTPフェッチのインターフェース。
type Fetcher interface {
	Do(ctx context.Context, rawURL string, opts fetch.Options) (*http.Response, string, error)
}

// Limits は1回の取り込みに適用される予算。
type Limits struct {
	MaxSegments   int   // ユニーク参照ではなく参照行数に対する上限
	MaxTotalBytes int64 // 全リソースの合計バイト数上限
}

// refKind はプレイリスト参照の種類を表す。
type refKind int

const (
	refSegment refKind = iota
	refInitMap
)

// playlistRef はプレイリスト中のリソース参照1つ分。1回の取り込みに閉じた一時データ。
type playlistRef struct {
	kind      refKind
	lineIndex int
	absURL    string
}

// Result は取り込み完了時の結果。
type Result struct {
	IndexPath    string // 書き換え済みプレイリストの絶対パス
	TotalBytes   int64  // ダウンロードした合計バイト数
	SegmentCount int    // ダウンロードしたユニークリソース数
}

// Engine はHLS取り込みエンジン。
type Engine struct {
	fetcher Fetcher
	logger  *slog.Logger
	limits  Limits
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(fetcher Fetcher, logger *slog.Logger, limits Limits) *Engine {
	return &Engine{
		fetcher: fetcher,
		logger:  logger,
		limits:  limits,
	}
}

// Ingest はプレイリストURLからローカル再生可能なコピーをdestDirに生成する。
// 渡されたURLがマスタープレイリストの場合は最高帯域のバリアントを採用する。
// progressが非nilの場合、リソース1つのダウンロード完了ごとに累計バイト数で呼ばれる。
// 暗号化・予算超過・認証要求はmodel.UnsupportedErrorとして返す。
func (e *Engine) Ingest(ctx context.Context, playlistURL string, headers map[string]string, destDir string, progress func(totalBytes int64)) (*Result, error) {
	lines, baseURL, err := e.fetchPlaylist(ctx, playlistURL, headers)
	if err != nil {
		return nil, err
	}

	// マスタープレイリストなら最高帯域バリアントのメディアプレイリストを取得し直す
	if variantURL := selectBestVariant(lines, baseURL); variantURL != "" {
		e.logger.Info("マスタープレイリストからバリアントを選択しました",
			slog.String("variant_url", variantURL),
		)
		lines, baseURL, err = e.fetchPlaylist(ctx, variantURL, headers)
		if err != nil {
			return nil, err
		}
	}

	refs, err := collectRefs(lines, baseURL)
	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return nil, model.NewNoSegmentsError()
	}
	if e.limits.MaxSegments > 0 && len(refs) > e.limits.MaxSegments {
		// 1つもダウンロードする前に確定させる
		return nil, model.NewSegmentLimitError(len(refs), e.limits.MaxSegments)
	}

	// 絶対URLで重複排除し、ユニークリソースごとに決定的なローカル名を割り当てる
	localNames := assignLocalNames(refs)

	segmentsDir := filepath.Join(destDir, SegmentsDirName)
	if err := os.MkdirAll(segmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("セグメントディレクトリの作成に失敗しました: %w", err)
	}

	var totalBytes int64
	downloaded := 0
	for _, ref := range refs {
		name := localNames[ref.absURL]
		dest := filepath.Join(segmentsDir, name)
		if _, err := os.Stat(dest); err == nil {
			// 同一URLが複数行から参照されていても一度だけダウンロードする
			continue
		}

		n, err := e.downloadResource(ctx, ref.absURL, headers, dest, totalBytes)
		if err != nil {
			return nil, err
		}
		totalBytes += n
		downloaded++

		if e.limits.MaxTotalBytes > 0 && totalBytes > e.limits.MaxTotalBytes {
			return nil, model.NewByteLimitError(e.limits.MaxTotalBytes)
		}
		if progress != nil {
			progress(totalBytes)
		}
	}

	// 参照行をローカル相対パスに書き換える。その他の行（タグ・コメント）は保持する
	rewritten := rewriteLines(lines, refs, localNames)
	indexPath := filepath.Join(destDir, IndexFileName)
	if err := os.WriteFile(indexPath, []byte(strings.Join(rewritten, "\n")), 0o644); err != nil {
		return nil, fmt.Errorf("プレイリストの書き込みに失敗しました: %w", err)
	}

	return &Result{
		IndexPath:    indexPath,
		TotalBytes:   totalBytes,
		SegmentCount: downloaded,
	}, nil
}

// fetchPlaylist はプレイリストを取得して行リストと最終URLを返す。
// 最終URLは相対参照の解決基準になる。
func (e *Engine) fetchPlaylist(ctx context.Context, playlistURL string, headers map[string]string) ([]string, string, error) {
	resp, finalURL, err := e.fetcher.Do(ctx, playlistURL, fetch.Options{Headers: headers})
	if err != nil {
		return nil, "", fmt.Errorf("プレイリストの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, "", model.NewAuthRequiredError("配信元")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("プレイリストの取得がステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, "", fmt.Errorf("プレイリストの読み取りに失敗しました: %w", err)
	}

	return strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n"), finalURL, nil
}

// selectBestVariant はマスタープレイリストから最高帯域バリアントのURLを返す。
// バリアントが存在しない（メディアプレイリストである）場合は空文字を返す。
func selectBestVariant(lines []string, baseURL string) string {
	bestBandwidth := -1
	bestURL := ""

	for i, line := range lines {
		if !strings.HasPrefix(line, "#EXT-X-STREAM-INF") {
			continue
		}
		bandwidth := 0
		if m := bandwidthRe.FindStringSubmatch(line); m != nil {
			bandwidth, _ = strconv.Atoi(m[1])
		}
		// STREAM-INFタグの次の非コメント行がバリアントのURI
		for j := i + 1; j < len(lines); j++ {
			candidate := strings.TrimSpace(lines[j])
			if candidate == "" || strings.HasPrefix(candidate, "#") {
				continue
			}
			if bandwidth > bestBandwidth {
				bestBandwidth = bandwidth
				bestURL = resolveRef(baseURL, candidate)
			}
			break
		}
	}

	return bestURL
}

// collectRefs はメディアプレイリストの行からリソース参照を収集する。
// EXT-X-KEYを検出した時点で暗号化コンテンツとして打ち切る。
func collectRefs(lines []string, baseURL string) ([]playlistRef, error) {
	var refs []playlistRef

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXT-X-KEY") {
			// 暗号化ストリームはセグメントの到達性に関わらず常に非対応
			return nil, model.NewEncryptedPlaylistError()
		}

		if strings.HasPrefix(line, "#EXT-X-MAP") {
			m := mapURIRe.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("EXT-X-MAPタグにURI属性がありません: %s", line)
			}
			refs = append(refs, playlistRef{
				kind:      refInitMap,
				lineIndex: i,
				absURL:    resolveRef(baseURL, m[1]),
			})
			continue
		}

		if strings.HasPrefix(line, "#") {
			continue
		}

		refs = append(refs, playlistRef{
			kind:      refSegment,
			lineIndex: i,
			absURL:    resolveRef(baseURL, line),
		})
	}

	return refs, nil
}

// assignLocalNames はユニークな絶対URLごとに決定的なローカルファイル名を割り当てる。
// セグメントはseg-NNNNN、初期化セグメントはmap-NNNNNで、拡張子はURLから推測する。
func assignLocalNames(refs []playlistRef) map[string]string {
	names := make(map[string]string)
	segSeq, mapSeq := 0, 0

	for _, ref := range refs {
		if _, ok := names[ref.absURL]; ok {
			continue
		}
		ext := extFromURL(ref.absURL)
		switch ref.kind {
		case refInitMap:
			if ext == "" {
				ext = ".mp4"
			}
			names[ref.absURL] = fmt.Sprintf("map-%05d%s", mapSeq, ext)
			mapSeq++
		default:
			if ext == "" {
				ext = ".ts"
			}
			names[ref.absURL] = fmt.Sprintf("seg-%05d%s", segSeq, ext)
			segSeq++
		}
	}

	return names
}

// downloadResource はリソース1つをチャンク単位でダウンロードしてdestへ書き込む。
// 各チャンクの後に合計バイト数の予算とキャンセルを検査し、超過した瞬間に中断する。
func (e *Engine) downloadResource(ctx context.Context, resourceURL string, headers map[string]string, dest string, bytesSoFar int64) (int64, error) {
	resp, _, err := e.fetcher.Do(ctx, resourceURL, fetch.Options{Headers: headers})
	if err != nil {
		return 0, fmt.Errorf("セグメントの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// いずれかのリソースの認証要求は取り込み全体を非対応として終了させる
		return 0, model.NewAuthRequiredError("配信元")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("セグメントの取得がステータス %d を返しました（URL: %s）", resp.StatusCode, resourceURL)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("セグメントファイルの作成に失敗しました: %w", err)
	}
	defer f.Close()

	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("セグメントの書き込みに失敗しました: %w", writeErr)
			}
			written += int64(n)

			if e.limits.MaxTotalBytes > 0 && bytesSoFar+written > e.limits.MaxTotalBytes {
				return written, model.NewByteLimitError(e.limits.MaxTotalBytes)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("セグメントの読み取りに失敗しました: %w", readErr)
		}
	}
}

// rewriteLines は参照行をローカル相対パスに書き換えた行リストを返す。
// セグメント行は行全体を置換し、EXT-X-MAP行はURI属性の値だけを置換する。
func rewriteLines(lines []string, refs []playlistRef, localNames map[string]string) []string {
	out := make([]string, len(lines))
	copy(out, lines)

	for _, ref := range refs {
		localPath := path.Join(SegmentsDirName, localNames[ref.absURL])
		switch ref.kind {
		case refInitMap:
			out[ref.lineIndex] = mapURIRe.ReplaceAllString(out[ref.lineIndex], `URI="`+localPath+`"`)
		default:
			out[ref.lineIndex] = localPath
		}
	}

	return out
}

// resolveRef は参照をベースURL基準の絶対URLに解決する。
func resolveRef(baseURL, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

// extFromURL はURLのパスから拡張子を取り出す。クエリ文字列は無視する。
func extFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if len(ext) > 5 {
		return ""
	}
	return strings.ToLower(ext)
}
