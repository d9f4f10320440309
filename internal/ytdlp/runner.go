// Package ytdlp は外部コマンドyt-dlpの実行を薄くラップする。
// メタデータの取得（-J）とダウンロードの2操作のみを提供し、
// フォーマット選択やサイズ上限の判断は呼び出し側が行う。
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// stderrTailBytes は失敗時にエラーへ含めるstderrの最大バイト数。
const stderrTailBytes = 2048

// progressRe は--newline出力の進捗行からパーセントと推定サイズを抽出する。
// 例: "[download]  12.3% of ~ 120.50MiB at 1.20MiB/s ETA 01:23"
var progressRe = regexp.MustCompile(`\[download\]\s+([\d.]+)% of ~?\s*([\d.]+)(KiB|MiB|GiB|B)`)

// Format はyt-dlpが報告する1フォーマット分のメタデータ。
type Format struct {
	FormatID       string `json:"format_id"`
	Ext            string `json:"ext"`
	Vcodec         string `json:"vcodec"`
	Acodec         string `json:"acodec"`
	Protocol       string `json:"protocol"`
	Filesize       int64  `json:"filesize"`
	FilesizeApprox int64  `json:"filesize_approx"`
}

// SizeBytes は確定サイズを優先し、なければ推定サイズを返す。どちらも無ければ0。
func (f Format) SizeBytes() int64 {
	if f.Filesize > 0 {
		return f.Filesize
	}
	return f.FilesizeApprox
}

// HasVideo は動画トラックを含むかを返す。
func (f Format) HasVideo() bool { return f.Vcodec != "" && f.Vcodec != "none" }

// HasAudio は音声トラックを含むかを返す。
func (f Format) HasAudio() bool { return f.Acodec != "" && f.Acodec != "none" }

// Metadata は-Jで取得した動画メタデータ（必要な部分のみ）。
type Metadata struct {
	Title   string   `json:"title"`
	Formats []Format `json:"formats"`
}

// ProgressFunc はダウンロード進捗の通知を受け取る。
// totalBytesはyt-dlpの推定値であり、確定サイズではない。
type ProgressFunc func(percent float64, totalBytes int64)

// Runner はyt-dlpコマンドの実行器。
type Runner struct {
	path   string // yt-dlpバイナリのパス
	logger *slog.Logger
}

// NewRunner はRunnerの新しいインスタンスを生成する。
func NewRunner(path string, logger *slog.Logger) *Runner {
	return &Runner{path: path, logger: logger}
}

// Available はyt-dlpバイナリが実行可能かを返す。
func (r *Runner) Available() bool {
	_, err := exec.LookPath(r.path)
	return err == nil
}

// Inspect は動画のメタデータをダウンロードせずに取得する。
func (r *Runner) Inspect(ctx context.Context, videoURL string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, r.path, "-J", "--no-playlist", videoURL)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlpのメタデータ取得に失敗しました: %w: %s", err, tail(stderr.String()))
	}

	var meta Metadata
	if err := json.Unmarshal(stdout.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("yt-dlpメタデータの解析に失敗しました: %w", err)
	}
	return &meta, nil
}

// Download は動画をdestPathへダウンロードする。
// formatSelectorはyt-dlpの-f構文（例: "bv*+ba/b"）。
// 進捗行を検出するたびにprogressを呼び出す（nil可）。
func (r *Runner) Download(ctx context.Context, videoURL, destPath, formatSelector string, progress ProgressFunc) error {
	args := []string{
		"--no-playlist",
		"--newline",
		"-f", formatSelector,
		"-o", destPath,
		videoURL,
	}
	cmd := exec.CommandContext(ctx, r.path, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("yt-dlpの標準出力パイプの作成に失敗しました: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("yt-dlpの起動に失敗しました: %w", err)
	}

	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if progress == nil {
			continue
		}
		if percent, total, ok := parseProgressLine(line); ok {
			progress(percent, total)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("yt-dlpのダウンロードに失敗しました: %w: %s", err, tail(stderr.String()))
	}
	return nil
}

// parseProgressLine は進捗行からパーセントと推定合計バイト数を抽出する。
func parseProgressLine(line string) (percent float64, totalBytes int64, ok bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0, false
	}
	size, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return percent, 0, true
	}
	switch m[3] {
	case "KiB":
		size *= 1024
	case "MiB":
		size *= 1024 * 1024
	case "GiB":
		size *= 1024 * 1024 * 1024
	}
	return percent, int64(size), true
}

// tail はstderr出力の末尾を切り出す。エラーメッセージは通常末尾に出る。
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return s
}
