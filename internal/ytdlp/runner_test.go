package ytdlp

import (
	"strings"
	"testing"
)

func TestParseProgressLine(t *testing.T) {
	cases := []struct {
		name        string
		line        string
		wantPercent float64
		wantBytes   int64
		wantOK      bool
	}{
		{
			name:        "推定サイズ付き進捗行",
			line:        "[download]  12.3% of ~ 120.50MiB at 1.20MiB/s ETA 01:23",
			wantPercent: 12.3,
			wantBytes:   int64(120.50 * 1024 * 1024),
			wantOK:      true,
		},
		{
			name:        "確定サイズの進捗行",
			line:        "[download] 100.0% of 4.00KiB in 00:00",
			wantPercent: 100.0,
			wantBytes:   4 * 1024,
			wantOK:      true,
		},
		{
			name:        "GiB単位",
			line:        "[download]  50.0% of 1.50GiB at 5.00MiB/s ETA 02:30",
			wantPercent: 50.0,
			wantBytes:   int64(1.5 * 1024 * 1024 * 1024),
			wantOK:      true,
		},
		{
			name:   "進捗行以外",
			line:   "[youtube] abc: Downloading webpage",
			wantOK: false,
		},
		{
			name:   "空行",
			line:   "",
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			percent, total, ok := parseProgressLine(tc.line)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !tc.wantOK {
				return
			}
			if percent != tc.wantPercent {
				t.Errorf("percent = %v, want %v", percent, tc.wantPercent)
			}
			if total != tc.wantBytes {
				t.Errorf("totalBytes = %d, want %d", total, tc.wantBytes)
			}
		})
	}
}

func TestFormat_SizeBytes_PrefersExact(t *testing.T) {
	f := Format{Filesize: 100, FilesizeApprox: 900}
	if got := f.SizeBytes(); got != 100 {
		t.Errorf("SizeBytes() = %d, want exact 100", got)
	}

	f = Format{FilesizeApprox: 900}
	if got := f.SizeBytes(); got != 900 {
		t.Errorf("SizeBytes() = %d, want approx 900", got)
	}

	f = Format{}
	if got := f.SizeBytes(); got != 0 {
		t.Errorf("SizeBytes() = %d, want 0", got)
	}
}

func TestFormat_TrackDetection(t *testing.T) {
	cases := []struct {
		vcodec, acodec     string
		hasVideo, hasAudio bool
	}{
		{"avc1.64001F", "mp4a.40.2", true, true},
		{"vp9", "none", true, false},
		{"none", "opus", false, true},
		{"", "", false, false},
	}
	for _, tc := range cases {
		f := Format{Vcodec: tc.vcodec, Acodec: tc.acodec}
		if f.HasVideo() != tc.hasVideo {
			t.Errorf("Format{Vcodec: %q}.HasVideo() = %v, want %v", tc.vcodec, f.HasVideo(), tc.hasVideo)
		}
		if f.HasAudio() != tc.hasAudio {
			t.Errorf("Format{Acodec: %q}.HasAudio() = %v, want %v", tc.acodec, f.HasAudio(), tc.hasAudio)
		}
	}
}

func TestTail_TruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", stderrTailBytes*2) + "ERROR: tail end"
	got := tail(long)
	if len(got) != stderrTailBytes {
		t.Errorf("len(tail) = %d, want %d", len(got), stderrTailBytes)
	}
	if !strings.HasSuffix(got, "ERROR: tail end") {
		t.Error("tail lost the end of stderr output")
	}

	if got := tail("  short  "); got != "short" {
		t.Errorf("tail(short) = %q, want trimmed", got)
	}
}

func TestRunner_Available_MissingBinary(t *testing.T) {
	r := NewRunner("definitely-not-a-real-binary-name", nil)
	if r.Available() {
		t.Error("Available() = true for missing binary, want false")
	}
}
