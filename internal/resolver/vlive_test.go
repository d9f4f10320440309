package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yusuke/mediabox/internal/model"
)

func newTestVliveResolver(t *testing.T, mux *http.ServeMux) *VliveResolver {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewVliveResolver(testFetcher{}, logger)
	r.baseURL = server.URL
	return r
}

func TestVliveResolve_FourHopWalk(t *testing.T) {
	var playInfoCookie string
	mux := http.NewServeMux()

	// ホップ1: 動画ページ → 302で投稿ページへ。セッションCookieを発行
	mux.HandleFunc("/video/12345", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1"})
		w.Header().Set("Location", "/post/1-234")
		w.WriteHeader(http.StatusFound)
	})

	// ホップ2: 投稿ページ。セッションCookieの再送を要求し、ページCookieを発行
	mux.HandleFunc("/post/1-234", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "s1" {
			t.Error("hop2: session cookie was not forwarded")
		}
		http.SetCookie(w, &http.Cookie{Name: "page", Value: "p1"})
		fmt.Fprint(w, "<html>post</html>")
	})

	// ホップ3: 匿名セッションの確立（302 + トークンCookie）
	mux.HandleFunc("/auth/anonymous", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("hop3 method = %q, want POST", r.Method)
		}
		http.SetCookie(w, &http.Cookie{Name: "token", Value: "t1"})
		w.Header().Set("Location", "/")
		w.WriteHeader(http.StatusFound)
	})

	// ホップ4: 再生情報。先頭にガードマーカーを付与する
	mux.HandleFunc("/play/v1.0/playInfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("hop4 method = %q, want POST", r.Method)
		}
		if r.URL.Query().Get("videoSeq") != "12345" {
			t.Errorf("videoSeq = %q, want 12345", r.URL.Query().Get("videoSeq"))
		}
		playInfoCookie = r.Header.Get("Cookie")
		fmt.Fprint(w, `)]}',`+"\n"+
			`[null, [[0, "https://vlive-cdn.example.com/master.m3u8", "LIVE エピソード1"]]]`)
	})

	r := newTestVliveResolver(t, mux)

	media, err := r.Resolve(context.Background(), "https://www.vlive.tv/video/12345")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if media.MediaURL != "https://vlive-cdn.example.com/master.m3u8" {
		t.Errorf("MediaURL = %q, want manifest URL", media.MediaURL)
	}
	if media.Title != "LIVE エピソード1" {
		t.Errorf("Title = %q, want LIVE エピソード1", media.Title)
	}
	if !media.IsHLS {
		t.Error("IsHLS = false, want true")
	}

	// 最終ホップには蓄積した全Cookieが含まれる
	for _, want := range []string{"session=s1", "page=p1", "token=t1"} {
		if !strings.Contains(playInfoCookie, want) {
			t.Errorf("playInfo Cookie = %q, missing %q", playInfoCookie, want)
		}
	}
}

func TestVliveResolve_VideoNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/video/12345", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r := newTestVliveResolver(t, mux)

	_, err := r.Resolve(context.Background(), "https://www.vlive.tv/video/12345")
	var ue *model.UnsupportedError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UnsupportedError", err)
	}
	if ue.Code != model.ErrCodePostNotFound {
		t.Errorf("Code = %q, want %q", ue.Code, model.ErrCodePostNotFound)
	}
}

func TestVliveResolve_MissingLocation_ResolveFailed(t *testing.T) {
	mux := http.NewServeMux()
	// 302が期待されるホップが200を返す（Locationなし）
	mux.HandleFunc("/video/12345", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>unexpected page</html>")
	})

	r := newTestVliveResolver(t, mux)

	_, err := r.Resolve(context.Background(), "https://www.vlive.tv/video/12345")
	var ue *model.UnsupportedError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UnsupportedError", err)
	}
	if ue.Code != model.ErrCodeResolveFailed {
		t.Errorf("Code = %q, want %q", ue.Code, model.ErrCodeResolveFailed)
	}
}

func TestVliveResolve_PlayInfoForbidden_AuthRequired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/video/12345", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/post/1-234")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/post/1-234", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>post</html>")
	})
	mux.HandleFunc("/auth/anonymous", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/play/v1.0/playInfo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	r := newTestVliveResolver(t, mux)

	_, err := r.Resolve(context.Background(), "https://www.vlive.tv/video/12345")
	var ue *model.UnsupportedError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UnsupportedError", err)
	}
	if ue.Code != model.ErrCodeAuthRequired {
		t.Errorf("Code = %q, want %q", ue.Code, model.ErrCodeAuthRequired)
	}
}

func TestExtractVlivePlayInfo(t *testing.T) {
	cases := []struct {
		name      string
		payload   []any
		wantURL   string
		wantTitle string
		wantOK    bool
	}{
		{
			name:      "正常なペイロード",
			payload:   []any{float64(0), []any{[]any{float64(0), "https://cdn/m.m3u8", "タイトル"}}},
			wantURL:   "https://cdn/m.m3u8",
			wantTitle: "タイトル",
			wantOK:    true,
		},
		{
			name:    "タイトルなし",
			payload: []any{float64(0), []any{[]any{float64(0), "https://cdn/m.m3u8"}}},
			wantURL: "https://cdn/m.m3u8",
			wantOK:  true,
		},
		{
			name:    "ストリーム行が空",
			payload: []any{float64(0), []any{}},
			wantOK:  false,
		},
		{
			name:    "要素が足りない",
			payload: []any{float64(0)},
			wantOK:  false,
		},
		{
			name:    "URLが文字列でない",
			payload: []any{float64(0), []any{[]any{float64(0), float64(1)}}},
			wantOK:  false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotURL, gotTitle, ok := extractVlivePlayInfo(tc.payload)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if gotURL != tc.wantURL {
				t.Errorf("manifestURL = %q, want %q", gotURL, tc.wantURL)
			}
			if gotTitle != tc.wantTitle {
				t.Errorf("title = %q, want %q", gotTitle, tc.wantTitle)
			}
		})
	}
}
