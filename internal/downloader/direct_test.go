package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newDirectForServer(srv *httptest.Server) *Direct {
	d := NewDirect(nil)
	d.Client = func(Attempt) *http.Client { return srv.Client() }
	return d
}

func TestDirectMatch(t *testing.T) {
	d := NewDirect(nil)
	if !d.Match("https://cdn.example.com/clip.mp4") {
		t.Fatal("expected direct to match a generic URL")
	}
	if d.Match("https://www.youtube.com/watch?v=abc") || d.Match("https://youtu.be/abc") {
		t.Fatal("direct must not claim YouTube URLs")
	}
	if d.Match("not a url") {
		t.Fatal("direct must reject invalid URLs")
	}
}

func TestDirectDownloadMediaFile(t *testing.T) {
	payload := fakeMP4(32 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := newDirectForServer(srv)
	out := filepath.Join(t.TempDir(), "clip.mp4")
	var last Transfer
	got, err := d.Download(context.Background(), srv.URL+"/media/clip.mp4", Attempt{}, out, func(tr Transfer) { last = tr })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != out {
		t.Fatalf("expected %s, got %s", out, got)
	}
	if err := ValidateContainer(out); err != nil {
		t.Fatalf("downloaded file invalid: %v", err)
	}
	if last.Downloaded != int64(len(payload)) || last.Total != int64(len(payload)) {
		t.Fatalf("final sample %+v", last)
	}
}

func TestDirectInfoFromOpenGraph(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch/42", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head>
<title>Fallback title</title>
<meta property="og:title" content="A Page Video">
<meta property="og:image" content="/thumbs/42.jpg">
<meta property="og:video" content="/media/42.mp4">
</head><body></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newDirectForServer(srv)
	info, err := d.Info(context.Background(), srv.URL+"/watch/42", Attempt{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Title != "A Page Video" {
		t.Fatalf("expected og:title, got %q", info.Title)
	}
	if info.Thumbnail != srv.URL+"/thumbs/42.jpg" {
		t.Fatalf("expected resolved thumbnail, got %q", info.Thumbnail)
	}
	if info.Format != "mp4" || info.Extractor != "direct" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestDirectOEmbedFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head>
<link rel="alternate" type="application/json+oembed" href="/oembed">
</head><body><video src="/v.webm"></video></body></html>`)
	})
	mux.HandleFunc("/oembed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"title":"From oEmbed","author_name":"someone","thumbnail_url":"https://img.example/x.jpg"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newDirectForServer(srv)
	info, err := d.Info(context.Background(), srv.URL+"/page", Attempt{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Title != "From oEmbed" || info.Thumbnail != "https://img.example/x.jpg" || info.Format != "webm" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestDirectStatusMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusForbidden, ErrForbidden},
		{http.StatusUnauthorized, ErrForbidden},
		{http.StatusNotFound, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()
			_, err := newDirectForServer(srv).Info(context.Background(), srv.URL+"/page", Attempt{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.Code != tc.code {
				t.Fatalf("expected StatusError %d, got %v", tc.code, err)
			}
		})
	}
}

func TestDirectUnsupportedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".json") {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{}`)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>No video</title></head></html>`)
	}))
	defer srv.Close()

	d := newDirectForServer(srv)
	if _, err := d.Info(context.Background(), srv.URL+"/data.json", Attempt{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for JSON, got %v", err)
	}
	if _, err := d.Info(context.Background(), srv.URL+"/plain", Attempt{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for page without video, got %v", err)
	}
}

func TestDirectDownloadFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newDirectForServer(srv)
	d.Client = func(Attempt) *http.Client {
		return &http.Client{Transport: newRetryTransport(srv.Client().Transport, retryPolicy{Retries: 1})}
	}
	out := filepath.Join(t.TempDir(), "x.mp4")
	_, err := d.Download(context.Background(), srv.URL+"/x.mp4", Attempt{}, out, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 StatusError, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("no output may exist after a failed transfer")
	}
}

func TestParsePageVideoTagFallback(t *testing.T) {
	base, _ := url.Parse("https://example.com/a/b")
	meta, err := parsePage(strings.NewReader(`<html><head><meta name="twitter:title" content="Tw"></head><body><video><source src="clip.mp4"></video></body></html>`), base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Title != "Tw" || meta.VideoURL != "https://example.com/a/clip.mp4" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}
