package acquire

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lvcoi/vidfetch/internal/downloader"
	"github.com/lvcoi/vidfetch/internal/progress"
)

func webmBytes(size int) []byte {
	out := make([]byte, size)
	copy(out, []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x82, 0x84})
	copy(out[8:], "webm")
	return out
}

// trailingMoov puts moov after a large mdat, as encoders do without
// faststart.
func trailingMoov(mdatSize int) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0x18})
	buf.WriteString("ftypisom")
	buf.Write(make([]byte, 12))
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(mdatSize))
	buf.Write(hdr[:])
	buf.WriteString("mdat")
	buf.Write(make([]byte, mdatSize-8))
	buf.Write([]byte{0, 0, 0, 0x08})
	buf.WriteString("moov")
	return buf.Bytes()
}

func TestAcquireDirectMediaContainers(t *testing.T) {
	files := map[string][]byte{
		"/clip.webm": webmBytes(64 << 10),
		"/clip.mp4":  trailingMoov(2 << 20),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	direct := downloader.NewDirect(nil)
	direct.Client = func(downloader.Attempt) *http.Client { return srv.Client() }

	cases := []struct {
		path    string
		wantExt string
	}{
		{path: "/clip.webm", wantExt: ".webm"},
		{path: "/clip.mp4", wantExt: ".mp4"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			outDir := t.TempDir()
			p := newTestPipeline(t, Options{Extractors: []downloader.Extractor{direct}, OutputDir: outDir})

			res := p.Acquire(context.Background(), srv.URL+tc.path, "highest", "")
			if res.Status != StatusSuccess {
				t.Fatalf("status %s after %d attempts: %s", res.Status, res.Attempts, res.Error)
			}
			if res.Attempts != 1 {
				t.Fatalf("expected 1 attempt, got %d", res.Attempts)
			}
			if filepath.Ext(res.Filename) != tc.wantExt {
				t.Fatalf("filename %q, want extension %s", res.Filename, tc.wantExt)
			}
			info, err := os.Stat(filepath.Join(outDir, res.Filename))
			if err != nil {
				t.Fatalf("output missing: %v", err)
			}
			if info.Size() != int64(len(files[tc.path])) || res.FileSize != info.Size() {
				t.Fatalf("size %d, result %d, want %d", info.Size(), res.FileSize, len(files[tc.path]))
			}
			entries, _ := os.ReadDir(outDir)
			if len(entries) != 1 {
				t.Fatalf("expected only the final file in the output dir, got %d entries", len(entries))
			}
		})
	}
}

func TestAcquireRenamesToDetectedContainer(t *testing.T) {
	ex := &fakeExtractor{download: func(_ int, _ downloader.Attempt, out string) error {
		if !strings.HasSuffix(out, ".mp4") {
			t.Errorf("strategy was handed %q", out)
		}
		return os.WriteFile(out, webmBytes(64<<10), 0o644)
	}}
	rec := &fakeRecorder{}
	p := newTestPipeline(t, Options{Extractors: []downloader.Extractor{ex}, Recorder: rec})

	res := p.Acquire(context.Background(), "https://www.youtube.com/watch?v=abc", "720p", "")
	if res.Status != StatusSuccess {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if !strings.HasSuffix(res.Filename, ".webm") || res.DownloadURL != "/downloads/"+res.Filename {
		t.Fatalf("result names %q / %q", res.Filename, res.DownloadURL)
	}
	if len(rec.records) != 1 || rec.records[0].Filename != res.Filename {
		t.Fatalf("catalog recorded %+v", rec.records)
	}
	tracker := p.Tracker()
	if tracker.Len() != 1 || tracker.Get(res.Filename).Status != progress.StatusCompleted {
		t.Fatalf("tracker holds %d records, final status %q", tracker.Len(), tracker.Get(res.Filename).Status)
	}
}
