package downloader

import (
	"context"
	"errors"
	"testing"
	"time"

	ytdlp "github.com/lrstanley/go-ytdlp"
)

func TestParseInfoJSON(t *testing.T) {
	stdout := "WARNING: ignoring\n" +
		`{"id":"abc123","title":"Clip","duration":12.5,"thumbnail":"https://i.ytimg.com/vi/abc123/hq.jpg","webpage_url":"https://www.youtube.com/watch?v=abc123","format":"18 - 360x640","width":360,"height":640,"extractor_key":"Youtube"}` + "\n"
	info, err := parseInfoJSON(stdout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID != "abc123" || info.Title != "Clip" || info.Duration != 12.5 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Extractor != "youtube" {
		t.Fatalf("expected lower-cased extractor, got %q", info.Extractor)
	}
	if !info.Portrait() {
		t.Fatal("360x640 should be portrait")
	}
}

func TestParseInfoJSONPlaylistFirstEntry(t *testing.T) {
	stdout := `{"id":"PL1","title":"List","entries":[{"id":"first","title":"First"},{"id":"second","title":"Second"}]}`
	info, err := parseInfoJSON(stdout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID != "first" {
		t.Fatalf("expected first playlist entry, got %q", info.ID)
	}
}

func TestParseInfoJSONEmpty(t *testing.T) {
	if _, err := parseInfoJSON("nothing here\n"); err == nil {
		t.Fatal("expected error for output without JSON")
	}
	if _, err := parseInfoJSON("{broken"); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestLastErrorLine(t *testing.T) {
	stderr := "WARNING: [youtube] falling back\n" +
		"ERROR: first\n" +
		"ERROR: [youtube] abc123: Sign in to confirm you're not a bot\n"
	if got := lastErrorLine(stderr); got != "[youtube] abc123: Sign in to confirm you're not a bot" {
		t.Fatalf("unexpected line %q", got)
	}
	if got := lastErrorLine("WARNING: only warnings"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestYTDLPError(t *testing.T) {
	base := errors.New("exit status 1")

	err := ytdlpError(context.Background(), base, &ytdlp.Result{Stderr: "ERROR: [youtube] x: Requested format is not available. Use --list-formats"})
	if !errors.Is(err, ErrFormatUnavailable) {
		t.Fatalf("expected ErrFormatUnavailable, got %v", err)
	}

	err = ytdlpError(context.Background(), base, &ytdlp.Result{Stderr: "ERROR: Unsupported URL: https://example.com"})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	err = ytdlpError(context.Background(), base, &ytdlp.Result{Stderr: "ERROR: [youtube] x: Private video"})
	if !errors.Is(err, base) || err.Error() != "yt-dlp: [youtube] x: Private video: exit status 1" {
		t.Fatalf("unexpected error %v", err)
	}

	if err := ytdlpError(context.Background(), base, nil); !errors.Is(err, base) {
		t.Fatalf("expected wrapped base error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ytdlpError(ctx, base, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTransferFromUpdate(t *testing.T) {
	update := ytdlp.ProgressUpdate{
		TotalBytes:      1000,
		DownloadedBytes: 250,
		Started:         time.Now().Add(-time.Second),
	}
	tr := transferFromUpdate(update)
	if tr.Downloaded != 250 || tr.Total != 1000 {
		t.Fatalf("unexpected transfer %+v", tr)
	}
	if tr.Speed < 0 {
		t.Fatalf("speed must not be negative, got %v", tr.Speed)
	}
}

func TestYTDLPMatch(t *testing.T) {
	y := NewYTDLP("", nil)
	if !y.Match("https://vimeo.com/1") || !y.Match("https://youtu.be/x") {
		t.Fatal("yt-dlp should accept any http(s) URL")
	}
	if y.Match("file:///etc/passwd") {
		t.Fatal("yt-dlp must not accept file URLs")
	}
}

func TestYTDLPCommandPlaylistSelection(t *testing.T) {
	y := NewYTDLP("", nil)

	single := y.command(Attempt{}).GetFlagConfig().VideoSelection
	if single.PlaylistItems != nil {
		t.Fatalf("video attempt selected playlist items %q", *single.PlaylistItems)
	}
	if single.NoPlaylist == nil || !*single.NoPlaylist {
		t.Fatal("video attempt should pass --no-playlist")
	}

	first := y.command(Attempt{FirstEntry: true}).GetFlagConfig().VideoSelection
	if first.PlaylistItems == nil || *first.PlaylistItems != "1" {
		t.Fatalf("playlist attempt should select only item 1, got %v", first.PlaylistItems)
	}
}
