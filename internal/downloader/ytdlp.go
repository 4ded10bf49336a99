package downloader

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	ytdlp "github.com/lrstanley/go-ytdlp"
)

const ytdlpProgressInterval = 500 * time.Millisecond

// YTDLP drives the yt-dlp binary. It accepts every http(s) URL.
type YTDLP struct {
	// Path overrides the yt-dlp executable; empty uses PATH.
	Path   string
	Logger *log.Logger
}

func NewYTDLP(path string, logger *log.Logger) *YTDLP {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &YTDLP{Path: path, Logger: logger.WithPrefix("yt-dlp")}
}

func (y *YTDLP) Name() string { return "ytdlp" }

func (y *YTDLP) Match(rawURL string) bool {
	_, err := ValidateURL(rawURL)
	return err == nil
}

func (y *YTDLP) command(a Attempt) *ytdlp.Command {
	cmd := ytdlp.New().NoPlaylist()
	if y.Path != "" {
		cmd.SetExecutable(y.Path)
	}
	if proxy := a.ProxyString(); proxy != "" {
		cmd.Proxy(proxy)
	}
	if a.CookieFile != "" {
		cmd.Cookies(a.CookieFile)
	}
	if a.Fingerprint.UserAgent != "" {
		cmd.UserAgent(a.Fingerprint.UserAgent)
	}
	for _, line := range a.Fingerprint.HeaderLines() {
		cmd.AddHeaders(line)
	}
	if a.FirstEntry {
		cmd.PlaylistItems("1")
	}
	return cmd
}

func (y *YTDLP) Info(ctx context.Context, rawURL string, a Attempt) (*Info, error) {
	cmd := y.command(a).SkipDownload().PrintJSON()
	result, err := cmd.Run(ctx, rawURL)
	if err != nil {
		return nil, ytdlpError(ctx, err, result)
	}
	info, err := parseInfoJSON(result.Stdout)
	if err != nil {
		return nil, err
	}
	info.URL = rawURL
	if info.Extractor == "" {
		info.Extractor = y.Name()
	}
	return info, nil
}

func (y *YTDLP) Download(ctx context.Context, rawURL string, a Attempt, outputPath string, progress ProgressFunc) (string, error) {
	cmd := y.command(a).
		MergeOutputFormat("mp4").
		Output(outputPath).
		ForceOverwrites()
	if a.Format != "" {
		cmd.Format(a.Format)
	}
	if progress != nil {
		cmd.ProgressFunc(ytdlpProgressInterval, func(update ytdlp.ProgressUpdate) {
			progress(transferFromUpdate(update))
		})
	}

	y.Logger.Debug("downloading", "url", rawURL, "format", a.Format, "proxy", a.ProxyString(), "attempt", a.Number)
	result, err := cmd.Run(ctx, rawURL)
	if err != nil {
		return "", ytdlpError(ctx, err, result)
	}
	return outputPath, nil
}

func transferFromUpdate(update ytdlp.ProgressUpdate) Transfer {
	t := Transfer{
		Downloaded: int64(update.DownloadedBytes),
		Total:      int64(update.TotalBytes),
		ETA:        update.ETA(),
	}
	if elapsed := update.Duration().Seconds(); elapsed > 0 {
		t.Speed = float64(update.DownloadedBytes) / elapsed
	}
	return t
}

// ytdlpError folds the last ERROR line from stderr into the returned error
// so classification sees yt-dlp's own wording.
func ytdlpError(ctx context.Context, err error, result *ytdlp.Result) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var stderr string
	if result != nil {
		stderr = result.Stderr
	}
	detail := lastErrorLine(stderr)
	if detail == "" {
		return fmt.Errorf("yt-dlp: %w", err)
	}
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "requested format is not available"):
		return fmt.Errorf("yt-dlp: %s: %w", detail, ErrFormatUnavailable)
	case strings.Contains(lower, "unsupported url"):
		return fmt.Errorf("yt-dlp: %s: %w", detail, ErrUnsupported)
	}
	return fmt.Errorf("yt-dlp: %s: %w", detail, err)
}

func lastErrorLine(stderr string) string {
	var last string
	scanner := bufio.NewScanner(strings.NewReader(stderr))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "ERROR:") {
			last = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	return last
}

type ytdlpInfo struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Duration     float64     `json:"duration"`
	Thumbnail    string      `json:"thumbnail"`
	WebpageURL   string      `json:"webpage_url"`
	Format       string      `json:"format"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	ExtractorKey string      `json:"extractor_key"`
	Entries      []ytdlpInfo `json:"entries"`
}

// parseInfoJSON reads the first JSON document yt-dlp printed. Playlists
// resolve to their first entry.
func parseInfoJSON(stdout string) (*Info, error) {
	var raw ytdlpInfo
	found := false
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 32<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("parsing yt-dlp metadata: %w", err)
		}
		found = true
		break
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading yt-dlp output: %w", err)
	}
	if !found {
		return nil, errors.New("yt-dlp printed no metadata")
	}
	if len(raw.Entries) > 0 {
		raw = raw.Entries[0]
	}
	return &Info{
		ID:         raw.ID,
		Title:      raw.Title,
		Duration:   raw.Duration,
		Thumbnail:  raw.Thumbnail,
		WebpageURL: raw.WebpageURL,
		Format:     raw.Format,
		Width:      raw.Width,
		Height:     raw.Height,
		Extractor:  strings.ToLower(raw.ExtractorKey),
	}, nil
}

var _ Extractor = (*YTDLP)(nil)
