package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const probeTimeout = 30 * time.Second

// StatusError is a non-2xx response from a remote host.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

func checkStatus(resp *http.Response, rawURL string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := &StatusError{Code: resp.StatusCode, URL: rawURL}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// Direct downloads media files linked directly, or through the OpenGraph
// video tag of an HTML page. It never claims YouTube URLs.
type Direct struct {
	Logger *log.Logger

	// Client builds the HTTP client for an attempt; nil uses the
	// attempt's identity transport.
	Client func(Attempt) *http.Client
}

func NewDirect(logger *log.Logger) *Direct {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Direct{Logger: logger.WithPrefix("direct")}
}

func (d *Direct) Name() string { return "direct" }

func (d *Direct) Match(rawURL string) bool {
	if _, err := ValidateURL(rawURL); err != nil {
		return false
	}
	return !IsYouTubeURL(rawURL)
}

func (d *Direct) httpClient(a Attempt, timeout time.Duration) *http.Client {
	if d.Client != nil {
		return d.Client(a)
	}
	jar, err := cookieJarFromFile(a.CookieFile)
	if err != nil {
		d.Logger.Warn("ignoring cookie file", "path", a.CookieFile, "err", err)
		jar = nil
	}
	return newHTTPClient(a, timeout, jar)
}

type directTarget struct {
	MediaURL    string
	Title       string
	Thumbnail   string
	ContentType string
	Size        int64
}

// resolve decides what to fetch for rawURL: the URL itself when it is a
// media file, or the page's advertised video otherwise.
func (d *Direct) resolve(ctx context.Context, rawURL string, a Attempt) (directTarget, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return directTarget{}, fmt.Errorf("invalid URL: %w", err)
	}
	target := directTarget{MediaURL: rawURL, Title: titleFromURL(parsed)}
	if isMediaExt(path.Ext(parsed.Path)) {
		return target, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	client := d.httpClient(a, probeTimeout)
	resp, err := headOrGet(probeCtx, client, rawURL)
	if err != nil {
		return directTarget{}, err
	}
	resp.Body.Close()
	if err := checkStatus(resp, rawURL); err != nil {
		return directTarget{}, err
	}

	target.ContentType = resp.Header.Get("Content-Type")
	if isMediaType(target.ContentType) {
		target.Size = resp.ContentLength
		return target, nil
	}
	if !strings.Contains(strings.ToLower(target.ContentType), "html") {
		return directTarget{}, fmt.Errorf("%w: content type %q", ErrUnsupported, target.ContentType)
	}

	meta, err := fetchPage(probeCtx, client, rawURL)
	if err != nil {
		return directTarget{}, err
	}
	if meta.VideoURL == "" {
		return directTarget{}, fmt.Errorf("%w: page advertises no video", ErrUnsupported)
	}
	target.MediaURL = meta.VideoURL
	target.Title = stringsOrFallback(meta.Title, target.Title)
	target.Thumbnail = meta.Thumbnail
	return target, nil
}

func (d *Direct) Info(ctx context.Context, rawURL string, a Attempt) (*Info, error) {
	target, err := d.resolve(ctx, rawURL, a)
	if err != nil {
		return nil, err
	}
	format := strings.TrimPrefix(strings.ToLower(path.Ext(mustPath(target.MediaURL))), ".")
	if format == "" {
		format = target.ContentType
	}
	return &Info{
		URL:        rawURL,
		Title:      target.Title,
		Thumbnail:  target.Thumbnail,
		WebpageURL: rawURL,
		Format:     format,
		Extractor:  d.Name(),
	}, nil
}

func (d *Direct) Download(ctx context.Context, rawURL string, a Attempt, outputPath string, progress ProgressFunc) (string, error) {
	target, err := d.resolve(ctx, rawURL, a)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.MediaURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpClient(a, 0).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, target.MediaURL); err != nil {
		return "", err
	}

	d.Logger.Debug("fetching media", "url", target.MediaURL, "size", resp.ContentLength, "attempt", a.Number)
	if err := writeStream(ctx, resp.Body, resp.ContentLength, outputPath, progress); err != nil {
		return "", err
	}
	return outputPath, nil
}

func headOrGet(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err == nil && resp.StatusCode != http.StatusMethodNotAllowed {
		return resp, nil
	}
	if resp != nil {
		resp.Body.Close()
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func isMediaExt(ext string) bool {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "mp4", "webm", "mov", "m4v", "mkv", "ts":
		return true
	}
	return false
}

func isMediaType(contentType string) bool {
	ctype := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	return strings.HasPrefix(ctype, "video/")
}

func titleFromURL(parsed *url.URL) string {
	base := strings.TrimSpace(path.Base(parsed.Path))
	if base == "" || base == "/" || base == "." {
		base = parsed.Host
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		return "video"
	}
	return base
}

func mustPath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Path
}

var _ Extractor = (*Direct)(nil)
