package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/kkdai/youtube/v2"

	"github.com/lvcoi/vidfetch/internal/identity"
)

// YouTube is the native fallback: it talks to YouTube directly through the
// attempt's identity and streams a progressive (muxed) format.
type YouTube struct {
	Logger *log.Logger

	// NewClient builds the API client for an attempt; nil uses kkdai.
	NewClient func(*http.Client) YouTubeClient
}

func NewYouTube(logger *log.Logger) *YouTube {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &YouTube{Logger: logger.WithPrefix("youtube")}
}

func (s *YouTube) Name() string { return "youtube" }

func (s *YouTube) Match(rawURL string) bool { return IsYouTubeURL(rawURL) }

func (s *YouTube) client(a Attempt) (YouTubeClient, error) {
	jar, err := cookieJarFromFile(a.CookieFile)
	if err != nil {
		return nil, err
	}
	httpClient := newHTTPClient(a, 0, jar)
	if s.NewClient != nil {
		return s.NewClient(httpClient), nil
	}
	return newYouTubeClient(httpClient), nil
}

func (s *YouTube) Info(ctx context.Context, rawURL string, a Attempt) (*Info, error) {
	client, err := s.client(a)
	if err != nil {
		return nil, err
	}
	video, err := s.video(ctx, client, rawURL, a)
	if err != nil {
		return nil, err
	}
	info := &Info{
		URL:        rawURL,
		ID:         video.ID,
		Title:      video.Title,
		Duration:   video.Duration.Seconds(),
		Thumbnail:  bestThumbnailURL(video.Thumbnails),
		WebpageURL: "https://www.youtube.com/watch?v=" + video.ID,
		Extractor:  s.Name(),
	}
	if format := pickProgressive(video.Formats, 0, false); format != nil {
		info.Format = format.QualityLabel
		info.Width = format.Width
		info.Height = format.Height
	}
	return info, nil
}

func (s *YouTube) Download(ctx context.Context, rawURL string, a Attempt, outputPath string, progress ProgressFunc) (string, error) {
	client, err := s.client(a)
	if err != nil {
		return "", err
	}
	video, err := s.video(ctx, client, rawURL, a)
	if err != nil {
		return "", err
	}
	format := pickProgressive(video.Formats, a.MaxHeight, a.PreferPortrait)
	if format == nil {
		return "", fmt.Errorf("no progressive format at or below %dp: %w", a.MaxHeight, ErrFormatUnavailable)
	}

	stream, size, err := client.GetStreamContext(ctx, video, format)
	if err != nil {
		return "", mapYouTubeError(err)
	}
	defer stream.Close()

	s.Logger.Debug("streaming", "id", video.ID, "itag", format.ItagNo, "quality", format.QualityLabel, "attempt", a.Number)
	if err := writeStream(ctx, stream, size, outputPath, progress); err != nil {
		return "", err
	}
	return outputPath, nil
}

// video loads the target video, resolving a playlist to its first entry.
func (s *YouTube) video(ctx context.Context, client YouTubeClient, rawURL string, a Attempt) (*youtube.Video, error) {
	if a.FirstEntry {
		playlist, err := client.GetPlaylistContext(ctx, rawURL)
		if err != nil {
			return nil, mapYouTubeError(err)
		}
		if len(playlist.Videos) == 0 {
			return nil, fmt.Errorf("playlist %s is empty: %w", playlist.ID, ErrUnavailable)
		}
		rawURL = "https://www.youtube.com/watch?v=" + playlist.Videos[0].ID
	}
	video, err := client.GetVideoContext(ctx, rawURL)
	if err != nil {
		return nil, mapYouTubeError(err)
	}
	return video, nil
}

// writeStream copies into a sibling temp file and renames it into place.
func writeStream(ctx context.Context, body io.Reader, size int64, outputPath string, progress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	partPath := outputPath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}

	var writer io.Writer = file
	var pw *progressWriter
	if progress != nil {
		pw = newProgressWriter(size, progress)
		writer = io.MultiWriter(file, pw)
	}
	if _, err := copyWithContext(ctx, writer, body); err != nil {
		file.Close()
		os.Remove(partPath)
		return fmt.Errorf("download failed: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(partPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if pw != nil {
		pw.Finish()
	}
	if err := os.Rename(partPath, outputPath); err != nil {
		os.Remove(partPath)
		return fmt.Errorf("renaming output: %w", err)
	}
	return nil
}

// pickProgressive returns the highest-resolution mp4 format carrying both
// audio and video whose resolution fits maxHeight (0 is uncapped).
// Resolution is the shorter side, so a 480x854 portrait stream is 480p.
// With preferPortrait, portrait formats win over landscape ones.
func pickProgressive(formats youtube.FormatList, maxHeight int, preferPortrait bool) *youtube.Format {
	var candidates []*youtube.Format
	for i := range formats {
		f := &formats[i]
		if f.AudioChannels == 0 || f.Height == 0 {
			continue
		}
		if !strings.Contains(f.MimeType, "mp4") {
			continue
		}
		if maxHeight > 0 && resolution(f) > maxHeight {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if preferPortrait {
			pi, pj := candidates[i].Height > candidates[i].Width, candidates[j].Height > candidates[j].Width
			if pi != pj {
				return pi
			}
		}
		return resolution(candidates[i]) > resolution(candidates[j])
	})
	return candidates[0]
}

func resolution(f *youtube.Format) int {
	if f.Width > 0 && f.Width < f.Height {
		return f.Width
	}
	return f.Height
}

func bestThumbnailURL(thumbnails youtube.Thumbnails) string {
	bestURL := ""
	var bestArea uint
	for _, thumb := range thumbnails {
		area := thumb.Width * thumb.Height
		if area >= bestArea {
			bestArea = area
			bestURL = thumb.URL
		}
	}
	return bestURL
}

func mapYouTubeError(err error) error {
	var statusErr youtube.ErrUnexpectedStatusCode
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, youtube.ErrVideoPrivate):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.Is(err, youtube.ErrLoginRequired):
		return fmt.Errorf("%w: %w", ErrAgeRestricted, err)
	case strings.Contains(msg, "cannot playback"):
		// Playability failures carry the status and reason only as text.
		switch {
		case strings.Contains(msg, "confirm your age"), strings.Contains(msg, "age-restricted"):
			return fmt.Errorf("%w: %w", ErrAgeRestricted, err)
		case strings.Contains(msg, "login_required"):
			return fmt.Errorf("%w: %w", ErrForbidden, err)
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.As(err, &statusErr):
		if int(statusErr) == http.StatusForbidden || int(statusErr) == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", ErrForbidden, err)
		}
	}
	return err
}

// cookieJarFromFile loads a Netscape cookie file into a jar. An empty path
// yields an empty jar.
func cookieJarFromFile(path string) (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return jar, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cookie file: %w", err)
	}
	defer f.Close()
	cookies, err := identity.ParseNetscape(f)
	if err != nil {
		return nil, err
	}
	byHost := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		byHost[host] = append(byHost[host], c)
	}
	for host, list := range byHost {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, list)
	}
	return jar, nil
}

var _ Extractor = (*YouTube)(nil)
