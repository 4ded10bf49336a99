package downloader

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/lvcoi/vidfetch/internal/identity"
)

// Strategy-level failures. Strategies wrap these so callers can classify
// without string matching.
var (
	ErrUnavailable       = errors.New("content unavailable")
	ErrAgeRestricted     = errors.New("age-restricted content")
	ErrForbidden         = errors.New("request rejected by remote service")
	ErrFormatUnavailable = errors.New("requested format is not available")
	ErrUnsupported       = errors.New("unsupported URL")
)

// Attempt is everything one extraction attempt presents to the remote
// service. A fresh value is built for every attempt.
type Attempt struct {
	Number         int
	Proxy          *url.URL
	Fingerprint    identity.Fingerprint
	CookieFile     string
	Format         string
	MaxHeight      int
	PreferPortrait bool
	// FirstEntry asks for the first video of a playlist URL.
	FirstEntry bool
	Strategy   string
}

// ProxyString returns the proxy URL or "" for direct egress.
func (a Attempt) ProxyString() string {
	if a.Proxy == nil {
		return ""
	}
	return a.Proxy.String()
}

// Info is the metadata a strategy resolves for one video.
type Info struct {
	URL        string  `json:"url"`
	ID         string  `json:"id,omitempty"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	Thumbnail  string  `json:"thumbnail"`
	WebpageURL string  `json:"webpage_url"`
	Format     string  `json:"format"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Extractor  string  `json:"extractor,omitempty"`
}

// Portrait reports whether the resolved dimensions are taller than wide.
func (i *Info) Portrait() bool {
	return i != nil && i.Width > 0 && i.Height > i.Width
}

// Transfer is a progress sample for an in-flight download.
type Transfer struct {
	Downloaded int64
	Total      int64
	Speed      float64
	ETA        time.Duration
}

// ProgressFunc receives transfer samples. Implementations must not block.
type ProgressFunc func(Transfer)

// Extractor resolves metadata and downloads media for the URLs it matches.
type Extractor interface {
	Name() string
	Match(rawURL string) bool
	Info(ctx context.Context, rawURL string, a Attempt) (*Info, error)
	Download(ctx context.Context, rawURL string, a Attempt, outputPath string, progress ProgressFunc) (string, error)
}

// Matching returns the strategies that accept rawURL, in registration order.
func Matching(extractors []Extractor, rawURL string) []Extractor {
	var out []Extractor
	for _, e := range extractors {
		if e.Match(rawURL) {
			out = append(out, e)
		}
	}
	return out
}
