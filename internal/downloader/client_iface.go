package downloader

import (
	"context"
	"io"
	"net/http"

	"github.com/kkdai/youtube/v2"
)

// YouTubeClient is the subset of the kkdai client the native strategy uses.
// It decouples the strategy from *youtube.Client so tests can substitute it.
type YouTubeClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetPlaylistContext(ctx context.Context, url string) (*youtube.Playlist, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

// newYouTubeClient wraps an attempt's HTTP client.
func newYouTubeClient(httpClient *http.Client) YouTubeClient {
	return &youtube.Client{HTTPClient: httpClient}
}

var _ YouTubeClient = (*youtube.Client)(nil)
