package downloader

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var playlistIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{13,42}$`)

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty URL")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("invalid URL: missing scheme or host")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme)
	}
	return parsed.String(), nil
}

// IsPlaylistURL reports whether raw is a YouTube playlist that names no
// video of its own. A watch URL carrying list= is a video, not a playlist.
func IsPlaylistURL(raw string) bool {
	if !IsYouTubeURL(raw) {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	query := parsed.Query()
	return query.Get("v") == "" && playlistIDRegex.MatchString(query.Get("list"))
}

// IsYouTubeURL reports whether raw points at a YouTube host.
func IsYouTubeURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch normalizeHostname(parsed) {
	case "youtube.com", "youtu.be", "music.youtube.com", "m.youtube.com", "youtube-nocookie.com":
		return true
	}
	return false
}

// IsShortsURL reports whether raw is a YouTube shorts path.
func IsShortsURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := normalizeHostname(parsed)
	if host != "youtube.com" && host != "m.youtube.com" {
		return false
	}
	return strings.HasPrefix(strings.Trim(parsed.Path, "/")+"/", "shorts/")
}

// normalizeHostname returns the normalized hostname from a URL:
// lowercase, with "www." prefix removed, and port stripped.
func normalizeHostname(parsed *url.URL) string {
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// ConvertMusicURL converts YouTube Music URLs to regular YouTube URLs.
func ConvertMusicURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	if normalizeHostname(parsed) != "music.youtube.com" {
		return u
	}
	// Port is dropped so host checks downstream match.
	parsed.Host = "www.youtube.com"
	query := parsed.Query()
	delete(query, "si")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// NormalizeURL maps YouTube aliases (music, mobile, youtu.be, shorts, live,
// embed) onto the canonical https://www.youtube.com/watch?v=<id> form. Other
// URLs are returned unchanged.
func NormalizeURL(u string) string {
	u = ConvertMusicURL(strings.TrimSpace(u))
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	host := normalizeHostname(parsed)
	switch host {
	case "youtu.be":
		id := strings.Trim(parsed.Path, "/")
		if id == "" {
			return u
		}
		return watchURL(id, parsed.Query())
	case "youtube.com", "m.youtube.com", "youtube-nocookie.com":
	default:
		return u
	}

	query := parsed.Query()
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) >= 2 && parts[1] != "" {
		switch parts[0] {
		case "shorts", "live", "embed", "v":
			return watchURL(parts[1], query)
		}
	}
	if parts[0] == "watch" && query.Get("v") != "" {
		return watchURL(query.Get("v"), query)
	}
	return u
}

// watchURL keeps the list= and t= parameters of the original query.
func watchURL(id string, query url.Values) string {
	out := url.Values{}
	out.Set("v", id)
	for _, key := range []string{"list", "t"} {
		if value := query.Get(key); value != "" {
			out.Set(key, value)
		}
	}
	return "https://www.youtube.com/watch?" + out.Encode()
}
