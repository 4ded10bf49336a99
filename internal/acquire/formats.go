package acquire

import (
	"fmt"
	"strconv"
	"strings"
)

// Quality is a requested output tier.
type Quality string

const (
	QualityHighest Quality = "highest"
	Quality1080p   Quality = "1080p"
	Quality720p    Quality = "720p"
	Quality480p    Quality = "480p"
	Quality360p    Quality = "360p"
)

// FallbackFormat is used after the site reports the requested format
// missing: anything playable, uncapped.
const FallbackFormat = "best/bestvideo+bestaudio"

// ParseQuality accepts the supported tiers case-insensitively. An empty
// string means highest.
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	switch q {
	case "":
		return QualityHighest, nil
	case QualityHighest, Quality1080p, Quality720p, Quality480p, Quality360p:
		return q, nil
	}
	return "", newError(ConfigurationError, "parse quality", fmt.Errorf("unsupported quality %q", s))
}

// MaxHeight is the pixel cap for the tier; 0 for highest.
func (q Quality) MaxHeight() int {
	if q == QualityHighest {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(string(q), "p"))
	if err != nil {
		return 0
	}
	return n
}

// FormatFor returns the yt-dlp format expression for a tier. Combined mp4
// video+m4a audio is preferred, falling back to progressive streams. For
// portrait sources the cap applies to width, since a 720p short is 720
// pixels wide.
func FormatFor(q Quality, portrait bool) string {
	n := q.MaxHeight()
	var expr string
	if n == 0 {
		expr = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	} else {
		expr = fmt.Sprintf("bestvideo[height<=%[1]d][ext=mp4]+bestaudio[ext=m4a]/best[height<=%[1]d][ext=mp4]/best[height<=%[1]d]/best", n)
	}
	if !portrait {
		return expr
	}
	if n == 0 {
		return "bestvideo[aspect_ratio<1][ext=mp4]+bestaudio[ext=m4a]/" + expr
	}
	return fmt.Sprintf("bestvideo[aspect_ratio<1][width<=%d][ext=mp4]+bestaudio[ext=m4a]/", n) + expr
}
