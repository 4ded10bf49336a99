package identity

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Family is the browser family a fingerprint imitates. Header bundles and
// TLS hellos are always chosen from the same family as the user agent.
type Family string

const (
	FamilyChrome  Family = "chrome"
	FamilyFirefox Family = "firefox"
	FamilySafari  Family = "safari"
)

// Fingerprint is one browser signature presented to a remote service.
type Fingerprint struct {
	Family    Family
	UserAgent string
	Headers   http.Header
	Hello     utls.ClientHelloID
}

// Clone returns a copy whose header map can be mutated independently.
func (f Fingerprint) Clone() Fingerprint {
	out := f
	out.Headers = f.Headers.Clone()
	if out.Headers == nil {
		out.Headers = http.Header{}
	}
	return out
}

// Apply fills the request's User-Agent and bundle headers that are not
// already set. Caller-provided headers win.
func (f Fingerprint) Apply(req *http.Request) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Header.Get("User-Agent") == "" && f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	for key, values := range f.Headers {
		if req.Header.Get(key) != "" || len(values) == 0 {
			continue
		}
		req.Header[key] = append([]string(nil), values...)
	}
}

// HeaderLines renders the bundle as sorted "Key:Value" lines, the form
// yt-dlp accepts for --add-headers. User-Agent is excluded.
func (f Fingerprint) HeaderLines() []string {
	keys := make([]string, 0, len(f.Headers))
	for key := range f.Headers {
		if strings.EqualFold(key, "User-Agent") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s:%s", key, f.Headers.Get(key)))
	}
	return lines
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s %s", f.Family, majorVersion(f))
}

// majorVersion extracts the browser's major version from the user agent.
func majorVersion(f Fingerprint) string {
	var marker string
	switch f.Family {
	case FamilyChrome:
		marker = "Chrome/"
	case FamilyFirefox:
		marker = "Firefox/"
	case FamilySafari:
		marker = "Version/"
	default:
		return ""
	}
	idx := strings.Index(f.UserAgent, marker)
	if idx < 0 {
		return ""
	}
	rest := f.UserAgent[idx+len(marker):]
	if end := strings.IndexAny(rest, ". "); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
