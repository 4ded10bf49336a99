package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const maxListBytes = 8 << 20

// Source yields raw proxy list lines.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]string, error)
}

// URLSource downloads a newline-separated list over HTTP.
type URLSource struct {
	URL    string
	Client *http.Client
}

func (s URLSource) Name() string { return s.URL }

func (s URLSource) Fetch(ctx context.Context) ([]string, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return readLines(io.LimitReader(resp.Body, maxListBytes))
}

// FileSource reads a local list, one entry per line.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return s.Path }

func (s FileSource) Fetch(ctx context.Context) ([]string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLines(io.LimitReader(f, maxListBytes))
}

// StaticSource is a fixed in-memory list.
type StaticSource []string

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Fetch(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// SourcesFromConfig maps configured locations to sources: http(s) URLs
// become URLSource, anything else a FileSource.
func SourcesFromConfig(locations []string, client *http.Client) []Source {
	out := make([]Source, 0, len(locations))
	for _, loc := range locations {
		if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
			out = append(out, URLSource{URL: loc, Client: client})
			continue
		}
		out = append(out, FileSource{Path: loc})
	}
	return out
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

var allowedSchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks5":  true,
	"socks5h": true,
}

// normalizeEntry turns a list line into a canonical scheme://host:port key.
// Lines like "1.2.3.4:8080 US-H-S" keep only the first field.
func normalizeEntry(raw string) (*url.URL, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, false
	}
	if fields := strings.Fields(line); len(fields) > 0 {
		line = fields[0]
	}
	if !strings.Contains(line, "://") {
		line = "http://" + line
	}
	parsed, err := url.Parse(line)
	if err != nil {
		return nil, false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !allowedSchemes[scheme] {
		return nil, false
	}
	host, port, err := net.SplitHostPort(parsed.Host)
	if err != nil || host == "" || port == "" {
		return nil, false
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(strings.ToLower(host), port), User: parsed.User}, true
}

// normalizeList dedupes while preserving first-seen order.
func normalizeList(lines []string) []*url.URL {
	seen := make(map[string]struct{}, len(lines))
	out := make([]*url.URL, 0, len(lines))
	for _, line := range lines {
		u, ok := normalizeEntry(line)
		if !ok {
			continue
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}
