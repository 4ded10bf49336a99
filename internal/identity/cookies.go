package identity

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	netscapeHeader = "# Netscape HTTP Cookie File"
	httpOnlyPrefix = "#HttpOnly_"
	cookiePrefix   = "cookies_"
)

// CookieFile is a transient cookie-jar file owned by one job.
type CookieFile struct {
	Path string

	once sync.Once
	err  error
}

// Release removes the file. Safe to call more than once and on nil.
func (c *CookieFile) Release() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() {
		if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.err = fmt.Errorf("removing cookie file: %w", err)
		}
	})
	return c.err
}

// MaterializeCookies writes raw cookie text to a uniquely named file under
// the cookie directory. Empty input returns (nil, nil).
func (p *Provider) MaterializeCookies(raw string) (*CookieFile, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	if p.cookieDir == "" {
		return nil, errors.New("cookie directory not configured")
	}
	if err := os.MkdirAll(p.cookieDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cookie directory: %w", err)
	}

	path := filepath.Join(p.cookieDir, cookiePrefix+uuid.NewString()+".txt")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating cookie file: %w", err)
	}
	if _, err := io.WriteString(f, NormalizeCookieText(raw)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing cookie file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("closing cookie file: %w", err)
	}
	p.logger.Debug("materialized cookies", "path", path)
	return &CookieFile{Path: path}, nil
}

// NormalizeCookieText converts line endings to \n and prepends the Netscape
// header line when it is missing.
func NormalizeCookieText(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimPrefix(text, "\ufeff")

	hasHeader := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.EqualFold(trimmed, netscapeHeader) || strings.EqualFold(trimmed, "# HTTP Cookie File") {
			hasHeader = true
			break
		}
	}
	if !hasHeader {
		text = netscapeHeader + "\n" + text
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// ParseNetscape parses cookies.txt content: seven tab-separated fields per
// line (domain, subdomain flag, path, secure, expiry, name, value).
func ParseNetscape(r io.Reader) ([]*http.Cookie, error) {
	var cookies []*http.Cookie
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			line = strings.TrimPrefix(line, httpOnlyPrefix)
			httpOnly = true
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) < 7 {
			continue
		}

		cookie := &http.Cookie{
			Domain:   parts[0],
			Path:     parts[2],
			Secure:   strings.EqualFold(parts[3], "TRUE"),
			Name:     parts[5],
			Value:    parts[6],
			HttpOnly: httpOnly,
		}
		if expires, err := strconv.ParseInt(parts[4], 10, 64); err == nil && expires > 0 {
			cookie.Expires = time.Unix(expires, 0)
		}
		cookies = append(cookies, cookie)
	}

	return cookies, scanner.Err()
}

// FormatNetscape renders cookies in the cookies.txt layout ParseNetscape reads.
func FormatNetscape(cookies []*http.Cookie) string {
	var b strings.Builder
	b.WriteString(netscapeHeader)
	b.WriteString("\n")
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		domain := c.Domain
		if c.HttpOnly {
			domain = httpOnlyPrefix + domain
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		var expires int64
		if !c.Expires.IsZero() && c.Expires.Unix() > 0 {
			expires = c.Expires.Unix()
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain,
			boolField(strings.HasPrefix(c.Domain, ".")),
			path,
			boolField(c.Secure),
			expires,
			c.Name,
			c.Value,
		)
	}
	return b.String()
}

func boolField(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}
