package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Harvester collects visitor cookies by loading a page in headless Chrome.
type Harvester struct {
	timeout time.Duration
	logger  *log.Logger
}

func NewHarvester(timeout time.Duration, logger *log.Logger) *Harvester {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Harvester{timeout: timeout, logger: logger.WithPrefix("harvest")}
}

// Harvest visits the origin of pageURL with the fingerprint's user agent and
// returns the browser's cookies as cookies.txt text.
func (h *Harvester) Harvest(ctx context.Context, pageURL string, fp Fingerprint) (string, error) {
	origin, err := originOf(pageURL)
	if err != nil {
		return "", err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.UserAgent(fp.UserAgent))
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, h.timeout)
	defer cancelTimeout()

	h.logger.Info("harvesting visitor cookies", "origin", origin, "browser", fp.String())
	var cdpCookies []*network.Cookie
	if err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.Navigate(origin),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cdpCookies, err = network.GetCookies().WithUrls([]string{origin}).Do(ctx)
			return err
		}),
	); err != nil {
		return "", fmt.Errorf("harvesting cookies from %s: %w", origin, err)
	}
	if len(cdpCookies) == 0 {
		return "", errors.New("browser returned no cookies")
	}

	converted := make([]*http.Cookie, 0, len(cdpCookies))
	for _, cookie := range cdpCookies {
		c := &http.Cookie{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			Secure:   cookie.Secure,
			HttpOnly: cookie.HTTPOnly,
		}
		if cookie.Expires > 0 {
			c.Expires = time.Unix(int64(cookie.Expires), 0)
		}
		converted = append(converted, c)
	}
	return FormatNetscape(converted), nil
}

func originOf(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid page url %q", raw)
	}
	return parsed.Scheme + "://" + parsed.Host + "/", nil
}
