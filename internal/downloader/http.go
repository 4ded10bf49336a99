package downloader

import (
	"net/http"
	"time"
)

// newHTTPClient builds the client a strategy uses for one attempt: the
// attempt's identity transport (uTLS or proxied) behind the retrying
// transport. A zero timeout leaves streaming bodies unbounded.
func newHTTPClient(a Attempt, timeout time.Duration, jar http.CookieJar) *http.Client {
	transport := newRetryTransport(a.Fingerprint.Transport(a.Proxy), defaultRetryPolicy)
	return &http.Client{
		Timeout:   timeout,
		Jar:       jar,
		Transport: transport,
	}
}
