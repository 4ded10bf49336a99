package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/lvcoi/vidfetch/internal/identity"
)

// Prober checks whether a proxy can carry traffic.
type Prober interface {
	Probe(ctx context.Context, proxyURL *url.URL) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, proxyURL *url.URL) error

func (f ProberFunc) Probe(ctx context.Context, proxyURL *url.URL) error { return f(ctx, proxyURL) }

// FingerprintSource supplies the headers presented during a probe.
type FingerprintSource interface {
	NextFingerprint() identity.Fingerprint
}

// HTTPProber requests every endpoint through the proxy; any status below
// 400 on all of them counts as alive.
type HTTPProber struct {
	Endpoints    []string
	Fingerprints FingerprintSource
}

func (h HTTPProber) Probe(ctx context.Context, proxyURL *url.URL) error {
	if len(h.Endpoints) == 0 {
		return errors.New("no liveness endpoints configured")
	}
	var fp identity.Fingerprint
	if h.Fingerprints != nil {
		fp = h.Fingerprints.NextFingerprint()
	}
	client := &http.Client{Transport: fp.Transport(proxyURL)}
	defer client.CloseIdleConnections()

	for _, endpoint := range h.Endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
		}
	}
	return nil
}
