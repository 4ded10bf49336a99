package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
)

var dialer = &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

// headerTransport stamps the fingerprint's headers on a clone of each request.
type headerTransport struct {
	base http.RoundTripper
	fp   Fingerprint
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	t.fp.Apply(cloned)
	return t.base.RoundTrip(cloned)
}

// Transport returns a round tripper presenting this fingerprint. Direct
// egress dials TLS with the family's uTLS hello; proxied egress tunnels
// through the proxy with the standard TLS stack.
func (f Fingerprint) Transport(proxyURL *url.URL) http.RoundTripper {
	var base *http.Transport
	if proxyURL != nil {
		base = &http.Transport{
			Proxy:                 http.ProxyURL(proxyURL),
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		}
	} else {
		base = newUTLSTransport(f.Hello)
	}
	return &headerTransport{base: base, fp: f.Clone()}
}

func newUTLSTransport(hello utls.ClientHelloID) *http.Transport {
	return &http.Transport{
		DialContext: dialer.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				rawConn.Close()
				return nil, err
			}
			return handshakeUTLS(ctx, rawConn, host, hello)
		},
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
}

// handshakeUTLS completes a handshake with the given hello, restricting ALPN
// to http/1.1 since net/http only speaks h2 over crypto/tls connections.
func handshakeUTLS(ctx context.Context, rawConn net.Conn, host string, hello utls.ClientHelloID) (net.Conn, error) {
	spec, err := utls.UTLSIdToSpec(hello)
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("building %s hello: %w", hello.Str(), err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	conn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := conn.ApplyPreset(&spec); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("applying %s hello: %w", hello.Str(), err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	return conn, nil
}
