package downloader

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lvcoi/vidfetch/internal/identity"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// scriptedTransport replays a fixed sequence of outcomes and records the
// requests and backoff waits it sees.
type scriptedTransport struct {
	mu    sync.Mutex
	steps []func() (*http.Response, error)
	reqs  []*http.Request
	waits []time.Duration
}

func status(code int, header ...string) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		h := http.Header{}
		for i := 0; i+1 < len(header); i += 2 {
			h.Set(header[i], header[i+1])
		}
		return &http.Response{StatusCode: code, Header: h, Body: io.NopCloser(strings.NewReader("x"))}, nil
	}
}

func fails(err error) func() (*http.Response, error) {
	return func() (*http.Response, error) { return nil, err }
}

func (s *scriptedTransport) transport(policy retryPolicy) *retryTransport {
	rt := newRetryTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		i := len(s.reqs)
		s.reqs = append(s.reqs, req)
		if i >= len(s.steps) {
			return status(http.StatusOK)()
		}
		return s.steps[i]()
	}), policy)
	rt.sleep = func(ctx context.Context, d time.Duration) error {
		s.mu.Lock()
		s.waits = append(s.waits, d)
		s.mu.Unlock()
		return ctx.Err()
	}
	rt.jitter = func() float64 { return 0.5 }
	return rt
}

func TestRetryTransportOutcomes(t *testing.T) {
	policy := retryPolicy{Retries: 3, Base: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	dialTimeout := &net.OpError{Op: "dial", Net: "tcp", Err: timeoutError{}}

	cases := []struct {
		name       string
		steps      []func() (*http.Response, error)
		wantStatus int
		wantErr    bool
		wantCalls  int
		wantWaits  []time.Duration
	}{
		{
			name:       "success passes through",
			steps:      []func() (*http.Response, error){status(http.StatusOK)},
			wantStatus: http.StatusOK, wantCalls: 1,
		},
		{
			name:       "transient statuses back off exponentially",
			steps:      []func() (*http.Response, error){status(502), status(503), status(200)},
			wantStatus: http.StatusOK, wantCalls: 3,
			wantWaits: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
		},
		{
			name:       "retry-after is honored and capped",
			steps:      []func() (*http.Response, error){status(429, "Retry-After", "1"), status(429, "Retry-After", "60"), status(200)},
			wantStatus: http.StatusOK, wantCalls: 3,
			wantWaits: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:       "forbidden is left to the pipeline",
			steps:      []func() (*http.Response, error){status(http.StatusForbidden)},
			wantStatus: http.StatusForbidden, wantCalls: 1,
		},
		{
			name:       "exhausted retries return the last response",
			steps:      []func() (*http.Response, error){status(503), status(503), status(503), status(503)},
			wantStatus: http.StatusServiceUnavailable, wantCalls: 4,
			wantWaits: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
		},
		{
			name:       "dial timeout is retried",
			steps:      []func() (*http.Response, error){fails(dialTimeout), status(200)},
			wantStatus: http.StatusOK, wantCalls: 2,
			wantWaits: []time.Duration{100 * time.Millisecond},
		},
		{
			name:      "tls failure is final",
			steps:     []func() (*http.Response, error){fails(errors.New("tls: handshake failure"))},
			wantErr:   true,
			wantCalls: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &scriptedTransport{steps: tc.steps}
			req, _ := http.NewRequest(http.MethodGet, "https://media.example.test/clip.mp4", nil)
			resp, err := st.transport(policy).RoundTrip(req)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				resp.Body.Close()
				if resp.StatusCode != tc.wantStatus {
					t.Fatalf("status %d, want %d", resp.StatusCode, tc.wantStatus)
				}
			}
			if len(st.reqs) != tc.wantCalls {
				t.Fatalf("%d calls, want %d", len(st.reqs), tc.wantCalls)
			}
			if len(st.waits) != len(tc.wantWaits) {
				t.Fatalf("waits %v, want %v", st.waits, tc.wantWaits)
			}
			for i, w := range tc.wantWaits {
				if st.waits[i] != w {
					t.Fatalf("wait %d = %v, want %v", i, st.waits[i], w)
				}
			}
		})
	}
}

func TestRetryTransportIdempotentGuard(t *testing.T) {
	replayable := func() *http.Request {
		req, _ := http.NewRequest(http.MethodPost, "https://media.example.test/api", strings.NewReader("payload"))
		return req
	}
	streaming := func() *http.Request {
		req, _ := http.NewRequest(http.MethodPost, "https://media.example.test/api", io.NopCloser(strings.NewReader("payload")))
		return req
	}
	head := func() *http.Request {
		req, _ := http.NewRequest(http.MethodHead, "https://media.example.test/clip.mp4", nil)
		return req
	}

	cases := []struct {
		name      string
		req       func() *http.Request
		wantCalls int
	}{
		{name: "head request", req: head, wantCalls: 2},
		{name: "post with replayable body", req: replayable, wantCalls: 2},
		{name: "post with streaming body", req: streaming, wantCalls: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &scriptedTransport{steps: []func() (*http.Response, error){status(502)}}
			resp, err := st.transport(retryPolicy{Retries: 2}).RoundTrip(tc.req())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			resp.Body.Close()
			if len(st.reqs) != tc.wantCalls {
				t.Fatalf("%d calls, want %d", len(st.reqs), tc.wantCalls)
			}
			if tc.wantCalls > 1 && st.reqs[1].Body != nil && st.reqs[1].Body != http.NoBody {
				body, _ := io.ReadAll(st.reqs[1].Body)
				if string(body) != "payload" {
					t.Fatalf("replayed body %q", body)
				}
			}
		})
	}
}

func TestRetryTransportStopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := &scriptedTransport{steps: []func() (*http.Response, error){
		func() (*http.Response, error) {
			cancel()
			return status(503)()
		},
	}}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://media.example.test/", nil)
	if _, err := st.transport(defaultRetryPolicy).RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(st.reqs) != 1 {
		t.Fatalf("expected no resend after cancel, got %d calls", len(st.reqs))
	}
	if isRetryableError(context.Canceled) {
		t.Fatal("cancellation must not be retried")
	}
}

// Each resend goes through the identity transport again, so the
// fingerprint headers are present on every try through the proxy.
func TestRetryTransportKeepsIdentityThroughProxy(t *testing.T) {
	var mu sync.Mutex
	var agents []string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.Header.Get("User-Agent"))
		n := len(agents)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer proxySrv.Close()

	proxyURL, _ := url.Parse(proxySrv.URL)
	fp := identity.Fingerprint{Family: identity.FamilyChrome, UserAgent: "Mozilla/5.0 Chrome/126.0"}
	rt := newRetryTransport(fp.Transport(proxyURL), retryPolicy{Retries: 3, Base: time.Millisecond, MaxDelay: time.Millisecond})

	resp, err := (&http.Client{Transport: rt}).Get("http://media.example.test/clip.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if resp.StatusCode != http.StatusOK || len(agents) != 3 {
		t.Fatalf("status %d after %d tries", resp.StatusCode, len(agents))
	}
	for i, ua := range agents {
		if ua != fp.UserAgent {
			t.Fatalf("try %d sent User-Agent %q", i+1, ua)
		}
	}
}

// The pipeline sleeps Backoff(base, max, n, r) between attempts.
func TestBackoffPipelineSchedule(t *testing.T) {
	base, max := time.Second, 30*time.Second
	for n := 1; n <= 7; n++ {
		nominal := base << (n - 1)
		if nominal > max {
			nominal = max
		}
		low := Backoff(base, max, n, 0)
		mid := Backoff(base, max, n, 0.5)
		high := Backoff(base, max, n, 0.999)
		if low != nominal*3/4 {
			t.Fatalf("attempt %d: low %v, want %v", n, low, nominal*3/4)
		}
		if mid != nominal {
			t.Fatalf("attempt %d: mid %v, want %v", n, mid, nominal)
		}
		if high <= mid || high >= nominal*5/4 {
			t.Fatalf("attempt %d: high %v outside (%v, %v)", n, high, mid, nominal*5/4)
		}
	}
	if Backoff(base, max, 0, 0.5) != base {
		t.Fatal("attempt numbers below 1 use the base delay")
	}
}
