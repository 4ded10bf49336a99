package downloader

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"
)

// retryPolicy bounds the transport-level retries inside one attempt. The
// pipeline's own attempts rotate identity and proxy on top of these.
type retryPolicy struct {
	Retries  int
	Base     time.Duration
	MaxDelay time.Duration
}

var defaultRetryPolicy = retryPolicy{
	Retries:  3,
	Base:     500 * time.Millisecond,
	MaxDelay: 8 * time.Second,
}

// Backoff returns base*2^(attempt-1) capped at max, with ±25% jitter. r is a
// uniform sample in [0,1).
func Backoff(base, max time.Duration, attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}
	jitter := delay * 0.25 * (r*2 - 1)
	return time.Duration(delay + jitter)
}

// retryTransport re-sends idempotent requests that hit a transient status
// or a network error. 401 and 403 pass straight through: a rejected
// identity needs a new attempt, not the same request again.
type retryTransport struct {
	next   http.RoundTripper
	policy retryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func newRetryTransport(next http.RoundTripper, policy retryPolicy) *retryTransport {
	return &retryTransport{
		next:   next,
		policy: policy,
		sleep:  sleepWithContext,
		jitter: rand.Float64, //nolint:gosec
	}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req) {
		return t.next.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for try := 0; ; try++ {
		out := req
		if try > 0 {
			if out, err = replay(req); err != nil {
				return nil, err
			}
		}
		resp, err = t.next.RoundTrip(out)
		if try == t.policy.Retries || !t.shouldRetry(resp, err) {
			return resp, err
		}

		wait := t.delay(try+1, resp)
		if resp != nil {
			discard(resp)
		}
		if serr := t.sleep(req.Context(), wait); serr != nil {
			return nil, serr
		}
	}
}

func (t *retryTransport) shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return isRetryableError(err)
	}
	return isRetryableStatus(resp.StatusCode)
}

// delay honors a Retry-After in seconds, capped at the policy maximum.
func (t *retryTransport) delay(retry int, resp *http.Response) time.Duration {
	if resp != nil {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			d := time.Duration(secs) * time.Second
			if t.policy.MaxDelay > 0 && d > t.policy.MaxDelay {
				d = t.policy.MaxDelay
			}
			return d
		}
	}
	return Backoff(t.policy.Base, t.policy.MaxDelay, retry, t.jitter())
}

// idempotent reports whether req can be sent again: safe methods always,
// others only when the body can be replayed.
func idempotent(req *http.Request) bool {
	switch req.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError accepts timeouts and socket-level failures. Cancellation
// and TLS or protocol errors are final.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func replay(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

// discard drains a small prefix so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	resp.Body.Close()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
