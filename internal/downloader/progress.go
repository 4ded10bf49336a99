package downloader

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

const progressInterval = 100 * time.Millisecond

// progressWriter counts bytes and reports them through a ProgressFunc at
// most once per progressInterval.
type progressWriter struct {
	size       int64
	total      atomic.Int64
	start      time.Time
	lastUpdate atomic.Int64
	report     ProgressFunc
	now        func() time.Time
}

func newProgressWriter(size int64, report ProgressFunc) *progressWriter {
	now := time.Now
	p := &progressWriter{size: size, report: report, start: now(), now: now}
	return p
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n := len(b)
	p.total.Add(int64(n))
	if p.report == nil {
		return n, nil
	}
	now := p.now()
	last := p.lastUpdate.Load()
	if now.UnixNano()-last < int64(progressInterval) {
		return n, nil
	}
	if p.lastUpdate.CompareAndSwap(last, now.UnixNano()) {
		p.report(p.sample(now))
	}
	return n, nil
}

// Finish forces a final sample regardless of throttling.
func (p *progressWriter) Finish() {
	if p.report == nil {
		return
	}
	p.report(p.sample(p.now()))
}

func (p *progressWriter) sample(now time.Time) Transfer {
	done := p.total.Load()
	t := Transfer{Downloaded: done, Total: p.size}
	elapsed := now.Sub(p.start).Seconds()
	if elapsed > 0 {
		t.Speed = float64(done) / elapsed
	}
	if t.Speed > 0 && p.size > done {
		t.ETA = time.Duration(float64(p.size-done) / t.Speed * float64(time.Second))
	}
	return t
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
		return r.r.Read(p)
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, &contextReader{ctx: ctx, r: src})
}
