// Package janitor removes aged artifacts from the output and cookie
// directories on a fixed schedule.
package janitor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultMaxAge   = time.Hour
	defaultInterval = time.Hour
)

// Options configures a Janitor.
type Options struct {
	Dirs     []string
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *log.Logger
	Now      func() time.Time

	// OnRemove is called with the path of every deleted file.
	OnRemove func(path string)
}

type Janitor struct {
	dirs     []string
	maxAge   time.Duration
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
	onRemove func(string)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Janitor {
	j := &Janitor{
		dirs:     opts.Dirs,
		maxAge:   opts.MaxAge,
		interval: opts.Interval,
		logger:   opts.Logger,
		now:      opts.Now,
		onRemove: opts.OnRemove,
	}
	if j.maxAge <= 0 {
		j.maxAge = defaultMaxAge
	}
	if j.interval <= 0 {
		j.interval = defaultInterval
	}
	if j.logger == nil {
		j.logger = log.New(io.Discard)
	}
	j.logger = j.logger.WithPrefix("janitor")
	if j.now == nil {
		j.now = time.Now
	}
	return j
}

// Sweep deletes regular files older than the max age in every directory
// and returns how many it removed. Missing directories are skipped.
func (j *Janitor) Sweep() int {
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, dir := range j.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				j.logger.Warn("reading directory", "dir", dir, "err", err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				// Raced with another remover.
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					j.logger.Warn("removing artifact", "path", path, "err", err)
				}
				continue
			}
			removed++
			j.logger.Debug("removed artifact", "path", path, "age", j.now().Sub(info.ModTime()).Round(time.Second))
			if j.onRemove != nil {
				j.onRemove(path)
			}
		}
	}
	if removed > 0 {
		j.logger.Info("sweep finished", "removed", removed)
	}
	return removed
}

// Start sweeps once immediately and then on every interval until ctx is
// done or Stop is called. Calling Start twice is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		j.Sweep()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.Sweep()
			}
		}
	}(j.done)
}

// Stop cancels the schedule and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
