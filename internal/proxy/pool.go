package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshInterval = 30 * time.Minute
	defaultSampleSize      = 5
	defaultProbeTimeout    = 5 * time.Second
)

// ErrNoSources is returned by Refresh when the pool has nothing to fetch from.
var ErrNoSources = errors.New("no proxy sources configured")

var errProbeWon = errors.New("probe won")

// Entry is one egress candidate.
type Entry struct {
	URL        *url.URL
	VerifiedAt time.Time
}

func (e *Entry) String() string {
	if e == nil || e.URL == nil {
		return ""
	}
	return e.URL.String()
}

// Options configures a Pool.
type Options struct {
	Sources         []Source
	CachePath       string
	RefreshInterval time.Duration
	SampleSize      int
	ProbeTimeout    time.Duration
	Prober          Prober
	Logger          *log.Logger
	Now             func() time.Time
	Rand            *rand.Rand
}

// Pool holds the current proxy set. Entries only enter the set on refresh;
// eviction removes them until the next refresh replaces the set.
type Pool struct {
	sources         []Source
	cachePath       string
	refreshInterval time.Duration
	sampleSize      int
	probeTimeout    time.Duration
	prober          Prober
	logger          *log.Logger
	now             func() time.Time

	mu          sync.Mutex
	entries     map[string]*Entry
	epoch       uint64
	lastRefresh time.Time

	cacheMu sync.Mutex
	group   singleflight.Group

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(opts Options) *Pool {
	p := &Pool{
		sources:         opts.Sources,
		cachePath:       opts.CachePath,
		refreshInterval: opts.RefreshInterval,
		sampleSize:      opts.SampleSize,
		probeTimeout:    opts.ProbeTimeout,
		prober:          opts.Prober,
		logger:          opts.Logger,
		now:             opts.Now,
		rng:             opts.Rand,
		entries:         make(map[string]*Entry),
	}
	if p.refreshInterval <= 0 {
		p.refreshInterval = defaultRefreshInterval
	}
	if p.sampleSize <= 0 {
		p.sampleSize = defaultSampleSize
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = defaultProbeTimeout
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard)
	}
	p.logger = p.logger.WithPrefix("proxy")
	if p.now == nil {
		p.now = time.Now
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
	return p
}

// Len reports the number of live candidates.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Epoch increments every time a refresh replaces the set.
func (p *Pool) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// Snapshot returns the current entry keys, sorted.
func (p *Pool) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keysLocked()
}

func (p *Pool) keysLocked() []string {
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (p *Pool) fresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lastRefresh.IsZero() && p.now().Sub(p.lastRefresh) < p.refreshInterval
}

// Refresh repopulates the pool unless the last successful refresh is younger
// than the refresh interval. Concurrent callers share one fetch.
func (p *Pool) Refresh(ctx context.Context) error {
	if p.fresh() {
		return nil
	}
	_, err, _ := p.group.Do("refresh", func() (any, error) {
		if p.fresh() {
			return nil, nil
		}
		return nil, p.refresh(ctx)
	})
	return err
}

// ForceRefresh repopulates the pool regardless of the interval.
func (p *Pool) ForceRefresh(ctx context.Context) error {
	_, err, _ := p.group.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})
	return err
}

func (p *Pool) refresh(ctx context.Context) error {
	if len(p.sources) == 0 {
		return ErrNoSources
	}
	var errs []error
	for _, src := range p.sources {
		lines, err := src.Fetch(ctx)
		if err != nil {
			p.logger.Warn("proxy source failed", "source", src.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		urls := normalizeList(lines)
		if len(urls) == 0 {
			errs = append(errs, fmt.Errorf("%s: no usable entries", src.Name()))
			continue
		}
		refreshedAt := p.now()
		p.replace(urls, refreshedAt)
		if err := p.persist(); err != nil {
			p.logger.Warn("writing proxy cache", "path", p.cachePath, "err", err)
		}
		p.logger.Info("proxy pool refreshed", "source", src.Name(), "entries", len(urls))
		return nil
	}
	return fmt.Errorf("refreshing proxy pool: %w", errors.Join(errs...))
}

func (p *Pool) replace(urls []*url.URL, refreshedAt time.Time) {
	entries := make(map[string]*Entry, len(urls))
	for _, u := range urls {
		entries[u.String()] = &Entry{URL: u}
	}
	p.mu.Lock()
	p.entries = entries
	p.epoch++
	p.lastRefresh = refreshedAt
	p.mu.Unlock()
}

// LoadCache seeds the pool from the cache file. A cache younger than the
// refresh interval defers the next Refresh.
func (p *Pool) LoadCache() (int, error) {
	if p.cachePath == "" {
		return 0, nil
	}
	c, err := readCache(p.cachePath)
	if err != nil {
		return 0, err
	}
	urls := normalizeList(c.Proxies)
	if len(urls) == 0 {
		return 0, nil
	}
	p.replace(urls, c.RefreshedAt)
	p.logger.Debug("loaded proxy cache", "entries", len(urls), "refreshed_at", c.RefreshedAt)
	return len(urls), nil
}

func (p *Pool) persist() error {
	if p.cachePath == "" {
		return nil
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	p.mu.Lock()
	snapshot := cacheFile{RefreshedAt: p.lastRefresh, Proxies: p.keysLocked()}
	p.mu.Unlock()
	return writeCache(p.cachePath, snapshot)
}

// Evict removes the entry from the set and the cache file. Absent entries
// are ignored.
func (p *Pool) Evict(entry *Entry) {
	if entry == nil || entry.URL == nil {
		return
	}
	key := entry.URL.String()
	p.mu.Lock()
	_, ok := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.logger.Debug("evicted proxy", "proxy", key)
	if err := p.persist(); err != nil {
		p.logger.Warn("writing proxy cache", "path", p.cachePath, "err", err)
	}
}

// Acquire probes a random sample in parallel and returns the first entry
// that passes. It returns false when the pool is empty or every sampled
// entry fails; failed entries are evicted.
func (p *Pool) Acquire(ctx context.Context) (*Entry, bool) {
	sample := p.sample()
	if len(sample) == 0 || p.prober == nil {
		return nil, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(probeCtx)

	won := make(chan *Entry, 1)
	var failedMu sync.Mutex
	var failed []*Entry
	for _, entry := range sample {
		g.Go(func() error {
			err := p.prober.Probe(gctx, entry.URL)
			if err != nil {
				// Losing probes cancelled by a winner prove nothing.
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					failedMu.Lock()
					failed = append(failed, entry)
					failedMu.Unlock()
				}
				return nil
			}
			select {
			case won <- entry:
			default:
			}
			return errProbeWon
		})
	}
	_ = g.Wait()

	for _, entry := range failed {
		p.Evict(entry)
	}

	select {
	case entry := <-won:
		p.mu.Lock()
		current, ok := p.entries[entry.URL.String()]
		if ok {
			current.VerifiedAt = p.now()
			entry = &Entry{URL: current.URL, VerifiedAt: current.VerifiedAt}
		}
		p.mu.Unlock()
		if !ok {
			return nil, false
		}
		return entry, true
	default:
		p.logger.Debug("no live proxy in sample", "sampled", len(sample), "evicted", len(failed))
		return nil, false
	}
}

func (p *Pool) sample() []*Entry {
	p.mu.Lock()
	keys := p.keysLocked()
	entries := make([]*Entry, len(keys))
	for i, key := range keys {
		e := p.entries[key]
		entries[i] = &Entry{URL: e.URL, VerifiedAt: e.VerifiedAt}
	}
	p.mu.Unlock()

	n := min(p.sampleSize, len(entries))
	if n == 0 {
		return nil
	}
	p.rngMu.Lock()
	perm := p.rng.Perm(len(entries))
	p.rngMu.Unlock()

	out := make([]*Entry, n)
	for i := 0; i < n; i++ {
		out[i] = entries[perm[i]]
	}
	return out
}

// Start refreshes at once unless a fresh cache was loaded, then on every
// interval until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		if err := p.Refresh(ctx); err != nil {
			p.logger.Warn("initial proxy refresh failed", "err", err)
		}
		ticker := time.NewTicker(p.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.ForceRefresh(ctx); err != nil {
					p.logger.Warn("scheduled proxy refresh failed", "err", err)
				}
			}
		}
	}()
}
