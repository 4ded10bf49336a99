// Package acquire resolves metadata and downloads media through a retrying,
// identity-rotating sequence of extraction attempts.
package acquire

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/lvcoi/vidfetch/internal/db"
	"github.com/lvcoi/vidfetch/internal/downloader"
	"github.com/lvcoi/vidfetch/internal/identity"
	"github.com/lvcoi/vidfetch/internal/progress"
	"github.com/lvcoi/vidfetch/internal/proxy"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultMinFileSize = 10 * 1024

	StatusSuccess = "success"
	StatusError   = "error"
)

// Identity supplies fingerprints and cookie files.
type Identity interface {
	NextFingerprint() identity.Fingerprint
	MaterializeCookies(raw string) (*identity.CookieFile, error)
}

// Proxies hands out live egress proxies.
type Proxies interface {
	Acquire(ctx context.Context) (*proxy.Entry, bool)
	Evict(entry *proxy.Entry)
}

// Recorder stores completed downloads.
type Recorder interface {
	RecordDownload(ctx context.Context, rec db.DownloadRecord) error
}

// Harvester produces cookie-jar text by visiting a page in a browser.
type Harvester interface {
	Harvest(ctx context.Context, pageURL string, fp identity.Fingerprint) (string, error)
}

// Options configures a Pipeline. Proxies, Recorder, Harvester and Prober
// are optional.
type Options struct {
	Identity   Identity
	Proxies    Proxies
	Extractors []downloader.Extractor
	Tracker    *progress.Tracker
	Recorder   Recorder
	Harvester  Harvester
	Prober     downloader.Prober

	OutputDir   string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MinFileSize int64
	// Every attempt waits a random delay in [DelayMin, DelayMax] first.
	DelayMin time.Duration
	DelayMax time.Duration
	CacheTTL time.Duration

	Logger *log.Logger
	Sleep  func(ctx context.Context, d time.Duration) error
	Rand   *rand.Rand
}

type Pipeline struct {
	identity   Identity
	proxies    Proxies
	extractors []downloader.Extractor
	tracker    *progress.Tracker
	recorder   Recorder
	harvester  Harvester
	prober     downloader.Prober

	outputDir   string
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	minFileSize int64
	delayMin    time.Duration
	delayMax    time.Duration

	cache  *metadataCache
	logger *log.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		identity:    opts.Identity,
		proxies:     opts.Proxies,
		extractors:  opts.Extractors,
		tracker:     opts.Tracker,
		recorder:    opts.Recorder,
		harvester:   opts.Harvester,
		prober:      opts.Prober,
		outputDir:   opts.OutputDir,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		minFileSize: opts.MinFileSize,
		delayMin:    opts.DelayMin,
		delayMax:    opts.DelayMax,
		cache:       newMetadataCache(opts.CacheTTL),
		logger:      opts.Logger,
		sleep:       opts.Sleep,
		rng:         opts.Rand,
	}
	if p.identity == nil {
		p.identity = identity.NewProvider(identity.Options{CookieDir: os.TempDir(), Logger: opts.Logger})
	}
	if p.tracker == nil {
		p.tracker = progress.New(nil)
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.backoffBase <= 0 {
		p.backoffBase = defaultBackoffBase
	}
	if p.backoffMax <= 0 {
		p.backoffMax = defaultBackoffMax
	}
	if p.minFileSize <= 0 {
		p.minFileSize = defaultMinFileSize
	}
	if p.delayMax < p.delayMin {
		p.delayMax = p.delayMin
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard)
	}
	p.logger = p.logger.WithPrefix("acquire")
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
	return p
}

// Tracker exposes the progress store the pipeline writes to.
func (p *Pipeline) Tracker() *progress.Tracker { return p.tracker }

// Result is the outcome of one Acquire call.
type Result struct {
	URL         string `json:"url"`
	Status      string `json:"status"`
	Title       string `json:"title,omitempty"`
	Filename    string `json:"filename,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	Error       string `json:"error,omitempty"`
	Remediation string `json:"remediation,omitempty"`
	Attempts    int    `json:"attempts"`

	Err error `json:"-"`
}

// run carries per-call state across attempts.
type run struct {
	op         string
	url        string
	quality    Quality
	portrait   bool
	firstEntry bool
	callerJar  bool
	cookiePath string
	fallback   bool
	harvested  *identity.CookieFile
	strategies []downloader.Extractor
}

func (r *run) hasCookies() bool { return r.cookiePath != "" }

type attemptFunc func(ctx context.Context, ex downloader.Extractor, a downloader.Attempt) error

// ResolveMetadata returns metadata for the canonical form of rawURL.
func (p *Pipeline) ResolveMetadata(ctx context.Context, rawURL, cookies string) (*downloader.Info, error) {
	const op = "resolve metadata"
	canonical, err := canonicalize(rawURL)
	if err != nil {
		return nil, newError(ConfigurationError, op, err)
	}
	if info, ok := p.cache.get(canonical); ok {
		return info, nil
	}

	r := &run{op: op, url: canonical, quality: QualityHighest, firstEntry: downloader.IsPlaylistURL(canonical)}
	cookieFile := p.materialize(cookies)
	defer cookieFile.Release()
	if cookieFile != nil {
		r.cookiePath, r.callerJar = cookieFile.Path, true
	}

	var info *downloader.Info
	_, err = p.attempts(ctx, r, func(ctx context.Context, ex downloader.Extractor, a downloader.Attempt) error {
		got, err := ex.Info(ctx, canonical, a)
		if err != nil {
			return err
		}
		info = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	info.URL = canonical
	if info.WebpageURL == "" {
		info.WebpageURL = canonical
	}
	p.cache.put(canonical, info)
	return info, nil
}

// Acquire downloads rawURL at the requested quality into the output
// directory. The returned Result always names the URL; on failure Err is a
// classified *Error.
func (p *Pipeline) Acquire(ctx context.Context, rawURL, quality, cookies string) Result {
	const op = "acquire"
	res := Result{URL: rawURL, Status: StatusError}

	q, err := ParseQuality(quality)
	if err != nil {
		return p.failed(res, "", err)
	}
	canonical, err := canonicalize(rawURL)
	if err != nil {
		return p.failed(res, "", newError(ConfigurationError, op, err))
	}

	r := &run{
		op:         op,
		url:        canonical,
		quality:    q,
		portrait:   downloader.IsShortsURL(rawURL),
		firstEntry: downloader.IsPlaylistURL(canonical),
	}
	title := ""
	if info, ok := p.cache.get(canonical); ok {
		title = info.Title
		r.portrait = r.portrait || info.Portrait()
	}
	res.Title = title
	filename := OutputFilename(title)
	job := newJob(canonical, q, filename)

	cookieFile := p.materialize(cookies)
	defer cookieFile.Release()
	if cookieFile != nil {
		r.cookiePath, r.callerJar = cookieFile.Path, true
	}

	outputPath := filepath.Join(p.outputDir, filename)
	var (
		size      int64
		finalPath string
	)
	p.tracker.Start(filename)
	attempts, err := p.attempts(ctx, r, func(ctx context.Context, ex downloader.Extractor, a downloader.Attempt) error {
		job.Attempts = a.Number
		if err := job.transition(StateAttempting); err != nil {
			return err
		}
		got, err := ex.Download(ctx, canonical, a, outputPath, func(t downloader.Transfer) {
			p.tracker.Update(filename, t)
		})
		if err != nil {
			removeArtifacts(outputPath)
			return err
		}
		if got != "" && got != outputPath {
			if err := os.Rename(got, outputPath); err != nil {
				removeArtifacts(got)
				return fmt.Errorf("moving output into place: %w", err)
			}
		}

		if err := job.transition(StateValidating); err != nil {
			return err
		}
		n, container, err := p.validate(ctx, outputPath)
		if err != nil {
			removeArtifacts(outputPath)
			return err
		}
		final, err := matchExtension(outputPath, container)
		if err != nil {
			removeArtifacts(outputPath)
			return err
		}
		size, finalPath = n, final
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		_ = job.transition(StateFailed)
		return p.failed(res, filename, err)
	}
	if err := job.transition(StateCompleted); err != nil {
		return p.failed(res, filename, err)
	}
	if name := filepath.Base(finalPath); name != filename {
		p.tracker.Delete(filename)
		filename = name
		job.Filename = name
	}

	p.tracker.Complete(filename, size)
	res.Status = StatusSuccess
	res.Filename = filename
	res.DownloadURL = "/downloads/" + filename
	res.FileSize = size
	p.logger.Info("download completed", "url", canonical, "file", filename, "size", humanize.Bytes(uint64(size)), "attempts", attempts)

	if p.recorder != nil {
		rec := db.DownloadRecord{
			Filename:  filename,
			SourceURL: canonical,
			Title:     title,
			Quality:   string(q),
			SizeBytes: size,
			Attempts:  attempts,
		}
		if err := p.recorder.RecordDownload(ctx, rec); err != nil {
			p.logger.Warn("recording download", "file", filename, "err", err)
		}
	}
	return res
}

func (p *Pipeline) failed(res Result, filename string, err error) Result {
	if filename != "" {
		p.tracker.Fail(filename, err)
	}
	res.Status = StatusError
	res.Err = err
	res.Error = err.Error()
	res.Remediation = RemediationOf(err)
	return res
}

// attempts runs fn up to maxAttempts times, rotating strategy, identity and
// proxy between attempts. It returns the number of attempts used.
func (p *Pipeline) attempts(ctx context.Context, r *run, fn attemptFunc) (int, error) {
	r.strategies = downloader.Matching(p.extractors, r.url)
	if len(r.strategies) == 0 {
		return 0, newError(ConfigurationError, r.op, fmt.Errorf("%w: %s", downloader.ErrUnsupported, r.url))
	}
	defer func() { r.harvested.Release() }()

	var best *Error
	ageRetried := false
	for n := 1; n <= p.maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return n - 1, newError(Canceled, r.op, err)
		}
		ex := r.strategies[(n-1)%len(r.strategies)]
		a, entry := p.buildAttempt(ctx, n, r, ex)
		if err := p.delay(ctx); err != nil {
			return n - 1, newError(Canceled, r.op, err)
		}

		err := fn(ctx, ex, a)
		if err == nil {
			if n > 1 {
				p.logger.Info("succeeded after retry", "url", r.url, "attempt", n, "strategy", ex.Name())
			}
			return n, nil
		}
		if ctx.Err() != nil {
			return n, newError(Canceled, r.op, ctx.Err())
		}

		classified := *Classify(err)
		classified.Op = r.op
		e := &classified
		best = moreInformative(best, e)
		p.logger.Warn("attempt failed",
			"url", r.url, "attempt", n, "strategy", ex.Name(),
			"proxy", a.ProxyString(), "identity", a.Fingerprint.String(),
			"kind", e.Kind, "err", err)

		retry := Retryable(e.Kind, r.hasCookies(), ageRetried)
		switch e.Kind {
		case AgeRestricted:
			ageRetried = true
		case FormatUnavailable:
			r.fallback = true
		case IdentityRejected:
			p.harvest(ctx, r, a)
		}
		if !retry {
			return n, e
		}
		if n == p.maxAttempts {
			break
		}

		if entry != nil {
			p.proxies.Evict(entry)
		}
		if err := p.sleep(ctx, p.backoff(n)); err != nil {
			return n, newError(Canceled, r.op, err)
		}
	}

	if best.Kind == IdentityRejected && !r.callerJar {
		return p.maxAttempts, newError(AuthRequired, r.op, best.Err)
	}
	return p.maxAttempts, best
}

func (p *Pipeline) buildAttempt(ctx context.Context, n int, r *run, ex downloader.Extractor) (downloader.Attempt, *proxy.Entry) {
	a := downloader.Attempt{
		Number:      n,
		Fingerprint: p.identity.NextFingerprint(),
		CookieFile:  r.cookiePath,
		FirstEntry:  r.firstEntry,
		Strategy:    ex.Name(),
	}
	if r.op == "acquire" {
		if r.fallback {
			a.Format = FallbackFormat
		} else {
			a.Format = FormatFor(r.quality, r.portrait)
			a.MaxHeight = r.quality.MaxHeight()
			a.PreferPortrait = r.portrait
		}
	}
	var entry *proxy.Entry
	if p.proxies != nil {
		if e, ok := p.proxies.Acquire(ctx); ok {
			entry = e
			a.Proxy = e.URL
		}
	}
	return a, entry
}

// harvest fetches browser cookies once per run when the caller sent none.
func (p *Pipeline) harvest(ctx context.Context, r *run, a downloader.Attempt) {
	if p.harvester == nil || r.callerJar || r.harvested != nil {
		return
	}
	text, err := p.harvester.Harvest(ctx, r.url, a.Fingerprint)
	if err != nil {
		p.logger.Warn("cookie harvest failed", "url", r.url, "err", err)
		return
	}
	file, err := p.identity.MaterializeCookies(text)
	if err != nil || file == nil {
		p.logger.Warn("storing harvested cookies", "err", err)
		return
	}
	r.harvested = file
	r.cookiePath = file.Path
	p.logger.Info("using harvested cookies", "url", r.url)
}

func (p *Pipeline) materialize(raw string) *identity.CookieFile {
	file, err := p.identity.MaterializeCookies(raw)
	if err != nil {
		p.logger.Warn("continuing without cookies", "err", err)
		return nil
	}
	return file
}

func (p *Pipeline) validate(ctx context.Context, path string) (int64, downloader.Container, error) {
	const op = "validate"
	info, err := os.Stat(path)
	if err != nil {
		return 0, "", newError(ValidationFailed, op, fmt.Errorf("output missing: %w", err))
	}
	if info.Size() < p.minFileSize {
		return 0, "", newError(ValidationFailed, op, fmt.Errorf("file too small: %d bytes, need at least %d", info.Size(), p.minFileSize))
	}
	container, err := downloader.DetectContainer(path)
	if err != nil {
		return 0, "", newError(ValidationFailed, op, err)
	}
	if p.prober != nil {
		if err := p.prober.HasVideo(ctx, path); err != nil {
			return 0, "", newError(ValidationFailed, op, err)
		}
	}
	return info.Size(), container, nil
}

// matchExtension renames path so its extension names the detected
// container, and returns the final path.
func matchExtension(path string, c downloader.Container) (string, error) {
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, c.Ext()) {
		return path, nil
	}
	final := strings.TrimSuffix(path, ext) + c.Ext()
	if err := os.Rename(path, final); err != nil {
		return "", fmt.Errorf("renaming %s output: %w", c, err)
	}
	return final, nil
}

func (p *Pipeline) backoff(n int) time.Duration {
	p.rngMu.Lock()
	r := p.rng.Float64()
	p.rngMu.Unlock()
	return downloader.Backoff(p.backoffBase, p.backoffMax, n, r)
}

func (p *Pipeline) delay(ctx context.Context) error {
	if p.delayMax <= 0 {
		return nil
	}
	d := p.delayMin
	if span := p.delayMax - p.delayMin; span > 0 {
		p.rngMu.Lock()
		d += time.Duration(p.rng.Int63n(int64(span)))
		p.rngMu.Unlock()
	}
	return p.sleep(ctx, d)
}

func canonicalize(rawURL string) (string, error) {
	valid, err := downloader.ValidateURL(rawURL)
	if err != nil {
		return "", err
	}
	return downloader.NormalizeURL(valid), nil
}

// removeArtifacts deletes a failed attempt's output and its temp sibling.
func removeArtifacts(path string) {
	for _, p := range []string{path, path + ".part"} {
		_ = os.Remove(p)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
