package identity

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Options configures a Provider. Zero values fall back to defaults.
type Options struct {
	Catalog   []Fingerprint
	Rand      *rand.Rand
	CookieDir string
	Logger    *log.Logger
}

// Provider hands out browser fingerprints and materializes cookie files.
type Provider struct {
	catalog   []Fingerprint
	cookieDir string
	logger    *log.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewProvider(opts Options) *Provider {
	catalog := opts.Catalog
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Provider{
		catalog:   catalog,
		cookieDir: opts.CookieDir,
		logger:    logger.WithPrefix("identity"),
		rng:       rng,
	}
}

// NextFingerprint returns a uniformly random catalog entry.
func (p *Provider) NextFingerprint() Fingerprint {
	p.mu.Lock()
	idx := p.rng.Intn(len(p.catalog))
	p.mu.Unlock()
	return p.catalog[idx].Clone()
}

// Size reports how many signatures the catalog holds.
func (p *Provider) Size() int {
	return len(p.catalog)
}
