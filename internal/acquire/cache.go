package acquire

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/lvcoi/vidfetch/internal/downloader"
)

const defaultCacheTTL = 10 * time.Minute

// metadataCache holds resolved metadata keyed by canonical URL.
type metadataCache struct {
	c *gocache.Cache
}

func newMetadataCache(ttl time.Duration) *metadataCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &metadataCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *metadataCache) get(url string) (*downloader.Info, bool) {
	v, ok := m.c.Get(url)
	if !ok {
		return nil, false
	}
	info := *v.(*downloader.Info)
	return &info, true
}

func (m *metadataCache) put(url string, info *downloader.Info) {
	stored := *info
	m.c.SetDefault(url, &stored)
}

func (m *metadataCache) len() int { return m.c.ItemCount() }
