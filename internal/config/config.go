package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "VIDFETCH_"

// DefaultProxySource is the raw proxy list the service falls back to when
// VIDFETCH_PROXY_SOURCES is unset.
const DefaultProxySource = "https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt"

// Config holds every tunable the service reads at startup.
type Config struct {
	Addr      string
	OutputDir string
	TempDir   string
	CookieDir string
	DBPath    string

	// MaxContentLength bounds JSON request bodies, not media payloads.
	MaxContentLength int64

	CleanupInterval time.Duration
	MaxAge          time.Duration

	ProxyEnabled   bool
	ProxySources   []string
	ProxyCheckURLs []string
	ProxyRefresh   time.Duration
	ProxyCachePath string

	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MinFileSize int64
	Jobs        int

	RateLimit float64
	RateBurst int

	FFProbe        bool
	HarvestCookies bool
	YTDLPPath      string
	LogLevel       string
}

// Default returns the configuration used when no environment overrides are set.
func Default() Config {
	return Config{
		Addr:             ":8080",
		OutputDir:        "downloads",
		TempDir:          "tmp",
		MaxContentLength: 16 << 20,
		CleanupInterval:  time.Hour,
		MaxAge:           time.Hour,
		ProxySources:     []string{DefaultProxySource},
		ProxyCheckURLs:   []string{"https://www.google.com"},
		ProxyRefresh:     30 * time.Minute,
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		BackoffMax:       30 * time.Second,
		MinFileSize:      10 << 10,
		Jobs:             4,
		RateLimit:        2,
		RateBurst:        10,
		YTDLPPath:        "yt-dlp",
		LogLevel:         "info",
	}
}

// Load reads VIDFETCH_* environment variables over the defaults.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}

	str("ADDR", &cfg.Addr)
	str("OUTPUT_DIR", &cfg.OutputDir)
	str("TEMP_DIR", &cfg.TempDir)
	str("COOKIE_DIR", &cfg.CookieDir)
	str("DB_PATH", &cfg.DBPath)
	str("PROXY_CACHE", &cfg.ProxyCachePath)
	str("YTDLP_PATH", &cfg.YTDLPPath)
	str("LOG_LEVEL", &cfg.LogLevel)
	int64v("MAX_CONTENT_LENGTH", &cfg.MaxContentLength)
	int64v("MIN_FILE_SIZE", &cfg.MinFileSize)
	dur("CLEANUP_INTERVAL", &cfg.CleanupInterval)
	dur("MAX_AGE", &cfg.MaxAge)
	dur("PROXY_REFRESH", &cfg.ProxyRefresh)
	dur("BACKOFF_BASE", &cfg.BackoffBase)
	dur("BACKOFF_MAX", &cfg.BackoffMax)
	boolean("PROXY_ENABLED", &cfg.ProxyEnabled)
	boolean("FFPROBE", &cfg.FFProbe)
	boolean("HARVEST_COOKIES", &cfg.HarvestCookies)
	list("PROXY_SOURCES", &cfg.ProxySources)
	list("PROXY_CHECK_URLS", &cfg.ProxyCheckURLs)
	integer("MAX_ATTEMPTS", &cfg.MaxAttempts)
	integer("JOBS", &cfg.Jobs)
	integer("RATE_BURST", &cfg.RateBurst)
	if v, ok := lookup(envPrefix + "RATE_LIMIT"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT: %w", envPrefix, err))
		} else {
			cfg.RateLimit = f
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	cfg.fillDerived()
	return cfg, nil
}

// fillDerived sets paths that default relative to other settings.
func (c *Config) fillDerived() {
	if c.CookieDir == "" {
		c.CookieDir = filepath.Join(c.TempDir, "cookies")
	}
	// State lives one level down so sweeping TempDir never touches it.
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.TempDir, "state", "catalog.db")
	}
	if c.ProxyCachePath == "" {
		c.ProxyCachePath = filepath.Join(c.TempDir, "state", "proxies.json")
	}
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.OutputDir) == "":
		return errors.New("output directory is required")
	case strings.TrimSpace(c.TempDir) == "":
		return errors.New("temp directory is required")
	case c.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	case c.CleanupInterval <= 0:
		return errors.New("cleanup interval must be positive")
	case c.MaxAge <= 0:
		return errors.New("max age must be positive")
	case c.ProxyRefresh <= 0:
		return errors.New("proxy refresh interval must be positive")
	case c.BackoffBase < 0 || c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("invalid backoff range %s..%s", c.BackoffBase, c.BackoffMax)
	case c.MaxContentLength <= 0:
		return errors.New("max content length must be positive")
	case c.Jobs < 1:
		return fmt.Errorf("jobs must be at least 1, got %d", c.Jobs)
	case c.RateLimit < 0:
		return errors.New("rate limit must not be negative")
	}
	if c.ProxyEnabled && len(c.ProxySources) == 0 {
		return errors.New("proxy enabled but no proxy sources configured")
	}
	return nil
}

// EnsureDirs creates the output, temp and cookie directories plus the
// parents of the catalog and proxy cache.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.OutputDir, c.TempDir, c.CookieDir, filepath.Dir(c.DBPath), filepath.Dir(c.ProxyCachePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// parseDuration accepts Go duration syntax ("90s", "1h") or a bare number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration %q", raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
