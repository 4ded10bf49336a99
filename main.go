package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/lvcoi/vidfetch/internal/acquire"
	"github.com/lvcoi/vidfetch/internal/config"
	"github.com/lvcoi/vidfetch/internal/db"
	"github.com/lvcoi/vidfetch/internal/downloader"
	"github.com/lvcoi/vidfetch/internal/identity"
	"github.com/lvcoi/vidfetch/internal/janitor"
	"github.com/lvcoi/vidfetch/internal/progress"
	"github.com/lvcoi/vidfetch/internal/proxy"
	"github.com/lvcoi/vidfetch/internal/web"
	"github.com/lvcoi/vidfetch/internal/ws"
)

const (
	harvestTimeout    = 45 * time.Second
	proxyFetchTimeout = 30 * time.Second
	preRequestMin     = 500 * time.Millisecond
	preRequestMax     = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flag.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "directory for finished downloads")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flag.IntVar(&cfg.Jobs, "jobs", cfg.Jobs, "concurrent acquisitions per request")
	flag.Parse()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", "err", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal("preparing directories", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	ids := identity.NewProvider(identity.Options{CookieDir: cfg.CookieDir, Logger: logger})

	hub := ws.NewHub(logger)
	go hub.Run(ctx)
	tracker := progress.New(hub)

	catalog, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Warn("download catalog disabled", "path", cfg.DBPath, "err", err)
		catalog = nil
	} else {
		defer catalog.Close()
	}

	pipelineOpts := acquire.Options{
		Identity: ids,
		Extractors: []downloader.Extractor{
			downloader.NewYTDLP(cfg.YTDLPPath, logger),
			downloader.NewYouTube(logger),
			downloader.NewDirect(logger),
		},
		Tracker:     tracker,
		OutputDir:   cfg.OutputDir,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		MinFileSize: cfg.MinFileSize,
		DelayMin:    preRequestMin,
		DelayMax:    preRequestMax,
		Logger:      logger,
	}
	webOpts := web.Options{
		Tracker:         tracker,
		WebSocket:       http.HandlerFunc(hub.HandleWS),
		OutputDir:       cfg.OutputDir,
		MaxRequestBytes: cfg.MaxContentLength,
		Jobs:            cfg.Jobs,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		Logger:          logger,
	}

	// Interfaces stay nil unless the backing component exists.
	if catalog != nil {
		pipelineOpts.Recorder = catalog
		webOpts.Catalog = catalog
	}
	if cfg.FFProbe {
		pipelineOpts.Prober = downloader.FFProbe{}
	}
	if cfg.HarvestCookies {
		pipelineOpts.Harvester = identity.NewHarvester(harvestTimeout, logger)
	}
	if cfg.ProxyEnabled {
		pool := proxy.New(proxy.Options{
			Sources:         proxy.SourcesFromConfig(cfg.ProxySources, &http.Client{Timeout: proxyFetchTimeout}),
			CachePath:       cfg.ProxyCachePath,
			RefreshInterval: cfg.ProxyRefresh,
			Prober:          proxy.HTTPProber{Endpoints: cfg.ProxyCheckURLs, Fingerprints: ids},
			Logger:          logger,
		})
		if n, err := pool.LoadCache(); err != nil {
			logger.Debug("no usable proxy cache", "path", cfg.ProxyCachePath, "err", err)
		} else {
			logger.Info("loaded cached proxies", "count", n)
		}
		pool.Start(ctx)
		pipelineOpts.Proxies = pool
		webOpts.Proxies = pool
	}

	pipeline := acquire.New(pipelineOpts)
	webOpts.Pipeline = pipeline

	outputDir := filepath.Clean(cfg.OutputDir)
	jan := janitor.New(janitor.Options{
		Dirs:     []string{cfg.OutputDir, cfg.TempDir, cfg.CookieDir},
		MaxAge:   cfg.MaxAge,
		Interval: cfg.CleanupInterval,
		Logger:   logger,
		OnRemove: func(path string) {
			if filepath.Dir(path) != outputDir {
				return
			}
			name := filepath.Base(path)
			tracker.Delete(name)
			if catalog != nil {
				if err := catalog.DeleteByFilename(context.Background(), name); err != nil {
					logger.Warn("pruning catalog", "file", name, "err", err)
				}
			}
		},
	})
	jan.Start(ctx)
	defer jan.Stop()

	logger.Info("starting",
		"addr", cfg.Addr,
		"output", cfg.OutputDir,
		"proxies", cfg.ProxyEnabled,
		"ffprobe", cfg.FFProbe,
		"harvest", cfg.HarvestCookies,
		"jobs", cfg.Jobs,
	)
	return web.New(webOpts).ListenAndServe(ctx, cfg.Addr)
}

func newLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           lvl,
		Prefix:          "vidfetch",
	})

	styles := log.DefaultStyles()
	styles.Levels[log.DebugLevel] = lipgloss.NewStyle().SetString("DEBU").Foreground(lipgloss.Color("63"))
	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().SetString("INFO").Bold(true).Foreground(lipgloss.Color("86"))
	styles.Levels[log.WarnLevel] = lipgloss.NewStyle().SetString("WARN").Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().SetString("ERRO").Bold(true).Foreground(lipgloss.Color("204"))
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	styles.Values["err"] = lipgloss.NewStyle().Bold(true)
	logger.SetStyles(styles)
	return logger, nil
}
