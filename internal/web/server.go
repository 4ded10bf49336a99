// Package web serves the HTTP API in front of the acquisition pipeline.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/lvcoi/vidfetch/internal/acquire"
	"github.com/lvcoi/vidfetch/internal/app"
	"github.com/lvcoi/vidfetch/internal/db"
	"github.com/lvcoi/vidfetch/internal/downloader"
	"github.com/lvcoi/vidfetch/internal/progress"
)

const (
	defaultMaxRequestBytes = 16 << 20
	defaultListLimit       = 50
	maxListLimit           = 500
)

// Pipeline is the acquisition surface the handlers drive.
type Pipeline interface {
	ResolveMetadata(ctx context.Context, rawURL, cookies string) (*downloader.Info, error)
	Acquire(ctx context.Context, rawURL, quality, cookies string) acquire.Result
}

// Catalog lists completed downloads.
type Catalog interface {
	ListDownloads(ctx context.Context, limit, offset int) ([]db.DownloadRecord, error)
	Count(ctx context.Context) (int, error)
}

// PoolStats describes the proxy pool for /api/status.
type PoolStats interface {
	Len() int
	Epoch() uint64
}

// Options configures a Server. Catalog, Proxies and WebSocket are optional.
type Options struct {
	Pipeline  Pipeline
	Tracker   *progress.Tracker
	Catalog   Catalog
	Proxies   PoolStats
	WebSocket http.Handler

	OutputDir       string
	MaxRequestBytes int64
	Jobs            int
	RateLimit       float64
	RateBurst       int

	Logger *log.Logger
	Now    func() time.Time
}

type Server struct {
	pipeline  Pipeline
	tracker   *progress.Tracker
	catalog   Catalog
	proxies   PoolStats
	websocket http.Handler

	outputDir string
	maxBytes  int64
	jobs      int
	limiter   *rateLimiter

	logger    *log.Logger
	now       func() time.Time
	startedAt time.Time
	handler   http.Handler
}

func New(opts Options) *Server {
	s := &Server{
		pipeline:  opts.Pipeline,
		tracker:   opts.Tracker,
		catalog:   opts.Catalog,
		proxies:   opts.Proxies,
		websocket: opts.WebSocket,
		outputDir: opts.OutputDir,
		maxBytes:  opts.MaxRequestBytes,
		jobs:      opts.Jobs,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.tracker == nil {
		s.tracker = progress.New(nil)
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxRequestBytes
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	s.logger = s.logger.WithPrefix("web")
	if s.now == nil {
		s.now = time.Now
	}
	s.startedAt = s.now()
	if opts.RateLimit > 0 {
		s.limiter = newRateLimiter(opts.RateLimit, opts.RateBurst, 0)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/video-info", s.handleVideoInfo)
	mux.HandleFunc("POST /api/download", s.handleDownload)
	mux.HandleFunc("GET /api/progress/{filename}", s.handleProgress)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/downloads", s.handleListDownloads)
	mux.HandleFunc("GET /downloads/{filename}", s.handleServeFile)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.websocket != nil {
		mux.Handle("GET /api/ws", s.websocket)
	}

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	s.handler = withRequestLog(s.logger, withSecurityHeaders(h))
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Downloads are served synchronously and can run long.
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type videoInfoRequest struct {
	URLs    []string `json:"urls"`
	Cookies string   `json:"cookies"`
}

type downloadRequest struct {
	URLs    []string `json:"urls"`
	Quality string   `json:"quality"`
	Cookies string   `json:"cookies"`
}

type videoInfo struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	Thumbnail  string  `json:"thumbnail"`
	WebpageURL string  `json:"webpage_url"`
	Format     string  `json:"format"`
}

type videoInfoResponse struct {
	Videos []videoInfo `json:"videos"`
	Errors []string    `json:"errors"`
}

type downloadResponse struct {
	Results []acquire.Result `json:"results"`
}

func (s *Server) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	var req videoInfoRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	urls := cleanURLs(req.URLs)
	if len(urls) == 0 {
		writeJSONError(w, http.StatusBadRequest, "No URLs provided")
		return
	}

	type outcome struct {
		info *downloader.Info
		err  error
	}
	outcomes := app.Run(r.Context(), urls, s.jobs, func(ctx context.Context, u string) outcome {
		info, err := s.pipeline.ResolveMetadata(ctx, u, req.Cookies)
		return outcome{info: info, err: err}
	})

	resp := videoInfoResponse{Videos: []videoInfo{}, Errors: []string{}}
	for i, o := range outcomes {
		if o.err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", urls[i], o.err))
			continue
		}
		resp.Videos = append(resp.Videos, videoInfo{
			URL:        o.info.URL,
			Title:      o.info.Title,
			Duration:   o.info.Duration,
			Thumbnail:  o.info.Thumbnail,
			WebpageURL: o.info.WebpageURL,
			Format:     o.info.Format,
		})
	}
	if len(resp.Videos) == 0 {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	urls := cleanURLs(req.URLs)
	if len(urls) == 0 {
		writeJSONError(w, http.StatusBadRequest, "No URLs provided")
		return
	}
	if _, err := acquire.ParseQuality(req.Quality); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := app.Run(r.Context(), urls, s.jobs, func(ctx context.Context, u string) acquire.Result {
		return s.pipeline.Acquire(ctx, u, req.Quality, req.Cookies)
	})

	succeeded := 0
	for _, res := range results {
		if res.Status == acquire.StatusSuccess {
			succeeded++
		}
	}
	s.logger.Info("batch finished", "urls", len(urls), "succeeded", succeeded)
	if succeeded == 0 {
		writeJSON(w, http.StatusInternalServerError, downloadResponse{Results: results})
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{Results: results})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Get(r.PathValue("filename")))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"uptime": s.now().Sub(s.startedAt).Truncate(time.Second).String(),
		"jobs": map[string]int{
			"tracked": s.tracker.Len(),
			"active":  s.tracker.Active(),
		},
	}
	if s.proxies != nil {
		status["proxies"] = map[string]any{
			"size":  s.proxies.Len(),
			"epoch": s.proxies.Epoch(),
		}
	}
	writeJSON(w, http.StatusOK, status)
}

type downloadItem struct {
	db.DownloadRecord
	Size        string `json:"size"`
	DownloadURL string `json:"download_url"`
}

type downloadListResponse struct {
	Items      []downloadItem `json:"items"`
	Total      int            `json:"total"`
	NextOffset *int           `json:"next_offset"`
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSONError(w, http.StatusNotFound, "download catalog disabled")
		return
	}
	offset, limit, err := parseListPagination(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.catalog.ListDownloads(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("listing downloads", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list downloads")
		return
	}
	total, err := s.catalog.Count(r.Context())
	if err != nil {
		s.logger.Error("counting downloads", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list downloads")
		return
	}

	resp := downloadListResponse{Items: make([]downloadItem, 0, len(records)), Total: total}
	for _, rec := range records {
		resp.Items = append(resp.Items, downloadItem{
			DownloadRecord: rec,
			Size:           humanize.Bytes(uint64(max(rec.SizeBytes, 0))),
			DownloadURL:    "/downloads/" + rec.Filename,
		})
	}
	if end := offset + len(records); end < total {
		resp.NextOffset = &end
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	fullPath, status, err := resolveMediaPath(s.outputDir, name)
	if err != nil {
		if status == http.StatusBadRequest {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, "File not found")
		return
	}
	f, err := os.Open(fullPath)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		writeJSONError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(fullPath)}))
	w.Header().Set("Content-Type", downloader.MediaTypeFor(fullPath))
	http.ServeContent(w, r, filepath.Base(fullPath), info.ModTime(), f)
}

type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *requestError {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "application/json" {
		return &requestError{http.StatusUnsupportedMediaType, "content type must be application/json"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &requestError{http.StatusRequestEntityTooLarge, "request body too large"}
		}
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	return nil
}

func cleanURLs(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func parseListPagination(r *http.Request) (offset int, limit int, err error) {
	offset = 0
	limit = defaultListLimit

	q := r.URL.Query()
	if rawOffset := q.Get("offset"); rawOffset != "" {
		parsed, parseErr := strconv.Atoi(rawOffset)
		if parseErr != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid offset parameter")
		}
		offset = parsed
	}
	if rawLimit := q.Get("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed <= 0 {
			return 0, 0, fmt.Errorf("invalid limit parameter")
		}
		if parsed > maxListLimit {
			parsed = maxListLimit
		}
		limit = parsed
	}
	return offset, limit, nil
}

func resolveMediaPath(mediaDir, reqPath string) (string, int, error) {
	cleaned := filepath.Clean(reqPath)
	if cleaned == "." || cleaned == "" {
		return "", http.StatusBadRequest, fmt.Errorf("invalid path")
	}
	if strings.Contains(cleaned, "..") || filepath.IsAbs(cleaned) || strings.ContainsAny(cleaned, `/\`) {
		return "", http.StatusBadRequest, fmt.Errorf("invalid path")
	}

	fullPath := filepath.Join(mediaDir, cleaned)
	realMediaDir, err := resolveRealPath(mediaDir)
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("failed to resolve media directory")
	}
	realTargetPath, err := resolveRealPath(fullPath)
	if err != nil {
		return "", http.StatusBadRequest, fmt.Errorf("invalid path")
	}
	rel, err := filepath.Rel(realMediaDir, realTargetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", http.StatusForbidden, fmt.Errorf("access denied")
	}
	return fullPath, 0, nil
}

func resolveRealPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	realPath, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return realPath, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(cleaned)
	if parent == cleaned {
		return "", err
	}

	realParent, parentErr := resolveRealPath(parent)
	if parentErr != nil {
		return "", parentErr
	}
	return filepath.Join(realParent, filepath.Base(cleaned)), nil
}
