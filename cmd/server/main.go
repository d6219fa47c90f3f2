// Package main implements the caseq HTTP API server.
// The server accepts clinical photo and consent uploads and runs them through
// the per-case serial queue, so uploads of one case never race each other.
//
// API Endpoints:
//
//	POST   /cases/{caseKey}/photos          multipart: round, angle, file
//	POST   /cases/{caseKey}/consent         multipart: round, file
//	DELETE /cases/{caseKey}/tasks/{taskID}  cancel a queued task
//	DELETE /cases/{caseKey}/tasks           cancel every queued task of a case
//	GET    /cases/{caseKey}/queue           queue snapshot
//	GET    /cases/{caseKey}/history         settled tasks
//	GET    /result?id=<id>                  one settled task
//	GET    /stats                           registry counters
//	GET    /metrics                         Prometheus metrics
//	GET    /files/...                       stored uploads
//
// Usage:
//
//	go run ./cmd/server -config caseq.toml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guido-cesarano/caseq/pkg/config"
	"github.com/guido-cesarano/caseq/pkg/logger"
	"github.com/guido-cesarano/caseq/pkg/queue"
	"github.com/guido-cesarano/caseq/pkg/store"
	"github.com/guido-cesarano/caseq/pkg/upload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

// app bundles everything the handlers need.
type app struct {
	queue     *queue.Manager
	store     *store.Store
	uploads   *upload.Service
	filesDir  string
	maxBytes  int64
	rateLimit int
	rateBurst int
	gatherer  prometheus.Gatherer
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all origins for dev
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// allowMethod rejects requests with any other method.
func allowMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to encode response")
	}
}

// setupRouter configures the HTTP handlers and returns the mux.
// Middlewares are chained CORS -> Auth -> Method -> Handler so preflight
// requests never hit auth.
func setupRouter(a *app, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()
	route := func(pattern, method string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, enableCORS(authMiddleware(allowMethod(method, h), apiKey)))
	}

	route("/cases/{caseKey}/photos", http.MethodPost, a.handlePhoto)
	route("/cases/{caseKey}/consent", http.MethodPost, a.handleConsent)
	route("/cases/{caseKey}/tasks/{taskID}", http.MethodDelete, a.handleCancelTask)
	route("/cases/{caseKey}/tasks", http.MethodDelete, a.handleCancelCase)
	route("/cases/{caseKey}/queue", http.MethodGet, a.handleInspect)
	route("/cases/{caseKey}/history", http.MethodGet, a.handleHistory)
	route("/result", http.MethodGet, a.handleResult)
	route("/stats", http.MethodGet, a.handleStats)

	mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/files/", http.StripPrefix("/files/", http.FileServer(http.Dir(a.filesDir))))

	return mux
}

// readUpload parses the multipart request and buffers the "file" part.
func (a *app) readUpload(w http.ResponseWriter, r *http.Request) (int, upload.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBytes)
	if err := r.ParseMultipartForm(a.maxBytes); err != nil {
		return 0, upload.File{}, err
	}

	round, err := strconv.Atoi(r.FormValue("round"))
	if err != nil {
		return 0, upload.File{}, errors.New("round must be a number")
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		return 0, upload.File{}, err
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		return 0, upload.File{}, err
	}
	return round, upload.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// allowSubmission applies the per-case rate limit. Redis errors fail open so a
// Redis hiccup never blocks uploads.
func (a *app) allowSubmission(ctx context.Context, caseKey string) bool {
	if a.rateLimit <= 0 {
		return true
	}
	allowed, err := a.store.Allow(ctx, "case:"+caseKey, a.rateLimit, a.rateBurst)
	if err != nil {
		logger.Log.Error().Err(err).Str("case_key", caseKey).Msg("Rate limit check failed")
		return true
	}
	return allowed
}

// submitStatus maps a submission error onto an HTTP status.
func submitStatus(err error) int {
	var subErr *queue.SubmissionError
	switch {
	case errors.As(err, &subErr),
		errors.Is(err, upload.ErrInvalidAngle),
		errors.Is(err, upload.ErrInvalidRound),
		errors.Is(err, upload.ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *app) handlePhoto(w http.ResponseWriter, r *http.Request) {
	caseKey := r.PathValue("caseKey")
	round, file, err := a.readUpload(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	angle, err := upload.ParseAngle(r.FormValue("angle"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !a.allowSubmission(r.Context(), caseKey) {
		http.Error(w, "Too many uploads for this case", http.StatusTooManyRequests)
		return
	}

	// The task outlives the request, so it must not inherit the request context.
	h, err := a.uploads.SubmitPhoto(context.Background(), caseKey, round, angle, file)
	if err != nil {
		http.Error(w, err.Error(), submitStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, h.Task())
}

func (a *app) handleConsent(w http.ResponseWriter, r *http.Request) {
	caseKey := r.PathValue("caseKey")
	round, file, err := a.readUpload(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !a.allowSubmission(r.Context(), caseKey) {
		http.Error(w, "Too many uploads for this case", http.StatusTooManyRequests)
		return
	}

	h, err := a.uploads.SubmitConsent(context.Background(), caseKey, round, file)
	if err != nil {
		http.Error(w, err.Error(), submitStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, h.Task())
}

func (a *app) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	cancelled := a.queue.CancelPending(r.PathValue("caseKey"), r.PathValue("taskID"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (a *app) handleCancelCase(w http.ResponseWriter, r *http.Request) {
	n := a.queue.CancelCase(r.PathValue("caseKey"))
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (a *app) handleInspect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.queue.Inspect(r.PathValue("caseKey")))
}

func (a *app) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history, err := a.store.History(r.Context(), r.PathValue("caseKey"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *app) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}

	result, err := a.store.GetResult(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.queue.Stats())
}

// scheduleMaintenance registers periodic jobs: gauge refresh and a stats log line.
func scheduleMaintenance(c *cron.Cron, m *queue.Manager, metrics *queue.Metrics) error {
	if _, err := c.AddFunc("@every 5s", func() {
		metrics.SetDepth(m.Stats())
	}); err != nil {
		return err
	}
	_, err := c.AddFunc("@every 1m", func() {
		s := m.Stats()
		if s.Cases == 0 {
			return
		}
		logger.Log.Info().
			Int("cases", s.Cases).
			Int("pending", s.Pending).
			Int("running", s.Running).
			Msg("Queue stats")
	})
	return err
}

// main wires configuration, Redis, the queue manager and the HTTP server, and
// shuts them down in order on SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", os.Getenv("CASEQ_CONFIG"), "Path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger.Configure(cfg.Logging.Level, cfg.Env)

	st := store.NewStore(cfg.Redis.Addr,
		store.WithHistoryLimit(cfg.Redis.HistoryLimit),
		store.WithResultTTL(cfg.ResultTTL()),
	)
	defer st.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
	if err := st.Ping(pingCtx); err != nil {
		logger.Log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis not reachable, history and metadata writes will fail")
	}
	cancelPing()

	metrics := queue.NewMetrics(prometheus.DefaultRegisterer)
	manager := queue.NewManager(
		queue.WithLogger(logger.Component("queue")),
		queue.WithMetrics(metrics),
		queue.WithRecorder(st),
	)

	files, err := upload.NewDiskStore(cfg.Uploads.Dir, cfg.Uploads.BaseURL)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to prepare upload directory")
	}

	a := &app{
		queue:     manager,
		store:     st,
		uploads:   upload.NewService(manager, files, st, logger.Component("upload")),
		filesDir:  cfg.Uploads.Dir,
		maxBytes:  cfg.Uploads.MaxBytes,
		rateLimit: cfg.Uploads.RateLimit,
		rateBurst: cfg.Uploads.RateBurst,
		gatherer:  prometheus.DefaultGatherer,
	}

	c := cron.New(cron.WithSeconds())
	if err := scheduleMaintenance(c, manager, metrics); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to schedule maintenance")
	}
	c.Start()
	defer c.Stop()

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           setupRouter(a, cfg.Server.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.Server.ListenAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := manager.Close(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("Running uploads did not finish before shutdown deadline")
	}
}
