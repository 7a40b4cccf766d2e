package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hannes/yaak-anon/config"
	"github.com/hannes/yaak-anon/pii"
	"golang.org/x/time/rate"
)

// ModelController is the part of the ModelManager the API exposes.
type ModelController interface {
	ReloadModel(directory string) error
	IsHealthy() bool
	GetInfo() map[string]interface{}
}

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	anonymizer *pii.Anonymizer
	models     ModelController
	store      pii.RunStore
	logger     *log.Logger
	limiter    *rate.Limiter
	httpServer *http.Server
}

// NewServer creates a new server instance. models and store may be nil; the
// corresponding endpoints then report that the feature is unavailable.
func NewServer(cfg *config.Config, anonymizer *pii.Anonymizer, models ModelController, store pii.RunStore, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		config:     cfg,
		anonymizer: anonymizer,
		models:     models,
		store:      store,
		logger:     logger.WithPrefix("server"),
	}
	if cfg.Server.RateLimit > 0 {
		burst := cfg.Server.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), burst)
	}
	return s
}

// Handler returns the router with all middleware installed.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	r.Use(s.rateLimit)

	r.Get("/health", s.healthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Post("/anonymize", s.handleAnonymize)
		r.Get("/runs", s.handleRuns)
		r.Post("/model/reload", s.handleModelReload)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting anonymization service", "port", s.config.Server.Port, "detector", s.config.DetectorName)
	if s.store != nil {
		s.logger.Info("audit storage enabled", "driver", s.config.Database.Driver)
	}

	s.httpServer = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// cors adds CORS headers for configured origins and answers preflight
// requests. Other origins get no CORS headers, so browsers block them.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// anonymizeRequest carries the text and optional per-request overrides of the
// configured match options. Absent fields keep the configured value.
type anonymizeRequest struct {
	Text            string   `json:"text"`
	Document        string   `json:"document,omitempty"`
	CustomWords     []string `json:"custom_words,omitempty"`
	Regex           *string  `json:"regex,omitempty"`
	Fuzzy           *bool    `json:"fuzzy,omitempty"`
	FuzzyThreshold  *int     `json:"fuzzy_threshold,omitempty"`
	PlaceholderMode *string  `json:"placeholder_mode,omitempty"`
}

func (req anonymizeRequest) hasOverrides() bool {
	return req.CustomWords != nil || req.Regex != nil || req.Fuzzy != nil ||
		req.FuzzyThreshold != nil || req.PlaceholderMode != nil
}

func (req anonymizeRequest) apply(opts pii.Options) (pii.Options, error) {
	if req.CustomWords != nil {
		opts.CustomWords = req.CustomWords
	}
	if req.Regex != nil {
		opts.RegexPattern = *req.Regex
	}
	if req.Fuzzy != nil {
		opts.Fuzzy.Enabled = *req.Fuzzy
	}
	if req.FuzzyThreshold != nil {
		opts.Fuzzy.Threshold = *req.FuzzyThreshold
	}
	if req.PlaceholderMode != nil {
		mode, err := pii.ParsePlaceholderMode(*req.PlaceholderMode)
		if err != nil {
			return pii.Options{}, err
		}
		opts.PlaceholderMode = mode
	}
	return opts, nil
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}

	var req anonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	anonymizer := s.anonymizer
	if req.hasOverrides() {
		opts, err := req.apply(anonymizer.Options())
		if err == nil {
			anonymizer, err = anonymizer.WithOptions(opts)
		}
		if err != nil {
			s.writeAnonymizeError(w, r, err)
			return
		}
	}

	document := req.Document
	if document == "" {
		document = "api"
	}
	result, err := anonymizer.AnonymizeDocument(r.Context(), document, req.Text)
	if err != nil {
		s.writeAnonymizeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeAnonymizeError maps the sentinel errors onto status codes.
func (s *Server) writeAnonymizeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pii.ErrInvalidConfiguration), errors.Is(err, pii.ErrInvalidPattern):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pii.ErrEntitySource):
		s.logger.Error("entity source failed", "request_id", middleware.GetReqID(r.Context()), "err", err)
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetTag("request_id", middleware.GetReqID(r.Context()))
		hub.CaptureException(err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("anonymization failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "audit storage is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

type reloadRequest struct {
	Directory string `json:"directory"`
}

func (s *Server) handleModelReload(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, http.StatusNotFound, "model management is not available")
		return
	}

	var req reloadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if req.Directory == "" {
		req.Directory, _ = s.models.GetInfo()["directory"].(string)
	} else if !withinDirectory(s.config.ModelDirectory, req.Directory) {
		s.logger.Warn("model reload outside the model directory refused", "directory", req.Directory)
		writeError(w, http.StatusForbidden, "directory must be inside the configured model directory")
		return
	}

	if err := s.models.ReloadModel(req.Directory); err != nil {
		s.logger.Warn("model reload rejected", "directory", req.Directory, "err", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.models.GetInfo())
}

// withinDirectory reports whether dir is root or lies below it.
func withinDirectory(root, dir string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// healthCheck reports service and model health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "yaak-anon",
	}
	status := http.StatusOK
	if s.models != nil {
		response["model"] = s.models.GetInfo()
		if !s.models.IsHealthy() {
			response["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
