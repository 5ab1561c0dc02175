package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"dcs-mission-validator/internal/logger"
	"dcs-mission-validator/internal/models"
	"dcs-mission-validator/internal/ratelimit"
	"dcs-mission-validator/internal/store"
	"dcs-mission-validator/internal/telemetry"
)

// Scheduler is the part of the debounce scheduler the API drives.
type Scheduler interface {
	Add(ref models.FileRef)
	Snapshot() []models.PendingJob
}

// VerdictReader reads the verdict history.
type VerdictReader interface {
	GetVerdict(ctx context.Context, id string) (models.Verdict, error)
	ListVerdicts(ctx context.Context, path string, limit int) ([]models.Verdict, error)
	ListAudit(ctx context.Context, verdictID string) ([]models.AuditLog, error)
}

// RejectReader reads the reject feed.
type RejectReader interface {
	Recent(ctx context.Context, n int64) ([]models.Verdict, error)
}

// Limiter rate limits validation requests per client.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (ratelimit.Decision, error)
}

// Options carries the optional backends; nil ones disable their routes.
type Options struct {
	Root      string
	Extension string
	Verdicts  VerdictReader
	Rejects   RejectReader
	Limiter   Limiter
	Logger    *zap.SugaredLogger
}

// Server wires HTTP handlers for the status API.
type Server struct {
	scheduler Scheduler
	root      string
	ext       string
	verdicts  VerdictReader
	rejects   RejectReader
	limiter   Limiter
	logger    *zap.SugaredLogger
}

// New constructs the API server.
func New(s Scheduler, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.ComponentLogger("api")
	}
	ext := strings.ToLower(opts.Extension)
	if ext == "" {
		ext = ".miz"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Server{
		scheduler: s,
		root:      opts.Root,
		ext:       ext,
		verdicts:  opts.Verdicts,
		rejects:   opts.Rejects,
		limiter:   opts.Limiter,
		logger:    log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/pending", s.handlePending)
	r.Post("/validations", s.handleValidate)
	r.Get("/validations", s.handleListVerdicts)
	r.Get("/validations/{id}", s.handleGetVerdict)
	r.Get("/validations/{id}/audit", s.handleAudit)
	r.Get("/rejected", s.handleRejected)
	return r
}

type pendingItem struct {
	Path  string    `json:"path"`
	Size  int64     `json:"size"`
	DueAt time.Time `json:"due_at"`
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	snap := s.scheduler.Snapshot()
	items := make([]pendingItem, 0, len(snap))
	for _, job := range snap {
		items = append(items, pendingItem{Path: job.Ref.Path, Size: job.Ref.Size, DueAt: job.DueAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type validateRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.logger.Warnw("Rate limiter unavailable", logger.FieldError, err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	ref, code, err := s.resolve(req.Path)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}
	s.scheduler.Add(ref)
	s.logger.Infow("Validation requested", logger.FieldPath, ref.Path)
	writeJSON(w, http.StatusAccepted, pendingItem{Path: ref.Path, Size: ref.Size})
}

// resolve turns a requested path into a FileRef, confining it to the watch
// root when one is set.
func (s *Server) resolve(raw string) (models.FileRef, int, error) {
	path, err := filepath.Abs(raw)
	if err != nil {
		return models.FileRef{}, http.StatusBadRequest, errors.Wrap(err, "invalid path")
	}
	if s.root != "" {
		rel, err := filepath.Rel(s.root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return models.FileRef{}, http.StatusForbidden, errors.New("path is outside the watched directory")
		}
	}
	if strings.ToLower(filepath.Ext(path)) != s.ext {
		return models.FileRef{}, http.StatusBadRequest, errors.Newf("path must have the %s extension", s.ext)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return models.FileRef{}, http.StatusNotFound, errors.New("archive not found")
	}
	return models.FileRef{Path: path, Size: info.Size(), Exists: true, ObservedAt: time.Now()}, 0, nil
}

func (s *Server) handleGetVerdict(w http.ResponseWriter, r *http.Request) {
	if s.verdicts == nil {
		http.Error(w, "verdict history disabled", http.StatusServiceUnavailable)
		return
	}
	v, err := s.verdicts.GetVerdict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "verdict not found", http.StatusNotFound)
			return
		}
		s.logger.Warnw("Failed to read verdict", logger.FieldError, err)
		http.Error(w, "failed to read verdict", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.verdicts == nil {
		http.Error(w, "verdict history disabled", http.StatusServiceUnavailable)
		return
	}
	items, err := s.verdicts.ListAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "verdict not found", http.StatusNotFound)
			return
		}
		s.logger.Warnw("Failed to read audit trail", logger.FieldError, err)
		http.Error(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListVerdicts(w http.ResponseWriter, r *http.Request) {
	if s.verdicts == nil {
		http.Error(w, "verdict history disabled", http.StatusServiceUnavailable)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path query parameter is required", http.StatusBadRequest)
		return
	}
	items, err := s.verdicts.ListVerdicts(r.Context(), path, queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Warnw("Failed to list verdicts", logger.FieldError, err)
		http.Error(w, "failed to list verdicts", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.Verdict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleRejected returns the newest entries of the reject feed.
func (s *Server) handleRejected(w http.ResponseWriter, r *http.Request) {
	if s.rejects == nil {
		http.Error(w, "reject feed disabled", http.StatusServiceUnavailable)
		return
	}
	items, err := s.rejects.Recent(r.Context(), int64(queryInt(r, "limit", 100)))
	if err != nil {
		s.logger.Warnw("Failed to read reject feed", logger.FieldError, err)
		http.Error(w, "failed to read reject feed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return "default"
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
