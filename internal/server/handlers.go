package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Evothesis/server-infrastructure/common/httputil"
	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/common/middleware"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/scheduler"
)

// Stage names accepted by POST /api/v1/pipeline/{stage}.
const (
	StageExport  = "export"
	StageProcess = "process"
	StageCleanup = "cleanup"
)

// Exporter runs and reports on RawExporter passes.
type Exporter interface {
	Export(ctx context.Context) models.ExportResult
	Status(ctx context.Context) models.ExportStatus
}

// Processor runs ComplianceProcessor passes.
type Processor interface {
	Process(ctx context.Context) models.ProcessResult
}

// Cleaner runs and reports on RetentionCleaner passes.
type Cleaner interface {
	Cleanup(ctx context.Context) models.CleanupResult
	Status(ctx context.Context) models.CleanupStatus
}

// CacheClearer drops cached tenant privacy levels.
type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

// Pinger reports whether the row store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the ops API.
type Handler struct {
	exporter  Exporter
	processor Processor
	cleaner   Cleaner
	tenants   CacheClearer
	store     Pinger
	guard     *scheduler.Guard
	logger    *logging.Logger
}

// Deps are the components behind the ops API. Nil components answer 503.
type Deps struct {
	Exporter  Exporter
	Processor Processor
	Cleaner   Cleaner
	Tenants   CacheClearer
	Store     Pinger
	Guard     *scheduler.Guard
	Logger    *logging.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Guard == nil {
		d.Guard = scheduler.NewGuard()
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	return &Handler{
		exporter:  d.Exporter,
		processor: d.Processor,
		cleaner:   d.Cleaner,
		tenants:   d.Tenants,
		store:     d.Store,
		guard:     d.Guard,
		logger:    d.Logger.With(logging.Service("ops-api")),
	}
}

// PipelineStatus is the body of GET /api/v1/pipeline/status.
type PipelineStatus struct {
	Export    *models.ExportStatus  `json:"export,omitempty"`
	Cleanup   *models.CleanupStatus `json:"cleanup,omitempty"`
	Running   map[string]bool       `json:"running"`
	Timestamp time.Time             `json:"timestamp"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "row store not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.WarnContext(r.Context(), "readiness check failed", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "row store unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Status reports export and cleanup state plus which passes are running.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := PipelineStatus{
		Running: map[string]bool{
			StageExport:  h.guard.Running(StageExport),
			StageProcess: h.guard.Running(StageProcess),
			StageCleanup: h.guard.Running(StageCleanup),
		},
		Timestamp: time.Now().UTC(),
	}
	if h.exporter != nil {
		s := h.exporter.Status(r.Context())
		resp.Export = &s
	}
	if h.cleaner != nil {
		s := h.cleaner.Status(r.Context())
		resp.Cleanup = &s
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// RunStage runs one pass of the named stage synchronously and returns its
// result. A pass already running in this process answers 409.
func (h *Handler) RunStage(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")

	var run func(ctx context.Context) (any, models.Status)
	switch stage {
	case StageExport:
		if h.exporter != nil {
			run = func(ctx context.Context) (any, models.Status) {
				res := h.exporter.Export(ctx)
				return res, res.Status
			}
		}
	case StageProcess:
		if h.processor != nil {
			run = func(ctx context.Context) (any, models.Status) {
				res := h.processor.Process(ctx)
				return res, res.Status
			}
		}
	case StageCleanup:
		if h.cleaner != nil {
			run = func(ctx context.Context) (any, models.Status) {
				res := h.cleaner.Cleanup(ctx)
				return res, res.Status
			}
		}
	default:
		httputil.WriteError(w, http.StatusNotFound, "unknown stage: "+stage)
		return
	}
	if run == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, stage+" is not configured")
		return
	}

	// The pass outlives a disconnecting client.
	ctx := context.WithoutCancel(r.Context())
	ctx = logging.WithPassID(ctx, middleware.GetRequestID(r.Context()))

	var (
		body   any
		status models.Status
	)
	err := h.guard.TryRun(stage, func() {
		body, status = run(ctx)
	})
	if errors.Is(err, scheduler.ErrBusy) {
		httputil.WriteError(w, http.StatusConflict, stage+" pass already running")
		return
	}

	h.logger.InfoContext(r.Context(), "manual pass finished", logging.Stage(stage), "status", string(status))

	code := http.StatusOK
	if status == models.StatusError {
		code = http.StatusInternalServerError
	}
	httputil.WriteJSON(w, code, body)
}

// ClearTenantCache drops every cached tenant privacy level.
func (h *Handler) ClearTenantCache(w http.ResponseWriter, r *http.Request) {
	if h.tenants == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "tenant resolver not configured")
		return
	}
	if err := h.tenants.ClearCache(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to clear tenant cache", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to clear tenant cache")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
