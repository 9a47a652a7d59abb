package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/ocrflow/ocrflow/internal/artifact"
	"github.com/ocrflow/ocrflow/internal/dispatch"
	"github.com/ocrflow/ocrflow/internal/domain"
	"github.com/ocrflow/ocrflow/internal/service"
	"github.com/ocrflow/ocrflow/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// JobService is the application surface the HTTP layer exposes.
type JobService interface {
	Submit(ctx context.Context, filename, webhookURL string, data []byte) (domain.Job, bool, error)
	Status(ctx context.Context, jobID string) (domain.Job, error)
	List(ctx context.Context, filter *domain.Status) ([]domain.Job, error)
	Result(ctx context.Context, jobID string, kind artifact.Kind) ([]byte, error)
	Images(ctx context.Context, jobID string) ([]string, error)
	Image(ctx context.Context, jobID, name string) ([]byte, error)
	Delete(ctx context.Context, jobID string) error
	QueueStatus() dispatch.Status
}

// ReadyChecker reports whether the inference engine is reachable.
type ReadyChecker interface {
	Ready(ctx context.Context) bool
}

// Options carries the optional server collaborators.
type Options struct {
	AuthToken       string
	RateLimiter     RateLimiter
	RateLimitHeader string
	// DispatchMetrics, when set, is mounted at /metrics/dispatch so the
	// worker pool's registry is scrapable next to the API's own.
	DispatchMetrics http.Handler
}

type Server struct {
	logger          *log.Logger
	jobs            JobService
	engine          ReadyChecker
	authToken       string
	rateLimiter     RateLimiter
	rateLimitHeader string
	dispatchMetrics http.Handler
	metrics         *metrics
	tracer          trace.Tracer
	mux             *http.ServeMux
}

func NewServer(logger *log.Logger, jobs JobService, engine ReadyChecker, opts Options) *Server {
	s := &Server{
		logger:          logger,
		jobs:            jobs,
		engine:          engine,
		authToken:       strings.TrimSpace(opts.AuthToken),
		rateLimiter:     opts.RateLimiter,
		rateLimitHeader: opts.RateLimitHeader,
		dispatchMetrics: opts.DispatchMetrics,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("ocrflow/api"),
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the full middleware chain around the route table.
func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.withAuth(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	if s.dispatchMetrics != nil {
		s.mux.Handle("GET /metrics/dispatch", s.dispatchMetrics)
	}
	s.mux.HandleFunc("POST /jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}/status", s.handleJobStatus)
	s.mux.HandleFunc("GET /jobs/{id}/result/{kind}", s.handleJobResult)
	s.mux.HandleFunc("GET /jobs/{id}/result/images/{name}", s.handleJobImage)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	s.mux.HandleFunc("GET /queue/status", s.handleQueueStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.engine != nil && s.engine.Ready(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"engine_ready": ready,
	})
}

const maxUploadMemory = 32 << 20

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected multipart form upload"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "form field 'file' is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Printf("read upload failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read upload"})
		return
	}

	webhookURL := strings.TrimSpace(r.FormValue("webhook_url"))

	job, dedup, err := s.jobs.Submit(r.Context(), header.Filename, webhookURL, data)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.metrics.uploadsTotal.Inc()
	status := http.StatusAccepted
	if dedup {
		status = http.StatusOK
	}
	writeJSON(w, status, job)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSubmission):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, dispatch.ErrQueueFull):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "processing queue is full"})
	case errors.Is(err, dispatch.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service is shutting down"})
	default:
		s.logger.Printf("submit failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to accept job"})
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter *domain.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter = &status
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.logger.Printf("list jobs failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		s.logger.Printf("job status failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	switch r.PathValue("kind") {
	case "markdown":
		s.writeResult(w, r, jobID, artifact.KindMarkdown, "text/markdown; charset=utf-8")
	case "markdown_det":
		s.writeResult(w, r, jobID, artifact.KindMarkdownDet, "text/markdown; charset=utf-8")
	case "layout_pdf":
		s.writeResult(w, r, jobID, artifact.KindLayoutPDF, "application/pdf")
	case "images":
		s.writeImageList(w, r, jobID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown result kind"})
	}
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, jobID string, kind artifact.Kind, contentType string) {
	data, err := s.jobs.Result(r.Context(), jobID, kind)
	if err != nil {
		s.writeResultError(w, jobID, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) writeImageList(w http.ResponseWriter, r *http.Request, jobID string) {
	names, err := s.jobs.Images(r.Context(), jobID)
	if err != nil {
		s.writeResultError(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": names, "count": len(names)})
}

func (s *Server) handleJobImage(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	data, err := s.jobs.Image(r.Context(), jobID, r.PathValue("name"))
	if err != nil {
		s.writeResultError(w, jobID, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// writeResultError maps the service's result signals onto the polling
// contract: unknown ids are 404, jobs still in flight answer 202 with
// their current status, failed jobs surface the persisted reason.
func (s *Server) writeResultError(w http.ResponseWriter, jobID string, err error) {
	var (
		notReady *service.NotReadyError
		failed   *service.FailedError
	)
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, artifact.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &notReady):
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": jobID,
			"status": notReady.Status,
			"detail": "job has not completed yet",
		})
	case errors.As(err, &failed):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"job_id": jobID,
			"status": domain.StatusFailed,
			"error":  failed.Message,
		})
	default:
		s.logger.Printf("result read failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load result"})
	}
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.jobs.Delete(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		s.logger.Printf("delete failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete job"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": jobID})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.QueueStatus())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
