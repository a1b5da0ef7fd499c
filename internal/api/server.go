package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"

	"render-scheduler/internal/logger"
	"render-scheduler/internal/models"
	"render-scheduler/internal/service"
	"render-scheduler/internal/store"
	"render-scheduler/internal/telemetry"
)

type contextKey string

const ownerCtxKey contextKey = "owner"

// OwnerHeader identifies the caller when bearer tokens are disabled.
const OwnerHeader = "X-Owner-ID"

// Server wires HTTP handlers for the render API.
type Server struct {
	svc       *service.RenderService
	tokenAuth *jwtauth.JWTAuth
	log       *logger.Logger
}

// New constructs the API server. An empty jwtSecret disables bearer authentication;
// the owner is then taken from the X-Owner-ID header.
func New(svc *service.RenderService, jwtSecret string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{svc: svc, log: log.WithComponent("api")}
	if jwtSecret != "" {
		s.tokenAuth = jwtauth.New("HS256", []byte(jwtSecret), nil)
	}
	return s
}

// TokenAuth returns the bearer token signer, or nil when authentication is off.
func (s *Server) TokenAuth() *jwtauth.JWTAuth {
	return s.tokenAuth
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.tokenAuth != nil {
			r.Use(jwtauth.Verifier(s.tokenAuth))
			r.Use(s.authenticate)
		} else {
			r.Use(headerOwner)
		}

		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/status", s.handleJobStatus)
			r.Get("/frames", s.handleListFrames)
			r.Post("/cancel", s.handleCancel)
			r.Post("/frames/{n}/retry", s.handleRetryFrame)
		})
		r.Get("/frames/{id}/artifact", s.handleArtifact)
		r.Get("/frames/{id}/thumbnail", s.handleThumbnail)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			writeError(w, http.StatusUnauthorized, "authorization token required")
			return
		}
		owner, _ := claims["sub"].(string)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "token has no subject")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerCtxKey, owner)))
	})
}

func headerOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if v := r.Header.Get(OwnerHeader); v != "" {
			ctx = context.WithValue(ctx, ownerCtxKey, v)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ownerFrom returns the caller identity, or "" when the request is anonymous.
func ownerFrom(ctx context.Context) string {
	v, _ := ctx.Value(ownerCtxKey).(string)
	return v
}

type jobResponse struct {
	models.RenderJob
	Progress float64 `json:"progress"`
	Degraded bool    `json:"degraded"`
}

func newJobResponse(j models.RenderJob) jobResponse {
	return jobResponse{RenderJob: j, Progress: math.Round(j.Progress()*100) / 100, Degraded: j.Degraded()}
}

type statusResponse struct {
	ID              string           `json:"id"`
	Status          models.JobStatus `json:"status"`
	TotalFrames     int              `json:"total_frames"`
	CompletedFrames int              `json:"completed_frames"`
	Progress        float64          `json:"progress"`
	Degraded        bool             `json:"degraded"`
	ErrorMessage    *string          `json:"error_message,omitempty"`
}

type frameResponse struct {
	models.RenderFrame
	RenderSeconds float64 `json:"render_seconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if owner := ownerFrom(r.Context()); owner != "" {
		req.Owner = owner
	}
	job, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := store.ListJobsParams{Owner: ownerFrom(r.Context())}
	if v := q.Get("status"); v != "" {
		status := models.JobStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		params.Status = status
	}
	var ok bool
	if params.Limit, ok = intQuery(w, q.Get("limit")); !ok {
		return
	}
	if params.Offset, ok = intQuery(w, q.Get("offset")); !ok {
		return
	}
	jobs, err := s.svc.ListJobs(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "limit": params.Limit, "offset": params.Offset})
}

// ownedJob loads the job in the URL and hides jobs of other owners.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.RenderJob, bool) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return models.RenderJob{}, false
	}
	if owner := ownerFrom(r.Context()); owner != "" && job.Owner != owner {
		writeError(w, http.StatusNotFound, "job not found")
		return models.RenderJob{}, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	resp := newJobResponse(job)
	writeJSON(w, http.StatusOK, statusResponse{
		ID:              job.ID,
		Status:          job.Status,
		TotalFrames:     job.TotalFrames,
		CompletedFrames: job.CompletedFrames,
		Progress:        resp.Progress,
		Degraded:        resp.Degraded,
		ErrorMessage:    job.ErrorMessage,
	})
}

func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var status models.FrameStatus
	if v := q.Get("status"); v != "" {
		status = models.FrameStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
	}
	limit, ok := intQuery(w, q.Get("limit"))
	if !ok {
		return
	}
	offset, ok := intQuery(w, q.Get("offset"))
	if !ok {
		return
	}

	frames, err := s.svc.ListFrames(r.Context(), job.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]frameResponse, 0, len(frames))
	for _, f := range frames {
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, frameResponse{RenderFrame: f, RenderSeconds: f.RenderDuration.Seconds()})
	}
	total := len(out)
	out = page(out, limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{"frames": out, "total": total})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	cancelled, err := s.svc.Cancel(r.Context(), job.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(cancelled))
}

func (s *Server) handleRetryFrame(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "frame number must be a positive integer")
		return
	}
	if err := s.svc.RequestFrameRetry(r.Context(), job.ID, n); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "frame_number": n, "status": "queued"})
}

// ownedFrame loads the frame in the URL and checks its job's owner.
func (s *Server) ownedFrame(w http.ResponseWriter, r *http.Request) (models.RenderFrame, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "frame id must be an integer")
		return models.RenderFrame{}, false
	}
	frame, err := s.svc.GetFrame(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return models.RenderFrame{}, false
	}
	if owner := ownerFrom(r.Context()); owner != "" {
		job, err := s.svc.GetJob(r.Context(), frame.JobID)
		if err != nil || job.Owner != owner {
			writeError(w, http.StatusNotFound, "frame not found")
			return models.RenderFrame{}, false
		}
	}
	return frame, true
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.ownedFrame(w, r)
	if !ok {
		return
	}
	if frame.Status != models.FrameCompleted || frame.OutputPath == nil {
		writeError(w, http.StatusNotFound, "frame has no artifact")
		return
	}
	s.serveFile(w, r, *frame.OutputPath)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.ownedFrame(w, r)
	if !ok {
		return
	}
	if frame.ThumbnailPath == nil {
		writeError(w, http.StatusNotFound, "thumbnail not available")
		return
	}
	s.serveFile(w, r, *frame.ThumbnailPath)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file no longer exists")
			return
		}
		s.log.Error("open file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read file")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file no longer exists")
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	var rl *service.RateLimitError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "fields": verr.Fields})
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrJobCancelled):
		writeError(w, http.StatusConflict, "job is cancelled")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intQuery(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "paging parameters must be non-negative integers")
		return 0, false
	}
	return n, true
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
