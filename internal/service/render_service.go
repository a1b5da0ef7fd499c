// Package service is the submission and control boundary shared by the API and tooling.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"render-scheduler/internal/logger"
	"render-scheduler/internal/models"
	"render-scheduler/internal/queue"
	"render-scheduler/internal/ratelimit"
	"render-scheduler/internal/store"
	"render-scheduler/internal/telemetry"
)

var (
	ErrValidation   = errors.New("invalid request")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrJobCancelled = errors.New("job cancelled")
)

// ValidationError lists the offending fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RateLimitError carries the retry hint for throttled owners.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// TaskQueue is the part of the Redis queue the service writes to.
type TaskQueue interface {
	Enqueue(ctx context.Context, task queue.Task, lane string, runAt time.Time) error
	Remove(ctx context.Context, jobID string) (int, error)
}

// Revoker signals workers to abort a running execution.
type Revoker interface {
	Revoke(ctx context.Context, handle string) error
}

// Limiter throttles submissions per owner.
type Limiter interface {
	Allow(ctx context.Context, owner string) (ratelimit.Decision, error)
}

// SubmitRequest is a new render job as accepted at the boundary.
type SubmitRequest struct {
	Owner        string         `json:"owner" validate:"required,max=128"`
	RemoteRef    string         `json:"remote_ref" validate:"required_without=LocalPath,excluded_with=LocalPath,max=1024"`
	LocalPath    string         `json:"local_path" validate:"required_without=RemoteRef,max=1024"`
	Compressed   bool           `json:"compressed"`
	Engine       string         `json:"engine" validate:"required,oneof=maya ue"`
	EngineConfig map[string]any `json:"engine_config"`
	Priority     *int           `json:"priority" validate:"omitempty,min=0,max=10"`
	TotalFrames  int            `json:"total_frames" validate:"required,min=1,max=100000"`
	MaxRetries   *int           `json:"max_retries" validate:"omitempty,min=0,max=20"`
}

// RenderService creates, cancels and retries render work.
type RenderService struct {
	store      store.Repository
	queue      TaskQueue
	revoker    Revoker
	limiter    Limiter
	validate   *validator.Validate
	log        *logger.Logger
	maxRetries int
}

// Config holds service defaults.
type Config struct {
	DefaultMaxRetries int
}

// New builds the service. limiter may be nil.
func New(st store.Repository, q TaskQueue, rv Revoker, lim Limiter, cfg Config, log *logger.Logger) *RenderService {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	return &RenderService{
		store:      st,
		queue:      q,
		revoker:    rv,
		limiter:    lim,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log.WithComponent("service"),
		maxRetries: cfg.DefaultMaxRetries,
	}
}

// Validate checks a request without side effects.
func (s *RenderService) Validate(req SubmitRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[jsonName(fe.Field())] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

func jsonName(field string) string {
	switch field {
	case "RemoteRef":
		return "remote_ref"
	case "LocalPath":
		return "local_path"
	case "EngineConfig":
		return "engine_config"
	case "TotalFrames":
		return "total_frames"
	case "MaxRetries":
		return "max_retries"
	}
	return strings.ToLower(field)
}

// Submit persists the job with frames 1..N, routes it to a lane and enqueues it.
func (s *RenderService) Submit(ctx context.Context, req SubmitRequest) (models.RenderJob, error) {
	if err := s.Validate(req); err != nil {
		return models.RenderJob{}, err
	}
	if s.limiter != nil {
		d, err := s.limiter.Allow(ctx, req.Owner)
		if err != nil {
			// fail open: the queue is the real backpressure
			s.log.Warn("rate limiter unavailable", "owner", req.Owner, "error", err)
		} else if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			return models.RenderJob{}, &RateLimitError{RetryAfter: d.RetryAfter}
		}
	}

	priority := 5
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxRetries := s.maxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	lane := queue.Route(priority)

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Owner:        req.Owner,
		Source:       models.Source{RemoteRef: req.RemoteRef, LocalPath: req.LocalPath},
		Compressed:   req.Compressed,
		Engine:       models.Engine(req.Engine),
		EngineConfig: req.EngineConfig,
		Priority:     priority,
		Lane:         lane,
		TotalFrames:  req.TotalFrames,
		MaxRetries:   maxRetries,
	})
	if err != nil {
		return models.RenderJob{}, fmt.Errorf("create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.JobTask(job.ID), lane, time.Now()); err != nil {
		// a pending job nobody will pick up is worse than a cancelled one
		if _, cancelErr := s.store.CancelJob(ctx, job.ID); cancelErr != nil {
			s.log.Error("orphaned pending job", "job_id", job.ID, "error", cancelErr)
		}
		return models.RenderJob{}, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.JobsSubmitted.WithLabelValues(lane).Inc()
	s.log.Info("job submitted", "job_id", job.ID, "owner", job.Owner, "engine", job.Engine, "lane", lane, "frames", job.TotalFrames)
	return job, nil
}

// Cancel stops a pending or running job. The state change and the queue/process
// cleanup run concurrently; only the state change decides the result.
func (s *RenderService) Cancel(ctx context.Context, jobID string) (models.RenderJob, error) {
	before, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.RenderJob{}, err
	}
	if before.Status.Terminal() {
		return models.RenderJob{}, fmt.Errorf("job is %s: %w", before.Status, store.ErrConflict)
	}

	var cancelled models.RenderJob
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		job, err := s.store.CancelJob(gctx, jobID)
		if err != nil {
			return err
		}
		cancelled = job
		if _, err := s.store.FailOpenFrames(gctx, jobID,
			[]models.FrameStatus{models.FramePending, models.FrameRendering}, models.ReasonJobCancelled); err != nil {
			return fmt.Errorf("fail open frames: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if n, err := s.queue.Remove(gctx, jobID); err != nil {
			s.log.Warn("queue removal failed", "job_id", jobID, "error", err)
		} else if n > 0 {
			s.log.Debug("removed queued tasks", "job_id", jobID, "count", n)
		}
		if before.ExecutionHandle != nil {
			s.revoke(gctx, jobID, *before.ExecutionHandle)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.RenderJob{}, err
	}

	// the job may have started between the read and the cancel
	if h := cancelled.ExecutionHandle; h != nil && (before.ExecutionHandle == nil || *before.ExecutionHandle != *h) {
		s.revoke(ctx, jobID, *h)
	}
	telemetry.JobsFinished.WithLabelValues(string(models.JobCancelled)).Inc()
	s.log.Info("job cancelled", "job_id", jobID)
	return cancelled, nil
}

func (s *RenderService) revoke(ctx context.Context, jobID, handle string) {
	if s.revoker == nil {
		return
	}
	if err := s.revoker.Revoke(ctx, handle); err != nil {
		s.log.Warn("revoke failed", "job_id", jobID, "handle", handle, "error", err)
	}
}

// RequestFrameRetry queues a single-frame re-render for a finished frame.
func (s *RenderService) RequestFrameRetry(ctx context.Context, jobID string, frameNumber int) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobCancelled {
		return ErrJobCancelled
	}
	frame, err := s.store.GetFrame(ctx, jobID, frameNumber)
	if err != nil {
		return err
	}
	if frame.Status != models.FrameFailed && frame.Status != models.FrameCompleted {
		return fmt.Errorf("frame %d is %s: %w", frameNumber, frame.Status, store.ErrConflict)
	}
	if err := s.queue.Enqueue(ctx, queue.FrameTask(jobID, frameNumber), job.Lane, time.Now()); err != nil {
		return fmt.Errorf("enqueue frame retry: %w", err)
	}
	s.log.Info("frame retry requested", "job_id", jobID, "frame", frameNumber)
	return nil
}

// GetJob returns one job.
func (s *RenderService) GetJob(ctx context.Context, jobID string) (models.RenderJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the filter.
func (s *RenderService) ListJobs(ctx context.Context, p store.ListJobsParams) ([]models.RenderJob, error) {
	return s.store.ListJobs(ctx, p)
}

// ListFrames returns a job's frames.
func (s *RenderService) ListFrames(ctx context.Context, jobID string) ([]models.RenderFrame, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListFrames(ctx, jobID)
}

// GetFrame returns a frame by surrogate id.
func (s *RenderService) GetFrame(ctx context.Context, frameID int64) (models.RenderFrame, error) {
	return s.store.GetFrameByID(ctx, frameID)
}
