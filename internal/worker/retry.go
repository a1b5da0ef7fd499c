package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"render-scheduler/internal/logger"
	"render-scheduler/internal/models"
	"render-scheduler/internal/queue"
	"render-scheduler/internal/render"
	"render-scheduler/internal/store"
	"render-scheduler/internal/telemetry"
)

var (
	ErrJobCancelled = errors.New("job cancelled")
	ErrNoWorkspace  = errors.New("job has no prepared workspace")
)

// FrameRetrier re-renders a single frame of an existing job.
type FrameRetrier struct {
	store    store.Repository
	renderer FrameDispatcher
	hook     CompletionHook
	retries  RetryScheduler
	backoff  time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewFrameRetrier builds a retrier. hook and retries may be nil.
func NewFrameRetrier(st store.Repository, renderer FrameDispatcher, hook CompletionHook, retries RetryScheduler, backoff time.Duration, log *logger.Logger) *FrameRetrier {
	if log == nil {
		log = logger.Nop()
	}
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	return &FrameRetrier{
		store:    st,
		renderer: renderer,
		hook:     hook,
		retries:  retries,
		backoff:  backoff,
		log:      log.WithComponent("frame-retry"),
		now:      time.Now,
	}
}

// HandleTask adapts Retry to the processor's handler signature.
func (r *FrameRetrier) HandleTask(ctx context.Context, task queue.Task, _ string) error {
	err := r.Retry(ctx, task.JobID, task.Frame)
	switch {
	case errors.Is(err, ErrJobCancelled), errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		r.log.Info("frame retry dropped", "job_id", task.JobID, "frame", task.Frame, "reason", err)
		return nil
	}
	return err
}

// Retry resets the frame to rendering, renders it again and re-derives the job's counters.
func (r *FrameRetrier) Retry(ctx context.Context, jobID string, frameNumber int) error {
	dbctx := context.WithoutCancel(ctx)
	log := r.log.WithJobID(jobID)

	job, err := r.store.GetJob(dbctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobCancelled {
		return ErrJobCancelled
	}
	ws, ok := job.Workspace()
	if !ok {
		return ErrNoWorkspace
	}
	frame, err := r.store.GetFrame(dbctx, jobID, frameNumber)
	if err != nil {
		return err
	}
	if err := r.store.ResetFrameForRetry(dbctx, jobID, frameNumber); err != nil {
		return fmt.Errorf("reset frame %d: %w", frameNumber, err)
	}

	res, renderErr := r.renderer.Render(ctx, job.Engine, render.Request{
		JobID:       jobID,
		Frame:       frameNumber,
		ProjectFile: ws.ProjectFile,
		OutputDir:   ws.OutputDir,
		Config:      job.EngineConfig,
	})
	result := models.FrameResult{OutputPath: res.OutputPath, Duration: res.Duration, Stdout: res.Stdout, Stderr: res.Stderr}

	if renderErr == nil {
		if err := r.store.CompleteFrame(dbctx, jobID, frameNumber, result); err != nil {
			return fmt.Errorf("complete frame %d: %w", frameNumber, err)
		}
		telemetry.FrameRetries.WithLabelValues("completed").Inc()
		log.Info("frame retry completed", "frame", frameNumber, "output", res.OutputPath)
		if r.hook != nil {
			r.hook.OnFrameCompleted(frame.ID, job.Owner, jobID)
		}
		return r.recompute(dbctx, jobID)
	}

	if err := r.store.FailFrame(dbctx, jobID, frameNumber, renderErr.Error(), result); err != nil {
		return fmt.Errorf("fail frame %d: %w", frameNumber, err)
	}
	telemetry.FrameRetries.WithLabelValues("failed").Inc()
	attempts, err := r.store.IncrementRetry(dbctx, jobID)
	if err != nil {
		return fmt.Errorf("count retry: %w", err)
	}
	log.Warn("frame retry failed", "frame", frameNumber, "retry_count", attempts, "max_retries", job.MaxRetries, "error", renderErr)

	if attempts < job.MaxRetries && r.retries != nil && ctx.Err() == nil {
		runAt := r.now().Add(r.backoff)
		if err := r.retries.Schedule(dbctx, queue.FrameTask(jobID, frameNumber), job.Lane, runAt); err != nil {
			log.Warn("schedule frame retry", "frame", frameNumber, "error", err)
		}
	}
	return r.recompute(dbctx, jobID)
}

func (r *FrameRetrier) recompute(ctx context.Context, jobID string) error {
	job, err := r.store.RecomputeJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("recompute job: %w", err)
	}
	r.log.Debug("job recomputed", "job_id", jobID, "status", job.Status, "completed", job.CompletedFrames)
	return nil
}
