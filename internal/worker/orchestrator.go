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

// FrameDispatcher renders one frame with the job's engine.
type FrameDispatcher interface {
	Render(ctx context.Context, engine models.Engine, req render.Request) (render.Result, error)
}

// WorkspacePreparer materializes a job's source into a workspace.
type WorkspacePreparer interface {
	Prepare(ctx context.Context, owner, jobID string, src models.Source, compressed bool, engine models.Engine) (models.Workspace, error)
}

// CompletionHook is notified after a frame completes. It must not block.
type CompletionHook interface {
	OnFrameCompleted(frameID int64, owner, jobID string)
}

// RetryScheduler defers a task onto a lane.
type RetryScheduler interface {
	Schedule(ctx context.Context, task queue.Task, lane string, runAt time.Time) error
}

// OrchestratorConfig tunes automatic frame retries.
type OrchestratorConfig struct {
	AutoRetryFailedFrames bool
	FrameRetryBackoff     time.Duration
}

// Orchestrator drives a render job from pickup to a terminal status.
type Orchestrator struct {
	store    store.Repository
	prep     WorkspacePreparer
	renderer FrameDispatcher
	hook     CompletionHook
	retries  RetryScheduler
	cfg      OrchestratorConfig
	log      *logger.Logger
	now      func() time.Time
}

// NewOrchestrator wires the job state machine. hook and retries may be nil.
func NewOrchestrator(st store.Repository, prep WorkspacePreparer, renderer FrameDispatcher, hook CompletionHook, retries RetryScheduler, cfg OrchestratorConfig, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.FrameRetryBackoff <= 0 {
		cfg.FrameRetryBackoff = 10 * time.Second
	}
	return &Orchestrator{
		store:    st,
		prep:     prep,
		renderer: renderer,
		hook:     hook,
		retries:  retries,
		cfg:      cfg,
		log:      log.WithComponent("orchestrator"),
		now:      time.Now,
	}
}

// HandleTask adapts Run to the processor's handler signature.
func (o *Orchestrator) HandleTask(ctx context.Context, task queue.Task, handle string) error {
	status, err := o.Run(ctx, task.JobID, handle)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Warn("dropping task for unknown job", "job_id", task.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	o.log.Debug("job task finished", "job_id", task.JobID, "status", status)
	return nil
}

// Run executes the job identified by jobID and returns the status it ended in.
// A non-nil error with ctx cancelled means the worker is shutting down and the
// job was left for recovery.
func (o *Orchestrator) Run(ctx context.Context, jobID, handle string) (models.JobStatus, error) {
	// state writes must land even after the render context is cancelled
	dbctx := context.WithoutCancel(ctx)
	log := o.log.WithJobID(jobID)

	job, err := o.store.GetJob(dbctx, jobID)
	if err != nil {
		return "", err
	}

	switch job.Status {
	case models.JobPending:
		if err := o.store.StartJob(dbctx, jobID, handle); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return o.currentStatus(dbctx, jobID)
			}
			return "", fmt.Errorf("start job: %w", err)
		}
		telemetry.JobsStarted.Inc()
		log.Info("job started", "handle", handle, "frames", job.TotalFrames)
	case models.JobRunning:
		if err := o.store.AdoptJob(dbctx, jobID, handle); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return o.currentStatus(dbctx, jobID)
			}
			return "", fmt.Errorf("adopt job: %w", err)
		}
		n, err := o.store.FailOpenFrames(dbctx, jobID, []models.FrameStatus{models.FrameRendering}, models.ReasonWorkerLost)
		if err != nil {
			return "", fmt.Errorf("recover frames: %w", err)
		}
		log.Warn("recovering job from lost worker", "handle", handle, "frames_failed", n)
	default:
		log.Info("job already finished, skipping", "status", job.Status)
		return job.Status, nil
	}

	ws, ok := job.Workspace()
	if !ok {
		ws, err = o.prep.Prepare(ctx, job.Owner, job.ID, job.Source, job.Compressed, job.Engine)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Error("workspace preparation failed", "error", err)
			return o.finish(dbctx, job, models.JobFailed, "workspace preparation failed: "+err.Error())
		}
		if err := o.store.SetWorkspace(dbctx, jobID, ws); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return o.cancelled(dbctx, jobID)
			}
			return "", fmt.Errorf("store workspace: %w", err)
		}
	}

	frames, err := o.store.ListFrames(dbctx, jobID)
	if err != nil {
		return "", fmt.Errorf("list frames: %w", err)
	}
	for _, frame := range frames {
		if frame.Status != models.FramePending {
			continue
		}
		current, err := o.store.GetJob(dbctx, jobID)
		if err != nil {
			return "", err
		}
		if current.Status == models.JobCancelled {
			log.Info("cancellation observed", "next_frame", frame.FrameNumber)
			return o.cancelled(dbctx, jobID)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if err := o.store.MarkFrameRendering(dbctx, jobID, frame.FrameNumber); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return "", fmt.Errorf("mark frame %d rendering: %w", frame.FrameNumber, err)
		}

		res, renderErr := o.renderer.Render(ctx, job.Engine, render.Request{
			JobID:       jobID,
			Frame:       frame.FrameNumber,
			ProjectFile: ws.ProjectFile,
			OutputDir:   ws.OutputDir,
			Config:      job.EngineConfig,
		})
		result := models.FrameResult{OutputPath: res.OutputPath, Duration: res.Duration, Stdout: res.Stdout, Stderr: res.Stderr}
		telemetry.FrameDuration.WithLabelValues(string(job.Engine)).Observe(res.Duration.Seconds())

		if renderErr != nil {
			if ctx.Err() != nil {
				// revoked or shutting down; the status tells which
				if status, _ := o.currentStatus(dbctx, jobID); status == models.JobCancelled {
					return o.cancelled(dbctx, jobID)
				}
				return "", ctx.Err()
			}
			telemetry.FramesRendered.WithLabelValues(string(job.Engine), string(models.FrameFailed)).Inc()
			log.Warn("frame failed", "frame", frame.FrameNumber, "error", renderErr)
			if err := o.store.FailFrame(dbctx, jobID, frame.FrameNumber, renderErr.Error(), result); err != nil && !errors.Is(err, store.ErrConflict) {
				return "", fmt.Errorf("fail frame %d: %w", frame.FrameNumber, err)
			}
			continue
		}

		if err := o.store.CompleteFrame(dbctx, jobID, frame.FrameNumber, result); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// bulk-failed by a concurrent cancel; the next poll stops the loop
				continue
			}
			return "", fmt.Errorf("complete frame %d: %w", frame.FrameNumber, err)
		}
		if err := o.store.IncrementCompleted(dbctx, jobID); err != nil && !errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("count frame %d: %w", frame.FrameNumber, err)
		}
		telemetry.FramesRendered.WithLabelValues(string(job.Engine), string(models.FrameCompleted)).Inc()
		log.Info("frame completed", "frame", frame.FrameNumber, "output", res.OutputPath, "duration", res.Duration)
		if o.hook != nil {
			o.hook.OnFrameCompleted(frame.ID, job.Owner, jobID)
		}
	}

	// the frame rows are authoritative; the counter can lag a crashed worker
	current, err := o.store.RecomputeJob(dbctx, jobID)
	if err != nil {
		return "", fmt.Errorf("recompute job: %w", err)
	}
	if current.Status == models.JobCancelled {
		return o.cancelled(dbctx, jobID)
	}
	status, msg := models.ResolveTerminal(current.CompletedFrames, current.TotalFrames)
	status, err = o.finish(dbctx, current, status, msg)
	if err != nil {
		return status, err
	}
	if status == models.JobCompleted && current.CompletedFrames < current.TotalFrames {
		telemetry.JobsDegraded.Inc()
		log.Warn("job completed with failed frames", "completed", current.CompletedFrames, "total", current.TotalFrames)
	}
	if status != models.JobCancelled {
		o.scheduleAutoRetries(dbctx, current)
	}
	return status, nil
}

// finish writes the terminal status. A conflict means a cancel won the race.
func (o *Orchestrator) finish(ctx context.Context, job models.RenderJob, status models.JobStatus, msg string) (models.JobStatus, error) {
	if err := o.store.FinishJob(ctx, job.ID, status, msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			current, getErr := o.currentStatus(ctx, job.ID)
			if getErr == nil && current == models.JobCancelled {
				return o.cancelled(ctx, job.ID)
			}
			return current, getErr
		}
		return "", fmt.Errorf("finish job: %w", err)
	}
	telemetry.JobsFinished.WithLabelValues(string(status)).Inc()
	o.log.Info("job finished", "job_id", job.ID, "status", status, "error_message", msg)
	return status, nil
}

// cancelled settles the frames of a job that was cancelled while running.
func (o *Orchestrator) cancelled(ctx context.Context, jobID string) (models.JobStatus, error) {
	n, err := o.store.FailOpenFrames(ctx, jobID,
		[]models.FrameStatus{models.FramePending, models.FrameRendering}, models.ReasonJobCancelled)
	if err != nil {
		return models.JobCancelled, fmt.Errorf("fail cancelled frames: %w", err)
	}
	o.log.Info("job cancelled", "job_id", jobID, "frames_failed", n)
	return models.JobCancelled, nil
}

func (o *Orchestrator) currentStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (o *Orchestrator) scheduleAutoRetries(ctx context.Context, job models.RenderJob) {
	if !o.cfg.AutoRetryFailedFrames || o.retries == nil || job.RetryCount >= job.MaxRetries {
		return
	}
	frames, err := o.store.ListFrames(ctx, job.ID)
	if err != nil {
		o.log.Warn("list frames for auto retry", "job_id", job.ID, "error", err)
		return
	}
	runAt := o.now().Add(o.cfg.FrameRetryBackoff)
	for _, f := range frames {
		if f.Status != models.FrameFailed {
			continue
		}
		if err := o.retries.Schedule(ctx, queue.FrameTask(job.ID, f.FrameNumber), job.Lane, runAt); err != nil {
			o.log.Warn("schedule frame retry", "job_id", job.ID, "frame", f.FrameNumber, "error", err)
		}
	}
}
