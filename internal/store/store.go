package store

import (
	"context"
	"errors"

	"render-scheduler/internal/models"
)

var (
	// ErrNotFound is returned when the job or frame does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional transition finds the row in another state.
	ErrConflict = errors.New("state conflict")
)

// CreateJobParams collects inputs required to insert a job and its frames.
type CreateJobParams struct {
	Owner        string
	Source       models.Source
	Compressed   bool
	Engine       models.Engine
	EngineConfig map[string]any
	Priority     int
	Lane         string
	TotalFrames  int
	MaxRetries   int
}

// ListJobsParams filters job listings.
type ListJobsParams struct {
	Owner  string
	Status models.JobStatus
	Limit  int
	Offset int
}

// Repository is the persistence boundary for render jobs and frames.
// Every state transition is conditional on the current state and reports
// ErrConflict when the row moved on.
type Repository interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.RenderJob, error)
	GetJob(ctx context.Context, id string) (models.RenderJob, error)
	ListJobs(ctx context.Context, p ListJobsParams) ([]models.RenderJob, error)

	StartJob(ctx context.Context, id, handle string) error
	AdoptJob(ctx context.Context, id, handle string) error
	SetWorkspace(ctx context.Context, id string, ws models.Workspace) error
	IncrementCompleted(ctx context.Context, id string) error
	FinishJob(ctx context.Context, id string, status models.JobStatus, errMsg string) error
	CancelJob(ctx context.Context, id string) (models.RenderJob, error)
	RecomputeJob(ctx context.Context, id string) (models.RenderJob, error)
	IncrementRetry(ctx context.Context, id string) (int, error)

	ListFrames(ctx context.Context, jobID string) ([]models.RenderFrame, error)
	GetFrame(ctx context.Context, jobID string, frame int) (models.RenderFrame, error)
	GetFrameByID(ctx context.Context, id int64) (models.RenderFrame, error)
	MarkFrameRendering(ctx context.Context, jobID string, frame int) error
	ResetFrameForRetry(ctx context.Context, jobID string, frame int) error
	CompleteFrame(ctx context.Context, jobID string, frame int, res models.FrameResult) error
	FailFrame(ctx context.Context, jobID string, frame int, errMsg string, res models.FrameResult) error
	FailOpenFrames(ctx context.Context, jobID string, statuses []models.FrameStatus, errMsg string) (int, error)
	CountFrames(ctx context.Context, jobID string, status models.FrameStatus) (int, error)
	SetFrameThumbnail(ctx context.Context, jobID string, frame int, path string) error
}

func defaultLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
