package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"render-scheduler/internal/models"
)

// Memory is an in-process Repository with the same transition rules as Store.
// It backs tests and single-process development runs.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*models.RenderJob
	frames  map[string][]*models.RenderFrame
	nextID  int64
	nowFunc func() time.Time
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*models.RenderJob),
		frames:  make(map[string][]*models.RenderFrame),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.RenderJob, error) {
	if p.TotalFrames <= 0 {
		return models.RenderJob{}, fmt.Errorf("total frames must be positive, got %d", p.TotalFrames)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	cfg := p.EngineConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	job := &models.RenderJob{
		ID:           uuid.New().String(),
		Owner:        p.Owner,
		Source:       p.Source,
		Compressed:   p.Compressed,
		Engine:       p.Engine,
		EngineConfig: maps.Clone(cfg),
		Priority:     p.Priority,
		Lane:         p.Lane,
		Status:       models.JobPending,
		TotalFrames:  p.TotalFrames,
		MaxRetries:   p.MaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.jobs[job.ID] = job
	frames := make([]*models.RenderFrame, 0, p.TotalFrames)
	for n := 1; n <= p.TotalFrames; n++ {
		m.nextID++
		frames = append(frames, &models.RenderFrame{
			ID:          m.nextID,
			JobID:       job.ID,
			FrameNumber: n,
			Status:      models.FramePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	m.frames[job.ID] = frames
	return copyJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.RenderJob{}, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, p ListJobsParams) ([]models.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.RenderJob
	for _, job := range m.jobs {
		if p.Owner != "" && job.Owner != p.Owner {
			continue
		}
		if p.Status != "" && job.Status != p.Status {
			continue
		}
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	offset := max(p.Offset, 0)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit := defaultLimit(p.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) StartJob(_ context.Context, id, handle string) error {
	return m.updateJob(id, []models.JobStatus{models.JobPending}, func(j *models.RenderJob, now time.Time) bool {
		j.Status = models.JobRunning
		j.ExecutionHandle = &handle
		j.StartedAt = &now
		return true
	})
}

func (m *Memory) AdoptJob(_ context.Context, id, handle string) error {
	return m.updateJob(id, []models.JobStatus{models.JobRunning}, func(j *models.RenderJob, _ time.Time) bool {
		j.ExecutionHandle = &handle
		return true
	})
}

func (m *Memory) SetWorkspace(_ context.Context, id string, ws models.Workspace) error {
	return m.updateJob(id, []models.JobStatus{models.JobRunning}, func(j *models.RenderJob, _ time.Time) bool {
		j.ProjectFile = &ws.ProjectFile
		j.WorkspaceDir = &ws.Dir
		j.OutputDir = &ws.OutputDir
		return true
	})
}

func (m *Memory) IncrementCompleted(_ context.Context, id string) error {
	return m.updateJob(id, []models.JobStatus{models.JobRunning}, func(j *models.RenderJob, _ time.Time) bool {
		if j.CompletedFrames >= j.TotalFrames {
			return false
		}
		j.CompletedFrames++
		return true
	})
}

func (m *Memory) FinishJob(_ context.Context, id string, status models.JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job: %s is not terminal", status)
	}
	return m.updateJob(id, []models.JobStatus{models.JobRunning}, func(j *models.RenderJob, now time.Time) bool {
		j.Status = status
		j.ErrorMessage = emptyToNil(errMsg)
		j.FinishedAt = &now
		return true
	})
}

func (m *Memory) CancelJob(ctx context.Context, id string) (models.RenderJob, error) {
	err := m.updateJob(id, []models.JobStatus{models.JobPending, models.JobRunning}, func(j *models.RenderJob, now time.Time) bool {
		j.Status = models.JobCancelled
		j.FinishedAt = &now
		return true
	})
	if err != nil {
		return models.RenderJob{}, err
	}
	return m.GetJob(ctx, id)
}

func (m *Memory) RecomputeJob(ctx context.Context, id string) (models.RenderJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return models.RenderJob{}, ErrNotFound
	}
	completed := 0
	for _, f := range m.frames[id] {
		if f.Status == models.FrameCompleted {
			completed++
		}
	}
	job.CompletedFrames = completed
	if job.Status == models.JobCompleted || job.Status == models.JobFailed {
		status, msg := models.ResolveTerminal(completed, job.TotalFrames)
		job.Status = status
		job.ErrorMessage = emptyToNil(msg)
	}
	job.UpdatedAt = m.nowFunc()
	m.mu.Unlock()
	return m.GetJob(ctx, id)
}

func (m *Memory) IncrementRetry(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return 0, ErrNotFound
	}
	job.RetryCount++
	job.UpdatedAt = m.nowFunc()
	return job.RetryCount, nil
}

func (m *Memory) ListFrames(_ context.Context, jobID string) ([]models.RenderFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := m.frames[jobID]
	out := make([]models.RenderFrame, 0, len(frames))
	for _, f := range frames {
		out = append(out, copyFrame(f))
	}
	return out, nil
}

func (m *Memory) GetFrame(_ context.Context, jobID string, frame int) (models.RenderFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.frame(jobID, frame)
	if f == nil {
		return models.RenderFrame{}, ErrNotFound
	}
	return copyFrame(f), nil
}

func (m *Memory) GetFrameByID(_ context.Context, id int64) (models.RenderFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, frames := range m.frames {
		for _, f := range frames {
			if f.ID == id {
				return copyFrame(f), nil
			}
		}
	}
	return models.RenderFrame{}, ErrNotFound
}

func (m *Memory) MarkFrameRendering(_ context.Context, jobID string, frame int) error {
	return m.updateFrame(jobID, frame, []models.FrameStatus{models.FramePending}, func(f *models.RenderFrame) {
		f.Status = models.FrameRendering
	})
}

func (m *Memory) ResetFrameForRetry(_ context.Context, jobID string, frame int) error {
	return m.updateFrame(jobID, frame, []models.FrameStatus{models.FrameFailed, models.FrameCompleted}, func(f *models.RenderFrame) {
		f.Status = models.FrameRendering
		f.ErrorMessage = nil
		f.OutputPath = nil
		f.ThumbnailPath = nil
	})
}

func (m *Memory) CompleteFrame(_ context.Context, jobID string, frame int, res models.FrameResult) error {
	return m.updateFrame(jobID, frame, []models.FrameStatus{models.FrameRendering}, func(f *models.RenderFrame) {
		f.Status = models.FrameCompleted
		out := res.OutputPath
		f.OutputPath = &out
		f.RenderDuration = res.Duration
		f.Stdout = res.Stdout
		f.Stderr = res.Stderr
		f.ErrorMessage = nil
	})
}

func (m *Memory) FailFrame(_ context.Context, jobID string, frame int, errMsg string, res models.FrameResult) error {
	return m.updateFrame(jobID, frame, []models.FrameStatus{models.FrameRendering}, func(f *models.RenderFrame) {
		f.Status = models.FrameFailed
		f.ErrorMessage = &errMsg
		f.RenderDuration = res.Duration
		f.Stdout = res.Stdout
		f.Stderr = res.Stderr
	})
}

func (m *Memory) FailOpenFrames(_ context.Context, jobID string, statuses []models.FrameStatus, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	n := 0
	for _, f := range m.frames[jobID] {
		if !slices.Contains(statuses, f.Status) {
			continue
		}
		msg := errMsg
		f.Status = models.FrameFailed
		f.ErrorMessage = &msg
		f.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) CountFrames(_ context.Context, jobID string, status models.FrameStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.frames[jobID] {
		if f.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetFrameThumbnail(_ context.Context, jobID string, frame int, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.frame(jobID, frame)
	if f == nil {
		return ErrNotFound
	}
	f.ThumbnailPath = &path
	f.UpdatedAt = m.nowFunc()
	return nil
}

func (m *Memory) updateJob(id string, from []models.JobStatus, apply func(*models.RenderJob, time.Time) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(from, job.Status) {
		return ErrConflict
	}
	now := m.nowFunc()
	if !apply(job, now) {
		return ErrConflict
	}
	job.UpdatedAt = now
	return nil
}

func (m *Memory) updateFrame(jobID string, frame int, from []models.FrameStatus, apply func(*models.RenderFrame)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.frame(jobID, frame)
	if f == nil {
		return ErrNotFound
	}
	if !slices.Contains(from, f.Status) {
		return ErrConflict
	}
	apply(f)
	f.UpdatedAt = m.nowFunc()
	return nil
}

func (m *Memory) frame(jobID string, n int) *models.RenderFrame {
	frames := m.frames[jobID]
	if n < 1 || n > len(frames) {
		return nil
	}
	return frames[n-1]
}

func copyJob(j *models.RenderJob) models.RenderJob {
	out := *j
	out.EngineConfig = maps.Clone(j.EngineConfig)
	out.ProjectFile = clonePtr(j.ProjectFile)
	out.WorkspaceDir = clonePtr(j.WorkspaceDir)
	out.OutputDir = clonePtr(j.OutputDir)
	out.ExecutionHandle = clonePtr(j.ExecutionHandle)
	out.ErrorMessage = clonePtr(j.ErrorMessage)
	out.StartedAt = clonePtr(j.StartedAt)
	out.FinishedAt = clonePtr(j.FinishedAt)
	return out
}

func copyFrame(f *models.RenderFrame) models.RenderFrame {
	out := *f
	out.OutputPath = clonePtr(f.OutputPath)
	out.ThumbnailPath = clonePtr(f.ThumbnailPath)
	out.ErrorMessage = clonePtr(f.ErrorMessage)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
