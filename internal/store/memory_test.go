package store

import (
	"context"
	"errors"
	"testing"

	"render-scheduler/internal/models"
)

func createTestJob(t *testing.T, m *Memory, frames int) models.RenderJob {
	t.Helper()
	job, err := m.CreateJob(context.Background(), CreateJobParams{
		Owner:       "studio-a",
		Source:      models.Source{LocalPath: "/projects/shot.ma"},
		Engine:      models.EngineMaya,
		Priority:    5,
		Lane:        "default",
		TotalFrames: frames,
		MaxRetries:  3,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestMemoryCreateJobNumbersFrames(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createTestJob(t, m, 4)

	if job.Status != models.JobPending || job.CompletedFrames != 0 {
		t.Fatalf("unexpected initial job: %+v", job)
	}
	frames, err := m.ListFrames(ctx, job.ID)
	if err != nil {
		t.Fatalf("list frames: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.FrameNumber != i+1 || f.Status != models.FramePending {
			t.Fatalf("frame %d: %+v", i, f)
		}
	}
	if _, err := m.CreateJob(ctx, CreateJobParams{TotalFrames: 0}); err == nil {
		t.Fatalf("expected zero frame job to be rejected")
	}
}

func TestMemoryTransitionsAreConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createTestJob(t, m, 2)

	if err := m.SetWorkspace(ctx, job.ID, models.Workspace{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("workspace on pending job should conflict, got %v", err)
	}
	if err := m.StartJob(ctx, job.ID, "exec-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartJob(ctx, job.ID, "exec-2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second start should conflict, got %v", err)
	}
	if err := m.CompleteFrame(ctx, job.ID, 1, models.FrameResult{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("completing a pending frame should conflict, got %v", err)
	}
	if err := m.MarkFrameRendering(ctx, job.ID, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing frame should be not found, got %v", err)
	}

	for n := 1; n <= 2; n++ {
		if err := m.MarkFrameRendering(ctx, job.ID, n); err != nil {
			t.Fatalf("rendering %d: %v", n, err)
		}
		if err := m.CompleteFrame(ctx, job.ID, n, models.FrameResult{OutputPath: "/out.png"}); err != nil {
			t.Fatalf("complete %d: %v", n, err)
		}
		if err := m.IncrementCompleted(ctx, job.ID); err != nil {
			t.Fatalf("increment %d: %v", n, err)
		}
	}
	if err := m.IncrementCompleted(ctx, job.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("completed frames must not exceed total, got %v", err)
	}
	if err := m.FinishJob(ctx, job.ID, models.JobCompleted, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := m.CancelJob(ctx, job.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel of finished job should conflict, got %v", err)
	}
	if _, err := m.CancelJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel of unknown job should be not found, got %v", err)
	}
}

func TestMemoryRecomputeRederivesFinishedJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createTestJob(t, m, 2)

	_ = m.StartJob(ctx, job.ID, "exec-1")
	for n := 1; n <= 2; n++ {
		_ = m.MarkFrameRendering(ctx, job.ID, n)
		_ = m.FailFrame(ctx, job.ID, n, "boom", models.FrameResult{})
	}
	_ = m.FinishJob(ctx, job.ID, models.JobFailed, models.ErrAllFramesFailed)

	if err := m.ResetFrameForRetry(ctx, job.ID, 2); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := m.CompleteFrame(ctx, job.ID, 2, models.FrameResult{OutputPath: "/out/2.png"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := m.RecomputeJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if got.Status != models.JobCompleted || got.CompletedFrames != 1 || got.ErrorMessage != nil {
		t.Fatalf("expected degraded completion, got %+v", got)
	}
	if !got.Degraded() {
		t.Fatalf("expected degraded flag")
	}
}

func TestMemoryFailOpenFrames(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createTestJob(t, m, 3)
	_ = m.MarkFrameRendering(ctx, job.ID, 1)
	_ = m.CompleteFrame(ctx, job.ID, 1, models.FrameResult{})
	_ = m.MarkFrameRendering(ctx, job.ID, 2)

	n, err := m.FailOpenFrames(ctx, job.ID, []models.FrameStatus{models.FramePending, models.FrameRendering}, models.ReasonJobCancelled)
	if err != nil {
		t.Fatalf("fail open frames: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 frames failed, got %d", n)
	}
	completed, _ := m.CountFrames(ctx, job.ID, models.FrameCompleted)
	failed, _ := m.CountFrames(ctx, job.ID, models.FrameFailed)
	if completed != 1 || failed != 2 {
		t.Fatalf("unexpected counts completed=%d failed=%d", completed, failed)
	}
}

func TestMemoryListJobsFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := createTestJob(t, m, 1)
	_, _ = m.CreateJob(ctx, CreateJobParams{Owner: "studio-b", TotalFrames: 1, Source: models.Source{RemoteRef: "x.zip"}})
	_, _ = m.CancelJob(ctx, a.ID)

	jobs, err := m.ListJobs(ctx, ListJobsParams{Owner: "studio-a"})
	if err != nil || len(jobs) != 1 || jobs[0].ID != a.ID {
		t.Fatalf("owner filter: %v %v", jobs, err)
	}
	jobs, _ = m.ListJobs(ctx, ListJobsParams{Status: models.JobPending})
	if len(jobs) != 1 || jobs[0].Owner != "studio-b" {
		t.Fatalf("status filter: %v", jobs)
	}
}

func TestMemoryAdoptJobOnlyWhileRunning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createTestJob(t, m, 1)

	if err := m.AdoptJob(ctx, job.ID, "w2/h1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("adopting a pending job should conflict, got %v", err)
	}
	_ = m.StartJob(ctx, job.ID, "w1/h0")
	if err := m.AdoptJob(ctx, job.ID, "w2/h1"); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.ExecutionHandle == nil || *got.ExecutionHandle != "w2/h1" || got.Status != models.JobRunning {
		t.Fatalf("unexpected job after adopt: %+v", got)
	}
	if err := m.AdoptJob(ctx, "missing", "h"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
