package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"render-scheduler/internal/models"
	"render-scheduler/internal/queue"
	"render-scheduler/internal/ratelimit"
	"render-scheduler/internal/store"
)

type fakeRevoker struct {
	mu      sync.Mutex
	handles []string
}

func (f *fakeRevoker) Revoke(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles = append(f.handles, handle)
	return nil
}

type fixture struct {
	svc     *RenderService
	mem     *store.Memory
	q       *queue.RedisQueue
	revoker *fakeRevoker
	client  *redis.Client
}

func newFixture(t *testing.T, lim Limiter) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, time.Minute)
	mem := store.NewMemory()
	rv := &fakeRevoker{}
	return fixture{
		svc:     New(mem, q, rv, lim, Config{DefaultMaxRetries: 3}, nil),
		mem:     mem,
		q:       q,
		revoker: rv,
		client:  client,
	}
}

func intPtr(v int) *int { return &v }

func validRequest() SubmitRequest {
	return SubmitRequest{
		Owner:       "studio-a",
		LocalPath:   "/projects/shot.ma",
		Engine:      "maya",
		Priority:    intPtr(9),
		TotalFrames: 5,
	}
}

func TestSubmitRoutesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	job, err := f.svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.JobPending || job.Lane != queue.LaneHigh || job.MaxRetries != 3 {
		t.Fatalf("unexpected job %+v", job)
	}
	frames, _ := f.mem.ListFrames(ctx, job.ID)
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}

	task, ok, err := f.q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("expected queued task, ok=%v err=%v", ok, err)
	}
	if task != queue.JobTask(job.ID) {
		t.Fatalf("unexpected task %v", task)
	}
}

func TestSubmitDefaultsPriority(t *testing.T) {
	f := newFixture(t, nil)
	req := validRequest()
	req.Priority = nil
	job, err := f.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Priority != 5 || job.Lane != queue.LaneDefault {
		t.Fatalf("expected default priority lane, got %d/%s", job.Priority, job.Lane)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]func(*SubmitRequest){
		"no source":     func(r *SubmitRequest) { r.LocalPath = "" },
		"both sources":  func(r *SubmitRequest) { r.RemoteRef = "x.zip" },
		"bad engine":    func(r *SubmitRequest) { r.Engine = "blender" },
		"zero frames":   func(r *SubmitRequest) { r.TotalFrames = 0 },
		"priority high": func(r *SubmitRequest) { r.Priority = intPtr(11) },
		"no owner":      func(r *SubmitRequest) { r.Owner = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, err := f.svc.Submit(context.Background(), req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.limiter = ratelimit.NewOwnerLimiter(f.client, 1, 0.001)

	if _, err := f.svc.Submit(context.Background(), validRequest()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := f.svc.Submit(context.Background(), validRequest())
	var rl *RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestCancelPendingJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	job, _ := f.svc.Submit(ctx, validRequest())

	got, err := f.svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	failed, _ := f.mem.CountFrames(ctx, job.ID, models.FrameFailed)
	if failed != 5 {
		t.Fatalf("expected all 5 frames failed, got %d", failed)
	}
	frame, _ := f.mem.GetFrame(ctx, job.ID, 1)
	if frame.ErrorMessage == nil || *frame.ErrorMessage != models.ReasonJobCancelled {
		t.Fatalf("unexpected frame error %v", frame.ErrorMessage)
	}
	if _, ok, _ := f.q.DequeueWithLease(ctx); ok {
		t.Fatalf("cancelled job must be removed from its lane")
	}
	if len(f.revoker.handles) != 0 {
		t.Fatalf("pending job has no execution to revoke")
	}

	if _, err := f.svc.Cancel(ctx, job.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second cancel should conflict, got %v", err)
	}
}

func TestCancelRunningJobRevokesHandle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	job, _ := f.svc.Submit(ctx, validRequest())
	_ = f.mem.StartJob(ctx, job.ID, "worker-1/exec-1")
	_ = f.mem.MarkFrameRendering(ctx, job.ID, 1)
	_ = f.mem.CompleteFrame(ctx, job.ID, 1, models.FrameResult{OutputPath: "/o.png"})
	_ = f.mem.IncrementCompleted(ctx, job.ID)
	_ = f.mem.MarkFrameRendering(ctx, job.ID, 2)

	if _, err := f.svc.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(f.revoker.handles) != 1 || f.revoker.handles[0] != "worker-1/exec-1" {
		t.Fatalf("expected handle revoked once, got %v", f.revoker.handles)
	}
	completed, _ := f.mem.CountFrames(ctx, job.ID, models.FrameCompleted)
	failed, _ := f.mem.CountFrames(ctx, job.ID, models.FrameFailed)
	if completed != 1 || failed != 4 {
		t.Fatalf("expected 1 completed and 4 failed, got %d/%d", completed, failed)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestFrameRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	job, _ := f.svc.Submit(ctx, validRequest())
	// drain the job task
	_, _, _ = f.q.DequeueWithLease(ctx)

	if err := f.svc.RequestFrameRetry(ctx, job.ID, 2); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("pending frame retry should conflict, got %v", err)
	}

	_ = f.mem.MarkFrameRendering(ctx, job.ID, 2)
	_ = f.mem.FailFrame(ctx, job.ID, 2, "boom", models.FrameResult{})
	if err := f.svc.RequestFrameRetry(ctx, job.ID, 2); err != nil {
		t.Fatalf("retry: %v", err)
	}
	task, ok, _ := f.q.DequeueWithLease(ctx)
	if !ok || task != queue.FrameTask(job.ID, 2) {
		t.Fatalf("expected frame task, got %v ok=%v", task, ok)
	}

	_, _ = f.svc.Cancel(ctx, job.ID)
	if err := f.svc.RequestFrameRetry(ctx, job.ID, 2); !errors.Is(err, ErrJobCancelled) {
		t.Fatalf("expected ErrJobCancelled, got %v", err)
	}
}
