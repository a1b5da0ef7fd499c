package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"render-scheduler/internal/config"
	"render-scheduler/internal/logger"
	"render-scheduler/internal/queue"
	"render-scheduler/internal/telemetry"
)

var errRevoked = errors.New("execution revoked")

// Handler executes one dequeued task. handle identifies the execution for revocation.
type Handler func(ctx context.Context, task queue.Task, handle string) error

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	locker   *queue.Locker
	revoker  *queue.Revoker
	handlers map[queue.Kind]Handler
	workerID string
	log      *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewProcessor creates a processor. revoker may be nil, which disables remote termination.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, locker *queue.Locker, revoker *queue.Revoker, workerID string, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	if workerID == "" {
		workerID = uuid.NewString()
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		locker:   locker,
		revoker:  revoker,
		handlers: make(map[queue.Kind]Handler),
		workerID: workerID,
		log:      log.WithComponent("processor"),
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// RegisterHandler binds a handler to a task kind.
func (p *Processor) RegisterHandler(kind queue.Kind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts WorkerConcurrency loops and the revocation listener until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if p.revoker != nil {
		g.Go(func() error {
			err := p.revoker.Listen(gctx, p.revokeLocal)
			if err != nil && gctx.Err() == nil {
				p.log.Error("revocation listener stopped", "error", err)
			}
			return nil
		})
	}
	for slot := 0; slot < p.cfg.WorkerConcurrency; slot++ {
		g.Go(func() error { return p.loop(gctx, slot) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (p *Processor) loop(ctx context.Context, slot int) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if slot == 0 {
			p.maintain(ctx)
		}

		task, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoffWithJitter(p.cfg.WorkerPollInterval, 30*time.Second, failures)
			p.log.Warn("dequeue failed", "error", err, "retry_in", wait)
			sleep(ctx, wait)
			continue
		}
		failures = 0
		if !ok {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.process(ctx, task)
	}
}

// maintain promotes due tasks, reclaims expired leases and publishes lane depths.
func (p *Processor) maintain(ctx context.Context) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Warn("promote scheduled", "error", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		p.log.Warn("requeue expired", "error", err)
	} else if len(reclaimed) > 0 {
		telemetry.LeasesReclaimed.Add(float64(len(reclaimed)))
		p.log.Info("reclaimed expired leases", "count", len(reclaimed))
	}
	if depths, err := p.queue.LaneDepths(ctx); err == nil {
		for lane, d := range depths {
			telemetry.LaneDepthGauge.WithLabelValues(lane).Set(float64(d))
		}
	}
}

func (p *Processor) process(ctx context.Context, task queue.Task) {
	// bookkeeping after the handler runs must survive cancellation
	bg := context.WithoutCancel(ctx)
	log := p.log.WithJobID(task.JobID)

	handler, ok := p.handlers[task.Kind]
	if !ok {
		log.Error("no handler registered", "kind", task.Kind)
		if err := p.queue.Ack(bg, task); err != nil {
			log.Warn("ack task", "error", err)
		}
		return
	}

	lock, err := p.locker.Acquire(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, queue.ErrLockHeld) {
			log.Debug("job busy, deferring task", "task", task.String())
			if err := p.queue.Defer(bg, task, time.Now().Add(p.cfg.WorkerPollInterval*5)); err != nil {
				log.Warn("defer task", "error", err)
			}
			return
		}
		log.Warn("acquire job lock", "error", err)
		return
	}
	defer func() {
		if err := lock.Release(bg); err != nil {
			log.Warn("release job lock", "error", err)
		}
	}()

	handle := fmt.Sprintf("%s/%s", p.workerID, uuid.NewString())
	taskCtx, cancel := context.WithCancelCause(ctx)
	p.register(handle, cancel)
	defer p.unregister(handle)
	defer cancel(nil)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(bg)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		p.heartbeat(hbCtx, task, lock, handle, cancel)
	}()

	start := time.Now()
	err = handler(taskCtx, task, handle)
	stopHeartbeat()
	hb.Wait()

	if ctx.Err() != nil {
		// shutting down: leave the lease to expire so another worker recovers the task
		log.Info("task interrupted by shutdown", "task", task.String())
		return
	}
	if err != nil {
		log.Error("task failed", "task", task.String(), "error", err, "elapsed", time.Since(start))
	} else {
		log.Debug("task done", "task", task.String(), "elapsed", time.Since(start))
	}
	if err := p.queue.Ack(bg, task); err != nil {
		log.Warn("ack task", "error", err)
	}
}

// heartbeat keeps the lease and job lock alive and polls the revocation marker.
func (p *Processor) heartbeat(ctx context.Context, task queue.Task, lock *queue.Lock, handle string, cancel context.CancelCauseFunc) {
	interval := p.queue.VisibilityTimeout() / 3
	if ttl := lock.TTL() / 3; ttl < interval {
		interval = ttl
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.queue.ExtendLease(ctx, task, p.queue.VisibilityTimeout()); err != nil {
			p.log.Warn("extend lease", "job_id", task.JobID, "error", err)
		}
		if err := lock.Refresh(ctx); err != nil {
			p.log.Warn("refresh job lock", "job_id", task.JobID, "error", err)
		}
		if p.revoker != nil {
			if revoked, err := p.revoker.IsRevoked(ctx, handle); err == nil && revoked {
				telemetry.Revocations.Inc()
				cancel(errRevoked)
				return
			}
		}
	}
}

func (p *Processor) register(handle string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.running[handle] = cancel
	p.mu.Unlock()
}

func (p *Processor) unregister(handle string) {
	p.mu.Lock()
	delete(p.running, handle)
	p.mu.Unlock()
}

// revokeLocal cancels the execution if it runs on this worker.
func (p *Processor) revokeLocal(handle string) {
	p.mu.Lock()
	cancel, ok := p.running[handle]
	p.mu.Unlock()
	if !ok {
		return
	}
	telemetry.Revocations.Inc()
	p.log.Info("revoking execution", "handle", handle)
	cancel(errRevoked)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
