package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"render-scheduler/internal/blob"
	"render-scheduler/internal/config"
	"render-scheduler/internal/logger"
	"render-scheduler/internal/models"
	"render-scheduler/internal/queue"
	"render-scheduler/internal/render"
	"render-scheduler/internal/store"
	"render-scheduler/internal/telemetry"
	"render-scheduler/internal/thumbnail"
	"render-scheduler/internal/workspace"
	workerproc "render-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: "render-worker"})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	client := queue.NewRedisClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg.VisibilityTimeout)

	sources, err := newSourceStore(ctx, cfg)
	if err != nil {
		log.Error("init blob store", "error", err)
		os.Exit(1)
	}

	var sidecarOpts []thumbnail.Option
	if cfg.ThumbnailBucket != "" {
		s3Client, err := blob.NewS3Client(ctx, s3Options(cfg, cfg.ThumbnailBucket))
		if err != nil {
			log.Error("init thumbnail mirror", "error", err)
			os.Exit(1)
		}
		sidecarOpts = append(sidecarOpts, thumbnail.WithMirror(blob.NewS3(s3Client, cfg.ThumbnailBucket), cfg.ThumbnailPrefix))
	}
	sidecar := thumbnail.NewSidecar(ctx, st, thumbnail.Generator{Size: cfg.ThumbnailSize}, cfg.ThumbnailDir, log, sidecarOpts...)

	runner := render.ExecRunner{Timeout: cfg.RenderTimeout}
	dispatcher := render.NewDispatcher(map[models.Engine]render.Renderer{
		models.EngineMaya:   render.NewMayaRenderer(cfg.MayaExecutable, runner),
		models.EngineUnreal: render.NewUnrealRenderer(cfg.UnrealExecutable, runner),
	})
	preparer := workspace.NewPreparer(cfg.WorkspaceRoot, sources, cfg.WorkspaceStrictProject, log)

	orchestrator := workerproc.NewOrchestrator(st, preparer, dispatcher, sidecar, q, workerproc.OrchestratorConfig{
		AutoRetryFailedFrames: cfg.AutoRetryFailedFrames,
		FrameRetryBackoff:     cfg.FrameRetryBackoff,
	}, log)
	retrier := workerproc.NewFrameRetrier(st, dispatcher, sidecar, q, cfg.FrameRetryBackoff, log)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, queue.NewLocker(client, cfg.JobLockTTL), queue.NewRevoker(client), workerID, log)
	processor.RegisterHandler(queue.KindJob, orchestrator.HandleTask)
	processor.RegisterHandler(queue.KindFrame, retrier.HandleTask)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker started",
		"worker_id", workerID,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"blob_backend", cfg.BlobBackend,
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
	}
	sidecar.Wait()
}

// newSourceStore builds the blob store remote project sources are fetched from.
func newSourceStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.BlobBackend {
	case "", "local":
		return blob.NewLocal(cfg.BlobLocalRoot), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("S3_BUCKET is required for the s3 blob backend")
		}
		client, err := blob.NewS3Client(ctx, s3Options(cfg, cfg.S3Bucket))
		if err != nil {
			return nil, err
		}
		return blob.NewS3(client, cfg.S3Bucket), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

func s3Options(cfg config.Config, bucket string) blob.S3Options {
	return blob.S3Options{
		Bucket:          bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		PathStyle:       cfg.S3PathStyle,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretKey,
	}
}
