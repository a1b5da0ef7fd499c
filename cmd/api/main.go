package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "render-scheduler/internal/api"
	"render-scheduler/internal/config"
	"render-scheduler/internal/logger"
	"render-scheduler/internal/queue"
	"render-scheduler/internal/ratelimit"
	"render-scheduler/internal/service"
	"render-scheduler/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: "render-api"})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	limiter := ratelimit.NewOwnerLimiter(client, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	svc := service.New(st, q, queue.NewRevoker(client), limiter, service.Config{DefaultMaxRetries: cfg.DefaultMaxRetries}, log)
	server := api.New(svc, cfg.JWTSecret, log)
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET unset, owner identity taken from " + api.OwnerHeader)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
