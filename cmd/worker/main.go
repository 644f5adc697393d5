package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"chat-maintenance-scheduler/internal/config"
	"chat-maintenance-scheduler/internal/lease"
	"chat-maintenance-scheduler/internal/runner"
	"chat-maintenance-scheduler/internal/store"
	"chat-maintenance-scheduler/internal/tasks"
	"chat-maintenance-scheduler/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	leases := lease.NewManager(cfg)

	holder := os.Getenv("WORKER_ID")
	if holder == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = fmt.Sprintf("pid-%d", os.Getpid())
		}
		holder = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}

	run := runner.New(cfg, st, leases, holder)

	if cfg.MediaS3Bucket != "" {
		s3Client, err := tasks.NewS3Client(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 client: %v", err)
		}
		run.RegisterHandler("thumbnail_backfill",
			tasks.NewThumbnailBackfill(s3Client, cfg.MediaS3Bucket, cfg.ThumbnailWidth).Handle)
		run.RegisterHandler("media_purge",
			tasks.NewMediaPurge(s3Client, cfg.MediaS3Bucket, cfg.MediaRetention).Handle)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
	go run.RunHousekeeping(ctx)

	log.Printf("worker %s started with lease_ttl=%s poll=%s", holder, cfg.LeaseTTL, cfg.PollInterval)
	if err := run.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
