package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/seedbox_ingest/internal/cache"
	"github.com/italolelis/seedbox_ingest/internal/cleanup"
	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/config"
	"github.com/italolelis/seedbox_ingest/internal/dc/putio"
	"github.com/italolelis/seedbox_ingest/internal/downloader"
	"github.com/italolelis/seedbox_ingest/internal/http/rest"
	"github.com/italolelis/seedbox_ingest/internal/logctx"
	"github.com/italolelis/seedbox_ingest/internal/notifier"
	"github.com/italolelis/seedbox_ingest/internal/objectstore"
	"github.com/italolelis/seedbox_ingest/internal/scheduler"
	"github.com/italolelis/seedbox_ingest/internal/storage/sqlite"
	"github.com/italolelis/seedbox_ingest/internal/telemetry"
	"github.com/italolelis/seedbox_ingest/internal/transfer"
	"github.com/spf13/afero"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler)).With("instance_id", downloader.GenerateInstanceID())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("seedbox ingest starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedResumeRepository(database, tel)

	// =========================================================================
	// Start Artifact Cache
	afs := afero.NewOsFs()

	artifacts, closeCache, err := buildArtifactCache(ctx, cfg, afs, tel)
	if err != nil {
		return fmt.Errorf("failed to build artifact cache: %w", err)
	}
	defer closeCache()

	// =========================================================================
	// Start Source
	client := putio.NewClient(cfg.Putio.Token, putio.WithBaseURL(cfg.Putio.BaseURL))
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}

	source := transfer.NewInstrumentedSource(client, tel, "putio")

	// =========================================================================
	// Start Scheduler, Transfer Manager and Downloader
	schedOpts := []scheduler.Option{scheduler.WithTelemetry(tel)}
	if cfg.Scheduler.DetectCycles {
		schedOpts = append(schedOpts, scheduler.WithCycleDetection())
	}

	sched := scheduler.New(cfg.Scheduler.MaxConcurrent, schedOpts...)

	transfers := transfer.NewManager(store, afs,
		transfer.WithMaxRetries(cfg.Transfer.MaxRetries),
		transfer.WithDigestChunkSize(cfg.Transfer.DigestChunkSize),
		transfer.WithTelemetry(tel),
	)

	dl := downloader.NewDownloader(downloader.Config{
		TargetDir:       cfg.TargetDir,
		Workers:         cfg.Workers,
		ChunkSize:       cfg.Transfer.ChunkSize,
		PersistInterval: cfg.Transfer.PersistInterval,
	}, afs, source, sched, transfers, artifacts, downloader.WithTelemetry(tel))

	g, ctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	setupNotificationForDownloader(ctx, dl, cfg)

	g.Go(func() error {
		defer dl.Close()

		return dl.Run(ctx)
	})

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, rest.NewOpsHandler(sched, transfers, artifacts, tel))

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(ctx, cfg, afs, transfers, sched, artifacts)

		return nil
	})

	logger.Info("waiting for downloads...",
		"tag", cfg.Putio.Tag,
		"target_dir", cfg.TargetDir,
		"update_interval", cfg.UpdateInterval.String(),
		"keep_partial_for", cfg.KeepPartialFor.String(),
	)

	// =========================================================================
	// Start Main Loop
	g.Go(func() error {
		ticker := time.NewTicker(cfg.UpdateInterval)
		defer ticker.Stop()

		for {
			submitTagged(ctx, client, dl, cfg.Putio.Tag)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

// submitTagged turns every file of the completed transfers under tag into a job.
func submitTagged(ctx context.Context, client *putio.Client, dl *downloader.Downloader, tag string) {
	logger := logctx.LoggerFromContext(ctx)

	files, err := client.ListTaggedFiles(ctx, tag)
	if err != nil {
		logger.Error("failed to list tagged files", "tag", tag, "err", err)

		return
	}

	for _, f := range files {
		queued, err := dl.Submit(ctx, downloader.Job{
			ID:       "putio-" + f.Ref(),
			Ref:      f.Ref(),
			Path:     f.Path,
			Size:     f.Size,
			Priority: scheduler.PriorityNormal,
		})

		switch {
		case errors.Is(err, scheduler.ErrDuplicateItem), errors.Is(err, downloader.ErrJobAbandoned):
			continue
		case err != nil:
			logger.Error("failed to submit file", "file_id", f.ID, "path", f.Path, "err", err)
		case queued:
			logger.Debug("file queued", "file_id", f.ID, "path", f.Path)
		}
	}
}

func buildArtifactCache(
	ctx context.Context,
	cfg *config.Config,
	afs afero.Fs,
	tel *telemetry.Telemetry,
) (*cache.Tiered[downloader.Artifact], func(), error) {
	tiers, err := cfg.Tiers()
	if err != nil {
		return nil, nil, err
	}

	codec := cache.JSONCodec[downloader.Artifact]{}

	memory, err := cache.NewMemoryTier[downloader.Artifact](tiers.Memory, cache.WithTelemetry(tel))
	if err != nil {
		return nil, nil, err
	}

	disk, err := cache.NewDiskTier[downloader.Artifact](tiers.Disk, afs, cfg.Cache.DiskDir, codec, cache.WithTelemetry(tel))
	if err != nil {
		return nil, nil, err
	}

	objects, err := buildObjectStore(ctx, cfg, afs)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Cache.IndexPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create cache index dir: %w", err)
	}

	index, err := bolt.Open(cfg.Cache.IndexPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	remote, err := cache.NewRemoteTier[downloader.Artifact](tiers.Remote, index, objects, codec, cache.WithTelemetry(tel))
	if err != nil {
		index.Close()

		return nil, nil, err
	}

	tiered, err := cache.NewTiered[downloader.Artifact](clock.Real{}, memory, disk, remote)
	if err != nil {
		index.Close()

		return nil, nil, err
	}

	return tiered, func() { _ = index.Close() }, nil
}

// This is an abstract factory for the remote tier backend.
func buildObjectStore(ctx context.Context, cfg *config.Config, afs afero.Fs) (cache.ObjectStore, error) {
	switch cfg.Cache.RemoteBackend {
	case "fs":
		return objectstore.NewFSStore(afs, cfg.Cache.RemoteDir)
	case "minio":
		return objectstore.NewMinioStore(ctx, objectstore.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseTLS:    cfg.Minio.UseTLS,
			Prefix:    "artifacts",
		})
	}

	return nil, fmt.Errorf("invalid cache remote backend: %s", cfg.Cache.RemoteBackend)
}

func setupNotificationForDownloader(ctx context.Context, dl *downloader.Downloader, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	announce := func(kind notifier.EventKind, job downloader.Job) {
		e := notifier.Event{Kind: kind, JobID: job.ID, Path: job.Path, Size: job.Size}

		if err := notif.Notify(context.WithoutCancel(ctx), e); err != nil {
			logger.Error("failed to send notification", "job_id", job.ID, "err", err)
		}
	}

	go func() {
		for job := range dl.OnJobCompleted {
			logger.Info("file download finished", "job_id", job.ID, "path", job.Path)
			announce(notifier.EventCompleted, job)
		}
	}()

	go func() {
		for job := range dl.OnJobAbandoned {
			logger.Error("file download abandoned", "job_id", job.ID, "path", job.Path)
			announce(notifier.EventAbandoned, job)
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, ops *rest.OpsHandler) *http.Server {
	r := chi.NewRouter()
	r.Mount("/", ops.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(
	ctx context.Context,
	cfg *config.Config,
	afs afero.Fs,
	transfers *transfer.Manager,
	sched *scheduler.Scheduler,
	artifacts *cache.Tiered[downloader.Artifact],
) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	inUse := func(id string) bool {
		_, ok := sched.Get(id)

		return ok
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			records, err := transfers.List(ctx)
			if err != nil {
				logger.Error("failed to list resume records for cleanup", "err", err)

				continue
			}

			if _, err := cleanup.DeleteStalePartials(ctx, afs, records, cfg.KeepPartialFor, time.Now(), transfers, inUse); err != nil {
				logger.Error("failed to delete stale partial files", "err", err)
			}

			if err := cleanup.PurgeCache(ctx, artifacts); err != nil {
				logger.Error("failed to purge artifact cache", "err", err)
			}
		}
	}
}
