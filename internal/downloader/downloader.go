package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_ingest/internal/cache"
	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/downloader/progress"
	"github.com/italolelis/seedbox_ingest/internal/logctx"
	"github.com/italolelis/seedbox_ingest/internal/scheduler"
	"github.com/italolelis/seedbox_ingest/internal/telemetry"
	"github.com/italolelis/seedbox_ingest/internal/transfer"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// PartialSuffix marks files that are still being downloaded.
	PartialSuffix = ".part"

	progressInterval = int64(100 * 1024 * 1024) // 100MB
)

var (
	// ErrJobAbandoned is returned by Submit for a job that already used up its retries.
	ErrJobAbandoned = errors.New("job was abandoned")

	errRetriesExhausted = errors.New("retries exhausted")
)

// Job is a single remote file to materialize under the target directory.
type Job struct {
	ID        string             `json:"id"`
	Ref       string             `json:"ref"`
	Path      string             `json:"path"` // relative to the target directory
	Size      int64              `json:"size"`
	Priority  scheduler.Priority `json:"priority"`
	DependsOn []string           `json:"depends_on,omitempty"`
}

// Artifact records a file that has been fully downloaded.
type Artifact struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	CompletedAt time.Time `json:"completed_at"`
}

// Config tunes a Downloader.
type Config struct {
	TargetDir       string
	Workers         int
	ChunkSize       int64
	PersistInterval time.Duration
	PollInterval    time.Duration
}

// Downloader runs jobs handed out by the scheduler, resuming partial files
// through the transfer manager and recording finished files in the artifact cache.
type Downloader struct {
	cfg       Config
	fs        afero.Fs
	source    transfer.Source
	scheduler *scheduler.Scheduler
	transfers *transfer.Manager
	artifacts *cache.Tiered[Artifact]
	clock     clock.Clock
	telemetry *telemetry.Telemetry

	mu        sync.Mutex
	jobs      map[string]Job
	abandoned map[string]struct{}

	OnJobCompleted chan Job
	OnJobAbandoned chan Job
}

// Option configures a Downloader.
type Option func(*Downloader)

func WithClock(c clock.Clock) Option {
	return func(d *Downloader) { d.clock = c }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.telemetry = t }
}

func NewDownloader(
	cfg Config,
	afs afero.Fs,
	source transfer.Source,
	sched *scheduler.Scheduler,
	transfers *transfer.Manager,
	artifacts *cache.Tiered[Artifact],
	opts ...Option,
) *Downloader {
	if cfg.Workers <= 0 {
		cfg.Workers = sched.MaxConcurrent()
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = transfer.DefaultChunkSize
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	d := &Downloader{
		cfg:            cfg,
		fs:             afs,
		source:         source,
		scheduler:      sched,
		transfers:      transfers,
		artifacts:      artifacts,
		clock:          clock.Real{},
		jobs:           make(map[string]Job),
		abandoned:      make(map[string]struct{}),
		OnJobCompleted: make(chan Job),
		OnJobAbandoned: make(chan Job),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Downloader) Close() {
	close(d.OnJobCompleted)
	close(d.OnJobAbandoned)
}

// Submit queues job. It returns false without queueing when the file has
// already been materialized.
func (d *Downloader) Submit(ctx context.Context, job Job) (bool, error) {
	logger := logctx.LoggerFromContext(ctx).With("job_id", job.ID)

	if job.ID == "" || job.Path == "" {
		return false, fmt.Errorf("job needs an id and a path: %+v", job)
	}

	if d.isAbandoned(job.ID) {
		return false, ErrJobAbandoned
	}

	if d.materialized(ctx, job) {
		logger.Debug("skipping job, file already downloaded", "path", job.Path)

		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.abandoned[job.ID]; ok {
		return false, ErrJobAbandoned
	}

	err := d.scheduler.AddItem(scheduler.WorkItem{
		ID:           job.ID,
		Priority:     job.Priority,
		Dependencies: job.DependsOn,
	})
	if err != nil {
		return false, err
	}

	d.jobs[job.ID] = job

	logger.Info("job queued", "path", job.Path, "size", humanize.Bytes(uint64(job.Size)), "priority", job.Priority.String())

	return true, nil
}

// Job returns the queued or running job with the given id.
func (d *Downloader) Job(id string) (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]

	return job, ok
}

// materialized reports whether the final file for job exists with the
// expected size, recording it in the artifact cache when it does.
func (d *Downloader) materialized(ctx context.Context, job Job) bool {
	target := d.targetPath(job)

	if a, ok := d.artifacts.Get(ctx, job.ID); ok && a.Path == target && d.hasFile(target, a.Size) {
		return true
	}

	if !d.hasFile(target, job.Size) {
		return false
	}

	d.remember(ctx, job)

	return true
}

func (d *Downloader) hasFile(path string, size int64) bool {
	info, err := d.fs.Stat(path)

	return err == nil && !info.IsDir() && info.Size() == size
}

func (d *Downloader) remember(ctx context.Context, job Job) {
	a := Artifact{Path: d.targetPath(job), Size: job.Size, CompletedAt: d.clock.Now()}

	if err := d.artifacts.Put(ctx, job.ID, a); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to record artifact", "job_id", job.ID, "err", err)
	}
}

func (d *Downloader) targetPath(job Job) string {
	return filepath.Join(d.cfg.TargetDir, job.Path)
}

// Run starts the workers and blocks until ctx is cancelled.
func (d *Downloader) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting download workers", "workers", d.cfg.Workers, "max_concurrent", d.scheduler.MaxConcurrent())

	wg, ctx := errgroup.WithContext(ctx)

	for i := range d.cfg.Workers {
		workerCtx, _ := logctx.With(ctx, "worker", i)

		wg.Go(func() error {
			return d.work(workerCtx)
		})
	}

	return wg.Wait()
}

func (d *Downloader) work(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			logger.Info("shutting down worker")

			return nil
		}

		item, ok := d.scheduler.GetNextItem()
		if !ok {
			select {
			case <-ctx.Done():
			case <-d.scheduler.Ready():
			case <-ticker.C:
			}

			continue
		}

		d.safeProcess(ctx, item)
	}
}

// safeProcess runs process and turns a panic into a failed attempt.
func (d *Downloader) safeProcess(ctx context.Context, item scheduler.WorkItem) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("download worker panic",
				"job_id", item.ID,
				"panic", r,
				"stack", string(debug.Stack()))

			d.telemetry.RecordSystemError("downloader", "panic")
			d.fail(ctx, item, fmt.Errorf("panic: %v", r))
		}
	}()

	d.process(ctx, item)
}

func (d *Downloader) process(ctx context.Context, item scheduler.WorkItem) {
	ctx, logger := logctx.With(ctx, "job_id", item.ID)

	job, ok := d.Job(item.ID)
	if !ok {
		logger.Error("scheduled item has no job")
		d.fail(ctx, item, errors.New("unknown job"))

		return
	}

	err := d.telemetry.InstrumentTransfer(ctx, func(ctx context.Context) error {
		return d.download(ctx, job)
	})

	switch {
	case err == nil:
		d.complete(ctx, item, job)
	case ctx.Err() != nil:
		logger.Info("download interrupted, progress kept for resume", "err", err)

		if err := d.scheduler.MarkItemFailed(item.ID, err); err == nil {
			d.scheduler.Acknowledge(item.ID)
		}
	default:
		d.fail(ctx, item, err)
	}
}

func (d *Downloader) complete(ctx context.Context, item scheduler.WorkItem, job Job) {
	logger := logctx.LoggerFromContext(ctx)

	if err := d.transfers.Cleanup(ctx, job.ID); err != nil {
		logger.Error("failed to clear resume state", "err", err)
	}

	d.remember(ctx, job)

	if err := d.scheduler.MarkItemCompleted(item.ID); err != nil {
		logger.Error("failed to mark job completed", "err", err)
	}

	d.forget(job.ID)

	logger.Info("downloaded and saved file", "target", d.targetPath(job), "size", humanize.Bytes(uint64(job.Size)))

	select {
	case d.OnJobCompleted <- job:
	case <-ctx.Done():
	}
}

// fail records a failed attempt and either requeues the job or abandons it
// once its retries are used up.
func (d *Downloader) fail(ctx context.Context, item scheduler.WorkItem, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := d.scheduler.MarkItemFailed(item.ID, cause); err != nil {
		logger.Error("failed to mark job failed", "err", err)
	}

	abandoned := errors.Is(cause, errRetriesExhausted)
	retries := 0

	if !abandoned {
		var err error

		retries, abandoned, err = d.transfers.IncrementRetry(item.ID)
		if err != nil {
			logger.Error("failed to count retry", "err", err)

			abandoned = true
		} else if err := d.transfers.Persist(ctx, item.ID); err != nil {
			logger.Error("failed to persist resume state", "err", err)
		}
	}

	job, ok := d.Job(item.ID)
	if !ok {
		d.scheduler.Acknowledge(item.ID)

		return
	}

	if !abandoned {
		logger.Warn("download failed, retrying", "retry", retries, "temporary", temporary(cause), "err", cause)

		err := d.requeue(item)
		if err == nil {
			return
		}

		logger.Error("failed to requeue job", "err", err)
	}

	logger.Error("download abandoned", "retries", retries, "err", cause)

	if err := d.transfers.Cleanup(ctx, job.ID); err != nil {
		logger.Error("failed to clear resume state", "err", err)
	}

	if err := d.fs.Remove(d.targetPath(job) + PartialSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("failed to remove partial file", "err", err)
	}

	d.abandon(job.ID)

	select {
	case d.OnJobAbandoned <- job:
	case <-ctx.Done():
	}
}

// requeue swaps the failed record for a fresh pending one that keeps its
// original creation time. It holds d.mu so Submit cannot claim the id in between.
func (d *Downloader) requeue(item scheduler.WorkItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.scheduler.Acknowledge(item.ID)

	return d.scheduler.AddItem(scheduler.WorkItem{
		ID:           item.ID,
		Priority:     item.Priority,
		Dependencies: item.Dependencies,
		CreatedAt:    item.CreatedAt,
	})
}

// abandon drops the job and remembers its id so later submissions are refused.
func (d *Downloader) abandon(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.scheduler.Acknowledge(id)
	delete(d.jobs, id)
	d.abandoned[id] = struct{}{}
}

func (d *Downloader) isAbandoned(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.abandoned[id]

	return ok
}

// temporary reports whether cause says a retry may succeed. Errors that
// don't say are treated as temporary.
func temporary(cause error) bool {
	var t interface{ Temporary() bool }
	if errors.As(cause, &t) {
		return t.Temporary()
	}

	return true
}

// forget drops a finished job and its scheduler record together.
func (d *Downloader) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.scheduler.Acknowledge(id)
	delete(d.jobs, id)
}

// download streams the missing part of job into its partial file and moves
// the file into place when complete.
func (d *Downloader) download(ctx context.Context, job Job) error {
	logger := logctx.LoggerFromContext(ctx)

	target := d.targetPath(job)
	partial := target + PartialSuffix

	res, err := d.transfers.Load(ctx, job.ID, partial, job.Size)
	if err != nil {
		return fmt.Errorf("failed to load resume state: %w", err)
	}

	if res.State.State == transfer.StateAbandoned {
		return errRetriesExhausted
	}

	offset := res.State.DownloadedBytes
	if res.Discarded {
		logger.Warn("restarting download from zero", "reason", res.Reason)
	}

	if err := d.ensureTargetDir(target, logger); err != nil {
		return err
	}

	out, err := d.fs.OpenFile(partial, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}

	defer out.Close()

	if err := out.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate partial file: %w", err)
	}

	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek partial file: %w", err)
	}

	if offset > 0 {
		logger.Info("resuming download", "file_path", target,
			"downloaded", humanize.Bytes(uint64(offset)),
			"total", humanize.Bytes(uint64(job.Size)))
	} else {
		logger.Info("downloading file", "file_path", target, "file_size", humanize.Bytes(uint64(job.Size)))
	}

	if err := d.writeFile(ctx, out, job, offset); err != nil {
		if perr := d.transfers.Persist(ctx, job.ID); perr != nil {
			logger.Error("failed to persist resume state", "err", perr)
		}

		return err
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close partial file: %w", err)
	}

	if err := d.fs.Rename(partial, target); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	return nil
}

func (d *Downloader) writeFile(ctx context.Context, out io.Writer, job Job, offset int64) error {
	logger := logctx.LoggerFromContext(ctx)

	lastPersist := d.clock.Now()

	onWrite := func(written int64) error {
		if err := d.transfers.UpdateProgress(job.ID, written); err != nil {
			return err
		}

		if d.cfg.PersistInterval > 0 && d.clock.Now().Sub(lastPersist) >= d.cfg.PersistInterval {
			lastPersist = d.clock.Now()

			if err := d.transfers.Persist(ctx, job.ID); err != nil {
				logger.Error("failed to persist resume state", "err", err)
			}
		}

		return nil
	}

	onProgress := func(written, total int64) {
		info, _ := d.transfers.ProgressInfo(job.ID)

		logger.Debug("download progress",
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)),
			"percent", humanize.FtoaWithDigits(info.ProgressPercent, 2))
	}

	pw := progress.NewWriter(out, offset, job.Size, progressInterval, onWrite, onProgress)
	src := transfer.NewRangeReader(ctx, d.source, job.Ref, offset, job.Size, d.cfg.ChunkSize)

	if _, err := io.Copy(pw, src); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	if pw.Written() != job.Size {
		return fmt.Errorf("copied %d of %d bytes", pw.Written(), job.Size)
	}

	return nil
}

func (d *Downloader) ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := d.fs.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}
