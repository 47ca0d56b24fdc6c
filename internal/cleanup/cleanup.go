package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/logctx"
	"github.com/italolelis/seedbox_ingest/internal/storage"
	"github.com/spf13/afero"
)

// ResumeCleaner drops the resume state of a transfer.
type ResumeCleaner interface {
	Cleanup(ctx context.Context, id string) error
}

// Purger removes expired cache entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// DeleteStalePartials removes partial files and resume records that have not
// progressed for longer than keepDuration. Records for which inUse returns
// true are left alone. It returns the number of records removed.
func DeleteStalePartials(
	ctx context.Context,
	afs afero.Fs,
	records []storage.ResumeRecord,
	keepDuration time.Duration,
	now time.Time,
	resumes ResumeCleaner,
	inUse func(id string) bool,
) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	removed := 0

	for _, rec := range records {
		if now.Sub(rec.UpdatedAt) <= keepDuration {
			continue
		}

		if inUse != nil && inUse(rec.TransferID) {
			continue
		}

		if err := afs.Remove(rec.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("Failed to delete stale partial file", "file", rec.Path, "err", err)

			return removed, err
		}

		if err := resumes.Cleanup(ctx, rec.TransferID); err != nil {
			logger.Error("Failed to delete stale resume state", "transfer_id", rec.TransferID, "err", err)

			return removed, err
		}

		logger.Info("Deleted stale partial file", "file", rec.Path, "transfer_id", rec.TransferID)

		removed++
	}

	return removed, nil
}

// PurgeCache sweeps expired entries out of every cache tier.
func PurgeCache(ctx context.Context, cache Purger) error {
	logger := logctx.LoggerFromContext(ctx)

	n, err := cache.PurgeExpired(ctx)
	if err != nil {
		logger.Error("Failed to purge expired cache entries", "purged", n, "err", err)

		return err
	}

	if n > 0 {
		logger.Info("Purged expired cache entries", "purged", n)
	}

	return nil
}
