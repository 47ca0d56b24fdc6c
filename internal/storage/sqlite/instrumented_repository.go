package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/seedbox_ingest/internal/storage"
	"github.com/italolelis/seedbox_ingest/internal/telemetry"
)

// InstrumentedResumeRepository wraps ResumeRepository with telemetry.
type InstrumentedResumeRepository struct {
	repo      *ResumeRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedResumeRepository creates a new instrumented resume repository.
func NewInstrumentedResumeRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedResumeRepository {
	return &InstrumentedResumeRepository{
		repo:      NewResumeRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedResumeRepository) GetResume(ctx context.Context, transferID string) (storage.ResumeRecord, error) {
	var result storage.ResumeRecord

	err := r.telemetry.InstrumentStoreOperation(ctx, "get_resume", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetResume(ctx, transferID)

		return err
	})

	return result, err
}

func (r *InstrumentedResumeRepository) ListResumes(ctx context.Context) ([]storage.ResumeRecord, error) {
	var result []storage.ResumeRecord

	err := r.telemetry.InstrumentStoreOperation(ctx, "list_resumes", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListResumes(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedResumeRepository) SaveResume(ctx context.Context, rec storage.ResumeRecord) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "save_resume", func(ctx context.Context) error {
		return r.repo.SaveResume(ctx, rec)
	})
}

func (r *InstrumentedResumeRepository) DeleteResume(ctx context.Context, transferID string) error {
	return r.telemetry.InstrumentStoreOperation(ctx, "delete_resume", func(ctx context.Context) error {
		return r.repo.DeleteResume(ctx, transferID)
	})
}

var _ storage.ResumeRepository = (*InstrumentedResumeRepository)(nil)
