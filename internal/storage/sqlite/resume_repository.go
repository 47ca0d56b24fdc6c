package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/storage"
)

// ResumeRepository implements storage.ResumeRepository on SQLite.
type ResumeRepository struct {
	db *sql.DB
}

func NewResumeRepository(db *sql.DB) *ResumeRepository {
	return &ResumeRepository{db: db}
}

func (r *ResumeRepository) GetResume(ctx context.Context, transferID string) (storage.ResumeRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT transfer_id, path, downloaded_bytes, total_bytes, checksum, retry_count, updated_at
		FROM resume_states
		WHERE transfer_id = ?`, transferID)

	rec, err := scanResume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ResumeRecord{}, storage.ErrNotFound
	}

	return rec, err
}

func (r *ResumeRepository) ListResumes(ctx context.Context) ([]storage.ResumeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT transfer_id, path, downloaded_bytes, total_bytes, checksum, retry_count, updated_at
		FROM resume_states
		ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.ResumeRecord

	for rows.Next() {
		rec, err := scanResume(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveResume upserts rec. Saving the same record twice leaves the row unchanged.
func (r *ResumeRepository) SaveResume(ctx context.Context, rec storage.ResumeRecord) error {
	var checksum sql.NullString
	if rec.Checksum != "" {
		checksum = sql.NullString{String: rec.Checksum, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resume_states (transfer_id, path, downloaded_bytes, total_bytes, checksum, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			path = excluded.path,
			downloaded_bytes = excluded.downloaded_bytes,
			total_bytes = excluded.total_bytes,
			checksum = excluded.checksum,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at
	`, rec.TransferID, rec.Path, rec.DownloadedBytes, rec.TotalBytes, checksum, rec.RetryCount,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))

	return err
}

func (r *ResumeRepository) DeleteResume(ctx context.Context, transferID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM resume_states WHERE transfer_id = ?`, transferID)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResume(s scanner) (storage.ResumeRecord, error) {
	var (
		rec       storage.ResumeRecord
		checksum  sql.NullString
		updatedAt string
	)

	if err := s.Scan(&rec.TransferID, &rec.Path, &rec.DownloadedBytes, &rec.TotalBytes,
		&checksum, &rec.RetryCount, &updatedAt); err != nil {
		return storage.ResumeRecord{}, err
	}

	if checksum.Valid {
		rec.Checksum = checksum.String
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return storage.ResumeRecord{}, err
	}

	rec.UpdatedAt = ts

	return rec, nil
}
