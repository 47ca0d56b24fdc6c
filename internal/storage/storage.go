package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("record not found")

// ResumeRecord is the durable part of a transfer's resume state.
type ResumeRecord struct {
	TransferID      string
	Path            string
	DownloadedBytes int64
	TotalBytes      int64
	Checksum        string // hex digest of the first DownloadedBytes bytes, empty if unknown
	RetryCount      int
	UpdatedAt       time.Time
}

// ResumeReadRepository reads persisted resume records.
type ResumeReadRepository interface {
	GetResume(ctx context.Context, transferID string) (ResumeRecord, error)
	ListResumes(ctx context.Context) ([]ResumeRecord, error)
}

// ResumeWriteRepository writes persisted resume records.
type ResumeWriteRepository interface {
	SaveResume(ctx context.Context, rec ResumeRecord) error
	DeleteResume(ctx context.Context, transferID string) error
}

// ResumeRepository is the durable key-value store the transfer manager persists to.
type ResumeRepository interface {
	ResumeReadRepository
	ResumeWriteRepository
}
