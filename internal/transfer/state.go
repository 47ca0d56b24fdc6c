package transfer

import (
	"math"
	"time"
)

// State is the lifecycle position of a transfer.
type State string

const (
	StateNew        State = "new"
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
	StateAbandoned  State = "abandoned"
)

// ResumeState is everything needed to continue a byte-range transfer.
type ResumeState struct {
	ID              string
	Path            string
	DownloadedBytes int64
	TotalBytes      int64
	// Checksum is the hex digest of exactly the first DownloadedBytes bytes
	// of the artifact at Path, or empty when not yet computed.
	Checksum     string
	RetryCount   int
	MaxRetries   int
	LastModified time.Time
	State        State
}

// CanResume reports whether some but not all of the bytes are present.
func (s ResumeState) CanResume() bool {
	return s.DownloadedBytes > 0 && s.DownloadedBytes < s.TotalBytes
}

// ProgressInfo is a read-only view of a transfer's progress.
type ProgressInfo struct {
	DownloadedBytes int64     `json:"downloaded_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	ProgressPercent float64   `json:"progress_percent"`
	CanResume       bool      `json:"can_resume"`
	RetryCount      int       `json:"retry_count"`
	State           State     `json:"state"`
	LastModified    time.Time `json:"last_modified"`
}

func (s ResumeState) progressInfo() ProgressInfo {
	var percent float64
	if s.TotalBytes > 0 {
		percent = math.Round(float64(s.DownloadedBytes)*10000/float64(s.TotalBytes)) / 100
	}

	return ProgressInfo{
		DownloadedBytes: s.DownloadedBytes,
		TotalBytes:      s.TotalBytes,
		ProgressPercent: percent,
		CanResume:       s.CanResume(),
		RetryCount:      s.RetryCount,
		State:           s.State,
		LastModified:    s.LastModified,
	}
}

// LoadResult describes what Load recovered from the store.
type LoadResult struct {
	State ResumeState
	// Discarded is true when stored progress could not be verified against
	// the artifact on disk and the transfer was reset to zero.
	Discarded bool
	Reason    string
}

// Discard reasons reported in LoadResult.Reason.
const (
	ReasonChecksumMismatch = "checksum_mismatch"
	ReasonMissingChecksum  = "missing_checksum"
	ReasonArtifactMissing  = "artifact_missing"
	ReasonArtifactShort    = "artifact_truncated"
	ReasonTotalShrunk      = "total_shrunk"
)
