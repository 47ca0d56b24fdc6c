package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/logctx"
	"github.com/italolelis/seedbox_ingest/internal/storage"
	"github.com/italolelis/seedbox_ingest/internal/telemetry"
	"github.com/spf13/afero"
)

// DefaultMaxRetries is used when no WithMaxRetries option is given.
const DefaultMaxRetries = 3

// Manager tracks resumable transfers and persists their progress to a store.
//
// Each transfer id is owned by a single worker at a time. The manager only
// guards its map; Persist and Load for different ids run concurrently.
type Manager struct {
	store       storage.ResumeRepository
	fs          afero.Fs
	clock       clock.Clock
	telemetry   *telemetry.Telemetry
	maxRetries  int
	digestChunk int

	mu     sync.RWMutex
	states map[string]*ResumeState
}

// Option configures a Manager.
type Option func(*Manager)

func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithDigestChunkSize sets how many bytes are read per step when hashing a partial artifact.
func WithDigestChunkSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.digestChunk = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = t }
}

// NewManager creates a Manager persisting to store and reading artifacts from afs.
func NewManager(store storage.ResumeRepository, afs afero.Fs, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		fs:          afs,
		clock:       clock.Real{},
		maxRetries:  DefaultMaxRetries,
		digestChunk: DefaultDigestChunkSize,
		states:      make(map[string]*ResumeState),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// GetOrCreate returns the tracked state for id, refreshing its total size,
// or starts tracking a new transfer with nothing downloaded.
func (m *Manager) GetOrCreate(id, path string, totalBytes int64) ResumeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[id]; ok {
		s.TotalBytes = totalBytes

		// Bytes recorded against a larger total belong to a different file.
		if s.DownloadedBytes > totalBytes {
			s.DownloadedBytes = 0
			s.Checksum = ""
			s.LastModified = m.clock.Now()

			if s.State == StateInProgress || s.State == StateComplete {
				s.State = StateNew
			}
		}

		return *s
	}

	s := &ResumeState{
		ID:           id,
		Path:         path,
		TotalBytes:   totalBytes,
		MaxRetries:   m.maxRetries,
		LastModified: m.clock.Now(),
		State:        StateNew,
	}
	m.states[id] = s

	return *s
}

// Get returns a copy of the tracked state for id.
func (m *Manager) Get(id string) (ResumeState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[id]
	if !ok {
		return ResumeState{}, false
	}

	return *s, true
}

// UpdateProgress records that bytes bytes of the artifact are on disk.
// Progress never moves backwards: smaller values are ignored. Values beyond
// the total are clamped to it.
func (m *Manager) UpdateProgress(id string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok {
		return unknown(id)
	}

	if bytes > s.TotalBytes {
		bytes = s.TotalBytes
	}

	if bytes <= s.DownloadedBytes {
		return nil
	}

	m.telemetry.RecordTransferBytes(bytes - s.DownloadedBytes)

	s.DownloadedBytes = bytes
	s.Checksum = ""
	s.LastModified = m.clock.Now()

	s.State = StateInProgress
	if s.TotalBytes > 0 && s.DownloadedBytes == s.TotalBytes {
		s.State = StateComplete
	}

	return nil
}

// CanResume reports whether id has some but not all of its bytes downloaded.
func (m *Manager) CanResume(id string) bool {
	s, ok := m.Get(id)

	return ok && s.CanResume()
}

// Persist digests the partial artifact and writes the progress to the store.
// Persisting twice without progress in between writes identical records.
func (m *Manager) Persist(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return unknown(id)
	}

	checksum := s.Checksum
	if s.DownloadedBytes > 0 && checksum == "" {
		sum, err := digestPrefix(m.fs, s.Path, s.DownloadedBytes, m.digestChunk)
		if err != nil {
			var artifactErr *ArtifactError
			if !errors.As(err, &artifactErr) {
				err = &ArtifactError{Path: s.Path, Reason: "cannot digest recorded progress", Err: err}
			}

			return err
		}

		checksum = sum
	}

	rec := storage.ResumeRecord{
		TransferID:      s.ID,
		Path:            s.Path,
		DownloadedBytes: s.DownloadedBytes,
		TotalBytes:      s.TotalBytes,
		Checksum:        checksum,
		RetryCount:      s.RetryCount,
		UpdatedAt:       s.LastModified,
	}

	if err := m.store.SaveResume(ctx, rec); err != nil {
		return &StoreError{Op: "save", ID: id, Err: err}
	}

	m.mu.Lock()
	if cur, ok := m.states[id]; ok && cur.DownloadedBytes == s.DownloadedBytes {
		cur.Checksum = checksum
	}
	m.mu.Unlock()

	return nil
}

// Load restores the state for id from the store and verifies it against the
// artifact at path. Progress that cannot be verified is discarded and the
// transfer restarts from zero; that is reported in the result, not as an error.
func (m *Manager) Load(ctx context.Context, id, path string, totalBytes int64) (LoadResult, error) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", id)

	rec, err := m.store.GetResume(ctx, id)

	var s *ResumeState

	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Nothing was ever persisted, so in-memory progress is only trusted
		// if it carries a checksum that still matches the artifact.
		cur := m.GetOrCreate(id, path, totalBytes)
		cur.Path = path
		s = &cur
	case err != nil:
		return LoadResult{}, &StoreError{Op: "load", ID: id, Err: err}
	default:
		s = &ResumeState{
			ID:              id,
			Path:            path,
			DownloadedBytes: rec.DownloadedBytes,
			TotalBytes:      totalBytes,
			Checksum:        rec.Checksum,
			RetryCount:      rec.RetryCount,
			MaxRetries:      m.maxRetries,
			LastModified:    rec.UpdatedAt,
			State:           StateNew,
		}

		if cur, ok := m.Get(id); ok {
			s.RetryCount = max(s.RetryCount, cur.RetryCount)
		}
	}

	recorded := s.DownloadedBytes

	reason, err := m.verify(s)
	if err != nil {
		return LoadResult{}, err
	}

	result := LoadResult{}

	if reason != "" {
		logger.Warn("discarding unverifiable transfer progress",
			"reason", reason,
			"path", path,
			"recorded_bytes", recorded)

		m.telemetry.RecordIntegrityFailure(reason)

		s.DownloadedBytes = 0
		s.Checksum = ""
		s.LastModified = m.clock.Now()
		result.Discarded = true
		result.Reason = reason
	}

	switch {
	case s.RetryCount >= s.MaxRetries:
		s.State = StateAbandoned
	case s.DownloadedBytes > 0:
		s.State = StateInProgress
	case s.State == StateInProgress || s.State == StateComplete:
		s.State = StateNew
	}

	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()

	result.State = *s

	return result, nil
}

// verify returns a non-empty discard reason when the recorded progress of s
// does not match the artifact on disk.
func (m *Manager) verify(s *ResumeState) (string, error) {
	if s.DownloadedBytes == 0 {
		return "", nil
	}

	if s.DownloadedBytes > s.TotalBytes {
		return ReasonTotalShrunk, nil
	}

	if s.Checksum == "" {
		return ReasonMissingChecksum, nil
	}

	sum, err := digestPrefix(m.fs, s.Path, s.DownloadedBytes, m.digestChunk)

	switch {
	case errors.Is(err, errArtifactMissing):
		return ReasonArtifactMissing, nil
	case errors.Is(err, errArtifactShort):
		return ReasonArtifactShort, nil
	case err != nil:
		return "", err
	case sum != s.Checksum:
		return ReasonChecksumMismatch, nil
	}

	return "", nil
}

// IncrementRetry records a failed attempt. It returns the new retry count and
// whether the transfer is now abandoned.
func (m *Manager) IncrementRetry(id string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok {
		return 0, false, unknown(id)
	}

	s.RetryCount++
	s.LastModified = m.clock.Now()

	if s.RetryCount >= s.MaxRetries {
		s.State = StateAbandoned

		return s.RetryCount, true, nil
	}

	s.State = StateFailed

	return s.RetryCount, false, nil
}

// Reset clears progress, checksum and retries for id.
func (m *Manager) Reset(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok {
		return unknown(id)
	}

	s.DownloadedBytes = 0
	s.Checksum = ""
	s.RetryCount = 0
	s.State = StateNew
	s.LastModified = m.clock.Now()

	return nil
}

// Cleanup forgets id in memory and in the store.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()

	if err := m.store.DeleteResume(ctx, id); err != nil {
		return &StoreError{Op: "delete", ID: id, Err: err}
	}

	return nil
}

// ProgressInfo returns a read-only progress view for id.
func (m *Manager) ProgressInfo(id string) (ProgressInfo, bool) {
	s, ok := m.Get(id)
	if !ok {
		return ProgressInfo{}, false
	}

	return s.progressInfo(), true
}

// List returns every persisted resume record.
func (m *Manager) List(ctx context.Context) ([]storage.ResumeRecord, error) {
	records, err := m.store.ListResumes(ctx)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}

	return records, nil
}
