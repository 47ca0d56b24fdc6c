package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/seedbox_ingest/internal/clock"
	"github.com/italolelis/seedbox_ingest/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]storage.ResumeRecord
	saves   []storage.ResumeRecord
	err     error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]storage.ResumeRecord)}
}

func (s *memStore) GetResume(_ context.Context, id string) (storage.ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return storage.ResumeRecord{}, s.err
	}

	rec, ok := s.records[id]
	if !ok {
		return storage.ResumeRecord{}, storage.ErrNotFound
	}

	return rec, nil
}

func (s *memStore) ListResumes(context.Context) ([]storage.ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	var out []storage.ResumeRecord
	for _, rec := range s.records {
		out = append(out, rec)
	}

	return out, nil
}

func (s *memStore) SaveResume(_ context.Context, rec storage.ResumeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.records[rec.TransferID] = rec
	s.saves = append(s.saves, rec)

	return nil
}

func (s *memStore) DeleteResume(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	delete(s.records, id)

	return nil
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, store storage.ResumeRepository, afs afero.Fs, opts ...Option) (*Manager, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(epoch)
	opts = append([]Option{WithClock(clk), WithDigestChunkSize(7)}, opts...)

	return NewManager(store, afs, opts...), clk
}

func writeArtifact(t *testing.T, afs afero.Fs, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(afs, path, data, 0o644))
}

func TestManager_GetOrCreate(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), afero.NewMemMapFs())

	s := m.GetOrCreate("a", "/data/a", 100)
	assert.Equal(t, StateNew, s.State)
	assert.Zero(t, s.DownloadedBytes)
	assert.Equal(t, int64(100), s.TotalBytes)
	assert.Equal(t, DefaultMaxRetries, s.MaxRetries)
	assert.Equal(t, epoch, s.LastModified)

	require.NoError(t, m.UpdateProgress("a", 40))

	s = m.GetOrCreate("a", "/data/a", 200)
	assert.Equal(t, int64(40), s.DownloadedBytes)
	assert.Equal(t, int64(200), s.TotalBytes)
}

func TestManager_GetOrCreateDiscardsBytesWhenTotalShrinks(t *testing.T) {
	afs := afero.NewMemMapFs()
	writeArtifact(t, afs, "/a", bytes.Repeat([]byte("x"), 40))

	m, _ := newTestManager(t, newMemStore(), afs)

	m.GetOrCreate("a", "/a", 100)
	require.NoError(t, m.UpdateProgress("a", 40))
	require.NoError(t, m.Persist(context.Background(), "a"))

	s := m.GetOrCreate("a", "/a", 30)
	assert.Zero(t, s.DownloadedBytes)
	assert.Empty(t, s.Checksum)
	assert.Equal(t, int64(30), s.TotalBytes)
	assert.Equal(t, StateNew, s.State)
	assert.False(t, m.CanResume("a"))
}

func TestManager_UpdateProgress(t *testing.T) {
	m, clk := newTestManager(t, newMemStore(), afero.NewMemMapFs())

	err := m.UpdateProgress("missing", 10)
	require.ErrorIs(t, err, ErrUnknownTransfer)

	m.GetOrCreate("a", "/a", 100)

	clk.Advance(time.Second)
	require.NoError(t, m.UpdateProgress("a", 50))

	clk.Advance(time.Second)
	require.NoError(t, m.UpdateProgress("a", 20))

	s, _ := m.Get("a")
	assert.Equal(t, int64(50), s.DownloadedBytes, "progress must not move backwards")
	assert.Equal(t, epoch.Add(time.Second), s.LastModified)
	assert.Equal(t, StateInProgress, s.State)

	require.NoError(t, m.UpdateProgress("a", 500))

	s, _ = m.Get("a")
	assert.Equal(t, int64(100), s.DownloadedBytes)
	assert.Equal(t, StateComplete, s.State)
}

func TestManager_CanResume(t *testing.T) {
	tests := []struct {
		name       string
		total      int64
		downloaded int64
		want       bool
	}{
		{name: "nothing downloaded", total: 1000, downloaded: 0, want: false},
		{name: "partial", total: 1000, downloaded: 400, want: true},
		{name: "fully downloaded", total: 1000, downloaded: 1000, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, newMemStore(), afero.NewMemMapFs())
			m.GetOrCreate("x", "/x", tt.total)
			require.NoError(t, m.UpdateProgress("x", tt.downloaded))

			assert.Equal(t, tt.want, m.CanResume("x"))
		})
	}

	m, _ := newTestManager(t, newMemStore(), afero.NewMemMapFs())
	assert.False(t, m.CanResume("unknown"))
}

func TestManager_PersistIsIdempotent(t *testing.T) {
	afs := afero.NewMemMapFs()
	store := newMemStore()
	m, clk := newTestManager(t, store, afs)

	writeArtifact(t, afs, "/a", bytes.Repeat([]byte("x"), 30))

	m.GetOrCreate("a", "/a", 100)
	require.NoError(t, m.UpdateProgress("a", 30))

	require.NoError(t, m.Persist(context.Background(), "a"))
	clk.Advance(time.Minute)
	require.NoError(t, m.Persist(context.Background(), "a"))

	require.Len(t, store.saves, 2)
	assert.Equal(t, store.saves[0], store.saves[1])
	assert.NotEmpty(t, store.saves[0].Checksum)
	assert.Equal(t, int64(30), store.saves[0].DownloadedBytes)
}

func TestManager_PersistErrors(t *testing.T) {
	t.Run("unknown transfer", func(t *testing.T) {
		m, _ := newTestManager(t, newMemStore(), afero.NewMemMapFs())
		assert.ErrorIs(t, m.Persist(context.Background(), "nope"), ErrUnknownTransfer)
	})

	t.Run("missing artifact", func(t *testing.T) {
		m, _ := newTestManager(t, newMemStore(), afero.NewMemMapFs())
		m.GetOrCreate("a", "/a", 10)
		require.NoError(t, m.UpdateProgress("a", 5))

		var artifactErr *ArtifactError
		assert.ErrorAs(t, m.Persist(context.Background(), "a"), &artifactErr)
	})

	t.Run("store failure", func(t *testing.T) {
		store := newMemStore()
		store.err = errors.New("disk full")
		m, _ := newTestManager(t, store, afero.NewMemMapFs())
		m.GetOrCreate("a", "/a", 10)

		err := m.Persist(context.Background(), "a")

		var storeErr *StoreError
		require.ErrorAs(t, err, &storeErr)
		assert.Equal(t, "save", storeErr.Op)
		assert.Equal(t, "a", storeErr.ID)
	})
}

func TestManager_LoadVerifiesArtifact(t *testing.T) {
	ctx := context.Background()
	afs := afero.NewMemMapFs()
	store := newMemStore()

	data := bytes.Repeat([]byte("0123456789"), 100)
	writeArtifact(t, afs, "/movie.mkv", data)

	first, _ := newTestManager(t, store, afs)
	first.GetOrCreate("m", "/movie.mkv", 2000)
	require.NoError(t, first.UpdateProgress("m", 1000))
	require.NoError(t, first.Persist(ctx, "m"))

	t.Run("unmodified artifact resumes", func(t *testing.T) {
		m, _ := newTestManager(t, store, afs)

		res, err := m.Load(ctx, "m", "/movie.mkv", 2000)
		require.NoError(t, err)
		assert.False(t, res.Discarded)
		assert.Equal(t, int64(1000), res.State.DownloadedBytes)
		assert.Equal(t, StateInProgress, res.State.State)
		assert.True(t, m.CanResume("m"))
	})

	t.Run("altered artifact restarts from zero", func(t *testing.T) {
		altered := append([]byte(nil), data...)
		altered[0] = 'X'
		writeArtifact(t, afs, "/movie.mkv", altered)

		m, _ := newTestManager(t, store, afs)

		res, err := m.Load(ctx, "m", "/movie.mkv", 2000)
		require.NoError(t, err)
		assert.True(t, res.Discarded)
		assert.Equal(t, ReasonChecksumMismatch, res.Reason)
		assert.Zero(t, res.State.DownloadedBytes)
		assert.Empty(t, res.State.Checksum)
		assert.False(t, m.CanResume("m"))
	})
}

func TestManager_LoadDiscardReasons(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		record   storage.ResumeRecord
		artifact []byte
		total    int64
		reason   string
	}{
		{
			name:   "artifact missing",
			record: storage.ResumeRecord{TransferID: "t", DownloadedBytes: 5, TotalBytes: 10, Checksum: "abc"},
			total:  10,
			reason: ReasonArtifactMissing,
		},
		{
			name:     "artifact truncated",
			record:   storage.ResumeRecord{TransferID: "t", DownloadedBytes: 5, TotalBytes: 10, Checksum: "abc"},
			artifact: []byte("ab"),
			total:    10,
			reason:   ReasonArtifactShort,
		},
		{
			name:     "no checksum",
			record:   storage.ResumeRecord{TransferID: "t", DownloadedBytes: 5, TotalBytes: 10},
			artifact: []byte("abcde"),
			total:    10,
			reason:   ReasonMissingChecksum,
		},
		{
			name:     "total shrank",
			record:   storage.ResumeRecord{TransferID: "t", DownloadedBytes: 5, TotalBytes: 10, Checksum: "abc"},
			artifact: []byte("abcde"),
			total:    3,
			reason:   ReasonTotalShrunk,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			afs := afero.NewMemMapFs()
			if tt.artifact != nil {
				writeArtifact(t, afs, "/t", tt.artifact)
			}

			store := newMemStore()
			store.records["t"] = tt.record

			m, _ := newTestManager(t, store, afs)

			res, err := m.Load(ctx, "t", "/t", tt.total)
			require.NoError(t, err)
			assert.True(t, res.Discarded)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Zero(t, res.State.DownloadedBytes)
		})
	}
}

func TestManager_LoadWithoutRecordCreates(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), afero.NewMemMapFs())

	res, err := m.Load(context.Background(), "new", "/new", 42)
	require.NoError(t, err)
	assert.False(t, res.Discarded)
	assert.Equal(t, StateNew, res.State.State)
	assert.Equal(t, int64(42), res.State.TotalBytes)
}

func TestManager_LoadWithoutRecordDiscardsUnpersistedProgress(t *testing.T) {
	ctx := context.Background()
	afs := afero.NewMemMapFs()
	writeArtifact(t, afs, "/u", []byte("0123456789"))

	store := newMemStore()
	m, _ := newTestManager(t, store, afs)

	m.GetOrCreate("u", "/u", 10)
	require.NoError(t, m.UpdateProgress("u", 6))

	store.err = errors.New("disk full")
	require.Error(t, m.Persist(ctx, "u"))
	store.err = nil

	res, err := m.Load(ctx, "u", "/u", 10)
	require.NoError(t, err)
	assert.True(t, res.Discarded)
	assert.Equal(t, ReasonMissingChecksum, res.Reason)
	assert.Zero(t, res.State.DownloadedBytes)
	assert.Equal(t, StateNew, res.State.State)

	s, ok := m.Get("u")
	require.True(t, ok)
	assert.Zero(t, s.DownloadedBytes)
}

func TestManager_LoadStoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("locked")
	m, _ := newTestManager(t, store, afero.NewMemMapFs())

	_, err := m.Load(context.Background(), "a", "/a", 1)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "load", storeErr.Op)
}

func TestManager_LoadRestoresRetries(t *testing.T) {
	store := newMemStore()
	store.records["r"] = storage.ResumeRecord{TransferID: "r", RetryCount: 2}

	m, _ := newTestManager(t, store, afero.NewMemMapFs(), WithMaxRetries(2))

	res, err := m.Load(context.Background(), "r", "/r", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.State.RetryCount)
	assert.Equal(t, StateAbandoned, res.State.State)
}

func TestManager_IncrementRetry(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), afero.NewMemMapFs(), WithMaxRetries(2))

	_, _, err := m.IncrementRetry("missing")
	require.ErrorIs(t, err, ErrUnknownTransfer)

	m.GetOrCreate("a", "/a", 10)

	count, abandoned, err := m.IncrementRetry("a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, abandoned)

	s, _ := m.Get("a")
	assert.Equal(t, StateFailed, s.State)

	count, abandoned, err = m.IncrementRetry("a")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, abandoned)

	s, _ = m.Get("a")
	assert.Equal(t, StateAbandoned, s.State)
}

func TestManager_ResetAndCleanup(t *testing.T) {
	ctx := context.Background()
	afs := afero.NewMemMapFs()
	store := newMemStore()
	m, _ := newTestManager(t, store, afs)

	writeArtifact(t, afs, "/a", []byte("abcdef"))
	m.GetOrCreate("a", "/a", 10)
	require.NoError(t, m.UpdateProgress("a", 6))
	_, _, err := m.IncrementRetry("a")
	require.NoError(t, err)
	require.NoError(t, m.Persist(ctx, "a"))

	require.NoError(t, m.Reset("a"))

	s, _ := m.Get("a")
	assert.Zero(t, s.DownloadedBytes)
	assert.Zero(t, s.RetryCount)
	assert.Empty(t, s.Checksum)
	assert.Equal(t, StateNew, s.State)

	require.NoError(t, m.Cleanup(ctx, "a"))

	_, ok := m.Get("a")
	assert.False(t, ok)
	assert.Empty(t, store.records)

	assert.ErrorIs(t, m.Reset("a"), ErrUnknownTransfer)
}

func TestManager_ProgressInfo(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), afero.NewMemMapFs())

	_, ok := m.ProgressInfo("none")
	assert.False(t, ok)

	m.GetOrCreate("p", "/p", 3)
	require.NoError(t, m.UpdateProgress("p", 1))

	info, ok := m.ProgressInfo("p")
	require.True(t, ok)
	assert.Equal(t, 33.33, info.ProgressPercent)
	assert.True(t, info.CanResume)
	assert.Equal(t, int64(3), info.TotalBytes)

	m.GetOrCreate("empty", "/e", 0)
	info, _ = m.ProgressInfo("empty")
	assert.Zero(t, info.ProgressPercent)
}

func TestManager_List(t *testing.T) {
	store := newMemStore()
	store.records["a"] = storage.ResumeRecord{TransferID: "a"}
	m, _ := newTestManager(t, store, afero.NewMemMapFs())

	records, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
