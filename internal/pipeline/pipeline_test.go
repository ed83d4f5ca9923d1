package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clipforge/internal/queue"
	"clipforge/internal/queue/memstore"
)

// stubBackend implements every pipeline adapter; individual calls can be
// overridden per test through the function fields.
type stubBackend struct {
	infoFn       func(url string) (*SourceInfo, error)
	downloadFn   func(dir string) (string, error)
	probeFn      func() (*MediaInfo, error)
	silenceFn    func() ([]float64, error)
	extractFn    func(idx int, start, end float64) error
	thumbFn      func() error
	transcribeFn func() (string, error)
	topicsFn     func() ([]string, error)
	uploadFn     func(key string) (int64, error)

	extractCalls int
	infoCalls    int
}

func (b *stubBackend) FetchInfo(_ context.Context, url, _ string) (*SourceInfo, error) {
	b.infoCalls++
	if b.infoFn != nil {
		return b.infoFn(url)
	}
	return &SourceInfo{
		ExternalID:  "ext1",
		Title:       "Test Video",
		ChannelName: "Test Channel",
		Duration:    100,
	}, nil
}

func (b *stubBackend) Download(_ context.Context, _, _, dir string) (string, error) {
	if b.downloadFn != nil {
		return b.downloadFn(dir)
	}
	return filepath.Join(dir, "source.mp4"), nil
}

func (b *stubBackend) Probe(_ context.Context, _ string) (*MediaInfo, error) {
	if b.probeFn != nil {
		return b.probeFn()
	}
	return &MediaInfo{Duration: 100, Width: 1920, Height: 1080}, nil
}

func (b *stubBackend) DetectSilence(_ context.Context, _ string) ([]float64, error) {
	if b.silenceFn != nil {
		return b.silenceFn()
	}
	return nil, nil
}

func (b *stubBackend) ExtractClip(_ context.Context, _, _ string, start, end float64) error {
	idx := b.extractCalls
	b.extractCalls++
	if b.extractFn != nil {
		return b.extractFn(idx, start, end)
	}
	return nil
}

func (b *stubBackend) Thumbnail(_ context.Context, _, _ string, _ float64) error {
	if b.thumbFn != nil {
		return b.thumbFn()
	}
	return nil
}

func (b *stubBackend) Transcribe(_ context.Context, _ string) (string, error) {
	if b.transcribeFn != nil {
		return b.transcribeFn()
	}
	return "welcome back everyone today we are going to talk about goroutines", nil
}

func (b *stubBackend) Topics(_ context.Context, _ string) ([]string, error) {
	if b.topicsFn != nil {
		return b.topicsFn()
	}
	return []string{"Go", "Concurrency"}, nil
}

func (b *stubBackend) Upload(_ context.Context, _, key, _ string) (int64, error) {
	if b.uploadFn != nil {
		return b.uploadFn(key)
	}
	return 1024, nil
}

func newTestExecutor(t *testing.T, store *memstore.Store, b *stubBackend) *Executor {
	t.Helper()
	return &Executor{
		Store:            store,
		Metadata:         b,
		Download:         b,
		Prober:           b,
		Silence:          b,
		Encoder:          b,
		Transcriber:      b,
		Topics:           b,
		Uploader:         b,
		Splitter:         Splitter{Min: 15, Target: 45, Max: 90},
		WorkDir:          t.TempDir(),
		MaxVideoDuration: 14400,
		RetryBaseDelay:   30 * time.Second,
		ClipTTL:          30 * 24 * time.Hour,
		Log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func runningJob(attempts int) *queue.Job {
	started := time.Now()
	return &queue.Job{
		ID:          "j1",
		SourceID:    "s1",
		JobType:     "ingest",
		Status:      queue.StatusRunning,
		Payload:     []byte(`{"source_id":"s1","url":"https://example.com/watch?v=abc","platform":"youtube"}`),
		Attempts:    attempts,
		MaxAttempts: 3,
		StartedAt:   &started,
		CreatedAt:   time.Now(),
	}
}

func seedStore(s *memstore.Store, job *queue.Job) {
	s.PutSource("s1", "youtube", "u1")
	s.PutJob(job)
}

func TestRun_Success(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)
	backend := &stubBackend{}
	exec := newTestExecutor(t, store, backend)

	require.NoError(t, exec.Run(context.Background(), job))

	rec, ok := store.JobSnapshot("j1")
	require.True(t, ok)
	require.Equal(t, queue.StatusComplete, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.Contains(t, string(rec.Result), `"clip_count":2`)
	require.Equal(t, queue.SourceComplete, store.SourceStatus("s1"))

	clips := store.Clips()
	require.Len(t, clips, 2)
	require.Equal(t, 45.0, clips[0].EndTime)
	require.Equal(t, "s1", clips[0].SourceID)
	require.NotEmpty(t, clips[0].StorageKey)
	require.NotEmpty(t, clips[0].Transcript)
	require.False(t, clips[0].ExpiresAt.IsZero())

	entries, err := os.ReadDir(exec.WorkDir)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch directory must be cleaned up")
}

func TestRun_SegmentFailureIsIsolated(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)
	backend := &stubBackend{
		probeFn: func() (*MediaInfo, error) {
			return &MediaInfo{Duration: 135, Width: 1280, Height: 720}, nil
		},
		extractFn: func(idx int, _, _ float64) error {
			if idx == 1 {
				return errors.New("encoder exploded")
			}
			return nil
		},
	}
	exec := newTestExecutor(t, store, backend)

	require.NoError(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusComplete, rec.Status)
	require.Len(t, store.Clips(), 2)
	require.Contains(t, string(rec.Result), `"clip_count":2`)
}

func TestRun_AllSegmentsFailedIsTransient(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)
	backend := &stubBackend{
		extractFn: func(int, float64, float64) error { return errors.New("encoder exploded") },
	}
	exec := newTestExecutor(t, store, backend)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec.Now = func() time.Time { return now }

	require.Error(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusQueued, rec.Status)
	require.Contains(t, rec.Error, "segments failed")
	require.NotNil(t, rec.RunAfter)
	require.True(t, rec.RunAfter.Equal(now.Add(30*time.Second)))
	require.Equal(t, queue.SourcePending, store.SourceStatus("s1"))
}

func TestRun_BackoffDoubles(t *testing.T) {
	store := memstore.New()
	job := runningJob(2)
	seedStore(store, job)
	backend := &stubBackend{
		downloadFn: func(string) (string, error) { return "", errors.New("network timeout") },
	}
	exec := newTestExecutor(t, store, backend)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec.Now = func() time.Time { return now }

	require.Error(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusQueued, rec.Status)
	require.True(t, rec.RunAfter.Equal(now.Add(60*time.Second)), "second attempt doubles the delay")
}

func TestRun_ExhaustedAttemptsFailPermanently(t *testing.T) {
	store := memstore.New()
	job := runningJob(3)
	seedStore(store, job)
	backend := &stubBackend{
		downloadFn: func(string) (string, error) { return "", errors.New("network timeout") },
	}
	exec := newTestExecutor(t, store, backend)

	require.Error(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusFailed, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.Contains(t, rec.Error, "network timeout")
	require.Equal(t, queue.SourceFailed, store.SourceStatus("s1"))
}

func TestRun_DurationCeilingRejectsImmediately(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)
	backend := &stubBackend{
		infoFn: func(string) (*SourceInfo, error) {
			return &SourceInfo{ExternalID: "ext1", Title: "Marathon Stream", Duration: 20000}, nil
		},
	}
	exec := newTestExecutor(t, store, backend)

	require.Error(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusRejected, rec.Status, "rejection must not consume retries")
	require.Contains(t, rec.Error, "exceeds")
	require.Equal(t, queue.SourceRejected, store.SourceStatus("s1"))
}

func TestRun_DuplicateSourceRejects(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)
	store.PutSource("s2", "youtube", "u1")
	ext := "ext1"
	require.NoError(t, store.UpdateSource(context.Background(), "s2", queue.SourceUpdate{ExternalID: &ext}))

	exec := newTestExecutor(t, store, &stubBackend{})

	require.Error(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusRejected, rec.Status)
	require.Contains(t, rec.Error, "duplicate source")
}

func TestRun_BadURLRejects(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	job.Payload = []byte(`{"source_id":"s1","url":"ftp://example.com/video","platform":"youtube"}`)
	seedStore(store, job)

	exec := newTestExecutor(t, store, &stubBackend{})

	require.Error(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusRejected, rec.Status)
	require.Contains(t, rec.Error, "scheme")
}

func TestRun_CancellationStopsSilently(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)

	// Flip the stored record to cancelled; the first checkpoint must notice.
	cancelled := *job
	cancelled.Status = queue.StatusCancelled
	store.PutJob(&cancelled)

	backend := &stubBackend{}
	exec := newTestExecutor(t, store, backend)

	require.NoError(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusCancelled, rec.Status)
	require.Empty(t, rec.Error, "cancellation must not write an error")
	require.Empty(t, store.Clips())
	require.Zero(t, backend.infoCalls, "cancelled job must not fetch metadata")
	require.Equal(t, queue.SourcePending, store.SourceStatus("s1"), "cancelled job must not touch its source")
}

func TestRun_RetryDecisionUsesStoredAttempts(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)

	// The stored record is already at max attempts; the claim-time copy is
	// stale. The failure must be permanent, not requeued.
	stored := *job
	stored.Attempts = 3
	store.PutJob(&stored)

	backend := &stubBackend{
		downloadFn: func(string) (string, error) { return "", errors.New("network timeout") },
	}
	exec := newTestExecutor(t, store, backend)

	require.Error(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusFailed, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.Equal(t, queue.SourceFailed, store.SourceStatus("s1"))
}

func TestRun_PanicBecomesTransientFailure(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)
	backend := &stubBackend{
		probeFn: func() (*MediaInfo, error) { panic("probe blew up") },
	}
	exec := newTestExecutor(t, store, backend)

	require.Error(t, exec.Run(context.Background(), job))

	rec, _ := store.JobSnapshot("j1")
	require.Equal(t, queue.StatusQueued, rec.Status)
	require.Contains(t, rec.Error, "panic")
}

func TestRun_CleansWorkDirOnFailure(t *testing.T) {
	store := memstore.New()
	job := runningJob(1)
	seedStore(store, job)
	backend := &stubBackend{
		downloadFn: func(string) (string, error) { return "", errors.New("boom") },
	}
	exec := newTestExecutor(t, store, backend)

	require.Error(t, exec.Run(context.Background(), job))

	entries, err := os.ReadDir(exec.WorkDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestClipTitle(t *testing.T) {
	exec := &Executor{}
	ctx := context.Background()

	t.Run("long transcript truncated to ten words", func(t *testing.T) {
		got := exec.clipTitle(ctx, "one two three four five six seven eight nine ten eleven twelve", "Source", 0)
		require.Equal(t, "one two three four five six seven eight nine ten...", got)
	})

	t.Run("three-word transcript keeps the ellipsis", func(t *testing.T) {
		got := exec.clipTitle(ctx, "hello there friends", "Source", 0)
		require.Equal(t, "hello there friends...", got)
	})

	t.Run("tiny transcript falls back to source title", func(t *testing.T) {
		got := exec.clipTitle(ctx, "uh huh", "My Stream", 1)
		require.Equal(t, "My Stream (Part 2)", got)
	})

	t.Run("nothing available", func(t *testing.T) {
		got := exec.clipTitle(ctx, "", "", 2)
		require.Equal(t, "Clip 3", got)
	})
}

func TestCheckURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"https", "https://example.com/v/1", true},
		{"http", "http://example.com/v/1", true},
		{"ftp", "ftp://example.com/v/1", false},
		{"file", "file:///etc/passwd", false},
		{"no host", "https://", false},
		{"localhost", "https://localhost/v/1", false},
		{"loopback ip", "http://127.0.0.1/v/1", false},
		{"private ip", "http://10.0.0.5/v/1", false},
		{"link local", "http://169.254.1.1/v/1", false},
		{"unspecified", "http://0.0.0.0/v/1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckURL(tt.url)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.True(t, IsRejection(err))
			}
		})
	}
}
