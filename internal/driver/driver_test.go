package driver

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/stt-service/internal/blob"
	"github.com/example/stt-service/internal/model"
	"github.com/example/stt-service/internal/provider"
	"github.com/example/stt-service/internal/store"
)

type scriptedCall func(cfg provider.Config) (provider.Result, error)

// scriptedTranscriber replays a fixed sequence of responses and records the
// configs it was called with.
type scriptedTranscriber struct {
	script []scriptedCall
	calls  []provider.Config
}

func (s *scriptedTranscriber) Name() string { return "scripted" }

func (s *scriptedTranscriber) Transcribe(_ context.Context, _ []byte, cfg provider.Config) (provider.Result, error) {
	idx := len(s.calls)
	s.calls = append(s.calls, cfg)
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	return s.script[idx](cfg)
}

func segmentsResult(segments ...model.Segment) scriptedCall {
	return func(provider.Config) (provider.Result, error) {
		return provider.Result{Segments: segments, Metadata: model.ChunkMetadata{Model: "scripted"}}, nil
	}
}

func errorResult(err error) scriptedCall {
	return func(provider.Config) (provider.Result, error) {
		return provider.Result{}, err
	}
}

type testEnv struct {
	store  *store.SQLite
	blobs  blob.LocalFS
	driver *Driver
	job    model.Job
}

func newTestEnv(t *testing.T, spans [][2]float64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	blobs := blob.LocalFS{Root: dir}

	ctx := context.Background()
	now := time.Now().UTC()
	job := model.Job{
		ID: "j1", CreatedAt: now, UpdatedAt: now,
		Status: model.JobPending, OriginalFilename: "a.mp3",
		Provider: "scripted", Language: "en",
	}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := st.TransitionJob(ctx, "j1", model.JobProcessing, model.JobPending); err != nil {
		t.Fatal(err)
	}
	job.Status = model.JobProcessing

	var chunks []model.Chunk
	for i, span := range spans {
		key, err := blobs.Put(blob.ChunkKey("j1", i), strings.NewReader("fake-wav-bytes"))
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, model.Chunk{
			JobID: "j1", Index: i, Status: model.ChunkPending,
			StartTime: span[0], EndTime: span[1], BlobKey: key,
		})
	}
	if err := st.CreateChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	d := New(st, blobs, zap.NewNop().Sugar(), Options{
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      5 * time.Millisecond,
		ProviderTimeout: time.Second,
		GapThreshold:    15,
		ContextSegments: 3,
	})
	return &testEnv{store: st, blobs: blobs, driver: d, job: job}
}

func (e *testEnv) chunks(t *testing.T) []model.Chunk {
	t.Helper()
	chunks, err := e.store.ListChunks(context.Background(), e.job.ID)
	if err != nil {
		t.Fatal(err)
	}
	return chunks
}

func TestRunCarriesContextBetweenChunks(t *testing.T) {
	env := newTestEnv(t, [][2]float64{{0, 300}, {290, 600}})
	tr := &scriptedTranscriber{script: []scriptedCall{
		segmentsResult(
			model.Segment{Start: 0.5, End: 150, Text: "opening remarks"},
			model.Segment{Start: 150, End: 299, Text: "closing remarks"},
		),
		segmentsResult(model.Segment{Start: 0.3, End: 309, Text: "second chunk"}),
	}}

	if err := env.driver.Run(context.Background(), &env.job, env.chunks(t), tr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.calls) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(tr.calls))
	}
	if tr.calls[0].ContextText != "" {
		t.Fatalf("first chunk must not carry context, got %q", tr.calls[0].ContextText)
	}
	if !strings.Contains(tr.calls[1].ContextText, "closing remarks") {
		t.Fatalf("second chunk missing previous tail: %q", tr.calls[1].ContextText)
	}
	if tr.calls[1].ChunkIndex != 1 || tr.calls[1].ChunkDuration != 310 {
		t.Fatalf("wrong chunk envelope: %+v", tr.calls[1])
	}

	for _, c := range env.chunks(t) {
		if c.Status != model.ChunkCompleted {
			t.Errorf("chunk %d not completed: %s", c.Index, c.Status)
		}
	}
	job, _ := env.store.GetJob(context.Background(), "j1")
	if job.CompletedChunks != 2 {
		t.Fatalf("progress counter = %d", job.CompletedChunks)
	}
}

func TestCoverageRetryUsesBetterResult(t *testing.T) {
	env := newTestEnv(t, [][2]float64{{0, 40}})
	tr := &scriptedTranscriber{script: []scriptedCall{
		segmentsResult(model.Segment{Start: 34.5, End: 39, Text: "late start"}),
		segmentsResult(model.Segment{Start: 0.2, End: 39.8, Text: "full coverage"}),
	}}

	if err := env.driver.Run(context.Background(), &env.job, env.chunks(t), tr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.calls) != 2 {
		t.Fatalf("expected a coverage retry, got %d calls", len(tr.calls))
	}
	got := env.chunks(t)[0]
	if len(got.Segments) != 1 || got.Segments[0].Start != 0.2 {
		t.Fatalf("expected the well-covered result to win, got %+v", got.Segments)
	}
}

func TestCoverageRetriesKeepBest(t *testing.T) {
	env := newTestEnv(t, [][2]float64{{0, 40}})
	tr := &scriptedTranscriber{script: []scriptedCall{
		segmentsResult(model.Segment{Start: 30, End: 39, Text: "worst"}),
		segmentsResult(model.Segment{Start: 20, End: 39, Text: "best"}),
		segmentsResult(model.Segment{Start: 25, End: 39, Text: "middle"}),
	}}

	if err := env.driver.Run(context.Background(), &env.job, env.chunks(t), tr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.calls) != 3 {
		t.Fatalf("expected 3 calls (initial plus 2 coverage retries), got %d", len(tr.calls))
	}
	got := env.chunks(t)[0]
	if got.Segments[0].Text != "best" {
		t.Fatalf("expected the smallest-gap result, got %+v", got.Segments)
	}
}

func TestCancellationStopsRun(t *testing.T) {
	env := newTestEnv(t, [][2]float64{{0, 40}})
	ctx := context.Background()
	if _, err := env.store.TransitionJob(ctx, "j1", model.JobCancelled, model.JobProcessing); err != nil {
		t.Fatal(err)
	}
	tr := &scriptedTranscriber{script: []scriptedCall{
		segmentsResult(model.Segment{Start: 0, End: 40, Text: "never used"}),
	}}

	err := env.driver.Run(ctx, &env.job, env.chunks(t), tr)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(tr.calls) != 0 {
		t.Fatalf("provider was called after cancellation")
	}
	if got := env.chunks(t)[0]; got.Status != model.ChunkPending {
		t.Fatalf("cancelled run mutated chunk state: %s", got.Status)
	}
}

func TestNonRetryableFailsFast(t *testing.T) {
	env := newTestEnv(t, [][2]float64{{0, 40}})
	tr := &scriptedTranscriber{script: []scriptedCall{
		errorResult(&provider.Error{Kind: provider.KindAuthError, Provider: "scripted", Message: "bad key"}),
	}}

	err := env.driver.Run(context.Background(), &env.job, env.chunks(t), tr)
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(tr.calls) != 1 {
		t.Fatalf("non-retryable errors must not be retried, got %d calls", len(tr.calls))
	}
	got := env.chunks(t)[0]
	if got.Status != model.ChunkFailed || got.LastError == "" {
		t.Fatalf("failure not recorded: %+v", got)
	}
}

func TestTransientErrorIsRetried(t *testing.T) {
	env := newTestEnv(t, [][2]float64{{0, 40}})
	tr := &scriptedTranscriber{script: []scriptedCall{
		errorResult(&provider.Error{Kind: provider.KindRateLimited, Provider: "scripted", Message: "http 429"}),
		segmentsResult(model.Segment{Start: 0.1, End: 39.9, Text: "recovered"}),
	}}

	if err := env.driver.Run(context.Background(), &env.job, env.chunks(t), tr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.calls) != 2 {
		t.Fatalf("expected a retry after the transient error, got %d calls", len(tr.calls))
	}
	if got := env.chunks(t)[0]; got.Status != model.ChunkCompleted {
		t.Fatalf("chunk not completed after recovery: %s", got.Status)
	}
}

func TestRetriesExhausted(t *testing.T) {
	env := newTestEnv(t, [][2]float64{{0, 40}})
	tr := &scriptedTranscriber{script: []scriptedCall{
		errorResult(&provider.Error{Kind: provider.KindProviderUnavailable, Provider: "scripted", Message: "http 503"}),
	}}

	err := env.driver.Run(context.Background(), &env.job, env.chunks(t), tr)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if len(tr.calls) != 3 {
		t.Fatalf("expected MaxAttempts calls, got %d", len(tr.calls))
	}
	if got := env.chunks(t)[0]; got.Status != model.ChunkFailed {
		t.Fatalf("chunk should be failed: %s", got.Status)
	}
}

func TestRunSkipsCompletedChunks(t *testing.T) {
	env := newTestEnv(t, [][2]float64{{0, 300}, {290, 600}})
	ctx := context.Background()
	done := []model.Segment{{Start: 1, End: 299, Text: "already done"}}
	if err := env.store.CompleteChunk(ctx, "j1", 0, done, model.ChunkMetadata{}); err != nil {
		t.Fatal(err)
	}
	tr := &scriptedTranscriber{script: []scriptedCall{
		segmentsResult(model.Segment{Start: 0.5, End: 309, Text: "second"}),
	}}

	if err := env.driver.Run(ctx, &env.job, env.chunks(t), tr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.calls) != 1 {
		t.Fatalf("completed chunk was re-transcribed, %d calls", len(tr.calls))
	}
	if !strings.Contains(tr.calls[0].ContextText, "already done") {
		t.Fatalf("context must come from the completed chunk: %q", tr.calls[0].ContextText)
	}
}
