// Package driver executes the transcription of a job's chunks one at a time,
// handling provider retries, coverage validation, and cancellation.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/stt-service/internal/blob"
	"github.com/example/stt-service/internal/model"
	"github.com/example/stt-service/internal/provider"
	"github.com/example/stt-service/internal/store"
)

// ErrCancelled reports that the job was cancelled while its chunks were being
// processed. Completed chunk results are kept; the driver simply stops.
var ErrCancelled = errors.New("job cancelled")

// coverageRetries is how many extra provider calls a chunk gets when the
// transcript leaves a large uncovered gap at either edge. These are separate
// from transient-error retries: the call succeeded, the result is just
// suspect.
const coverageRetries = 2

// Options carries the tunables the driver reads from configuration.
type Options struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ProviderTimeout time.Duration
	GapThreshold    float64       // seconds of uncovered audio at a chunk edge that triggers a retry
	ContextSegments int           // trailing segments of the previous chunk passed as context
}

// Driver runs a job's chunks sequentially against one provider.
type Driver struct {
	store *store.SQLite
	blobs blob.LocalFS
	log   *zap.SugaredLogger
	opts  Options
}

func New(st *store.SQLite, blobs blob.LocalFS, log *zap.SugaredLogger, opts Options) *Driver {
	return &Driver{store: st, blobs: blobs, log: log, opts: opts}
}

// Run processes every non-completed chunk of the job in index order. Chunks
// within a job are sequential so each chunk can carry the previous chunk's
// trailing text as context. Returns ErrCancelled if the job is cancelled
// mid-flight, or the first non-recoverable chunk error.
func (d *Driver) Run(ctx context.Context, job *model.Job, chunks []model.Chunk, t provider.Transcriber) error {
	var prevSegments []model.Segment
	for i := range chunks {
		chunk := &chunks[i]
		if chunk.Status == model.ChunkCompleted {
			prevSegments = chunk.Segments
			continue
		}

		if err := d.probeCancellation(ctx, job.ID); err != nil {
			return err
		}

		result, err := d.processChunk(ctx, job, chunk, t, contextText(prevSegments, d.opts.ContextSegments))
		if err != nil {
			if ferr := d.store.FailChunk(ctx, job.ID, chunk.Index, err.Error()); ferr != nil {
				d.log.Errorw("record chunk failure", "job_id", job.ID, "chunk", chunk.Index, "error", ferr)
			}
			return err
		}

		chunk.Segments = result.Segments
		chunk.Metadata = result.Metadata
		chunk.Status = model.ChunkCompleted
		if err := d.store.CompleteChunk(ctx, job.ID, chunk.Index, result.Segments, result.Metadata); err != nil {
			return fmt.Errorf("persist chunk %d: %w", chunk.Index, err)
		}
		if err := d.store.IncrementCompletedChunks(ctx, job.ID); err != nil {
			d.log.Errorw("update progress", "job_id", job.ID, "error", err)
		}
		prevSegments = result.Segments
	}
	return nil
}

// processChunk transcribes one chunk, retrying transient provider faults with
// exponential backoff and re-requesting on poor coverage.
func (d *Driver) processChunk(ctx context.Context, job *model.Job, chunk *model.Chunk, t provider.Transcriber, prevText string) (provider.Result, error) {
	if err := d.store.MarkChunkProcessing(ctx, job.ID, chunk.Index); err != nil {
		return provider.Result{}, err
	}

	rc, err := d.blobs.Open(chunk.BlobKey)
	if err != nil {
		return provider.Result{}, fmt.Errorf("open chunk audio: %w", err)
	}
	audio, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return provider.Result{}, fmt.Errorf("read chunk audio: %w", err)
	}

	cfg := provider.Config{
		Language:      job.Language,
		Prompt:        job.Prompt,
		ContextText:   prevText,
		ChunkIndex:    chunk.Index,
		ChunkDuration: chunk.Duration(),
	}

	var best provider.Result
	bestGap := math.Inf(1)
	haveBest := false

	covAttempts := 0
	for attempt := 0; attempt < d.opts.MaxAttempts; attempt++ {
		result, err := d.transcribeOnce(ctx, t, audio, cfg)
		if err != nil {
			code, _ := provider.Classify(err)
			if !provider.Kind(code).Retryable() || attempt == d.opts.MaxAttempts-1 {
				return provider.Result{}, err
			}
			d.log.Warnw("chunk attempt failed",
				"job_id", job.ID, "chunk", chunk.Index,
				"attempt", attempt+1, "code", code, "error", err)
			if err := d.sleepBackoff(ctx, job.ID, attempt); err != nil {
				return provider.Result{}, err
			}
			continue
		}

		gap := maxEdgeGap(result.Segments, chunk.Duration())
		if gap < bestGap {
			best = result
			bestGap = gap
			haveBest = true
		}
		if gap <= d.opts.GapThreshold || covAttempts >= coverageRetries {
			return best, nil
		}
		covAttempts++
		d.log.Warnw("chunk coverage gap, retrying",
			"job_id", job.ID, "chunk", chunk.Index,
			"gap_seconds", gap, "coverage_attempt", covAttempts)
		if err := d.probeCancellation(ctx, job.ID); err != nil {
			return provider.Result{}, err
		}
		// A coverage retry does not consume a transient attempt.
		attempt--
	}
	if haveBest {
		return best, nil
	}
	return provider.Result{}, fmt.Errorf("chunk %d: attempts exhausted", chunk.Index)
}

func (d *Driver) transcribeOnce(ctx context.Context, t provider.Transcriber, audio []byte, cfg provider.Config) (provider.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.ProviderTimeout)
	defer cancel()
	return t.Transcribe(callCtx, audio, cfg)
}

// probeCancellation re-reads the job row so an external cancel takes effect
// between provider calls, not only at job boundaries.
func (d *Driver) probeCancellation(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobCancelled {
		return ErrCancelled
	}
	return nil
}

// sleepBackoff waits base*2^attempt with jitter, capped, and aborts early on
// context cancellation or job cancellation.
func (d *Driver) sleepBackoff(ctx context.Context, jobID string, attempt int) error {
	if err := d.probeCancellation(ctx, jobID); err != nil {
		return err
	}
	delay := d.opts.BackoffBase << uint(attempt)
	if delay > d.opts.BackoffCap {
		delay = d.opts.BackoffCap
	}
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// maxEdgeGap measures the larger of the uncovered spans at the start and end
// of a chunk transcript. An empty transcript counts as fully uncovered.
func maxEdgeGap(segments []model.Segment, duration float64) float64 {
	if len(segments) == 0 {
		return duration
	}
	startGap := segments[0].Start
	endGap := duration - segments[len(segments)-1].End
	if endGap < 0 {
		endGap = 0
	}
	return math.Max(startGap, endGap)
}

// contextText joins the trailing n segments of the previous chunk.
func contextText(segments []model.Segment, n int) string {
	if len(segments) == 0 || n <= 0 {
		return ""
	}
	if len(segments) > n {
		segments = segments[len(segments)-n:]
	}
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	return strings.Join(parts, " ")
}
