// Package worker runs the transcription pipeline: it claims queued jobs,
// normalizes and chunks their audio, drives the provider calls, and persists
// the merged transcript.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/stt-service/internal/blob"
	"github.com/example/stt-service/internal/chunker"
	"github.com/example/stt-service/internal/config"
	"github.com/example/stt-service/internal/driver"
	"github.com/example/stt-service/internal/media"
	"github.com/example/stt-service/internal/merger"
	"github.com/example/stt-service/internal/model"
	"github.com/example/stt-service/internal/provider"
	"github.com/example/stt-service/internal/store"
)

const (
	queueDepth   = 1024
	pollInterval = 30 * time.Second
	webhookWait  = 10 * time.Second
)

// Pool runs a fixed number of workers over a job queue. Jobs run in parallel
// across workers; chunks within a job run sequentially so each chunk can see
// the previous chunk's trailing text.
type Pool struct {
	cfg      config.Config
	store    *store.SQLite
	blobs    blob.LocalFS
	proc     *media.Processor
	chunker  *chunker.Chunker
	driver   *driver.Driver
	merger   *merger.Merger
	registry *provider.Registry
	log      *zap.SugaredLogger

	queue  chan string
	client *http.Client
	wg     sync.WaitGroup
}

func NewPool(cfg config.Config, st *store.SQLite, blobs blob.LocalFS, proc *media.Processor, reg *provider.Registry, log *zap.SugaredLogger) *Pool {
	return &Pool{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		proc:    proc,
		chunker: chunker.New(proc, blobs, cfg.MaxChunkDuration.Seconds(), cfg.OverlapDuration.Seconds(), cfg.SilenceThreshold, cfg.MinSilence.Seconds()),
		driver: driver.New(st, blobs, log, driver.Options{
			MaxAttempts:     cfg.MaxAttempts,
			BackoffBase:     cfg.BackoffBase,
			BackoffCap:      cfg.BackoffCap,
			ProviderTimeout: cfg.ProviderTimeout,
			GapThreshold:    cfg.CoverageGapThreshold.Seconds(),
			ContextSegments: cfg.ContextSegments,
		}),
		merger:   merger.New(cfg.SimilarityThreshold, cfg.CoverageGapThreshold.Seconds(), log),
		registry: reg,
		log:      log,
		queue:    make(chan string, queueDepth),
		client:   &http.Client{Timeout: webhookWait},
	}
}

// Start sweeps stale jobs, requeues work that survived a restart, and launches
// the worker goroutines. It returns immediately; Wait blocks until workers
// drain after ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	if n, err := p.store.MarkStaleJobs(ctx, p.cfg.StaleJobAfter); err != nil {
		p.log.Errorw("stale job sweep", "error", err)
	} else if n > 0 {
		p.log.Infow("failed stale jobs from a previous run", "count", n)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}

	p.wg.Add(1)
	go p.pollRunnable(ctx)

	if p.cfg.RetentionDays > 0 {
		p.wg.Add(1)
		go p.cleanupExpired(ctx)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }

// Enqueue hands a job to the pool. A full queue is not an error: the runnable
// poller will pick the job up from the store.
func (p *Pool) Enqueue(jobID string) {
	select {
	case p.queue <- jobID:
	default:
		p.log.Warnw("job queue full, deferring to poller", "job_id", jobID)
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			p.runJob(ctx, jobID)
		}
	}
}

// pollRunnable periodically requeues pending and uploaded jobs. This covers
// dropped enqueues and jobs created by a previous process; the guarded
// transition in runJob keeps a job from running twice.
func (p *Pool) pollRunnable(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		jobs, err := p.store.ListRunnable(ctx, queueDepth)
		if err != nil {
			p.log.Errorw("list runnable jobs", "error", err)
		}
		for _, job := range jobs {
			p.Enqueue(job.ID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) cleanupExpired(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		cutoff := time.Now().AddDate(0, 0, -p.cfg.RetentionDays)
		jobs, err := p.store.ListExpiredJobs(ctx, cutoff)
		if err != nil {
			p.log.Errorw("list expired jobs", "error", err)
		}
		for _, job := range jobs {
			if err := p.blobs.DeleteJob(job.ID); err != nil {
				p.log.Errorw("delete expired blobs", "job_id", job.ID, "error", err)
				continue
			}
			if err := p.store.DeleteJob(ctx, job.ID); err != nil {
				p.log.Errorw("delete expired job", "job_id", job.ID, "error", err)
				continue
			}
			p.log.Infow("deleted expired job", "job_id", job.ID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runJob claims the job and walks it through the pipeline, recording the
// terminal status.
func (p *Pool) runJob(ctx context.Context, jobID string) {
	claimed, err := p.store.TransitionJob(ctx, jobID, model.JobProcessing, model.JobPending, model.JobUploaded)
	if err != nil {
		p.log.Errorw("claim job", "job_id", jobID, "error", err)
		return
	}
	if !claimed {
		return
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.log.Errorw("load job", "job_id", jobID, "error", err)
		return
	}

	started := time.Now()
	p.log.Infow("job started", "job_id", job.ID, "provider", job.Provider, "file", job.OriginalFilename)

	err = p.process(ctx, &job, started)
	switch {
	case err == nil:
		p.log.Infow("job completed", "job_id", job.ID,
			"duration_seconds", job.DurationSeconds,
			"processing_seconds", time.Since(started).Seconds())
		p.notify(ctx, job.ID, job.WebhookURL, model.JobCompleted, "", "")
	case errors.Is(err, driver.ErrCancelled) || errors.Is(err, context.Canceled):
		p.log.Infow("job cancelled", "job_id", job.ID)
	default:
		code, message := provider.Classify(err)
		p.log.Errorw("job failed", "job_id", job.ID, "code", code, "error", err)
		if ferr := p.store.FailJob(ctx, job.ID, code, message); ferr != nil {
			p.log.Errorw("record job failure", "job_id", job.ID, "error", ferr)
		}
		p.notify(ctx, job.ID, job.WebhookURL, model.JobFailed, code, message)
	}
}

func (p *Pool) process(ctx context.Context, job *model.Job, started time.Time) error {
	workDir, err := os.MkdirTemp("", "stt-job-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	originalPath := filepath.Join(workDir, filepath.Base(job.OriginalFilename))
	if err := p.blobs.Download(job.OriginalKey, originalPath); err != nil {
		return fmt.Errorf("download original: %w", err)
	}

	wavPath := filepath.Join(workDir, "normalized.wav")
	if err := p.proc.Normalize(ctx, originalPath, wavPath); err != nil {
		return err
	}
	duration, err := p.proc.Duration(ctx, wavPath)
	if err != nil {
		return err
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(job.OriginalFilename)), ".")
	if err := p.store.UpdateJob(ctx, job.ID, model.JobPatch{
		DurationSeconds: &duration,
		AudioFormat:     &format,
	}); err != nil {
		return fmt.Errorf("record duration: %w", err)
	}
	job.DurationSeconds = duration

	chunks, err := p.store.ListChunks(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		chunks, err = p.chunker.Chunk(ctx, job.ID, wavPath, duration, workDir)
		if err != nil {
			return fmt.Errorf("chunk audio: %w", err)
		}
		if err := p.store.CreateChunks(ctx, chunks); err != nil {
			return fmt.Errorf("persist chunks: %w", err)
		}
		total := len(chunks)
		if err := p.store.UpdateJob(ctx, job.ID, model.JobPatch{TotalChunks: &total}); err != nil {
			return fmt.Errorf("record chunk count: %w", err)
		}
	}
	p.log.Infow("audio chunked", "job_id", job.ID, "duration_seconds", duration, "chunks", len(chunks))

	transcriber, err := p.registry.New(job.Provider)
	if err != nil {
		return err
	}
	if err := p.driver.Run(ctx, job, chunks, transcriber); err != nil {
		return err
	}

	body, warnings := p.merger.Merge(chunks)
	for _, w := range warnings {
		p.log.Warnw("transcript coverage warning", "job_id", job.ID, "warning", w)
	}

	transcript := model.Transcript{
		JobID:                 job.ID,
		DurationSeconds:       duration,
		ProviderUsed:          transcriber.Name(),
		ProcessingTimeSeconds: time.Since(started).Seconds(),
		ChunksProcessed:       len(chunks),
		Transcript:            body,
	}
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	resultKey, err := p.blobs.Put(blob.ResultKey(job.ID), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}

	// The completion transition is guarded so a cancel that lands during the
	// merge wins; in that case the transcript blob is simply left unused.
	done, err := p.store.TransitionJob(ctx, job.ID, model.JobCompleted, model.JobProcessing)
	if err != nil {
		return err
	}
	if !done {
		return driver.ErrCancelled
	}
	now := time.Now()
	return p.store.UpdateJob(ctx, job.ID, model.JobPatch{
		ResultKey:   &resultKey,
		CompletedAt: &now,
	})
}

// notify POSTs a terminal-status event to the job's webhook. Delivery is best
// effort: one retry, failures logged, job state never affected.
func (p *Pool) notify(ctx context.Context, jobID, url string, status model.JobStatus, errorCode, errorMessage string) {
	if url == "" {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"job_id":        jobID,
		"status":        string(status),
		"error_code":    errorCode,
		"error_message": errorMessage,
	})
	if err != nil {
		return
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if lastErr = p.postWebhook(ctx, url, payload); lastErr == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	p.log.Warnw("webhook delivery failed", "job_id", jobID, "url", url, "error", lastErr)
}

func (p *Pool) postWebhook(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected with status %d", resp.StatusCode)
	}
	return nil
}
