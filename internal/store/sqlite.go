package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/stt-service/internal/model"
)

// SQLite is the single shared mutable authority: all worker updates to job
// and chunk rows go through it, row-scoped.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  completed_at INTEGER,
  status TEXT NOT NULL,
  original_filename TEXT NOT NULL,
  file_size_bytes INTEGER NOT NULL DEFAULT 0,
  audio_format TEXT,
  duration_seconds REAL,
  provider TEXT NOT NULL,
  language TEXT NOT NULL,
  prompt TEXT,
  webhook_url TEXT,
  original_key TEXT,
  result_key TEXT,
  total_chunks INTEGER NOT NULL DEFAULT 0,
  completed_chunks INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  error_code TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS chunks (
  job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  chunk_index INTEGER NOT NULL,
  status TEXT NOT NULL,
  start_time REAL NOT NULL,
  end_time REAL NOT NULL,
  blob_key TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  segments_json TEXT,
  metadata_json TEXT,
  processed_at INTEGER,
  PRIMARY KEY (job_id, chunk_index)
);
`); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, updated_at, status, original_filename, file_size_bytes,
                       provider, language, prompt, webhook_url, original_key)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		string(job.Status),
		job.OriginalFilename,
		job.FileSizeBytes,
		job.Provider,
		job.Language,
		job.Prompt,
		job.WebhookURL,
		job.OriginalKey,
	)
	return err
}

const jobColumns = `id, created_at, updated_at, completed_at, status, original_filename,
  file_size_bytes, audio_format, duration_seconds, provider, language, prompt,
  webhook_url, original_key, result_key, total_chunks, completed_chunks,
  error_message, error_code`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var job model.Job
	var createdMs, updatedMs int64
	var completedMs sql.NullInt64
	var status string
	var audioFormat, prompt, webhook sql.NullString
	var durationSeconds sql.NullFloat64
	var originalKey, resultKey sql.NullString
	var errorMessage, errorCode sql.NullString
	err := row.Scan(
		&job.ID, &createdMs, &updatedMs, &completedMs, &status, &job.OriginalFilename,
		&job.FileSizeBytes, &audioFormat, &durationSeconds, &job.Provider, &job.Language, &prompt,
		&webhook, &originalKey, &resultKey, &job.TotalChunks, &job.CompletedChunks,
		&errorMessage, &errorCode,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		return model.Job{}, err
	}
	job.CreatedAt = time.UnixMilli(createdMs)
	job.UpdatedAt = time.UnixMilli(updatedMs)
	if completedMs.Valid {
		job.CompletedAt = time.UnixMilli(completedMs.Int64)
	}
	job.Status = model.JobStatus(status)
	job.AudioFormat = audioFormat.String
	job.DurationSeconds = durationSeconds.Float64
	job.Prompt = prompt.String
	job.WebhookURL = webhook.String
	job.OriginalKey = originalKey.String
	job.ResultKey = resultKey.String
	job.ErrorMessage = errorMessage.String
	job.ErrorCode = errorCode.String
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListRunnable returns jobs the worker pool should pick up, oldest first.
// Used at boot to requeue work that survived a restart.
func (s *SQLite) ListRunnable(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		string(model.JobPending), string(model.JobUploaded), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	now := time.Now().UnixMilli()
	var completedMs any
	if patch.CompletedAt != nil {
		completedMs = patch.CompletedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET updated_at = ?,
             status = COALESCE(?, status),
             duration_seconds = COALESCE(?, duration_seconds),
             audio_format = COALESCE(?, audio_format),
             original_key = COALESCE(?, original_key),
             result_key = COALESCE(?, result_key),
             total_chunks = COALESCE(?, total_chunks),
             error_message = COALESCE(?, error_message),
             error_code = COALESCE(?, error_code),
             completed_at = COALESCE(?, completed_at)
         WHERE id = ?`,
		now,
		nullableString(patch.Status),
		nullableFloat64(patch.DurationSeconds),
		nullableString(patch.AudioFormat),
		nullableString(patch.OriginalKey),
		nullableString(patch.ResultKey),
		nullableInt(patch.TotalChunks),
		nullableString(patch.ErrorMessage),
		nullableString(patch.ErrorCode),
		completedMs,
		id,
	)
	return err
}

// TransitionJob moves a job from one of the expected statuses to the target
// status in a single guarded UPDATE. It returns false when the job was not in
// an expected status, which also protects terminal statuses from being left.
func (s *SQLite) TransitionJob(ctx context.Context, id string, to model.JobStatus, from ...model.JobStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("store: transition requires at least one expected status")
	}
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?` +
		repeat(", ?", len(from)-1) + `)`
	args := []any{string(to), time.Now().UnixMilli(), id}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailJob marks a job failed with a classified error code unless it already
// reached a terminal status.
func (s *SQLite) FailJob(ctx context.Context, id, errorCode, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(model.JobFailed), errorCode, errorMessage,
		time.Now().UnixMilli(), time.Now().UnixMilli(),
		id,
		string(model.JobCompleted), string(model.JobFailed), string(model.JobCancelled),
	)
	return err
}

// ResetJobForRetry clears a failed job back to pending and deletes its chunk
// rows. Providers may have changed since the failure, so the retry restarts
// from chunk 0.
func (s *SQLite) ResetJobForRetry(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = NULL, error_code = NULL,
         completed_at = NULL, result_key = NULL, total_chunks = 0, completed_chunks = 0,
         updated_at = ?
         WHERE id = ? AND status = ?`,
		string(model.JobPending), time.Now().UnixMilli(), id, string(model.JobFailed),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: job %s is not failed: %w", id, model.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE job_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkStaleJobs fails jobs stuck in processing or uploaded longer than maxAge.
// Run at orchestrator start-up so crashed workers do not leave zombies.
func (s *SQLite) MarkStaleJobs(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_code = ?, error_message = ?, updated_at = ?
         WHERE status IN (?, ?) AND updated_at < ?`,
		string(model.JobFailed), "timeout", "job abandoned by a previous worker",
		time.Now().UnixMilli(),
		string(model.JobProcessing), string(model.JobUploaded), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListExpiredJobs returns terminal jobs last updated before the cutoff.
func (s *SQLite) ListExpiredJobs(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(model.JobCompleted), string(model.JobFailed), string(model.JobCancelled),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DeleteJob removes a job row; chunk rows cascade.
func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SQLite) IncrementCompletedChunks(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET completed_chunks = completed_chunks + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), jobID,
	)
	return err
}

func (s *SQLite) CreateChunks(ctx context.Context, chunks []model.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (job_id, chunk_index, status, start_time, end_time, blob_key)
         VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.JobID, c.Index, string(model.ChunkPending),
			c.StartTime, c.EndTime, c.BlobKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetChunk(ctx context.Context, jobID string, index int) (model.Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, chunk_index, status, start_time, end_time, blob_key,
            attempt_count, last_error, segments_json, metadata_json, processed_at
         FROM chunks WHERE job_id = ? AND chunk_index = ?`, jobID, index)
	return scanChunk(row)
}

func (s *SQLite) ListChunks(ctx context.Context, jobID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, chunk_index, status, start_time, end_time, blob_key,
            attempt_count, last_error, segments_json, metadata_json, processed_at
         FROM chunks WHERE job_id = ? ORDER BY chunk_index ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(row rowScanner) (model.Chunk, error) {
	var c model.Chunk
	var status string
	var blobKey, lastError, segmentsJSON, metadataJSON sql.NullString
	var processedMs sql.NullInt64
	err := row.Scan(&c.JobID, &c.Index, &status, &c.StartTime, &c.EndTime, &blobKey,
		&c.AttemptCount, &lastError, &segmentsJSON, &metadataJSON, &processedMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Chunk{}, model.ErrNotFound
		}
		return model.Chunk{}, err
	}
	c.Status = model.ChunkStatus(status)
	c.BlobKey = blobKey.String
	c.LastError = lastError.String
	if segmentsJSON.Valid && segmentsJSON.String != "" {
		if err := json.Unmarshal([]byte(segmentsJSON.String), &c.Segments); err != nil {
			return model.Chunk{}, fmt.Errorf("store: decode chunk segments: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
			return model.Chunk{}, fmt.Errorf("store: decode chunk metadata: %w", err)
		}
	}
	if processedMs.Valid {
		c.ProcessedAt = time.UnixMilli(processedMs.Int64)
	}
	return c, nil
}

// MarkChunkProcessing transitions a chunk to processing and counts the attempt.
func (s *SQLite) MarkChunkProcessing(ctx context.Context, jobID string, index int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, attempt_count = attempt_count + 1
         WHERE job_id = ? AND chunk_index = ? AND status IN (?, ?)`,
		string(model.ChunkProcessing), jobID, index,
		string(model.ChunkPending), string(model.ChunkProcessing),
	)
	return err
}

// CompleteChunk stores segments and metadata and marks the chunk completed.
func (s *SQLite) CompleteChunk(ctx context.Context, jobID string, index int, segments []model.Segment, meta model.ChunkMetadata) error {
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, segments_json = ?, metadata_json = ?, last_error = NULL, processed_at = ?
         WHERE job_id = ? AND chunk_index = ?`,
		string(model.ChunkCompleted), string(segJSON), string(metaJSON),
		time.Now().UnixMilli(), jobID, index,
	)
	return err
}

func (s *SQLite) FailChunk(ctx context.Context, jobID string, index int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET status = ?, last_error = ? WHERE job_id = ? AND chunk_index = ?`,
		string(model.ChunkFailed), lastError, jobID, index,
	)
	return err
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
