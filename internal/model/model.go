package model

import (
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobUploaded   JobStatus = "uploaded"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a status is sticky: completed, failed, and
// cancelled jobs never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ChunkStatus is the lifecycle state of a single audio chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

var ErrNotFound = errors.New("not found")

// Job is one transcription job record in the store.
//
// - OriginalKey/ResultKey are relative keys in the blob store.
// - DurationSeconds is measured from the normalized WAV, not the upload's headers.
// - ErrorCode is set only when Status is failed.
type Job struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	CompletedAt      time.Time `json:"completedAt,omitempty"`
	Status           JobStatus `json:"status"`
	OriginalFilename string    `json:"originalFilename"`
	FileSizeBytes    int64     `json:"fileSizeBytes"`
	AudioFormat      string    `json:"audioFormat,omitempty"`
	DurationSeconds  float64   `json:"durationSeconds,omitempty"`
	Provider         string    `json:"provider"`
	Language         string    `json:"language"`
	Prompt           string    `json:"prompt,omitempty"`
	WebhookURL       string    `json:"webhookUrl,omitempty"`
	OriginalKey      string    `json:"originalKey,omitempty"`
	ResultKey        string    `json:"resultKey,omitempty"`
	TotalChunks      int       `json:"totalChunks"`
	CompletedChunks  int       `json:"completedChunks"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	ErrorCode        string    `json:"errorCode,omitempty"`
}

// JobPatch is used for partial updates.
type JobPatch struct {
	Status          *string
	DurationSeconds *float64
	AudioFormat     *string
	OriginalKey     *string
	ResultKey       *string
	TotalChunks     *int
	ErrorMessage    *string
	ErrorCode       *string
	CompletedAt     *time.Time
}

// Chunk is one audio slice of a job, identified by (JobID, Index).
// StartTime/EndTime are absolute offsets into the source audio in seconds.
type Chunk struct {
	JobID        string        `json:"jobId"`
	Index        int           `json:"index"`
	Status       ChunkStatus   `json:"status"`
	StartTime    float64       `json:"startTime"`
	EndTime      float64       `json:"endTime"`
	BlobKey      string        `json:"blobKey,omitempty"`
	AttemptCount int           `json:"attemptCount"`
	LastError    string        `json:"lastError,omitempty"`
	Segments     []Segment     `json:"segments,omitempty"`
	Metadata     ChunkMetadata `json:"metadata,omitempty"`
	ProcessedAt  time.Time     `json:"processedAt,omitempty"`
}

// Duration returns the chunk length in seconds.
func (c Chunk) Duration() float64 { return c.EndTime - c.StartTime }

// Segment is one transcribed span. Inside a chunk result the timestamps are
// chunk-local; in the final transcript they are absolute.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// ChunkMetadata carries provider-reported accounting for one chunk call.
type ChunkMetadata struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	LatencyMS    int64  `json:"latencyMs,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	RawResponse  string `json:"rawResponse,omitempty"`
}

// Transcript is the final merged artifact persisted as a single JSON blob at
// jobs/{id}/result/transcript.json.
type Transcript struct {
	JobID                 string         `json:"job_id"`
	DurationSeconds       float64        `json:"duration_seconds"`
	ProviderUsed          string         `json:"provider_used"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds"`
	ChunksProcessed       int            `json:"chunks_processed"`
	Transcript            TranscriptBody `json:"transcript"`
}

// TranscriptBody holds the merged text and ordered absolute-time segments.
type TranscriptBody struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}
