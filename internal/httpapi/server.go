package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/stt-service/internal/blob"
	"github.com/example/stt-service/internal/media"
	"github.com/example/stt-service/internal/model"
	"github.com/example/stt-service/internal/provider"
	"github.com/example/stt-service/internal/store"
)

const maxUploadBytes = 500 << 20

// Enqueuer hands accepted jobs to the worker pool.
type Enqueuer interface {
	Enqueue(jobID string)
}

type Server struct {
	Blobs     blob.LocalFS
	Jobs      *store.SQLite
	Queue     Enqueuer
	Providers *provider.Registry
	BaseURL   string // optional, for generating absolute result URLs
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/progress", s.handleGetProgress)
		r.Get("/jobs/{id}/result", s.handleGetResult)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Get("/providers", s.handleListProviders)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'file' upload: %w", err))
		return
	}
	defer file.Close()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	if !media.IsSupported(ext) {
		writeErr(w, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported file extension %q", ext))
		return
	}

	providerName := strings.ToLower(strings.TrimSpace(r.FormValue("provider")))
	if providerName == "" {
		providerName = "gemini"
	}
	if _, err := s.Providers.New(providerName); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	language := strings.TrimSpace(r.FormValue("language"))
	if language == "" {
		language = "en"
	}
	webhookURL := strings.TrimSpace(r.FormValue("webhook_url"))
	if webhookURL != "" {
		u, err := url.Parse(webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid webhook_url"))
			return
		}
	}

	id := uuid.NewString()
	originalKey, err := s.Blobs.Put(blob.OriginalKey(id, header.Filename), file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("store upload: %w", err))
		return
	}

	now := time.Now().UTC()
	job := model.Job{
		ID:               id,
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           model.JobPending,
		OriginalFilename: filepath.Base(header.Filename),
		FileSizeBytes:    header.Size,
		Provider:         providerName,
		Language:         language,
		Prompt:           r.FormValue("prompt"),
		WebhookURL:       webhookURL,
		OriginalKey:      originalKey,
	}
	if err := s.Jobs.CreateJob(ctx, job); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("create job: %w", err))
		return
	}
	if _, err := s.Jobs.TransitionJob(ctx, id, model.JobUploaded, model.JobPending); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.Queue.Enqueue(id)

	writeJSON(w, http.StatusCreated, map[string]any{"jobId": id, "status": model.JobUploaded})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}

	writeJSON(w, http.StatusOK, jobResponse(job, s.BaseURL))
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		switch parsed {
		case model.JobPending, model.JobUploaded, model.JobProcessing,
			model.JobCompleted, model.JobFailed, model.JobCancelled:
			status = &parsed
		default:
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	jobs, err := s.Jobs.ListJobs(ctx, status, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobResponse(job, s.BaseURL))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}

	percent := 0.0
	switch {
	case job.Status == model.JobCompleted:
		percent = 100
	case job.TotalChunks > 0:
		percent = 100 * float64(job.CompletedChunks) / float64(job.TotalChunks)
	}

	chunks, err := s.Jobs.ListChunks(ctx, id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	chunkViews := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		chunkViews = append(chunkViews, map[string]any{
			"index":     c.Index,
			"status":    c.Status,
			"startTime": c.StartTime,
			"endTime":   c.EndTime,
			"attempts":  c.AttemptCount,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":              job.ID,
		"status":          job.Status,
		"totalChunks":     job.TotalChunks,
		"completedChunks": job.CompletedChunks,
		"percent":         percent,
		"chunks":          chunkViews,
	})
}

func (s Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if job.Status != model.JobCompleted || job.ResultKey == "" || !s.Blobs.Exists(job.ResultKey) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("result not ready"))
		return
	}
	f, err := s.Blobs.Open(job.ResultKey)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func (s Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if job.Status.Terminal() {
		writeErr(w, http.StatusConflict, fmt.Errorf("job is already %s", job.Status))
		return
	}

	ok, err := s.Jobs.TransitionJob(ctx, id, model.JobCancelled,
		model.JobPending, model.JobUploaded, model.JobProcessing)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		// Lost a race with completion or failure.
		job, _ = s.Jobs.GetJob(ctx, id)
		writeErr(w, http.StatusConflict, fmt.Errorf("job is already %s", job.Status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.JobCancelled})
}

func (s Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.Jobs.ResetJobForRetry(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeErr(w, http.StatusConflict, fmt.Errorf("only failed jobs can be retried"))
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.Queue.Enqueue(id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.JobPending})
}

func (s Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if !job.Status.Terminal() {
		writeErr(w, http.StatusConflict, fmt.Errorf("cancel the job before deleting it"))
		return
	}
	if err := s.Blobs.DeleteJob(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.Jobs.DeleteJob(ctx, id); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.Providers.Names()})
}

func jobResponse(job model.Job, baseURL string) map[string]any {
	resp := map[string]any{
		"id":               job.ID,
		"createdAt":        job.CreatedAt,
		"updatedAt":        job.UpdatedAt,
		"status":           job.Status,
		"originalFilename": job.OriginalFilename,
		"fileSizeBytes":    job.FileSizeBytes,
		"provider":         job.Provider,
		"language":         job.Language,
		"totalChunks":      job.TotalChunks,
		"completedChunks":  job.CompletedChunks,
	}
	if !job.CompletedAt.IsZero() {
		resp["completedAt"] = job.CompletedAt
	}
	if job.DurationSeconds > 0 {
		resp["durationSeconds"] = job.DurationSeconds
	}
	if job.ErrorCode != "" {
		resp["errorCode"] = job.ErrorCode
		resp["errorMessage"] = job.ErrorMessage
	}
	if job.Status == model.JobCompleted && job.ResultKey != "" {
		base := strings.TrimRight(baseURL, "/")
		resp["resultUrl"] = fmt.Sprintf("%s/v1/jobs/%s/result", base, job.ID)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
