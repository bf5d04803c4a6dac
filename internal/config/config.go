package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is read once at boot and treated as immutable afterwards.
type Config struct {
	Addr    string
	DataDir string

	Workers int

	// Chunking
	MaxChunkDuration time.Duration
	OverlapDuration  time.Duration
	SilenceThreshold float64       // dBFS, negative
	MinSilence       time.Duration

	// Driver
	CoverageGapThreshold time.Duration
	ContextSegments      int
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	ProviderTimeout      time.Duration

	// Merger
	SimilarityThreshold float64

	// Housekeeping
	StaleJobAfter time.Duration
	RetentionDays int

	// Provider credentials
	GeminiAPIKey     string
	GeminiModel      string
	OpenAIAPIKey     string
	OpenAIModel      string
	ElevenLabsAPIKey string
}

func Load() Config {
	return Config{
		Addr:    getenv("STT_API_ADDR", ":8080"),
		DataDir: getenv("STT_DATA_DIR", filepath.Join(".", "local-data")),

		Workers: getenvInt("STT_WORKERS", 4),

		MaxChunkDuration: getenvSeconds("MAX_CHUNK_DURATION", 300),
		OverlapDuration:  getenvSeconds("OVERLAP_DURATION", 10),
		SilenceThreshold: getenvFloat("SILENCE_THRESHOLD_DB", -30),
		MinSilence:       getenvSeconds("MIN_SILENCE_DURATION", 0.3),

		CoverageGapThreshold: getenvSeconds("COVERAGE_GAP_THRESHOLD", 15),
		ContextSegments:      getenvInt("CONTEXT_SEGMENTS", 3),
		MaxAttempts:          getenvInt("MAX_ATTEMPTS", 3),
		BackoffBase:          getenvSeconds("BACKOFF_BASE", 2),
		BackoffCap:           getenvSeconds("BACKOFF_CAP", 60),
		ProviderTimeout:      getenvSeconds("PROVIDER_TIMEOUT", 120),

		SimilarityThreshold: getenvFloat("OVERLAP_SIMILARITY_THRESHOLD", 0.8),

		StaleJobAfter: time.Duration(getenvInt("STALE_JOB_MINUTES", 30)) * time.Minute,
		RetentionDays: getenvInt("JOB_RETENTION_DAYS", 0),

		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      getenv("GEMINI_MODEL", "gemini-2.0-flash"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      getenv("OPENAI_MODEL", "whisper-1"),
		ElevenLabsAPIKey: os.Getenv("ELEVENLABS_API_KEY"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func getenvFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func getenvSeconds(key string, fallback float64) time.Duration {
	return time.Duration(getenvFloat(key, fallback) * float64(time.Second))
}
