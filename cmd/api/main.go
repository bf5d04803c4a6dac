package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/example/stt-service/internal/blob"
	"github.com/example/stt-service/internal/config"
	"github.com/example/stt-service/internal/httpapi"
	"github.com/example/stt-service/internal/media"
	"github.com/example/stt-service/internal/provider"
	"github.com/example/stt-service/internal/store"
	"github.com/example/stt-service/internal/worker"
)

func main() {
	loadDotEnv()
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	logr := logger.Sugar()

	dbPath := filepath.Join(cfg.DataDir, "jobs.db")
	jobStore, err := store.Open(dbPath)
	if err != nil {
		logr.Fatalw("open job store", "path", dbPath, "error", err)
	}
	defer jobStore.Close()

	blobStore := blob.LocalFS{Root: cfg.DataDir}

	registry := provider.NewRegistry()
	if cfg.GeminiAPIKey != "" {
		registry.Register("gemini", func() provider.Transcriber {
			return provider.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, nil)
		})
	}
	if cfg.OpenAIAPIKey != "" {
		registry.Register("whisper", func() provider.Transcriber {
			return provider.NewWhisper(cfg.OpenAIAPIKey, cfg.OpenAIModel, nil)
		})
	}
	if cfg.ElevenLabsAPIKey != "" {
		registry.Register("elevenlabs", func() provider.Transcriber {
			return provider.NewElevenLabs(cfg.ElevenLabsAPIKey, nil)
		})
	}
	if len(registry.Names()) == 0 {
		logr.Fatalw("no transcription providers configured; set GEMINI_API_KEY, OPENAI_API_KEY, or ELEVENLABS_API_KEY")
	}
	logr.Infow("providers configured", "providers", registry.Names())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := worker.NewPool(cfg, jobStore, blobStore, media.NewProcessor(), registry, logr)
	pool.Start(ctx)

	baseURL := os.Getenv("STT_BASE_URL")
	if baseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		baseURL = fmt.Sprintf("http://%s", addr)
	}

	server := httpapi.Server{
		Blobs:     blobStore,
		Jobs:      jobStore,
		Queue:     pool,
		Providers: registry,
		BaseURL:   baseURL,
	}
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logr.Infow("API listening", "addr", cfg.Addr, "base_url", baseURL, "workers", cfg.Workers)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Fatalw("listen", "error", err)
	}
	pool.Wait()
	logr.Infow("shutdown complete")
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
