// Package provider abstracts external speech-to-text services behind a single
// capability: transcribe chunk audio into timestamped segments.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/example/stt-service/internal/model"
)

// Config is the per-call envelope passed from a job to an adapter.
type Config struct {
	Language      string  // BCP-47 tag
	Prompt        string  // optional user prompt
	ContextText   string  // trailing text of the previous chunk, empty for chunk 0
	ChunkIndex    int
	ChunkDuration float64 // seconds
}

// Result is one successful transcription call. Segment timestamps are
// chunk-local seconds.
type Result struct {
	Segments []model.Segment
	Metadata model.ChunkMetadata
}

// Transcriber is the provider capability. Implementations must normalize
// timestamps to chunk-local seconds and surface faults as *Error values.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, cfg Config) (Result, error)
}

// Factory constructs a configured Transcriber.
type Factory func() Transcriber

// Registry maps provider names to factories. New providers are added by
// registration, never by modifying the chunk driver.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

func (r *Registry) New(name string) (Transcriber, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rawResponseCap bounds the provider response excerpt kept for debugging.
const rawResponseCap = 2048

func truncateRaw(s string) string {
	if len(s) <= rawResponseCap {
		return s
	}
	return s[:rawResponseCap]
}

// buildPrompt assembles the upstream instruction text. Every provider that
// accepts a prompt must tell the model to transcribe the entire clip starting
// at 0.0, overlap included: an earlier "do not repeat the context"
// instruction made models skip several seconds of audio at chunk starts, and
// the merger is the one responsible for deduplication.
func buildPrompt(cfg Config) string {
	var b strings.Builder
	b.WriteString("Transcribe the following audio accurately.\n")
	fmt.Fprintf(&b,
		"This clip is exactly %.1f seconds long. Transcribe ALL of it, starting at timestamp 0.0. "+
			"All segment timestamps must lie between 0.0 and %.1f seconds.\n",
		cfg.ChunkDuration, cfg.ChunkDuration)

	if cfg.ContextText != "" && cfg.ChunkIndex > 0 {
		fmt.Fprintf(&b,
			"This clip continues a longer recording (part %d). The recent transcript, for continuity only:\n---\n%s\n---\n"+
				"The beginning of this clip repeats some of that audio. Transcribe it anyway, do NOT skip it; "+
				"duplicate text is removed later.\n",
			cfg.ChunkIndex+1, cfg.ContextText)
	}
	if cfg.Language != "" {
		fmt.Fprintf(&b, "Primary language: %s.\n", cfg.Language)
	}
	if cfg.Prompt != "" {
		b.WriteString(cfg.Prompt)
		b.WriteString("\n")
	}
	return b.String()
}

// sortSegments orders segments by start time, the order the driver and
// merger rely on.
func sortSegments(segments []model.Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
}
