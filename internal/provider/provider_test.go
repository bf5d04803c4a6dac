package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/example/stt-service/internal/model"
)

type nopTranscriber struct{ name string }

func (n nopTranscriber) Name() string { return n.name }
func (n nopTranscriber) Transcribe(context.Context, []byte, Config) (Result, error) {
	return Result{}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Alpha", func() Transcriber { return nopTranscriber{name: "alpha"} })
	reg.Register("beta", func() Transcriber { return nopTranscriber{name: "beta"} })

	got, err := reg.New("ALPHA")
	if err != nil {
		t.Fatalf("lookup is not case-insensitive: %v", err)
	}
	if got.Name() != "alpha" {
		t.Fatalf("unexpected transcriber %s", got.Name())
	}

	if _, err := reg.New("missing"); err == nil {
		t.Fatal("expected an error for an unknown provider")
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestBuildPromptFirstChunk(t *testing.T) {
	prompt := buildPrompt(Config{ChunkIndex: 0, ChunkDuration: 300, Language: "en"})
	if !strings.Contains(prompt, "starting at timestamp 0.0") {
		t.Fatalf("prompt must demand transcription from 0.0: %q", prompt)
	}
	if strings.Contains(prompt, "continues a longer recording") {
		t.Fatalf("first chunk must not carry a continuity block: %q", prompt)
	}
	if !strings.Contains(prompt, "en") {
		t.Fatalf("language missing from prompt: %q", prompt)
	}
}

func TestBuildPromptWithContext(t *testing.T) {
	prompt := buildPrompt(Config{
		ChunkIndex:    2,
		ChunkDuration: 310,
		ContextText:   "and then we discussed the budget",
		Prompt:        "Speakers are Alice and Bob.",
	})
	if !strings.Contains(prompt, "and then we discussed the budget") {
		t.Fatalf("context text missing: %q", prompt)
	}
	if !strings.Contains(prompt, "do NOT skip it") {
		t.Fatalf("prompt must forbid skipping the overlap: %q", prompt)
	}
	if !strings.Contains(prompt, "Speakers are Alice and Bob.") {
		t.Fatalf("user prompt missing: %q", prompt)
	}
}

func TestSortSegments(t *testing.T) {
	segs := []model.Segment{{Start: 5}, {Start: 1}, {Start: 3}}
	sortSegments(segs)
	if segs[0].Start != 1 || segs[1].Start != 3 || segs[2].Start != 5 {
		t.Fatalf("segments not sorted: %+v", segs)
	}
}

func TestTruncateRaw(t *testing.T) {
	long := strings.Repeat("x", rawResponseCap+100)
	if got := truncateRaw(long); len(got) != rawResponseCap {
		t.Fatalf("expected %d bytes, got %d", rawResponseCap, len(got))
	}
	if got := truncateRaw("short"); got != "short" {
		t.Fatalf("short strings must pass through, got %q", got)
	}
}
