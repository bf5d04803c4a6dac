package merger

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/example/stt-service/internal/model"
)

func newTestMerger() *Merger {
	return New(0.8, 15, zap.NewNop().Sugar())
}

func TestMergeSingleChunk(t *testing.T) {
	chunk := model.Chunk{
		Index: 0, StartTime: 0, EndTime: 30,
		Segments: []model.Segment{
			{Start: 0.5, End: 4, Text: "first"},
			{Start: 4.2, End: 9, Text: "second"},
		},
	}
	body, warnings := newTestMerger().Merge([]model.Chunk{chunk})
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(body.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(body.Segments))
	}
	if body.Segments[0] != chunk.Segments[0] || body.Segments[1] != chunk.Segments[1] {
		t.Fatalf("single-chunk merge changed segments: %+v", body.Segments)
	}
	if body.Text != "first second" {
		t.Fatalf("unexpected full text %q", body.Text)
	}
}

func TestMergeAbsoluteTimestamps(t *testing.T) {
	chunks := []model.Chunk{
		{Index: 0, StartTime: 0, EndTime: 300, Segments: []model.Segment{{Start: 1, End: 299, Text: "a"}}},
		{Index: 1, StartTime: 290, EndTime: 400, Segments: []model.Segment{{Start: 12, End: 109, Text: "b"}}},
	}
	body, _ := newTestMerger().Merge(chunks)
	if body.Segments[1].Start != 302 || body.Segments[1].End != 399 {
		t.Fatalf("expected (302,399), got (%v,%v)", body.Segments[1].Start, body.Segments[1].End)
	}
}

func TestMergeDropsDuplicateOverlap(t *testing.T) {
	chunks := []model.Chunk{
		{Index: 0, StartTime: 0, EndTime: 300, Segments: []model.Segment{
			{Start: 280, End: 288, Text: "earlier speech continues"},
			{Start: 292, End: 298, Text: "hello world how are you"},
		}},
		{Index: 1, StartTime: 290, EndTime: 400, Segments: []model.Segment{
			{Start: 2, End: 8, Text: "hello world how are you"},
			{Start: 12, End: 20, Text: "fresh content after the overlap"},
		}},
	}
	body, _ := newTestMerger().Merge(chunks)
	if n := strings.Count(body.Text, "hello world how are you"); n != 1 {
		t.Fatalf("duplicated overlap text appears %d times in %q", n, body.Text)
	}
	if !strings.Contains(body.Text, "fresh content after the overlap") {
		t.Fatalf("non-duplicate head segment was dropped: %q", body.Text)
	}
	if len(body.Segments) != 3 {
		t.Fatalf("expected 3 segments after dedup, got %d: %+v", len(body.Segments), body.Segments)
	}
}

func TestMergeTruncatesDissimilarOverlap(t *testing.T) {
	chunks := []model.Chunk{
		{Index: 0, StartTime: 0, EndTime: 300, Segments: []model.Segment{
			{Start: 291, End: 299, Text: "completely different words here"},
		}},
		{Index: 1, StartTime: 290, EndTime: 400, Segments: []model.Segment{
			{Start: 3, End: 9, Text: "nothing alike at all"},
		}},
	}
	body, _ := newTestMerger().Merge(chunks)
	if len(body.Segments) != 2 {
		t.Fatalf("expected both segments kept, got %d", len(body.Segments))
	}
	// Tail end is clipped to the head start so segments do not overlap.
	if body.Segments[0].End != 293 {
		t.Fatalf("expected tail truncated to 293, got %v", body.Segments[0].End)
	}
}

func TestMergeWarnings(t *testing.T) {
	chunks := []model.Chunk{
		{Index: 0, StartTime: 0, EndTime: 300, Segments: []model.Segment{
			{Start: 20, End: 250, Text: "late start"},
		}},
	}
	_, warnings := newTestMerger().Merge(chunks)
	if len(warnings) != 2 {
		t.Fatalf("expected skipped-start and stopped-early warnings, got %v", warnings)
	}
	if !strings.Contains(warnings[0], "skipped audio") {
		t.Errorf("unexpected warning %q", warnings[0])
	}
	if !strings.Contains(warnings[1], "stopped early") {
		t.Errorf("unexpected warning %q", warnings[1])
	}
}

func TestMergeEmptyChunkWarning(t *testing.T) {
	_, warnings := newTestMerger().Merge([]model.Chunk{{Index: 0, StartTime: 0, EndTime: 30}})
	if len(warnings) != 1 || !strings.Contains(warnings[0], "no segments") {
		t.Fatalf("expected empty-chunk warning, got %v", warnings)
	}
}

func TestFullTextParagraphBreak(t *testing.T) {
	segments := []model.Segment{
		{Start: 0, End: 2, Text: "one"},
		{Start: 2.5, End: 4, Text: "two"},
		{Start: 10, End: 12, Text: "three"},
	}
	got := fullText(segments)
	if got != "one two\nthree" {
		t.Fatalf("unexpected full text %q", got)
	}
}

func TestTrigramJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "hello world", "hello world", 1, 1},
		{"punctuation and case", "Hello, World!", "hello world", 1, 1},
		{"disjoint", "alpha beta", "gamma delta", 0, 0},
		{"short identical", "hi", "hi", 1, 1},
		{"both empty", "", "", 1, 1},
		{"one empty", "words", "", 0, 0},
		{"near match", "hello world how are", "hello world how art", 0.6, 0.99},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := TrigramJaccard(tc.a, tc.b)
			if got < tc.min || got > tc.max {
				t.Fatalf("TrigramJaccard(%q, %q) = %v, expected in [%v, %v]", tc.a, tc.b, got, tc.min, tc.max)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("  Hello,   WORLD!  ")
	if got != "hello world" {
		t.Fatalf("normalizeText = %q", got)
	}
}
