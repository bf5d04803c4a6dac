package chunker

import (
	"math"
	"testing"

	"github.com/example/stt-service/internal/blob"
	"github.com/example/stt-service/internal/media"
)

func newTestChunker() *Chunker {
	return New(nil, blob.LocalFS{}, 300, 10, -30, 0.3)
}

func TestBoundariesShortAudio(t *testing.T) {
	spans := newTestChunker().Boundaries(30, nil)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Start != 0 || spans[0].End != 30 {
		t.Fatalf("expected (0,30), got (%v,%v)", spans[0].Start, spans[0].End)
	}
}

func TestBoundariesExactOverlap(t *testing.T) {
	spans := newTestChunker().Boundaries(620, nil)
	want := []Span{{0, 300}, {290, 600}, {590, 620}}
	if len(spans) != len(want) {
		t.Fatalf("expected %d spans, got %d: %v", len(want), len(spans), spans)
	}
	for i, w := range want {
		if spans[i] != w {
			t.Errorf("span %d: expected %v, got %v", i, w, spans[i])
		}
	}
}

func TestBoundariesMergesSmallTail(t *testing.T) {
	spans := newTestChunker().Boundaries(305, nil)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d: %v", len(spans), spans)
	}
	if spans[0] != (Span{0, 305}) {
		t.Fatalf("expected (0,305), got %v", spans[0])
	}
}

func TestBoundariesPrefersSilence(t *testing.T) {
	silences := []media.Silence{
		{Start: 100, End: 102}, // outside the search window, must be ignored
		{Start: 295, End: 297}, // midpoint 296, inside the window
		{Start: 3000, End: 3001},
	}
	spans := newTestChunker().Boundaries(620, silences)
	if spans[0].End != 296 {
		t.Fatalf("expected first split at silence midpoint 296, got %v", spans[0].End)
	}
	if spans[1].Start != 286 {
		t.Fatalf("expected second chunk to start at 286, got %v", spans[1].Start)
	}
}

func TestBoundariesPicksNearestSilence(t *testing.T) {
	silences := []media.Silence{
		{Start: 250, End: 252}, // midpoint 251
		{Start: 304, End: 306}, // midpoint 305, closer to 300
	}
	spans := newTestChunker().Boundaries(620, silences)
	if spans[0].End != 305 {
		t.Fatalf("expected split at 305, got %v", spans[0].End)
	}
}

func TestBoundariesInvariants(t *testing.T) {
	for _, duration := range []float64{301, 450, 620, 899.5, 1805, 3600} {
		spans := newTestChunker().Boundaries(duration, nil)
		if spans[0].Start != 0 {
			t.Errorf("duration %v: first span starts at %v", duration, spans[0].Start)
		}
		if last := spans[len(spans)-1]; last.End != duration {
			t.Errorf("duration %v: last span ends at %v", duration, last.End)
		}
		for i, span := range spans {
			if span.End <= span.Start {
				t.Errorf("duration %v: span %d is empty: %v", duration, i, span)
			}
			if span.End-span.Start > 300+0.1*300 {
				t.Errorf("duration %v: span %d longer than the search window allows: %v", duration, i, span)
			}
			if i == 0 {
				continue
			}
			overlap := spans[i-1].End - span.Start
			if math.Abs(overlap-10) > 1e-9 {
				t.Errorf("duration %v: spans %d/%d overlap by %v, expected 10", duration, i-1, i, overlap)
			}
		}
	}
}

func TestBoundariesLongRecordingWindowStaysFixed(t *testing.T) {
	// One silence far past any split target must never be chosen, no matter
	// how many chunks precede it.
	silences := []media.Silence{{Start: 3500, End: 3502}}
	spans := newTestChunker().Boundaries(3600, silences)
	for i := 0; i < len(spans)-1; i++ {
		if math.Abs(spans[i].End-float64((i+1)*300)) > 30 {
			t.Fatalf("span %d split drifted to %v", i, spans[i].End)
		}
	}
}
