package chunker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/example/stt-service/internal/blob"
	"github.com/example/stt-service/internal/media"
	"github.com/example/stt-service/internal/model"
)

// Span is one chunk interval in absolute seconds.
type Span struct {
	Start float64
	End   float64
}

// Chunker splits a normalized WAV into overlapping, silence-aligned chunks
// and uploads each chunk WAV to blob storage.
type Chunker struct {
	proc  *media.Processor
	blobs blob.LocalFS

	maxChunk   float64 // M, seconds
	overlap    float64 // O, seconds
	silenceDB  float64
	minSilence float64
}

func New(proc *media.Processor, blobs blob.LocalFS, maxChunk, overlap, silenceDB, minSilence float64) *Chunker {
	return &Chunker{
		proc:       proc,
		blobs:      blobs,
		maxChunk:   maxChunk,
		overlap:    overlap,
		silenceDB:  silenceDB,
		minSilence: minSilence,
	}
}

// Boundaries computes chunk intervals for a recording of the given duration.
//
// Split points land every maxChunk seconds of new audio; each subsequent
// chunk starts overlap seconds before the previous split so the merger can
// deduplicate the boundary. The silence search window around each ideal
// split is a fixed width relative to maxChunk, never to the absolute
// position, which would widen it without bound for late chunks.
func (c *Chunker) Boundaries(duration float64, silences []media.Silence) []Span {
	if duration <= c.maxChunk {
		return []Span{{Start: 0, End: duration}}
	}

	var spans []Span
	lastSplit := 0.0
	for {
		start := lastSplit - c.overlap
		if start < 0 {
			start = 0
		}
		targetEnd := lastSplit + c.maxChunk
		if targetEnd >= duration {
			spans = append(spans, Span{Start: start, End: duration})
			return spans
		}

		split := c.chooseSplit(targetEnd, duration, silences)

		// A final remainder shorter than overlap+1s is not worth its own
		// provider call; fold it into this chunk instead.
		if duration-split < c.overlap+1 {
			spans = append(spans, Span{Start: start, End: duration})
			return spans
		}

		spans = append(spans, Span{Start: start, End: split})
		lastSplit = split
	}
}

// chooseSplit picks the silence midpoint nearest targetEnd within the fixed
// search window [targetEnd-0.2M, targetEnd+0.1M], or targetEnd itself when
// the window holds no silence.
func (c *Chunker) chooseSplit(targetEnd, duration float64, silences []media.Silence) float64 {
	searchStart := targetEnd - 0.2*c.maxChunk
	searchEnd := math.Min(targetEnd+0.1*c.maxChunk, duration)

	best := targetEnd
	bestDist := math.Inf(1)
	for _, s := range silences {
		mid := s.Midpoint()
		if mid < searchStart || mid > searchEnd {
			continue
		}
		if d := math.Abs(mid - targetEnd); d < bestDist {
			best = mid
			bestDist = d
		}
	}
	return best
}

// Chunk slices the WAV along computed boundaries, uploads each piece, and
// returns pending chunk rows ready for the store. workDir holds the
// intermediate chunk WAVs; the caller owns its cleanup.
func (c *Chunker) Chunk(ctx context.Context, jobID, wavPath string, duration float64, workDir string) ([]model.Chunk, error) {
	silences, err := c.proc.DetectSilences(ctx, wavPath, c.silenceDB, c.minSilence)
	if err != nil {
		return nil, fmt.Errorf("detect silences: %w", err)
	}
	spans := c.Boundaries(duration, silences)

	chunks := make([]model.Chunk, 0, len(spans))
	for i, span := range spans {
		outPath := filepath.Join(workDir, fmt.Sprintf("chunk-%04d.wav", i))
		if err := c.proc.ExtractChunk(ctx, wavPath, outPath, span.Start, span.End); err != nil {
			return nil, err
		}

		f, err := os.Open(outPath)
		if err != nil {
			return nil, err
		}
		key, err := c.blobs.Put(blob.ChunkKey(jobID, i), f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("upload chunk %d: %w", i, err)
		}

		chunks = append(chunks, model.Chunk{
			JobID:     jobID,
			Index:     i,
			Status:    model.ChunkPending,
			StartTime: span.Start,
			EndTime:   span.End,
			BlobKey:   key,
		})
	}
	return chunks, nil
}
