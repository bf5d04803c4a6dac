// Package merger stitches per-chunk segment lists into one transcript,
// deduplicating the overlap regions between consecutive chunks.
package merger

import (
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/example/stt-service/internal/model"
)

const (
	// boundaryProximity is how close two segment starts must be, in seconds,
	// to be considered candidates for the same utterance across a chunk
	// boundary.
	boundaryProximity = 2.0

	// paragraphGap is the inter-segment pause that becomes a newline in
	// full_text.
	paragraphGap = 1.5
)

// Merger combines chunk results into a single absolute-time transcript.
// threshold is the trigram Jaccard similarity above which an overlap duplicate
// is dropped; gapThreshold is the edge gap, in seconds, that produces a
// post-merge warning.
type Merger struct {
	threshold    float64
	gapThreshold float64
	log          *zap.SugaredLogger
}

func New(threshold, gapThreshold float64, log *zap.SugaredLogger) *Merger {
	return &Merger{threshold: threshold, gapThreshold: gapThreshold, log: log}
}

// Merge converts chunk-local segments to absolute time, removes duplicated
// text in overlap regions, and assembles full_text. Chunks must be ordered by
// index and all completed. The returned warnings flag suspicious coverage for
// operators; they never fail a job.
func (m *Merger) Merge(chunks []model.Chunk) (model.TranscriptBody, []string) {
	var merged []model.Segment
	var warnings []string

	prevEnd := 0.0
	for i, chunk := range chunks {
		abs := absoluteSegments(chunk)
		warnings = append(warnings, edgeWarnings(chunk, m.gapThreshold)...)

		if i > 0 {
			abs = m.dedupeBoundary(merged, abs, chunk.StartTime, prevEnd, chunk.JobID)
		}
		merged = append(merged, abs...)
		prevEnd = chunk.EndTime
	}

	return model.TranscriptBody{
		Text:     fullText(merged),
		Segments: merged,
	}, warnings
}

// dedupeBoundary resolves the overlap between the already-merged tail and the
// next chunk's head. A head segment whose text closely matches a nearby tail
// segment is dropped; otherwise the tail segment is truncated so the two do
// not visually overlap.
func (m *Merger) dedupeBoundary(merged, head []model.Segment, overlapStart, overlapEnd float64, jobID string) []model.Segment {
	var tail []*model.Segment
	for i := range merged {
		if merged[i].End > overlapStart {
			tail = append(tail, &merged[i])
		}
	}

	kept := head[:0]
	for i := range head {
		h := &head[i]
		if h.Start >= overlapEnd {
			kept = append(kept, *h)
			continue
		}

		dropped := false
		for _, t := range tail {
			if abs(t.Start-h.Start) > boundaryProximity {
				continue
			}
			if sim := TrigramJaccard(t.Text, h.Text); sim >= m.threshold {
				m.log.Debugw("dropped duplicate overlap segment",
					"job_id", jobID, "similarity", sim,
					"tail_start", t.Start, "head_start", h.Start)
				dropped = true
				break
			}
			if t.End > h.Start && h.Start > t.Start {
				t.End = h.Start
			}
		}
		if !dropped {
			kept = append(kept, *h)
		}
	}
	return kept
}

// absoluteSegments shifts a chunk's local timestamps by the chunk's absolute
// start.
func absoluteSegments(chunk model.Chunk) []model.Segment {
	out := make([]model.Segment, len(chunk.Segments))
	for i, s := range chunk.Segments {
		out[i] = model.Segment{
			Start:   chunk.StartTime + s.Start,
			End:     chunk.StartTime + s.End,
			Text:    s.Text,
			Speaker: s.Speaker,
		}
	}
	return out
}

// edgeWarnings reports chunks whose transcript leaves a large uncovered span
// at either edge. The chunk driver already retried these; the warning gives
// operators visibility into what remained.
func edgeWarnings(chunk model.Chunk, gapThreshold float64) []string {
	if len(chunk.Segments) == 0 {
		return []string{fmt.Sprintf("chunk %d produced no segments", chunk.Index)}
	}
	var warnings []string
	if start := chunk.Segments[0].Start; start > gapThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"chunk %d: provider skipped audio at chunk start (first segment at %.1fs)", chunk.Index, start))
	}
	if gap := chunk.Duration() - chunk.Segments[len(chunk.Segments)-1].End; gap > gapThreshold {
		warnings = append(warnings, fmt.Sprintf(
			"chunk %d: provider stopped early (%.1fs before chunk end)", chunk.Index, gap))
	}
	return warnings
}

// fullText joins segment texts with single spaces, inserting a newline where
// the pause to the next segment exceeds paragraphGap.
func fullText(segments []model.Segment) string {
	var b strings.Builder
	for i, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			if segments[i-1].End+paragraphGap < s.Start {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(text)
	}
	return b.String()
}

// TrigramJaccard computes |A∩B|/|A∪B| over the character-trigram sets of the
// two normalized strings. Strings shorter than three runes contribute
// themselves as a single gram so near-identical short fragments still match.
func TrigramJaccard(a, b string) float64 {
	ga := trigrams(normalizeText(a))
	gb := trigrams(normalizeText(b))
	if len(ga) == 0 && len(gb) == 0 {
		return 1
	}
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	inter := 0
	for g := range ga {
		if _, ok := gb[g]; ok {
			inter++
		}
	}
	union := len(ga) + len(gb) - inter
	return float64(inter) / float64(union)
}

// normalizeText lowercases, applies NFKC, strips punctuation and symbols, and
// collapses whitespace, making the similarity language-agnostic.
func normalizeText(s string) string {
	s = norm.NFKC.String(strings.ToLower(s))
	var b strings.Builder
	lastSpace := true
	for _, r := range s {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func trigrams(s string) map[string]struct{} {
	grams := make(map[string]struct{})
	runes := []rune(s)
	if len(runes) == 0 {
		return grams
	}
	if len(runes) < 3 {
		grams[string(runes)] = struct{}{}
		return grams
	}
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])] = struct{}{}
	}
	return grams
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
