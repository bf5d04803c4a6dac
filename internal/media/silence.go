package media

import (
	"context"
	"strconv"
	"strings"
)

// Silence is one detected quiet span in a WAV file.
type Silence struct {
	Start float64
	End   float64
}

// Midpoint returns the center of the span, the preferred split position.
func (s Silence) Midpoint() float64 { return (s.Start + s.End) / 2 }

// DetectSilences runs ffmpeg's silencedetect filter and parses the spans it
// reports on stderr. thresholdDB is a negative dBFS level; minDuration is the
// shortest quiet span to report, in seconds.
func (p *Processor) DetectSilences(ctx context.Context, wavPath string, thresholdDB float64, minDuration float64) ([]Silence, error) {
	filter := "silencedetect=n=" + strconv.FormatFloat(thresholdDB, 'f', -1, 64) +
		"dB:d=" + strconv.FormatFloat(minDuration, 'f', -1, 64)
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-i", wavPath,
		"-af", filter,
		"-f", "null",
		"-",
	}
	result, err := p.runner.Run(ctx, p.ffmpegPath, args...)
	if err != nil {
		// Silence detection is best-effort: the chunker falls back to fixed
		// intervals when no spans are available.
		return nil, nil
	}
	return parseSilences(result.Stderr), nil
}

// parseSilences extracts spans from silencedetect log lines of the form:
//
//	[silencedetect @ 0x...] silence_start: 123.456
//	[silencedetect @ 0x...] silence_end: 125.1 | silence_duration: 1.644
func parseSilences(stderr string) []Silence {
	var spans []Silence
	var pendingStart float64
	havePending := false

	for _, line := range strings.Split(stderr, "\n") {
		if v, ok := parseField(line, "silence_start:"); ok {
			pendingStart = v
			havePending = true
			continue
		}
		if v, ok := parseField(line, "silence_end:"); ok && havePending {
			spans = append(spans, Silence{Start: pendingStart, End: v})
			havePending = false
		}
	}
	return spans
}

func parseField(line, field string) (float64, bool) {
	idx := strings.Index(line, field)
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(line[idx+len(field):])
	if cut := strings.IndexAny(rest, " |"); cut >= 0 {
		rest = rest[:cut]
	}
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
