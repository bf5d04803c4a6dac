package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrInvalidAudio marks inputs the decoder rejects or that decode to
// effectively zero duration.
var ErrInvalidAudio = errors.New("invalid audio")

var audioExtensions = map[string]bool{
	"mp3": true, "wav": true, "m4a": true, "flac": true, "ogg": true,
	"opus": true, "webm": true, "aac": true, "wma": true,
}

var videoExtensions = map[string]bool{
	"mp4": true, "mkv": true, "avi": true, "mov": true, "wmv": true,
	"flv": true, "mpeg": true, "mpg": true, "3gp": true,
}

// IsAudio reports whether ext (without dot, lowercase) is a supported audio container.
func IsAudio(ext string) bool { return audioExtensions[strings.ToLower(ext)] }

// IsVideo reports whether ext is a supported video container.
func IsVideo(ext string) bool { return videoExtensions[strings.ToLower(ext)] }

// IsSupported reports whether ext is any supported container.
func IsSupported(ext string) bool { return IsAudio(ext) || IsVideo(ext) }

// CommandResult captures the output of one ffmpeg/ffprobe invocation.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Processor runs ffmpeg/ffprobe for normalization, probing, slicing, and
// silence detection.
type Processor struct {
	ffmpegPath  string
	ffprobePath string
	runner      Runner
}

func NewProcessor() *Processor {
	return &Processor{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		runner:      execRunner{},
	}
}

// NewProcessorWith constructs a processor with an injectable runner.
func NewProcessorWith(ffmpegPath, ffprobePath string, runner Runner) *Processor {
	return &Processor{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, runner: runner}
}

// Normalize transcodes any supported container to a mono 16 kHz PCM WAV at
// outPath. Video containers have their audio track extracted in the same
// pass (-vn).
func (p *Processor) Normalize(ctx context.Context, inputPath, outPath string) error {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
	result, err := p.runner.Run(ctx, p.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("%w: ffmpeg exit %d: %s", ErrInvalidAudio, result.ExitCode, tail(result.Stderr, 400))
	}
	return nil
}

// Duration probes the normalized WAV and returns its length in seconds.
// The source file's headers are untrusted; only the WAV we produced counts.
func (p *Processor) Duration(ctx context.Context, wavPath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		wavPath,
	}
	result, err := p.runner.Run(ctx, p.ffprobePath, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe exit %d: %s", ErrInvalidAudio, result.ExitCode, tail(result.Stderr, 400))
	}
	raw := strings.TrimSpace(result.Stdout)
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: could not decode duration %q", ErrInvalidAudio, raw)
	}
	if duration <= 0.1 {
		return 0, fmt.Errorf("%w: duration %.3fs is too short", ErrInvalidAudio, duration)
	}
	return duration, nil
}

// ExtractChunk copies [start, end) of a WAV into its own mono 16 kHz WAV.
func (p *Processor) ExtractChunk(ctx context.Context, inputPath, outPath string, start, end float64) error {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(end - start),
		"-i", inputPath,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
	result, err := p.runner.Run(ctx, p.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("extract chunk [%0.2f, %0.2f): ffmpeg exit %d: %s",
			start, end, result.ExitCode, tail(result.Stderr, 400))
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
