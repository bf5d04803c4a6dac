package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/example/stt-service/internal/model"
)

const (
	elevenLabsEndpoint = "https://api.elevenlabs.io/v1/speech-to-text"
	elevenLabsModel    = "scribe_v1"

	// elevenLabsSegmentGap is the inter-word pause that closes a segment when
	// folding word-level timings into sentence-sized segments.
	elevenLabsSegmentGap = 0.8
)

// ElevenLabs transcribes audio through the Scribe speech-to-text API. The API
// reports word-level timings with speaker labels; words are folded into
// segments on speaker changes and long pauses.
type ElevenLabs struct {
	apiKey   string
	client   *http.Client
	endpoint string
}

func NewElevenLabs(apiKey string, client *http.Client) *ElevenLabs {
	if client == nil {
		client = http.DefaultClient
	}
	return &ElevenLabs{apiKey: apiKey, client: client, endpoint: elevenLabsEndpoint}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

type elevenLabsResponse struct {
	Text  string `json:"text"`
	Words []struct {
		Text      string  `json:"text"`
		Start     float64 `json:"start"`
		End       float64 `json:"end"`
		Type      string  `json:"type"`
		SpeakerID string  `json:"speaker_id"`
	} `json:"words"`
}

func (e *ElevenLabs) Transcribe(ctx context.Context, audio []byte, cfg Config) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(audio); err != nil {
		return Result{}, err
	}
	if err := mw.WriteField("model_id", elevenLabsModel); err != nil {
		return Result{}, err
	}
	if err := mw.WriteField("diarize", "true"); err != nil {
		return Result{}, err
	}
	if cfg.Language != "" {
		if err := mw.WriteField("language_code", cfg.Language); err != nil {
			return Result{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("xi-api-key", e.apiKey)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, errFromTransport(e.Name(), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return Result{}, errFromStatus(e.Name(), resp.StatusCode, string(raw))
	}

	var er elevenLabsResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return Result{}, &Error{Kind: KindUnknown, Provider: e.Name(), Message: "could not decode response", Err: err}
	}

	segments := foldWords(er)
	if len(segments) == 0 && er.Text != "" {
		segments = append(segments, model.Segment{Start: 0, End: cfg.ChunkDuration, Text: er.Text})
	}
	sortSegments(segments)

	return Result{
		Segments: segments,
		Metadata: model.ChunkMetadata{
			Model:       elevenLabsModel,
			LatencyMS:   time.Since(start).Milliseconds(),
			RawResponse: truncateRaw(string(raw)),
		},
	}, nil
}

// foldWords groups word timings into segments, breaking on speaker changes
// and pauses longer than elevenLabsSegmentGap.
func foldWords(er elevenLabsResponse) []model.Segment {
	var segments []model.Segment
	var cur *model.Segment
	var text bytes.Buffer

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = text.String()
		segments = append(segments, *cur)
		cur = nil
		text.Reset()
	}

	for _, w := range er.Words {
		if w.Type == "spacing" {
			continue
		}
		if cur != nil && (w.SpeakerID != cur.Speaker || w.Start-cur.End > elevenLabsSegmentGap) {
			flush()
		}
		if cur == nil {
			cur = &model.Segment{Start: w.Start, Speaker: w.SpeakerID}
		} else {
			text.WriteByte(' ')
		}
		text.WriteString(w.Text)
		cur.End = w.End
	}
	flush()
	return segments
}
