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

const whisperEndpoint = "https://api.openai.com/v1/audio/transcriptions"

// Whisper transcribes audio through the OpenAI transcription API using the
// verbose_json response format, which carries per-segment timestamps.
type Whisper struct {
	apiKey   string
	model    string
	client   *http.Client
	endpoint string
}

func NewWhisper(apiKey, modelName string, client *http.Client) *Whisper {
	if client == nil {
		client = http.DefaultClient
	}
	return &Whisper{apiKey: apiKey, model: modelName, client: client, endpoint: whisperEndpoint}
}

func (w *Whisper) Name() string { return "whisper" }

type whisperResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (w *Whisper) Transcribe(ctx context.Context, audio []byte, cfg Config) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(audio); err != nil {
		return Result{}, err
	}
	fields := map[string]string{
		"model":           w.model,
		"response_format": "verbose_json",
	}
	if cfg.Language != "" {
		fields["language"] = cfg.Language
	}
	// The API prompt field biases recognition toward recent vocabulary; the
	// previous chunk's tail serves exactly that purpose.
	if prompt := whisperPrompt(cfg); prompt != "" {
		fields["prompt"] = prompt
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Result{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, errFromTransport(w.Name(), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return Result{}, errFromStatus(w.Name(), resp.StatusCode, string(raw))
	}

	var wr whisperResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return Result{}, &Error{Kind: KindUnknown, Provider: w.Name(), Message: "could not decode response", Err: err}
	}

	segments := make([]model.Segment, 0, len(wr.Segments))
	for _, s := range wr.Segments {
		segments = append(segments, model.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	if len(segments) == 0 && wr.Text != "" {
		// Some model variants return only flat text; fall back to a single
		// segment spanning the whole chunk.
		segments = append(segments, model.Segment{Start: 0, End: cfg.ChunkDuration, Text: wr.Text})
	}
	sortSegments(segments)

	return Result{
		Segments: segments,
		Metadata: model.ChunkMetadata{
			Model:       w.model,
			LatencyMS:   time.Since(start).Milliseconds(),
			RawResponse: truncateRaw(string(raw)),
		},
	}, nil
}

// whisperPrompt folds the continuity context and user prompt into the single
// prompt field the API offers. Unlike chat-style providers, this field is a
// vocabulary bias, not an instruction channel, so it stays terse.
func whisperPrompt(cfg Config) string {
	switch {
	case cfg.ContextText != "" && cfg.Prompt != "":
		return cfg.Prompt + " " + cfg.ContextText
	case cfg.ContextText != "":
		return cfg.ContextText
	default:
		return cfg.Prompt
	}
}
