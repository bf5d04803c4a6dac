package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/stt-service/internal/model"
)

const geminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"

// Gemini transcribes audio through the generateContent API with a JSON
// response schema, so segment timestamps come back structured instead of as
// free text.
type Gemini struct {
	apiKey   string
	model    string
	client   *http.Client
	endpoint string
}

func NewGemini(apiKey, modelName string, client *http.Client) *Gemini {
	if client == nil {
		client = http.DefaultClient
	}
	return &Gemini{apiKey: apiKey, model: modelName, client: client, endpoint: geminiEndpoint}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseMimeType string          `json:"response_mime_type"`
	ResponseSchema   json.RawMessage `json:"response_schema"`
}

// geminiSegmentSchema constrains the model to a JSON array of timestamped
// segments.
var geminiSegmentSchema = json.RawMessage(`{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "start": {"type": "number"},
      "end": {"type": "number"},
      "text": {"type": "string"},
      "speaker": {"type": "string"}
    },
    "required": ["start", "end", "text"]
  }
}`)

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type geminiSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
}

func (g *Gemini) Transcribe(ctx context.Context, audio []byte, cfg Config) (Result, error) {
	payload := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: buildPrompt(cfg)},
				{InlineData: &geminiInlineData{
					MimeType: "audio/wav",
					Data:     base64.StdEncoding.EncodeToString(audio),
				}},
			},
		}},
		GenerationConfig: geminiGenerationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   geminiSegmentSchema,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := fmt.Sprintf(g.endpoint, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, errFromTransport(g.Name(), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return Result{}, errFromStatus(g.Name(), resp.StatusCode, string(raw))
	}

	var gr geminiResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return Result{}, &Error{Kind: KindUnknown, Provider: g.Name(), Message: "could not decode response", Err: err}
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return Result{}, &Error{Kind: KindUnknown, Provider: g.Name(), Message: "response carried no candidates"}
	}

	finishReason := gr.Candidates[0].FinishReason
	if finishReason == "MAX_TOKENS" {
		return Result{}, &Error{
			Kind:     KindUnknown,
			Provider: g.Name(),
			Message:  fmt.Sprintf("transcription truncated at the token limit for a %.1fs chunk", cfg.ChunkDuration),
		}
	}

	var parsed []geminiSegment
	if err := json.Unmarshal([]byte(gr.Candidates[0].Content.Parts[0].Text), &parsed); err != nil {
		return Result{}, &Error{Kind: KindUnknown, Provider: g.Name(), Message: "could not decode segment JSON", Err: err}
	}

	segments := make([]model.Segment, 0, len(parsed))
	for _, s := range parsed {
		segments = append(segments, model.Segment{
			Start:   s.Start,
			End:     s.End,
			Text:    s.Text,
			Speaker: s.Speaker,
		})
	}
	sortSegments(segments)

	return Result{
		Segments: segments,
		Metadata: model.ChunkMetadata{
			Model:        g.model,
			InputTokens:  gr.UsageMetadata.PromptTokenCount,
			OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
			LatencyMS:    time.Since(start).Milliseconds(),
			FinishReason: finishReason,
			RawResponse:  truncateRaw(string(raw)),
		},
	}, nil
}
