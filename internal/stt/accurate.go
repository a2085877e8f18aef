package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vidpipe/pipeline/internal/model"
)

// AccurateAdapter calls a Whisper-compatible transcription endpoint
// (Groq's audio/transcriptions shape: multipart upload, verbose_json
// response with segments).
type AccurateAdapter struct {
	APIKey     string
	Endpoint   string // defaults to Groq's endpoint if empty
	ModelName  string
	HTTPClient *http.Client
}

const defaultGroqEndpoint = "https://api.groq.com/openai/v1/audio/transcriptions"

// NewAccurateAdapter returns an AccurateAdapter against the Groq
// Whisper-compatible API.
func NewAccurateAdapter(apiKey string) *AccurateAdapter {
	return &AccurateAdapter{
		APIKey:     apiKey,
		Endpoint:   defaultGroqEndpoint,
		ModelName:  "whisper-large-v3",
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Name implements capability.STT.
func (a *AccurateAdapter) Name() string { return "remote" }

// Available reports whether an API key is configured. There is no cheap
// remote health probe, so presence of credentials is the only signal.
func (a *AccurateAdapter) Available() bool {
	return a.APIKey != ""
}

type groqSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type groqResponse struct {
	Text     string        `json:"text"`
	Segments []groqSegment `json:"segments"`
}

// Transcribe uploads the audio file and returns normalized segments. If
// the response carries no timestamped segments, it falls back to a
// single segment holding the whole response text, starting at 0 with its
// end estimated from the word count (no segments if the text is empty).
func (a *AccurateAdapter) Transcribe(ctx context.Context, audioPath, languageHint string) ([]model.TranscriptSegment, error) {
	if !a.Available() {
		return nil, fmt.Errorf("remote STT adapter unavailable: no API key configured")
	}

	body, contentType, err := buildMultipartBody(audioPath, a.ModelName, languageHint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build remote STT request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote STT request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote STT returned %d: %s", resp.StatusCode, data)
	}

	var parsed groqResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse remote STT response: %w", err)
	}

	if len(parsed.Segments) == 0 {
		if parsed.Text == "" {
			return nil, nil
		}
		fallback := model.TranscriptSegment{StartSec: 0, EndSec: estimateSpeechDuration(parsed.Text), Text: parsed.Text}
		return Normalize([]model.TranscriptSegment{fallback}), nil
	}

	segs := make([]model.TranscriptSegment, 0, len(parsed.Segments))
	for _, s := range parsed.Segments {
		segs = append(segs, model.TranscriptSegment{StartSec: s.Start, EndSec: s.End, Text: s.Text})
	}
	return Normalize(segs), nil
}

// estimateSpeechDuration guesses a segment's spoken duration from its word
// count when the API returns no timestamps, at roughly 2.5 words/sec.
func estimateSpeechDuration(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 1
	}
	return math.Max(float64(words)/2.5, 1)
}

func buildMultipartBody(audioPath, modelName, languageHint string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy audio into form: %w", err)
	}

	_ = writer.WriteField("model", modelName)
	_ = writer.WriteField("response_format", "verbose_json")
	if languageHint != "" {
		_ = writer.WriteField("language", languageHint)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
