package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/sashabaranov/go-openai"
)

type openAIRecognizer struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAIRecognizer uses the hosted Whisper transcription API. endpoint
// overrides the API base URL when set.
func NewOpenAIRecognizer(apiKey, endpoint, model, language string, timeout time.Duration) Recognizer {
	clientCfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(endpoint, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIRecognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: isoLanguage(language),
	}
}

func (o *openAIRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, ErrNoSpeech
	}
	wavData, err := audio.Clip{PCM: pcm, SampleRate: sampleRate, Channels: channels}.WAV()
	if err != nil {
		return TranscriptResult{}, err
	}

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: "dictation.wav",
		Reader:   bytes.NewReader(wavData),
		Language: o.language,
	})
	if err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return TranscriptResult{}, fmt.Errorf("%w: openai http %d: %s", ErrRequest, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return TranscriptResult{}, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return TranscriptResult{}, ErrNoSpeech
	}
	return TranscriptResult{Text: text, Confidence: 0}, nil
}

// isoLanguage reduces a BCP-47 tag such as hi-IN to its primary subtag.
func isoLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
