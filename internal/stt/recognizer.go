package stt

import (
	"context"
	"errors"
)

var (
	// ErrNoSpeech means the service answered but recognised nothing.
	ErrNoSpeech = errors.New("speech not recognised")
	// ErrRequest covers network failures and non-success service responses.
	ErrRequest = errors.New("recognition request failed")
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. pcm is signed 16-bit little-endian.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
