package stt

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "google", "":
		return NewGoogleRecognizer(cfg.Endpoint, cfg.APIKey, cfg.Language, cfg.ProfanityFilter, timeout), nil
	case "openai":
		return NewOpenAIRecognizer(cfg.APIKey, cfg.Endpoint, cfg.Model, cfg.Language, timeout), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock":
		return NewMockRecognizer(""), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
