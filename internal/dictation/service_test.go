package dictation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/document"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) PublishJSON(subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *capturePublisher) has(subject string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type blockingRecognizer struct{}

func (blockingRecognizer) Transcribe(ctx context.Context, _ []byte, _ int, _ int, _ bool) (stt.TranscriptResult, error) {
	<-ctx.Done()
	return stt.TranscriptResult{}, ctx.Err()
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, rec stt.Recognizer) (*Service, *eventstore.Store, *capturePublisher) {
	t.Helper()
	cfg := config.Default()
	cfg.STT.TimeoutMS = 100
	cfg.EventStore = config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}

	events, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	pub := &capturePublisher{}
	svc := NewService(cfg, audio.NewDecoder(cfg.Audio, nil), rec, events, pub, newLogger())
	return svc, events, pub
}

func shortWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = int16((i % 40) * 300)
	}
	data, err := audio.ClipFromSamples(samples, 16000).WAV()
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}

func TestTranscribeUploadProducesText(t *testing.T) {
	svc, events, pub := newTestService(t, stt.NewMockRecognizer("नमस्ते, आप कैसे हैं?"))
	ctx := context.Background()
	svc.OpenSession(ctx, "s-1", SourceWeb)

	res, err := svc.TranscribeUpload(ctx, "s-1", "clip.wav", shortWAV(t))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text == "" {
		t.Fatal("expected non-empty transcript")
	}

	list, err := events.ListSessionEvents(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(list) != 2 || list[1].Type != eventstore.TypeTranscriptReady {
		t.Fatalf("unexpected events %+v", list)
	}
	if !pub.has(protocol.SubjectTranscriptFinal) {
		t.Fatal("expected final transcript publish")
	}
}

func TestTranscribeUploadCorruptedAudio(t *testing.T) {
	svc, events, pub := newTestService(t, stt.NewMockRecognizer("never"))
	ctx := context.Background()
	svc.OpenSession(ctx, "s-2", SourceWeb)

	_, err := svc.TranscribeUpload(ctx, "s-2", "clip.wav", []byte("RIFF....WAVEjunkjunkjunk"))
	if err == nil {
		t.Fatal("expected ingestion error")
	}
	if !strings.HasPrefix(UserMessage(err), "Error during transcription") {
		t.Fatalf("unexpected user message %q", UserMessage(err))
	}
	if !pub.has(protocol.SubjectTranscriptFailed) || pub.has(protocol.SubjectDocumentExported) {
		t.Fatalf("unexpected publishes %v", pub.subjects)
	}
	list, _ := events.ListSessionEvents(ctx, "s-2", 10)
	if len(list) == 0 || list[len(list)-1].Type != eventstore.TypeTranscriptFailed {
		t.Fatalf("expected failure event, got %+v", list)
	}
}

func TestTranscribeUploadTimeout(t *testing.T) {
	svc, _, _ := newTestService(t, blockingRecognizer{})
	_, err := svc.TranscribeUpload(context.Background(), "s-3", "clip.wav", shortWAV(t))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRecognizeNoSpeech(t *testing.T) {
	svc, _, _ := newTestService(t, stt.NewMockRecognizer(""))
	_, err := svc.Recognize(context.Background(), "s-4", SourceDesktop, audio.Clip{SampleRate: 16000, Channels: 1})
	if !errors.Is(err, stt.ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestExportRoundTrip(t *testing.T) {
	svc, _, pub := newTestService(t, stt.NewMockRecognizer(""))
	text := "यह संपादित पाठ है"
	data, err := svc.Export(context.Background(), "s-5", SourceWeb, text)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	got, err := document.ReadText(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got != text {
		t.Fatalf("round trip mismatch %q != %q", got, text)
	}
	if !pub.has(protocol.SubjectDocumentExported) {
		t.Fatal("expected export publish")
	}
}

func TestExportRejectsEmpty(t *testing.T) {
	svc, _, pub := newTestService(t, stt.NewMockRecognizer(""))
	if _, err := svc.Export(context.Background(), "s-6", SourceWeb, "   "); !errors.Is(err, document.ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if pub.has(protocol.SubjectDocumentExported) {
		t.Fatal("no export should be published")
	}
	if msg := UserMessage(document.ErrEmptyText); !strings.Contains(msg, "no text") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{audio.ErrEmptyAudio, "empty"},
		{stt.ErrNoSpeech, "no intelligible speech"},
		{ErrTimeout, "did not answer in time"},
		{errors.New("boom"), "Error during transcription: boom"},
	}
	for _, tc := range cases {
		if got := UserMessage(tc.err); !strings.Contains(got, tc.want) {
			t.Errorf("UserMessage(%v) = %q, want substring %q", tc.err, got, tc.want)
		}
	}
	if UserMessage(nil) != "" {
		t.Error("expected empty message for nil error")
	}
}
