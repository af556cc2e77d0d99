// Package dictation ties audio ingestion, recognition and document export
// together for both the web form and the desktop recorder.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/document"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

const instrumentationName = "github.com/loqalabs/loqa-dictate/dictation"

const (
	SourceWeb     = "web"
	SourceDesktop = "desktop"
)

// Result is the outcome of one recognition call.
type Result struct {
	Text       string
	Confidence float64
	Duration   time.Duration
}

type Service struct {
	decoder    *audio.Decoder
	recognizer stt.Recognizer
	events     *eventstore.Store
	publisher  bus.Publisher
	language   string
	timeout    time.Duration
	docOpts    document.Options
	fileName   string
	privacy    string
	logger     *slog.Logger
	tracer     trace.Tracer

	transcriptions metric.Int64Counter
	failures       metric.Int64Counter
	latency        metric.Float64Histogram
	documents      metric.Int64Counter
}

// NewService wires the pipeline. events and publisher may be nil.
func NewService(cfg config.Config, decoder *audio.Decoder, recognizer stt.Recognizer, events *eventstore.Store, publisher bus.Publisher, logger *slog.Logger) *Service {
	s := &Service{
		decoder:    decoder,
		recognizer: recognizer,
		events:     events,
		publisher:  publisher,
		language:   cfg.STT.Language,
		timeout:    time.Duration(cfg.STT.TimeoutMS) * time.Millisecond,
		docOpts:    document.OptionsFromConfig(cfg.Document),
		fileName:   cfg.Document.FileName,
		privacy:    cfg.Session.PrivacyScope,
		logger:     logger.With(slog.String("component", "dictation")),
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.transcriptions, err = meter.Int64Counter("dictation.transcriptions",
		metric.WithDescription("Recognition calls that produced text")); err != nil {
		return err
	}
	if s.failures, err = meter.Int64Counter("dictation.transcription.failures",
		metric.WithDescription("Ingestion or recognition failures")); err != nil {
		return err
	}
	if s.latency, err = meter.Float64Histogram("dictation.transcription.duration",
		metric.WithUnit("s"), metric.WithDescription("Recognition call latency")); err != nil {
		return err
	}
	if s.documents, err = meter.Int64Counter("dictation.documents",
		metric.WithDescription("Documents exported")); err != nil {
		return err
	}
	return nil
}

// FileName is the suggested download name for exported documents.
func (s *Service) FileName() string { return s.fileName }

// Decoder exposes upload validation to the transport layer.
func (s *Service) Decoder() *audio.Decoder { return s.decoder }

// OpenSession records the start of a session in the event store.
func (s *Service) OpenSession(ctx context.Context, sessionID, source string) {
	if err := s.events.AppendSession(ctx, sessionID, source, s.privacy); err != nil {
		s.logger.Warn("failed to record session", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// TranscribeUpload normalises an uploaded file and sends it to the recognizer.
func (s *Service) TranscribeUpload(ctx context.Context, sessionID, fileName string, data []byte) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "dictation.TranscribeUpload", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("audio.filename", fileName),
		attribute.Int("audio.bytes", len(data)),
	))
	defer span.End()

	s.record(ctx, sessionID, SourceWeb, eventstore.TypeAudioReceived, map[string]any{
		"filename": fileName,
		"bytes":    len(data),
	})

	clip, err := s.decoder.Normalize(ctx, data, fileName)
	if err != nil {
		err = fmt.Errorf("decode audio: %w", err)
		s.fail(ctx, span, sessionID, SourceWeb, "ingest", err)
		return Result{}, err
	}
	span.SetAttributes(attribute.Float64("audio.seconds", clip.Duration().Seconds()))
	return s.recognize(ctx, span, sessionID, SourceWeb, clip, true)
}

// Recognize sends an already normalised clip, as captured by the desktop
// recorder, to the recognizer.
func (s *Service) Recognize(ctx context.Context, sessionID, source string, clip audio.Clip) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "dictation.Recognize", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Float64("audio.seconds", clip.Duration().Seconds()),
	))
	defer span.End()
	return s.recognize(ctx, span, sessionID, source, clip, true)
}

func (s *Service) recognize(ctx context.Context, span trace.Span, sessionID, source string, clip audio.Clip, final bool) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.recognizer.Transcribe(callCtx, clip.PCM, clip.SampleRate, clip.Channels, final)
	elapsed := time.Since(start)
	if s.latency != nil {
		s.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("source", source)))
	}
	if err != nil {
		if ctx.Err() != nil {
			// caller went away, e.g. the recorder was stopped mid-phrase
			return Result{}, fmt.Errorf("recognize speech: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: recognizer did not answer within %s", ErrTimeout, s.timeout)
		}
		err = fmt.Errorf("recognize speech: %w", err)
		s.fail(ctx, span, sessionID, source, "recognize", err)
		return Result{}, err
	}

	text := strings.TrimSpace(res.Text)
	if s.transcriptions != nil {
		s.transcriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
	span.SetAttributes(attribute.Int("transcript.chars", utf8.RuneCountInString(text)))
	s.record(ctx, sessionID, source, eventstore.TypeTranscriptReady, map[string]any{
		"chars":       utf8.RuneCountInString(text),
		"confidence":  res.Confidence,
		"latency_ms":  elapsed.Milliseconds(),
		"audio_ms":    clip.Duration().Milliseconds(),
		"language":    s.language,
		"final_chunk": final,
	})
	subject := protocol.SubjectTranscriptFinal
	if !final {
		subject = protocol.SubjectTranscriptPartial
	}
	s.publish(subject, protocol.Transcript{
		SessionID:  sessionID,
		Source:     source,
		Text:       text,
		Partial:    !final,
		Language:   s.language,
		Timestamp:  time.Now().UTC(),
		Confidence: res.Confidence,
	})
	return Result{Text: text, Confidence: res.Confidence, Duration: elapsed}, nil
}

// Export renders text into a document. Blank text is rejected with
// document.ErrEmptyText and nothing is produced.
func (s *Service) Export(ctx context.Context, sessionID, source, text string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "dictation.Export", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	data, err := document.Build(text, s.docOpts)
	if err != nil {
		s.exportFailed(ctx, span, sessionID, source, err)
		return nil, err
	}
	s.exported(ctx, sessionID, source, s.fileName, len(data), text)
	return data, nil
}

// SaveDocument writes the document to path.
func (s *Service) SaveDocument(ctx context.Context, sessionID, source, path, text string) error {
	ctx, span := s.tracer.Start(ctx, "dictation.SaveDocument", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("document.path", path),
	))
	defer span.End()

	if err := document.Save(path, text, s.docOpts); err != nil {
		s.exportFailed(ctx, span, sessionID, source, err)
		return err
	}
	s.exported(ctx, sessionID, source, path, 0, text)
	return nil
}

// RecordEdit notes that the user changed the transcript by hand.
func (s *Service) RecordEdit(ctx context.Context, sessionID, source, text string) {
	s.record(ctx, sessionID, source, eventstore.TypeTranscriptEdited, map[string]any{
		"chars": utf8.RuneCountInString(text),
	})
}

// RecordEvent appends an arbitrary lifecycle event.
func (s *Service) RecordEvent(ctx context.Context, sessionID, source, typ string, payload any) {
	s.record(ctx, sessionID, source, typ, payload)
}

func (s *Service) exported(ctx context.Context, sessionID, source, name string, size int, text string) {
	if s.documents != nil {
		s.documents.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
	chars := utf8.RuneCountInString(text)
	s.record(ctx, sessionID, source, eventstore.TypeDocumentExported, map[string]any{
		"file":  name,
		"bytes": size,
		"chars": chars,
	})
	s.publish(protocol.SubjectDocumentExported, protocol.DocumentExported{
		SessionID: sessionID,
		Source:    source,
		FileName:  name,
		Bytes:     size,
		Chars:     chars,
		Timestamp: time.Now().UTC(),
	})
	s.logger.Info("document exported", slog.String("session_id", sessionID), slog.String("source", source), slog.Int("chars", chars))
}

func (s *Service) exportFailed(ctx context.Context, span trace.Span, sessionID, source string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.record(ctx, sessionID, source, eventstore.TypeDocumentRejected, map[string]any{"error": err.Error()})
	s.logger.Warn("document export rejected", slog.String("session_id", sessionID), slog.String("error", err.Error()))
}

func (s *Service) fail(ctx context.Context, span trace.Span, sessionID, source, stage string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if s.failures != nil {
		s.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("stage", stage),
		))
	}
	s.record(ctx, sessionID, source, eventstore.TypeTranscriptFailed, map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
	s.publish(protocol.SubjectTranscriptFailed, protocol.TranscriptFailure{
		SessionID: sessionID,
		Source:    source,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
	s.logger.Warn("transcription failed",
		slog.String("session_id", sessionID),
		slog.String("stage", stage),
		slog.String("error", err.Error()))
}

func (s *Service) record(ctx context.Context, sessionID, source, typ string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, sessionID, source, typ, payload); err != nil {
		s.logger.Warn("failed to record event", slog.String("type", typ), slog.String("error", err.Error()))
	}
}

func (s *Service) publish(subject string, msg any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
