package recorder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

var ErrAlreadyRecording = errors.New("already recording")

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

// PhraseListener captures one phrase per call. *Listener implements it.
type PhraseListener interface {
	Listen(ctx context.Context) (audio.Clip, error)
}

// RecognizeFunc turns a captured phrase into text.
type RecognizeFunc func(ctx context.Context, clip audio.Clip) (string, error)

type Option func(*Loop)

// WithOnUpdate registers the display callback; it receives the full
// transcript after every append.
func WithOnUpdate(fn func(text string)) Option {
	return func(l *Loop) { l.onUpdate = fn }
}

// WithOnError registers the callback for errors that stop the loop.
func WithOnError(fn func(err error)) Option {
	return func(l *Loop) { l.onError = fn }
}

// Loop runs capture and recognition on one background goroutine while
// the caller stays free to Stop, read or edit the transcript.
type Loop struct {
	listener  PhraseListener
	recognize RecognizeFunc
	logger    *slog.Logger
	onUpdate  func(string)
	onError   func(error)

	ctl sync.Mutex // serialises Start and Stop

	mu     sync.Mutex
	state  State
	text   string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(listener PhraseListener, recognize RecognizeFunc, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		listener:  listener,
		recognize: recognize,
		logger:    logger.With(slog.String("component", "recorder")),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins recording. Text recognised afterwards is appended to the
// existing transcript.
func (l *Loop) Start(parent context.Context) error {
	l.ctl.Lock()
	defer l.ctl.Unlock()

	l.mu.Lock()
	if l.state == StateRecording {
		l.mu.Unlock()
		return ErrAlreadyRecording
	}
	prev := l.done
	l.mu.Unlock()
	if prev != nil {
		<-prev
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	l.mu.Lock()
	l.state = StateRecording
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	l.logger.Info("recording started")
	go l.run(ctx, done)
	return nil
}

// Stop halts recording and waits for the background goroutine to exit.
// No text is appended once Stop has returned.
func (l *Loop) Stop() {
	l.ctl.Lock()
	defer l.ctl.Unlock()

	l.mu.Lock()
	cancel, done := l.cancel, l.done
	if l.state == StateRecording {
		l.state = StateStopped
	}
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("recording stopped")
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) Recording() bool { return l.State() == StateRecording }

// Text returns the accumulated transcript.
func (l *Loop) Text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.text
}

// SetText replaces the transcript with a user edit.
func (l *Loop) SetText(text string) {
	l.mu.Lock()
	l.text = text
	l.mu.Unlock()
}

func (l *Loop) Clear() { l.SetText("") }

// Append adds typed text to the end of the transcript.
func (l *Loop) Append(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	l.mu.Lock()
	l.text = joinText(l.text, text)
	l.mu.Unlock()
}

func joinText(current, next string) string {
	if current != "" && !strings.HasSuffix(current, " ") && !strings.HasSuffix(current, "\n") {
		current += " "
	}
	return current + next
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		clip, err := l.listener.Listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrWaitTimeout) {
				continue
			}
			l.halt(err)
			return
		}

		text, err := l.recognize(ctx, clip)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, stt.ErrNoSpeech) {
				l.logger.Debug("phrase not recognised")
				continue
			}
			l.halt(err)
			return
		}
		if !l.appendText(ctx, text) {
			return
		}
	}
}

func (l *Loop) appendText(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	l.mu.Lock()
	if l.state != StateRecording || ctx.Err() != nil {
		l.mu.Unlock()
		return false
	}
	if text == "" {
		l.mu.Unlock()
		return true
	}
	l.text = joinText(l.text, text)
	snapshot := l.text
	l.mu.Unlock()

	if l.onUpdate != nil {
		l.onUpdate(snapshot)
	}
	return true
}

func (l *Loop) halt(err error) {
	l.mu.Lock()
	if l.state == StateRecording {
		l.state = StateStopped
	}
	l.mu.Unlock()
	l.logger.Warn("recording halted", slog.String("error", err.Error()))
	if l.onError != nil {
		l.onError(err)
	}
}
