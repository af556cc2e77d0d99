package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

// scriptedSource plays back a fixed amplitude per chunk index.
type scriptedSource struct {
	rate      int
	amplitude func(chunk int) int16
	chunk     int
}

func (s *scriptedSource) SampleRate() int { return s.rate }

func (s *scriptedSource) Read(ctx context.Context, frames []int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	amp := s.amplitude(s.chunk)
	s.chunk++
	for i := range frames {
		if i%2 == 0 {
			frames[i] = amp
		} else {
			frames[i] = -amp
		}
	}
	return nil
}

func testListenerConfig() ListenerConfig {
	return ListenerConfig{
		EnergyThreshold: 300,
		Chunk:           10 * time.Millisecond,
		Timeout:         100 * time.Millisecond,
		PauseThreshold:  30 * time.Millisecond,
		PhraseLimit:     200 * time.Millisecond,
		Preroll:         20 * time.Millisecond,
	}
}

func TestListenCapturesPhraseWithPreroll(t *testing.T) {
	src := &scriptedSource{rate: 1000, amplitude: func(c int) int16 {
		if c >= 5 && c < 10 {
			return 2000
		}
		return 0
	}}
	l := NewListener(src, testListenerConfig())

	clip, err := l.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	// 2 preroll chunks, 5 speech chunks, 3 trailing silent chunks of 10 frames.
	if got := len(clip.Samples()); got != 100 {
		t.Fatalf("expected 100 samples, got %d", got)
	}
	if clip.SampleRate != 1000 || clip.Channels != 1 {
		t.Fatalf("unexpected clip format %d/%d", clip.SampleRate, clip.Channels)
	}
}

func TestListenTimesOutWithoutSpeech(t *testing.T) {
	cfg := testListenerConfig()
	cfg.Timeout = 50 * time.Millisecond
	l := NewListener(&scriptedSource{rate: 1000, amplitude: func(int) int16 { return 10 }}, cfg)

	if _, err := l.Listen(context.Background()); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestListenStopsAtPhraseLimit(t *testing.T) {
	cfg := testListenerConfig()
	cfg.PhraseLimit = 50 * time.Millisecond
	l := NewListener(&scriptedSource{rate: 1000, amplitude: func(int) int16 { return 5000 }}, cfg)

	clip, err := l.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if got := len(clip.Samples()); got != 50 {
		t.Fatalf("expected 50 samples, got %d", got)
	}
}

func TestListenHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewListener(&scriptedSource{rate: 1000, amplitude: func(int) int16 { return 0 }}, testListenerConfig())
	if _, err := l.Listen(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCalibrateRaisesThresholdToAmbientNoise(t *testing.T) {
	cfg := testListenerConfig()
	cfg.DynamicEnergy = true
	l := NewListener(&scriptedSource{rate: 1000, amplitude: func(int) int16 { return 1000 }}, cfg)

	if err := l.Calibrate(context.Background(), time.Second); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if th := l.Threshold(); th <= 1000 || th > 1500 {
		t.Fatalf("threshold %.1f not between ambient energy and its ceiling", th)
	}
}

func TestListenerConfigFromConfig(t *testing.T) {
	cfg := ListenerConfigFromConfig(config.Default().Recorder)
	if cfg.Chunk != 50*time.Millisecond || cfg.Timeout != 5*time.Second || cfg.PauseThreshold != 800*time.Millisecond {
		t.Fatalf("unexpected listener config %+v", cfg)
	}
}

// fakeListener hands out a clip every few milliseconds and can be told to
// return specific errors first.
type fakeListener struct {
	mu      sync.Mutex
	errs    []error
	listens atomic.Int64
}

func (f *fakeListener) Listen(ctx context.Context) (audio.Clip, error) {
	f.listens.Add(1)
	select {
	case <-ctx.Done():
		return audio.Clip{}, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return audio.Clip{}, err
	}
	return audio.ClipFromSamples([]int16{1, 2, 3}, 16000), nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLoopAppendsRecognisedText(t *testing.T) {
	var updates atomic.Int64
	loop := NewLoop(&fakeListener{}, func(context.Context, audio.Clip) (string, error) {
		return "नमस्ते", nil
	}, newLogger(), WithOnUpdate(func(string) { updates.Add(1) }))

	loop.SetText("शुरुआत")
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return strings.Count(loop.Text(), "नमस्ते") >= 2 })
	loop.Stop()

	if !strings.HasPrefix(loop.Text(), "शुरुआत नमस्ते") {
		t.Fatalf("existing text not preserved: %q", loop.Text())
	}
	if updates.Load() < 2 {
		t.Fatalf("expected update callbacks, got %d", updates.Load())
	}
}

func TestLoopStopHaltsAppending(t *testing.T) {
	loop := NewLoop(&fakeListener{}, func(context.Context, audio.Clip) (string, error) {
		return "शब्द", nil
	}, newLogger())

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return loop.Text() != "" })

	loop.Stop()
	if loop.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", loop.State())
	}
	snapshot := loop.Text()
	time.Sleep(20 * time.Millisecond)
	if loop.Text() != snapshot {
		t.Fatalf("text changed after stop: %q -> %q", snapshot, loop.Text())
	}
}

func TestLoopRejectsDoubleStart(t *testing.T) {
	loop := NewLoop(&fakeListener{}, func(context.Context, audio.Clip) (string, error) {
		return "", stt.ErrNoSpeech
	}, newLogger())
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer loop.Stop()
	if err := loop.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
}

func TestLoopSwallowsTimeoutsAndNoSpeech(t *testing.T) {
	listener := &fakeListener{errs: []error{ErrWaitTimeout, ErrWaitTimeout}}
	var calls atomic.Int64
	loop := NewLoop(listener, func(context.Context, audio.Clip) (string, error) {
		if calls.Add(1) == 1 {
			return "", stt.ErrNoSpeech
		}
		return "ठीक", nil
	}, newLogger(), WithOnError(func(err error) { t.Errorf("unexpected error callback: %v", err) }))

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return loop.Text() != "" })
	loop.Stop()
	if !strings.HasPrefix(loop.Text(), "ठीक") {
		t.Fatalf("unexpected text %q", loop.Text())
	}
}

func TestLoopHaltsOnRecognizerError(t *testing.T) {
	boom := errors.New("service unavailable")
	reported := make(chan error, 1)
	loop := NewLoop(&fakeListener{}, func(context.Context, audio.Clip) (string, error) {
		return "", boom
	}, newLogger(), WithOnError(func(err error) { reported <- err }))

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-reported:
		if !errors.Is(err, boom) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error was not reported")
	}
	waitFor(t, func() bool { return loop.State() == StateStopped })
	loop.Stop()

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("restart after halt: %v", err)
	}
	loop.Stop()
}

func TestLoopEditAndClear(t *testing.T) {
	loop := NewLoop(&fakeListener{}, func(context.Context, audio.Clip) (string, error) { return "", nil }, newLogger())
	loop.SetText("संपादित")
	if loop.Text() != "संपादित" {
		t.Fatalf("unexpected text %q", loop.Text())
	}
	loop.Clear()
	if loop.Text() != "" || loop.State() != StateIdle {
		t.Fatalf("expected empty idle loop, got %q/%s", loop.Text(), loop.State())
	}
}
