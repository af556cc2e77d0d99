// Package recorder implements the desktop dictation loop: energy-gated
// phrase capture from a live source followed by recognition of each phrase.
package recorder

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

// ErrWaitTimeout is returned by Listen when no phrase starts in time.
var ErrWaitTimeout = errors.New("listening timed out while waiting for phrase to start")

// Source yields mono int16 frames. Read fills frames completely or fails.
type Source interface {
	SampleRate() int
	Read(ctx context.Context, frames []int16) error
}

type ListenerConfig struct {
	EnergyThreshold float64
	DynamicEnergy   bool
	Chunk           time.Duration
	Timeout         time.Duration
	PauseThreshold  time.Duration
	PhraseLimit     time.Duration
	Preroll         time.Duration
}

func ListenerConfigFromConfig(cfg config.RecorderConfig) ListenerConfig {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return ListenerConfig{
		EnergyThreshold: cfg.EnergyThreshold,
		DynamicEnergy:   cfg.DynamicEnergy,
		Chunk:           ms(cfg.ChunkMS),
		Timeout:         ms(cfg.ListenTimeoutMS),
		PauseThreshold:  ms(cfg.PauseThresholdMS),
		PhraseLimit:     ms(cfg.PhraseLimitMS),
		Preroll:         ms(cfg.PrerollMS),
	}
}

const (
	dynamicDamping = 0.15
	dynamicRatio   = 1.5
)

type Listener struct {
	src Source
	cfg ListenerConfig

	mu        sync.Mutex
	threshold float64
}

func NewListener(src Source, cfg ListenerConfig) *Listener {
	if cfg.Chunk <= 0 {
		cfg.Chunk = 50 * time.Millisecond
	}
	return &Listener{src: src, cfg: cfg, threshold: cfg.EnergyThreshold}
}

// Threshold is the current speech energy threshold.
func (l *Listener) Threshold() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threshold
}

func (l *Listener) chunkFrames() int {
	n := int(int64(l.src.SampleRate()) * int64(l.cfg.Chunk) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// Calibrate listens to ambient noise for d and moves the threshold towards it.
func (l *Listener) Calibrate(ctx context.Context, d time.Duration) error {
	buf := make([]int16, l.chunkFrames())
	for elapsed := time.Duration(0); elapsed < d; elapsed += l.cfg.Chunk {
		if err := l.src.Read(ctx, buf); err != nil {
			return err
		}
		l.adjust(rms(buf))
	}
	return nil
}

func (l *Listener) adjust(energy float64) {
	damping := math.Pow(dynamicDamping, l.cfg.Chunk.Seconds())
	target := energy * dynamicRatio
	l.mu.Lock()
	l.threshold = l.threshold*damping + target*(1-damping)
	l.mu.Unlock()
}

// Listen blocks until one phrase has been captured: it waits for energy
// above the threshold, then records until PauseThreshold of silence or
// PhraseLimit, whichever comes first.
func (l *Listener) Listen(ctx context.Context) (audio.Clip, error) {
	frames := l.chunkFrames()
	prerollChunks := int(l.cfg.Preroll / l.cfg.Chunk)
	var preroll [][]int16

	var first []int16
	for waited := time.Duration(0); ; waited += l.cfg.Chunk {
		if l.cfg.Timeout > 0 && waited > l.cfg.Timeout {
			return audio.Clip{}, ErrWaitTimeout
		}
		buf := make([]int16, frames)
		if err := l.src.Read(ctx, buf); err != nil {
			return audio.Clip{}, err
		}
		energy := rms(buf)
		if energy > l.Threshold() {
			first = buf
			break
		}
		if l.cfg.DynamicEnergy {
			l.adjust(energy)
		}
		preroll = append(preroll, buf)
		if len(preroll) > prerollChunks {
			preroll = preroll[1:]
		}
	}

	var samples []int16
	for _, chunk := range preroll {
		samples = append(samples, chunk...)
	}
	samples = append(samples, first...)

	phrase := l.cfg.Chunk
	var silence time.Duration
	buf := make([]int16, frames)
	for {
		if l.cfg.PhraseLimit > 0 && phrase >= l.cfg.PhraseLimit {
			break
		}
		if err := l.src.Read(ctx, buf); err != nil {
			return audio.Clip{}, err
		}
		samples = append(samples, buf...)
		phrase += l.cfg.Chunk
		if rms(buf) > l.Threshold() {
			silence = 0
		} else {
			silence += l.cfg.Chunk
			if silence >= l.cfg.PauseThreshold {
				break
			}
		}
	}
	return audio.ClipFromSamples(samples, l.src.SampleRate()), nil
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
