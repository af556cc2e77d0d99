// Package capture reads live audio from the default input device.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Microphone is a mono int16 input stream on the default device.
type Microphone struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	in      []int16
	pending []int16
	rate    int
	closed  bool
}

// OpenMicrophone initialises PortAudio and starts a capture stream that
// delivers framesPerBuffer frames per device read.
func OpenMicrophone(sampleRate, framesPerBuffer int) (*Microphone, error) {
	if sampleRate <= 0 || framesPerBuffer <= 0 {
		return nil, fmt.Errorf("invalid microphone format rate=%d frames=%d", sampleRate, framesPerBuffer)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	in := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(in), in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &Microphone{stream: stream, in: in, rate: sampleRate}, nil
}

func (m *Microphone) SampleRate() int { return m.rate }

// Read fills frames from the device. Input overflows are tolerated; the
// dropped audio is simply missing from the phrase.
func (m *Microphone) Read(ctx context.Context, frames []int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("microphone closed")
	}

	filled := copy(frames, m.pending)
	m.pending = m.pending[filled:]
	for filled < len(frames) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return fmt.Errorf("read input stream: %w", err)
		}
		n := copy(frames[filled:], m.in)
		filled += n
		if n < len(m.in) {
			m.pending = append(m.pending, m.in[n:]...)
		}
	}
	return nil
}

// Close stops the stream and releases PortAudio.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	if err := m.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := m.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
