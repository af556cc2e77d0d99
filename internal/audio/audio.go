// Package audio turns uploaded or recorded audio into the normalised PCM
// representation handed to recognizers: signed 16-bit little-endian, mono,
// at a fixed sample rate.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

var (
	ErrEmptyAudio        = errors.New("audio payload is empty")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrMalformedAudio    = errors.New("malformed audio")
	ErrTooLong           = errors.New("audio exceeds maximum duration")
)

// Container identifies the sniffed input format.
type Container string

const (
	ContainerUnknown Container = ""
	ContainerWAV     Container = "wav"
	ContainerMP3     Container = "mp3"
	ContainerM4A     Container = "m4a"
)

// Clip is normalised audio.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration reports the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.PCM) / (2 * c.Channels)
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Samples decodes the PCM payload into int16 samples.
func (c Clip) Samples() []int16 {
	out := make([]int16, len(c.PCM)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(c.PCM[i*2:]))
	}
	return out
}

// ClipFromSamples packs mono samples captured at sampleRate.
func ClipFromSamples(samples []int16, sampleRate int) Clip {
	return Clip{PCM: samplesToBytes(samples), SampleRate: sampleRate, Channels: 1}
}

// Transcoder converts arbitrary containers into raw mono s16le PCM.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, sampleRate int) ([]byte, error)
}

// Decoder validates and normalises audio payloads.
type Decoder struct {
	sampleRate  int
	allowed     map[string]struct{}
	transcoder  Transcoder
	maxDuration time.Duration
}

// NewDecoder builds a decoder. A nil transcoder disables formats that
// cannot be decoded natively.
func NewDecoder(cfg config.AudioConfig, transcoder Transcoder) *Decoder {
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[normalizeExt(ext)] = struct{}{}
	}
	return &Decoder{
		sampleRate:  cfg.SampleRate,
		allowed:     allowed,
		transcoder:  transcoder,
		maxDuration: time.Duration(cfg.MaxDurationSec) * time.Second,
	}
}

// SampleRate is the rate every normalised clip is produced at.
func (d *Decoder) SampleRate() int { return d.sampleRate }

// Allowed reports whether filename carries an accepted extension.
func (d *Decoder) Allowed(filename string) bool {
	_, ok := d.allowed[normalizeExt(filepath.Ext(filename))]
	return ok
}

// Extensions lists accepted extensions without the leading dot.
func (d *Decoder) Extensions() []string {
	out := make([]string, 0, len(d.allowed))
	for ext := range d.allowed {
		out = append(out, ext)
	}
	return out
}

// Normalize decodes data and converts it to mono PCM at the decoder rate.
func (d *Decoder) Normalize(ctx context.Context, data []byte, filename string) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, ErrEmptyAudio
	}
	if filename != "" && !d.Allowed(filename) {
		return Clip{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}

	var (
		samples []int16
		rate    int
		err     error
	)
	switch Sniff(data) {
	case ContainerWAV:
		samples, rate, err = decodeWAV(data)
	case ContainerMP3:
		samples, rate, err = decodeMP3(data)
	default:
		err = ErrUnsupportedFormat
	}
	if errors.Is(err, ErrUnsupportedFormat) && d.transcoder != nil {
		var pcm []byte
		pcm, err = d.transcoder.Transcode(ctx, data, d.sampleRate)
		if err == nil {
			samples, rate = bytesToSamples(pcm), d.sampleRate
		}
	}
	if err != nil {
		return Clip{}, err
	}
	if len(samples) == 0 {
		return Clip{}, fmt.Errorf("%w: no samples decoded", ErrMalformedAudio)
	}

	samples = resample(samples, rate, d.sampleRate)
	clip := ClipFromSamples(samples, d.sampleRate)
	if d.maxDuration > 0 && clip.Duration() > d.maxDuration {
		return Clip{}, fmt.Errorf("%w: %s > %s", ErrTooLong, clip.Duration().Truncate(time.Second), d.maxDuration)
	}
	return clip, nil
}

// Sniff inspects magic bytes.
func Sniff(data []byte) Container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return ContainerWAV
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return ContainerMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContainerMP3
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return ContainerM4A
	default:
		return ContainerUnknown
	}
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
