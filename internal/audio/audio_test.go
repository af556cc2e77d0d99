package audio

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func testConfig() config.AudioConfig {
	return config.AudioConfig{
		SampleRate:        16000,
		AllowedExtensions: []string{"wav", "mp3", "m4a"},
		MaxDurationSec:    60,
	}
}

func sine(n, rate int, freq float64) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = int(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func encodeWAV(t *testing.T, data []int, rate, channels int) []byte {
	t.Helper()
	out := &memFile{}
	enc := wav.NewEncoder(out, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: rate}, Data: data, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return out.Bytes()
}

type fakeTranscoder struct {
	calls int
	pcm   []byte
	err   error
}

func (f *fakeTranscoder) Transcode(_ context.Context, _ []byte, _ int) ([]byte, error) {
	f.calls++
	return f.pcm, f.err
}

func TestNormalizeMonoWAV(t *testing.T) {
	dec := NewDecoder(testConfig(), nil)
	data := encodeWAV(t, sine(16000, 16000, 440), 16000, 1)

	clip, err := dec.Normalize(context.Background(), data, "clip.wav")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", clip.SampleRate, clip.Channels)
	}
	if clip.Duration() != time.Second {
		t.Fatalf("expected 1s clip, got %s", clip.Duration())
	}
}

func TestNormalizeStereoResamples(t *testing.T) {
	dec := NewDecoder(testConfig(), nil)
	frames := 44100 / 2
	mono := sine(frames, 44100, 220)
	interleaved := make([]int, 0, frames*2)
	for _, v := range mono {
		interleaved = append(interleaved, v, v)
	}
	data := encodeWAV(t, interleaved, 44100, 2)

	clip, err := dec.Normalize(context.Background(), data, "stereo.WAV")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if clip.Channels != 1 || clip.SampleRate != 16000 {
		t.Fatalf("expected mono 16k, got %d ch @ %d", clip.Channels, clip.SampleRate)
	}
	if got := len(clip.Samples()); got != 8000 {
		t.Fatalf("expected 8000 samples after resample, got %d", got)
	}
}

func TestNormalizeCorruptedAudio(t *testing.T) {
	dec := NewDecoder(testConfig(), nil)
	data := []byte("RIFF\x10\x00\x00\x00WAVEgarbage-not-a-chunk")
	_, err := dec.Normalize(context.Background(), data, "broken.wav")
	if err == nil {
		t.Fatal("expected error for corrupted wav")
	}

	_, err = dec.Normalize(context.Background(), []byte{0x00, 0x01, 0x02, 0x03}, "noise.mp3")
	if err == nil {
		t.Fatal("expected error for corrupted mp3")
	}
}

func mp3Frame(n int) []byte {
	// MPEG-1 Layer III, 128 kbit/s, 44.1 kHz, no padding: 417 bytes
	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
	return bytes.Repeat(frame, n)
}

func TestNormalizeRejectsMP3Noise(t *testing.T) {
	dec := NewDecoder(testConfig(), nil)
	data := append([]byte{0xFF, 0xFB, 0x90, 0x00}, bytes.Repeat([]byte{0x55}, 1996)...)
	_, err := dec.Normalize(context.Background(), data, "noise.mp3")
	if !errors.Is(err, ErrMalformedAudio) {
		t.Fatalf("expected ErrMalformedAudio, got %v", err)
	}
}

func TestHasMP3Frames(t *testing.T) {
	id3 := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x05"), []byte("TAGXX")...)
	cases := map[string]struct {
		data []byte
		want bool
	}{
		"chain":         {mp3Frame(4), true},
		"single exact":  {mp3Frame(1), true},
		"after id3":     {append(id3, mp3Frame(3)...), true},
		"leading junk":  {append([]byte{0x00, 0x12}, mp3Frame(3)...), true},
		"header only":   {append([]byte{0xFF, 0xFB, 0x90, 0x00}, bytes.Repeat([]byte{0x55}, 1996)...), false},
		"bad bitrate":   {append([]byte{0xFF, 0xFB, 0xF0, 0x00}, make([]byte, 1000)...), false},
		"bad rate":      {append([]byte{0xFF, 0xFB, 0x9C, 0x00}, make([]byte, 1000)...), false},
		"layer two":     {append([]byte{0xFF, 0xFD, 0x90, 0x00}, make([]byte, 1000)...), false},
		"truncated two": {mp3Frame(2)[:600], false},
		"empty":         {nil, false},
	}
	for name, tc := range cases {
		if got := hasMP3Frames(tc.data); got != tc.want {
			t.Errorf("%s: got %v want %v", name, got, tc.want)
		}
	}
}

func TestNormalizeRejectsExtension(t *testing.T) {
	dec := NewDecoder(testConfig(), nil)
	data := encodeWAV(t, sine(160, 16000, 440), 16000, 1)
	_, err := dec.Normalize(context.Background(), data, "clip.flac")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	dec := NewDecoder(testConfig(), nil)
	if _, err := dec.Normalize(context.Background(), nil, "clip.wav"); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
}

func TestNormalizeM4AUsesTranscoder(t *testing.T) {
	tr := &fakeTranscoder{pcm: samplesToBytes([]int16{1, 2, 3, 4})}
	dec := NewDecoder(testConfig(), tr)
	data := append([]byte{0, 0, 0, 0x20}, []byte("ftypM4A ")...)

	clip, err := dec.Normalize(context.Background(), data, "memo.m4a")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if tr.calls != 1 {
		t.Fatalf("expected transcoder call, got %d", tr.calls)
	}
	if len(clip.Samples()) != 4 {
		t.Fatalf("unexpected samples %v", clip.Samples())
	}
}

func TestNormalizeM4AWithoutTranscoder(t *testing.T) {
	dec := NewDecoder(testConfig(), nil)
	data := append([]byte{0, 0, 0, 0x20}, []byte("ftypM4A ")...)
	if _, err := dec.Normalize(context.Background(), data, "memo.m4a"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestNormalizeTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDurationSec = 1
	dec := NewDecoder(cfg, nil)
	data := encodeWAV(t, sine(32000, 16000, 440), 16000, 1)
	if _, err := dec.Normalize(context.Background(), data, "long.wav"); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestClipWAVRoundTrip(t *testing.T) {
	clip := ClipFromSamples([]int16{0, 100, -100, 32767, -32768}, 16000)
	data, err := clip.WAV()
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	if Sniff(data) != ContainerWAV {
		t.Fatalf("expected wav container")
	}
	samples, rate, err := decodeWAV(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 || len(samples) != 5 || samples[3] != 32767 || samples[4] != -32768 {
		t.Fatalf("unexpected round trip: rate=%d samples=%v", rate, samples)
	}
}

func TestSniff(t *testing.T) {
	cases := map[string]struct {
		data []byte
		want Container
	}{
		"id3":     {[]byte("ID3\x04\x00"), ContainerMP3},
		"frame":   {[]byte{0xFF, 0xFB, 0x90, 0x00}, ContainerMP3},
		"m4a":     {append([]byte{0, 0, 0, 0x18}, []byte("ftypmp42")...), ContainerM4A},
		"unknown": {[]byte("hello world!"), ContainerUnknown},
	}
	for name, tc := range cases {
		if got := Sniff(tc.data); got != tc.want {
			t.Errorf("%s: got %q want %q", name, got, tc.want)
		}
	}
}

func TestResampleIdentity(t *testing.T) {
	in := []int16{1, 2, 3}
	if out := resample(in, 16000, 16000); len(out) != 3 {
		t.Fatalf("expected identity, got %v", out)
	}
}
