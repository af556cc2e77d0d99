package audio

import (
	"bytes"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

func decodeWAV(data []byte) ([]int16, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: invalid wav header", ErrMalformedAudio)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		// float and compressed wav payloads go through the transcoder
		return nil, 0, fmt.Errorf("%w: wav format tag %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("%w: missing wav format", ErrMalformedAudio)
	}

	bitDepth := int(dec.BitDepth)
	scaled := make([]int, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case bitDepth == 8:
			scaled[i] = (v - 128) << 8
		case bitDepth > 16:
			scaled[i] = v >> (bitDepth - 16)
		default:
			scaled[i] = v
		}
	}
	return downmix(scaled, buf.Format.NumChannels), buf.Format.SampleRate, nil
}

// WAV encodes the clip as a 16-bit PCM wav container.
func (c Clip) WAV() ([]byte, error) {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return nil, fmt.Errorf("%w: clip has no format", ErrMalformedAudio)
	}
	samples := c.Samples()
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: c.Channels, SampleRate: c.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	out := &memFile{}
	enc := wav.NewEncoder(out, c.SampleRate, 16, c.Channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}
