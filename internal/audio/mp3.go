package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// minFrameChain is how many back-to-back Layer III frames must be found
// before a stream is handed to the decoder, unless the stream is shorter.
const minFrameChain = 3

var (
	mp3Bitrates = [2][16]int{
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}, // MPEG-1
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},     // MPEG-2 and 2.5
	}
	mp3SampleRates = map[byte][3]int{
		3: {44100, 48000, 32000},
		2: {22050, 24000, 16000},
		0: {11025, 12000, 8000},
	}
)

// decodeMP3 yields mono samples; go-mp3 always emits interleaved stereo s16le.
func decodeMP3(data []byte) ([]int16, int, error) {
	if !hasMP3Frames(data) {
		return nil, 0, fmt.Errorf("%w: no valid mp3 frames", ErrMalformedAudio)
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	if len(pcm) < 4 {
		return nil, 0, fmt.Errorf("%w: mp3 decoded to no samples", ErrMalformedAudio)
	}
	stereo := bytesToSamples(pcm)
	wide := make([]int, len(stereo))
	for i, s := range stereo {
		wide[i] = int(s)
	}
	return downmix(wide, 2), dec.SampleRate(), nil
}

// hasMP3Frames reports whether data holds a run of consecutive Layer III
// frames: at least minFrameChain of them, or a shorter run that ends exactly
// at the end of data.
func hasMP3Frames(data []byte) bool {
	for off := id3v2Length(data); off+4 <= len(data); off++ {
		if data[off] != 0xFF {
			continue
		}
		n, end := 0, off
		for n < minFrameChain && end < len(data) {
			size := mp3FrameSize(data[end:])
			if size == 0 {
				break
			}
			end += size
			n++
		}
		if n >= minFrameChain || (n > 0 && end == len(data)) {
			return true
		}
	}
	return false
}

// mp3FrameSize parses the Layer III header at the start of b and returns the
// frame length in bytes, or 0 when b does not start with a usable header.
func mp3FrameSize(b []byte) int {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return 0
	}
	version := (b[1] >> 3) & 0x03
	layer := (b[1] >> 1) & 0x03
	if version == 1 || layer != 1 {
		return 0
	}
	rates, ok := mp3SampleRates[version]
	rateIdx := (b[2] >> 2) & 0x03
	if !ok || rateIdx == 3 {
		return 0
	}
	table, coeff := 0, 144
	if version != 3 {
		table, coeff = 1, 72
	}
	bitrate := mp3Bitrates[table][b[2]>>4] * 1000
	if bitrate == 0 {
		return 0
	}
	padding := int((b[2] >> 1) & 0x01)
	return coeff*bitrate/rates[rateIdx] + padding
}

// id3v2Length is the size of a leading ID3v2 tag, footer included.
func id3v2Length(data []byte) int {
	if len(data) < 10 || !bytes.Equal(data[:3], []byte("ID3")) {
		return 0
	}
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	size += 10
	if data[5]&0x10 != 0 {
		size += 10
	}
	if size > len(data) {
		return len(data)
	}
	return size
}
