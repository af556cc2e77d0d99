package dictation

import (
	"errors"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/document"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

var ErrTimeout = errors.New("recognition timed out")

// UserMessage turns a pipeline error into the sentence shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, document.ErrEmptyText):
		return "There is no text to save. Record or type something first."
	case errors.Is(err, audio.ErrEmptyAudio):
		return "The uploaded file is empty."
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return "Error during transcription: unsupported audio format (" + detail(err) + ")."
	case errors.Is(err, audio.ErrMalformedAudio):
		return "Error during transcription: the audio could not be decoded."
	case errors.Is(err, audio.ErrTooLong):
		return "Error during transcription: the recording is too long."
	case errors.Is(err, stt.ErrNoSpeech):
		return "Error during transcription: no intelligible speech was found in the audio."
	case errors.Is(err, ErrTimeout):
		return "Error during transcription: the speech service did not answer in time."
	case errors.Is(err, stt.ErrRequest):
		return "Error during transcription: the speech service request failed (" + detail(err) + ")."
	default:
		return "Error during transcription: " + err.Error()
	}
}

// detail strips the wrapping prefixes and keeps the innermost message.
func detail(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
