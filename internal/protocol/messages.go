package protocol

import "time"

// Transcript is published whenever a recognizer produces text for a session.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Language   string    `json:"language"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// TranscriptFailure reports a recognition attempt that produced no text.
type TranscriptFailure struct {
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// DocumentExported announces a generated .docx.
type DocumentExported struct {
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"`
	FileName  string    `json:"file_name"`
	Bytes     int       `json:"bytes"`
	Chars     int       `json:"chars"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "dictation.transcript.partial"
	SubjectTranscriptFinal   = "dictation.transcript.final"
	SubjectTranscriptFailed  = "dictation.transcript.failed"
	SubjectDocumentExported  = "dictation.document.exported"
)
