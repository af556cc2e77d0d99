package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGoogleEndpoint = "https://www.google.com/speech-api/v2/recognize"

type googleRecognizer struct {
	endpoint string
	key      string
	language string
	pfilter  bool
	client   *http.Client
}

type googleResponse struct {
	Result []struct {
		Alternative []googleAlternative `json:"alternative"`
		Final       bool                `json:"final"`
	} `json:"result"`
	ResultIndex int `json:"result_index"`
}

type googleAlternative struct {
	Transcript string   `json:"transcript"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// NewGoogleRecognizer talks to the web speech v2 recognize endpoint with
// raw linear PCM bodies.
func NewGoogleRecognizer(endpoint, key, language string, profanityFilter bool, timeout time.Duration) Recognizer {
	if endpoint == "" {
		endpoint = defaultGoogleEndpoint
	}
	return &googleRecognizer{
		endpoint: endpoint,
		key:      key,
		language: language,
		pfilter:  profanityFilter,
		client:   &http.Client{Timeout: timeout},
	}
}

func (g *googleRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, _ bool) (TranscriptResult, error) {
	if channels != 1 {
		return TranscriptResult{}, fmt.Errorf("%w: expected mono audio, got %d channels", ErrRequest, channels)
	}
	if len(pcm) == 0 {
		return TranscriptResult{}, ErrNoSpeech
	}

	query := url.Values{}
	query.Set("client", "chromium")
	query.Set("lang", g.language)
	if g.key != "" {
		query.Set("key", g.key)
	}
	if g.pfilter {
		query.Set("pFilter", "1")
	} else {
		query.Set("pFilter", "0")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"?"+query.Encode(), bytes.NewReader(pcm))
	if err != nil {
		return TranscriptResult{}, err
	}
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d", sampleRate))

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TranscriptResult{}, fmt.Errorf("%w: google http %d: %s", ErrRequest, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parseGoogleResponse(resp.Body)
}

// parseGoogleResponse reads newline-delimited JSON objects; the first
// object with a non-empty result list carries the hypotheses.
func parseGoogleResponse(r io.Reader) (TranscriptResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed googleResponse
		if err := json.Unmarshal(line, &parsed); err != nil {
			return TranscriptResult{}, fmt.Errorf("%w: decode google response: %v", ErrRequest, err)
		}
		if len(parsed.Result) == 0 {
			continue
		}
		return bestAlternative(parsed.Result[0].Alternative)
	}
	if err := scanner.Err(); err != nil {
		return TranscriptResult{}, fmt.Errorf("%w: read google response: %v", ErrRequest, err)
	}
	return TranscriptResult{}, ErrNoSpeech
}

func bestAlternative(alts []googleAlternative) (TranscriptResult, error) {
	if len(alts) == 0 {
		return TranscriptResult{}, ErrNoSpeech
	}
	best := alts[0]
	for _, alt := range alts[1:] {
		if alt.Confidence == nil {
			continue
		}
		if best.Confidence == nil || *alt.Confidence > *best.Confidence {
			best = alt
		}
	}
	text := strings.TrimSpace(best.Transcript)
	if text == "" {
		return TranscriptResult{}, ErrNoSpeech
	}
	result := TranscriptResult{Text: text}
	if best.Confidence != nil {
		result.Confidence = *best.Confidence
	}
	return result, nil
}
