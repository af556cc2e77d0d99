package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execTranscoder struct {
	cmd []string
}

// NewExecTranscoder wraps an ffmpeg-compatible command line. The input is
// fed on stdin and raw mono s16le PCM is read from stdout.
func NewExecTranscoder(command string) (Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcode command is empty")
	}
	return &execTranscoder{cmd: args}, nil
}

func (t *execTranscoder) Transcode(ctx context.Context, data []byte, sampleRate int) ([]byte, error) {
	args := append([]string{}, t.cmd[1:]...)
	args = append(args,
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	command := exec.CommandContext(ctx, t.cmd[0], args...)
	command.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: transcoder failed: %v: %s", ErrMalformedAudio, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: transcoder produced no audio", ErrMalformedAudio)
	}
	return stdout.Bytes(), nil
}
