// Package document renders transcripts into single-paragraph .docx files.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fumiama/go-docx"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

const (
	ContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	// FontNotice is shown next to every export: the Devanagari font is not
	// available to the server and has to be applied after download.
	FontNotice = "Note: The Mangal font is not embedded in the file since the server runs Linux. " +
		"After downloading, open the document in MS Word and set the font to Mangal manually."
)

// ErrEmptyText rejects exports of blank transcripts.
var ErrEmptyText = errors.New("transcript is empty")

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// NormalizeNewlines turns CRLF and lone CR line endings, as submitted by
// browser textareas, into LF.
func NormalizeNewlines(text string) string {
	return newlines.Replace(text)
}

// Options control run formatting.
type Options struct {
	FontSizePt float64
	FontFamily string
}

func OptionsFromConfig(cfg config.DocumentConfig) Options {
	return Options{FontSizePt: cfg.FontSizePt, FontFamily: cfg.FontFamily}
}

// Build returns the document as a byte slice.
func Build(text string, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, text, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write renders text as one paragraph holding one run.
func Write(w io.Writer, text string, opts Options) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	doc := docx.New().WithDefaultTheme()
	run := doc.AddParagraph().AddText(NormalizeNewlines(text))
	if opts.FontSizePt > 0 {
		// sizes are expressed in half-points
		run.Size(strconv.Itoa(int(opts.FontSizePt * 2)))
	}
	if opts.FontFamily != "" {
		run.Font(opts.FontFamily, opts.FontFamily, opts.FontFamily, "cs")
	}
	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("write docx: %w", err)
	}
	return nil
}

// Save writes the document to path. Nothing is left on disk when
// validation or rendering fails.
func Save(path, text string, opts Options) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if path == "" {
		return errors.New("document path is empty")
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dictation-*.docx")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if err := Write(tmp, text, opts); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("move document into place: %w", err)
	}
	return nil
}

// ReadText reopens a document and returns its paragraphs joined by newlines.
func ReadText(r io.ReaderAt, size int64) (string, error) {
	doc, err := docx.Parse(r, size)
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}
	var paragraphs []string
	for _, item := range doc.Document.Body.Items {
		if p, ok := item.(*docx.Paragraph); ok {
			paragraphs = append(paragraphs, p.String())
		}
	}
	return strings.Join(paragraphs, "\n"), nil
}

// ReadFile is ReadText for a path on disk.
func ReadFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return ReadText(f, info.Size())
}
