package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/document"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/recorder"
)

const helpText = `Commands:
  start            start recording (text is appended to the transcript)
  stop             stop recording
  show             print the transcript
  edit <text>      replace the transcript
  append <text>    add typed text to the end
  clear            empty the transcript
  copy             copy the transcript to the clipboard
  save [path]      write the transcript to a Word document
  help             show this list
  quit             stop recording and exit`

// console maps typed commands onto the recording loop and the dictation
// service. It is driven line by line so it can be exercised without a tty.
type console struct {
	loop        *recorder.Loop
	svc         *dictation.Service
	sessionID   string
	defaultPath string
	copyText    func(string) error
	out         io.Writer
}

// handle runs one command line. It returns false when the user asked to quit.
func (c *console) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
	case "start":
		if err := c.loop.Start(ctx); err != nil {
			if errors.Is(err, recorder.ErrAlreadyRecording) {
				c.println("Already recording.")
				return true
			}
			c.println("Could not start recording: " + err.Error())
			return true
		}
		c.svc.RecordEvent(ctx, c.sessionID, dictation.SourceDesktop, eventstore.TypeRecordingStarted, nil)
		c.println("Recording... speak in Hindi. Type 'stop' to finish.")
	case "stop":
		if !c.loop.Recording() {
			c.println("Not recording.")
			return true
		}
		c.loop.Stop()
		c.svc.RecordEvent(ctx, c.sessionID, dictation.SourceDesktop, eventstore.TypeRecordingStopped, map[string]any{
			"chars": len([]rune(c.loop.Text())),
		})
		c.println("Recording stopped.")
	case "show":
		c.show()
	case "edit":
		c.loop.SetText(arg)
		c.svc.RecordEdit(ctx, c.sessionID, dictation.SourceDesktop, arg)
		c.show()
	case "append":
		c.loop.Append(arg)
		c.svc.RecordEvent(ctx, c.sessionID, dictation.SourceDesktop, eventstore.TypeRecordingAppended, map[string]any{
			"chars": len([]rune(arg)),
		})
		c.show()
	case "clear":
		c.loop.Clear()
		c.svc.RecordEdit(ctx, c.sessionID, dictation.SourceDesktop, "")
		c.println("Transcript cleared.")
	case "copy":
		text := c.loop.Text()
		if strings.TrimSpace(text) == "" {
			c.println(dictation.UserMessage(document.ErrEmptyText))
			return true
		}
		if err := c.copyText(text); err != nil {
			c.println("Could not copy to clipboard: " + err.Error())
			return true
		}
		c.println("Transcript copied to clipboard.")
	case "save":
		c.save(ctx, arg)
	case "help", "?":
		c.println(helpText)
	case "quit", "exit":
		c.loop.Stop()
		return false
	default:
		c.println(fmt.Sprintf("Unknown command %q. Type 'help' for the list.", cmd))
	}
	return true
}

func (c *console) save(ctx context.Context, path string) {
	if path == "" {
		path = c.defaultPath
	}
	if filepath.Ext(path) == "" {
		path += ".docx"
	}
	if err := c.svc.SaveDocument(ctx, c.sessionID, dictation.SourceDesktop, path, c.loop.Text()); err != nil {
		if errors.Is(err, document.ErrEmptyText) {
			c.println(dictation.UserMessage(err))
			return
		}
		c.println("Could not save the document: " + err.Error())
		return
	}
	c.println("Saved " + path)
	c.println(document.FontNotice)
}

func (c *console) show() {
	text := c.loop.Text()
	if text == "" {
		c.println("(transcript is empty)")
		return
	}
	c.println(text)
}

func (c *console) println(s string) {
	fmt.Fprintln(c.out, s)
}
