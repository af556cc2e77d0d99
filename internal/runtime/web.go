package runtime

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/document"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New("page.html").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(templateFS, "templates/page.html"))

type sessionView struct {
	ID         string
	Transcript string
}

type pageData struct {
	Extensions []string
	FileName   string
	FontNotice string
	Error      string
	Warning    string
	Session    *sessionView
}

// webServer serves the upload form, the edit page and the JSON API.
type webServer struct {
	svc       *dictation.Service
	sessions  *session.Store
	maxUpload int64
	logger    *slog.Logger
}

func newWebServer(svc *dictation.Service, sessions *session.Store, maxUploadMB int, logger *slog.Logger) *webServer {
	return &webServer{
		svc:       svc,
		sessions:  sessions,
		maxUpload: int64(maxUploadMB) << 20,
		logger:    logger.With(slog.String("component", "web")),
	}
}

func (s *webServer) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	mux.HandleFunc("GET /sessions/{id}/audio", s.handleAudio)
	mux.HandleFunc("POST /export", s.handleExport)
	mux.HandleFunc("POST /api/v1/transcriptions", s.handleAPITranscribe)
	mux.HandleFunc("POST /api/v1/documents", s.handleAPIDocument)
}

func (s *webServer) page() pageData {
	exts := s.svc.Decoder().Extensions()
	sort.Strings(exts)
	return pageData{
		Extensions: exts,
		FileName:   s.svc.FileName(),
		FontNotice: document.FontNotice,
	}
}

func (s *webServer) render(w http.ResponseWriter, status int, data pageData) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		s.logger.Error("render page failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *webServer) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, s.page())
}

type upload struct {
	name        string
	contentType string
	data        []byte
}

// readUpload pulls the "audio" part out of a multipart request.
func (s *webServer) readUpload(w http.ResponseWriter, r *http.Request) (upload, int, error) {
	tooLargeErr := fmt.Errorf("the file exceeds the %d MB upload limit", s.maxUpload>>20)
	if r.ContentLength > s.maxUpload {
		return upload{}, http.StatusRequestEntityTooLarge, tooLargeErr
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return upload{}, http.StatusRequestEntityTooLarge, tooLargeErr
		}
		return upload{}, http.StatusBadRequest, errors.New("please upload an audio file")
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		return upload{}, http.StatusBadRequest, errors.New("please upload an audio file")
	}
	defer file.Close()

	if !s.svc.Decoder().Allowed(header.Filename) {
		return upload{}, http.StatusUnsupportedMediaType,
			fmt.Errorf("%w: %q", audio.ErrUnsupportedFormat, filepath.Ext(header.Filename))
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return upload{}, http.StatusBadRequest, fmt.Errorf("read upload: %w", err)
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			contentType = byExt
		}
	}
	return upload{name: header.Filename, contentType: contentType, data: data}, http.StatusOK, nil
}

// transcribe runs an upload through the pipeline and tracks it as a session.
func (s *webServer) transcribe(r *http.Request, up upload) (session.Session, dictation.Result, error) {
	sess := s.sessions.Create(up.name, up.contentType, up.data)
	s.svc.OpenSession(r.Context(), sess.ID, dictation.SourceWeb)

	res, err := s.svc.TranscribeUpload(r.Context(), sess.ID, up.name, up.data)
	if err != nil {
		// the error page carries no session id, so nothing could reach it
		s.sessions.Delete(sess.ID)
		return sess, res, err
	}
	_ = s.sessions.SetTranscript(sess.ID, res.Text)
	sess.Transcript = res.Text
	return sess, res, nil
}

func (s *webServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	data := s.page()
	up, status, err := s.readUpload(w, r)
	if err != nil {
		data.Error = uploadMessage(err)
		s.render(w, status, data)
		return
	}

	sess, _, err := s.transcribe(r, up)
	if err != nil {
		data.Error = dictation.UserMessage(err)
		s.render(w, statusFor(err), data)
		return
	}
	data.Session = &sessionView{ID: sess.ID, Transcript: sess.Transcript}
	s.render(w, http.StatusOK, data)
}

func (s *webServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if sess.ContentType != "" {
		w.Header().Set("Content-Type", sess.ContentType)
	}
	http.ServeContent(w, r, sess.FileName, sess.UpdatedAt, bytes.NewReader(sess.Audio))
}

func (s *webServer) handleExport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseForm(); err != nil {
		data := s.page()
		data.Error = "The form could not be read."
		s.render(w, http.StatusBadRequest, data)
		return
	}
	id := r.PostFormValue("session_id")
	text := document.NormalizeNewlines(r.PostFormValue("text"))

	doc, err := s.svc.Export(r.Context(), id, dictation.SourceWeb, text)
	if err != nil {
		data := s.page()
		data.Session = &sessionView{ID: id, Transcript: text}
		if errors.Is(err, document.ErrEmptyText) {
			data.Warning = dictation.UserMessage(err)
			s.render(w, http.StatusBadRequest, data)
			return
		}
		data.Error = "The document could not be created: " + err.Error()
		s.render(w, http.StatusInternalServerError, data)
		return
	}
	if id != "" {
		if err := s.sessions.MarkExported(id, text); err != nil {
			s.logger.Debug("export for unknown session", slog.String("session_id", id))
		}
	}
	s.writeDocument(w, doc)
}

func (s *webServer) writeDocument(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", document.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": s.svc.FileName()}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

type transcriptionResponse struct {
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

type documentRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

func (s *webServer) handleAPITranscribe(w http.ResponseWriter, r *http.Request) {
	up, status, err := s.readUpload(w, r)
	if err != nil {
		writeJSONError(w, status, uploadMessage(err))
		return
	}
	sess, res, err := s.transcribe(r, up)
	if err != nil {
		writeJSONError(w, statusFor(err), dictation.UserMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, transcriptionResponse{SessionID: sess.ID, Text: res.Text, Confidence: res.Confidence})
}

func (s *webServer) handleAPIDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Text = document.NormalizeNewlines(req.Text)
	doc, err := s.svc.Export(r.Context(), req.SessionID, dictation.SourceWeb, req.Text)
	if err != nil {
		if errors.Is(err, document.ErrEmptyText) {
			writeJSONError(w, http.StatusBadRequest, dictation.UserMessage(err))
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.SessionID != "" {
		_ = s.sessions.MarkExported(req.SessionID, req.Text)
	}
	s.writeDocument(w, doc)
}

func uploadMessage(err error) string {
	if errors.Is(err, audio.ErrUnsupportedFormat) {
		return dictation.UserMessage(err)
	}
	msg := err.Error()
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dictation.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, audio.ErrEmptyAudio),
		errors.Is(err, audio.ErrUnsupportedFormat),
		errors.Is(err, audio.ErrMalformedAudio),
		errors.Is(err, audio.ErrTooLong),
		errors.Is(err, stt.ErrNoSpeech):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
