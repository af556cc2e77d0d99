// Package session keeps the transient per-upload state of the web form.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found or expired")

type State string

const (
	StateIdle        State = "idle"
	StateTranscribed State = "transcribed"
	StateExported    State = "exported"
)

// Session is one upload and the transcript derived from it.
type Session struct {
	ID          string
	FileName    string
	ContentType string
	Audio       []byte
	Transcript  string
	State       State
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is an in-memory session table with a sliding TTL.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	max      int
	clock    func() time.Time
}

type Option func(*Store)

// WithMaxSessions caps the table; creating a session beyond the cap evicts
// the oldest one. Zero disables the cap.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.max = n
		}
	}
}

func NewStore(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new idle session holding the uploaded audio.
func (s *Store) Create(fileName, contentType string, audio []byte) Session {
	now := s.clock()
	sess := &Session{
		ID:          uuid.NewString(),
		FileName:    fileName,
		ContentType: contentType,
		Audio:       audio,
		State:       StateIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.max > 0 {
		for len(s.sessions) >= s.max {
			s.evictOldest()
		}
	}
	s.sessions[sess.ID] = sess
	return *sess
}

// Delete drops a session and the audio it holds. Unknown ids are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

func (s *Store) SetTranscript(id, text string) error {
	return s.update(id, func(sess *Session) {
		sess.Transcript = text
		sess.State = StateTranscribed
	})
}

// MarkExported stores the edited text the document was built from.
func (s *Store) MarkExported(id, text string) error {
	return s.update(id, func(sess *Session) {
		sess.Transcript = text
		sess.State = StateExported
	})
}

func (s *Store) update(id string, fn func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	fn(sess)
	sess.UpdatedAt = s.clock()
	return nil
}

func (s *Store) lookup(id string) (*Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(sess) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	return sess, nil
}

// evictOldest must be called with mu held.
func (s *Store) evictOldest() {
	var oldest *Session
	for _, sess := range s.sessions {
		if oldest == nil || sess.CreatedAt.Before(oldest.CreatedAt) {
			oldest = sess
		}
	}
	if oldest != nil {
		delete(s.sessions, oldest.ID)
	}
}

func (s *Store) expired(sess *Session) bool {
	return s.ttl > 0 && s.clock().Sub(sess.UpdatedAt) > s.ttl
}

// Len reports live and not yet swept sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 && onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
