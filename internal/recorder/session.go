package recorder

import (
	"sort"
	"sync"
	"sync/atomic"

	"streamvault/internal/domain"
	"streamvault/internal/storage"
)

// Session is one running recording.
type Session struct {
	info    domain.SessionInfo
	proc    Process
	stopped atomic.Bool
}

// Info returns a copy of the session's public view.
func (s *Session) Info() domain.SessionInfo {
	return s.info
}

// SessionStore holds the active sessions by stream, at most one per stream.
// Sessions that were asked to stop stay "draining" until their process exits,
// so their file is still reported as in use.
type SessionStore struct {
	mu       sync.RWMutex
	active   map[string]*Session
	draining map[string]*Session

	// setup is read-held while a recording is being set up and write-held
	// while empty stream directories are pruned
	setup sync.RWMutex
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		active:   make(map[string]*Session),
		draining: make(map[string]*Session),
	}
}

// Get returns the active session of streamID.
func (s *SessionStore) Get(streamID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.active[streamID]
	return sess, ok
}

// Add registers sess as the active session of its stream. It reports false
// when the stream already has one.
func (s *SessionStore) Add(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[sess.info.StreamID]; ok {
		return false
	}
	s.active[sess.info.StreamID] = sess
	return true
}

// Detach moves the active session of streamID to the draining set and
// returns it.
func (s *SessionStore) Detach(streamID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.active[streamID]
	if !ok {
		return nil, false
	}
	delete(s.active, streamID)
	s.draining[sess.info.ID] = sess
	return sess, true
}

// Release forgets sess once its process has exited. It reports whether sess
// was still the active session of its stream, which means the exit was not
// requested. A later session of the same stream is never touched.
func (s *SessionStore) Release(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.draining, sess.info.ID)
	if cur, ok := s.active[sess.info.StreamID]; ok && cur == sess {
		delete(s.active, sess.info.StreamID)
		return true
	}
	return false
}

// List returns the active sessions ordered by stream.
func (s *SessionStore) List() []domain.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SessionInfo, 0, len(s.active))
	for _, sess := range s.active {
		out = append(out, sess.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// Len reports the number of active sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// InUse returns the paths of every file still being written, including
// those of draining sessions.
func (s *SessionStore) InUse() storage.PathSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make(storage.PathSet, len(s.active)+len(s.draining))
	for _, sess := range s.active {
		paths[sess.info.FilePath] = struct{}{}
	}
	for _, sess := range s.draining {
		paths[sess.info.FilePath] = struct{}{}
	}
	return paths
}

// beginSetup marks a recording as being set up until the returned func is
// called. Directories are not pruned in the meantime.
func (s *SessionStore) beginSetup() func() {
	s.setup.RLock()
	return s.setup.RUnlock
}

// LockDirs waits for recordings being set up and holds off new ones until
// unlock is called, so their directories can be pruned safely.
func (s *SessionStore) LockDirs() (unlock func()) {
	s.setup.Lock()
	return s.setup.Unlock
}

// all returns every session whose process may still be running.
func (s *SessionStore) all() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.active)+len(s.draining))
	for _, sess := range s.active {
		out = append(out, sess)
	}
	for _, sess := range s.draining {
		out = append(out, sess)
	}
	return out
}
