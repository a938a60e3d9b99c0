package session

import "sync"

// Registry is the single shared map of live sessions. Inserts and removals
// are atomic with respect to concurrent start/stop calls for the same id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put installs a session under its id and returns the session it replaced,
// if any. The caller owns stopping the superseded session.
func (r *Registry) Put(s *Session) *Session {
	prev, _ := r.PutWithLimit(s, 0)
	return prev
}

// PutWithLimit installs a session unless doing so would grow the registry
// past max (zero means unlimited). Replacing an existing id never counts
// against the limit. The check and the insert happen under one lock, so
// concurrent starts cannot overshoot the cap.
func (r *Registry) PutWithLimit(s *Session, max int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, exists := r.sessions[s.ID]
	if max > 0 && !exists && len(r.sessions) >= max {
		return nil, false
	}
	r.sessions[s.ID] = s
	return prev, true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the registration only while it still points at s, so a
// session superseded by a restart never evicts its replacement.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.ID]; ok && current == s {
		delete(r.sessions, s.ID)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
