package session

import "sync"

// Registry tracks the sessions known to one peer: its own session plus
// whatever the lobby list update last advertised. Reads get snapshot copies,
// never live pointers, so a List taken during a concurrent create or remove
// is always internally consistent. The registry holds no network handles and
// never initiates network calls.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Record stores or replaces a session. Idempotent.
func (r *Registry) Record(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove drops a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns a copy of the session, reporting whether it exists.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	cp := *s
	cp.Participants = append([]Participant(nil), s.Participants...)
	return cp, true
}

// Update applies fn to the stored session under the registry lock and
// reports whether the id was known.
func (r *Registry) Update(id string, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// List returns a restartable snapshot of session summaries. It is a copy,
// not a live subscription.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	return out
}
