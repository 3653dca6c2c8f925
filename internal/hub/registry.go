package hub

import "sync"

// registry maps each user to their single live session. Guarded by one
// mutex; reads for fan-out take a snapshot.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() registry {
	return registry{sessions: make(map[string]*session)}
}

// put registers the session as the user's current one, returning the
// predecessor if there was a live one.
func (r *registry) put(userID string, s *session) (prev *session, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced = r.sessions[userID]
	r.sessions[userID] = s
	return prev, replaced
}

func (r *registry) get(userID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// remove deletes the session iff it is still the user's registered one.
// A session that was replaced is no longer current and removal is a no-op.
func (r *registry) remove(s *session) (wasCurrent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.userID] == s {
		delete(r.sessions, s.userID)
		return true
	}
	return false
}

func (r *registry) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
