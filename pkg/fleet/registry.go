package fleet

import "sync"

// Registry tracks live sessions. Sessions are keyed by session ID; the
// byController index maps a controller ID to its most recent registered
// session. Registration for an already-bound controller displaces the older
// session: last registration wins.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	byController map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		byController: make(map[string]*Session),
	}
}

// Add inserts a freshly upgraded, not-yet-registered session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Bind associates the session with a controller ID after registration.
// It returns the session previously bound to that controller, if any, so the
// caller can close it.
func (r *Registry) Bind(s *Session, controllerID string) (displaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.byController[controllerID]
	if prev == s {
		return nil
	}
	s.bind(controllerID)
	r.byController[controllerID] = s
	return prev
}

// Remove drops the session from the registry. The controller index entry is
// removed only when it still points at this session, so removing a displaced
// session never unbinds its successor.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, s.ID())
	if cid := s.ControllerID(); cid != "" && r.byController[cid] == s {
		delete(r.byController, cid)
	}
}

// ByController returns the live session bound to the controller, if any.
func (r *Registry) ByController(controllerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byController[controllerID]
	return s, ok
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BoundLen is the number of sessions that completed registration.
func (r *Registry) BoundLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byController)
}
