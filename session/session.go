package session

import (
	"net/http"
	"sync"
)

// State is the session lifecycle state of spec §3.
type State int

const (
	// UNBOUND: no exchange, not persisted.
	UNBOUND State = iota
	// BOUND_TRANSIENT: attached to an exchange, no id.
	BoundTransient
	// BOUND_PERSISTENT: attached, id present, driver knows it.
	BoundPersistent
	// DESTROYED: id cleared, data cleared, further operations no-op.
	Destroyed
)

// Session is per-client keyed data bound to a cookie-carried identity
// (spec §3, GLOSSARY). All mutation of data and all state transitions go
// through mu, the "session's own monitor" spec §5 requires.
type Session struct {
	mu sync.Mutex

	id    string // opaque 20-char token; "" before persistence
	state State
	data  map[string]any

	// pendingCookie is the Set-Cookie scheduled by make_persistent or
	// destroy_persistent, flushed by WriteCookie at SendHeaders time and then
	// cleared (spec §3, §9 "Cycles": "session holds a weak, nullable
	// reference to the exchange, cleared on detach/close").
	pendingCookie *http.Cookie
	bound         bool

	storage *Storage
}

func newSession() *Session {
	return &Session{state: UNBOUND, data: make(map[string]any)}
}

// New returns a freshly constructed, UNBOUND session with no backing
// Storage. It exists for Driver implementations' own tests, which exercise
// Load/Save/Destroy directly against a Session without going through a
// Manager or Storage queue.
func New() *Session {
	return newSession()
}

// ID returns the session's identifier, or "" if not yet persistent.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Persistent reports whether id is non-null and the driver reports the id
// as stored (spec §3: "persistent: boolean; true exactly when id is
// non-null and the driver reports the id as stored").
func (s *Session) Persistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == BoundPersistent
}

// Get reads a value from the session's data map.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return nil, false
	}
	v, ok := s.data[key]
	return v, ok
}

// Set stores a value in the session's data map. Idempotently a no-op on a
// destroyed session (spec §3: "further operations idempotently no-op").
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return
	}
	s.data[key] = value
}

// Delete removes a key from the session's data map.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return
	}
	delete(s.data, key)
}

// Snapshot returns a shallow copy of the session's data, safe for a Driver
// to serialize without holding the session's lock during I/O.
func (s *Session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// ReplaceData atomically replaces the session's entire data map; Driver.Load
// implementations call this to populate a session (spec §4.3: "populates
// session.data atomically").
func (s *Session) ReplaceData(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data == nil {
		data = make(map[string]any)
	}
	s.data = data
}

// clearData empties the session's data map in place, used when a LOAD fails
// (spec §7: "for LOAD it clears session data and continues as transient").
func (s *Session) clearData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]any)
}

// bindTo marks the session attached to an exchange, transitioning out of
// UNBOUND into either BOUND_TRANSIENT or BOUND_PERSISTENT depending on
// whether id is already known (spec §4.5 Load algorithm).
func (s *Session) bindTo(id string, persistent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = true
	s.id = id
	if persistent {
		s.state = BoundPersistent
	} else {
		s.state = BoundTransient
	}
}

// promote transitions BOUND_TRANSIENT -> BOUND_PERSISTENT, assigning id
// (spec §4.5 make_persistent).
func (s *Session) promote(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.state = BoundPersistent
}

// demoteToTransient reverts a tentatively-persistent session back to
// BOUND_TRANSIENT after a failed LOAD, discarding its id (spec §7).
func (s *Session) demoteToTransient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == BoundPersistent {
		s.id = ""
		s.state = BoundTransient
	}
}

// markDestroyed transitions to DESTROYED, clearing id and data (spec §3:
// "DESTROYED: id cleared, data cleared, further operations no-op").
func (s *Session) markDestroyed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.state = Destroyed
	s.data = make(map[string]any)
}

// WriteCookie satisfies exchange.Session: it flushes any cookie the Manager
// scheduled for this exchange (make_persistent / destroy_persistent) onto
// the response header set, then clears the pending cookie (single emission,
// spec §8 "Cookie correctness").
func (s *Session) WriteCookie(h http.Header) {
	s.mu.Lock()
	cookie := s.pendingCookie
	s.pendingCookie = nil
	s.mu.Unlock()
	if cookie != nil {
		h.Add("Set-Cookie", cookie.String())
	}
}

// detach clears the weak exchange reference (spec §3: "cleared when
// detached"). A detached session is no longer reachable from any exchange,
// so any cookie it was about to schedule is abandoned.
func (s *Session) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = false
	s.pendingCookie = nil
}

// schedule installs a Set-Cookie for the next WriteCookie flush, replacing
// any not-yet-flushed cookie (spec §8 "Cookie correctness": at most one
// Set-Cookie per response, the last one scheduled wins).
func (s *Session) schedule(c *http.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCookie = c
}
