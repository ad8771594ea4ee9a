// Package presence holds the session registry: the process-local map from a
// user identity to the set of live sessions bound to it.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/EthanQC/pulse/services/realtime_service/internal/domain/entity"
)

// Transition describes how a user's presence changed after a mutation.
// At most one of WentOnline and WentOffline is set.
type Transition struct {
	UserID       string
	WentOnline   bool
	WentOffline  bool
	SessionCount int
}

// Changed reports whether the user crossed the online/offline boundary.
func (t Transition) Changed() bool {
	return t.WentOnline || t.WentOffline
}

// Stats 注册表统计
type Stats struct {
	Sessions      int `json:"sessions"`
	BoundSessions int `json:"bound_sessions"`
	OnlineUsers   int `json:"online_users"`
}

// ErrUnknownSession 会话未 Open 或已 Close
var ErrUnknownSession = errors.New("unknown session")

type sessionSet map[string]struct{}

// Registry 会话注册表
// 所有读写都在同一把锁下进行，查询不会看到绑定到一半的会话
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entity.Session // sessionID -> session (bound or not)
	presence map[string]sessionSet      // userID -> bound sessions
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock is NewRegistry with an injectable clock.
func NewRegistryWithClock(now func() time.Time) *Registry {
	return &Registry{
		sessions: make(map[string]*entity.Session),
		presence: make(map[string]sessionSet),
		now:      now,
	}
}

// Open records a freshly connected, unauthenticated session. Opening an
// existing session only refreshes its remote address.
func (r *Registry) Open(sessionID, remoteAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		if remoteAddr != "" {
			s.RemoteAddr = remoteAddr
		}
		return
	}
	now := r.now()
	r.sessions[sessionID] = &entity.Session{
		ID:              sessionID,
		RemoteAddr:      remoteAddr,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
}

// Bind attaches sessionID to userID. Binding a session to the user it is
// already bound to is a no-op; binding it to another user moves it and
// released describes the previous owner. Sessions only come into existence
// through Open, so binding one that was never opened or is already closed
// fails with ErrUnknownSession and changes nothing.
func (r *Registry) Bind(sessionID, userID string) (bound, released Transition, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Transition{}, Transition{}, ErrUnknownSession
	}

	if s.UserID == userID {
		return Transition{UserID: userID, SessionCount: len(r.presence[userID])}, Transition{}, nil
	}

	// rebind to a different identity: leave the old entry first
	if s.UserID != "" {
		released = r.detachLocked(s)
	}

	set, existed := r.presence[userID]
	if !existed {
		set = make(sessionSet)
		r.presence[userID] = set
	}
	set[sessionID] = struct{}{}
	s.UserID = userID
	s.LastHeartbeatAt = r.now()

	return Transition{UserID: userID, WentOnline: !existed, SessionCount: len(set)}, released, nil
}

// Unbind removes sessionID from its presence entry. The session itself stays
// known (as unbound) until Close. Unbinding an unbound or unknown session is
// a no-op.
func (r *Registry) Unbind(sessionID string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || s.UserID == "" {
		return Transition{}
	}
	return r.detachLocked(s)
}

// Close unbinds the session and forgets it. Safe to call more than once.
func (r *Registry) Close(sessionID string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return Transition{}
	}
	var t Transition
	if s.UserID != "" {
		t = r.detachLocked(s)
	}
	delete(r.sessions, sessionID)
	return t
}

// detachLocked removes s from its user's entry, deleting the entry when it
// becomes empty. Caller holds the write lock.
func (r *Registry) detachLocked(s *entity.Session) Transition {
	userID := s.UserID
	s.UserID = ""

	set, ok := r.presence[userID]
	if !ok {
		return Transition{UserID: userID}
	}
	delete(set, s.ID)
	if len(set) == 0 {
		delete(r.presence, userID)
		return Transition{UserID: userID, WentOffline: true}
	}
	return Transition{UserID: userID, SessionCount: len(set)}
}

// Touch records a heartbeat. Returns false for unknown sessions.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastHeartbeatAt = r.now()
	return true
}

// SessionsFor returns the bound sessions of userID in a stable order. An
// offline user yields an empty, non-nil slice.
func (r *Registry) SessionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.presence[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether userID has at least one bound session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.presence[userID]) > 0
}

// Lookup returns a copy of the session.
func (r *Registry) Lookup(sessionID string) (entity.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return entity.Session{}, false
	}
	return *s, true
}

// Users lists every user with a presence entry, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.presence))
	for u := range r.presence {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Expired lists sessions whose last heartbeat is older than cutoff.
func (r *Registry) Expired(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, s := range r.sessions {
		if s.LastHeartbeatAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats returns counters for /stats and metrics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := 0
	for _, set := range r.presence {
		bound += len(set)
	}
	return Stats{
		Sessions:      len(r.sessions),
		BoundSessions: bound,
		OnlineUsers:   len(r.presence),
	}
}
