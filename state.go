package twofactor

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// AuthState is the per-user second factor state for the current session.
type AuthState struct {
	Authenticated bool
	WrongCode     bool
}

// StateTracker holds AuthState per user id (case-sensitive).
//
// Entries expire ttl after their last write and the oldest are evicted past size,
// so the map is bound to the session lifetime instead of the process lifetime.
// Unknown or expired users read as the zero AuthState.
type StateTracker struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, AuthState]
}

// NewStateTracker creates a tracker. size <= 0 means no size limit and ttl <= 0 means entries
// do not expire.
func NewStateTracker(size int, ttl time.Duration) *StateTracker {
	return &StateTracker{entries: expirable.NewLRU[string, AuthState](size, nil, ttl)}
}

// Get returns the state of user.
func (s *StateTracker) Get(user string) AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _ := s.entries.Peek(user)
	return st
}

// update applies fn to the state of user under the tracker lock.
func (s *StateTracker) update(user string, fn func(*AuthState)) AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _ := s.entries.Peek(user)
	fn(&st)
	s.entries.Add(user, st)
	return st
}

func (s *StateTracker) IsAuthenticated(user string) bool {
	return s.Get(user).Authenticated
}

func (s *StateTracker) SetAuthenticated(user string, v bool) {
	s.update(user, func(st *AuthState) { st.Authenticated = v })
}

func (s *StateTracker) ShouldWarnWrongCredential(user string) bool {
	return s.Get(user).WrongCode
}

func (s *StateTracker) SetWrongCredentialWarning(user string, v bool) {
	s.update(user, func(st *AuthState) { st.WrongCode = v })
}

// ConsumeWrongCredentialWarning returns the warning flag and clears it.
func (s *StateTracker) ConsumeWrongCredentialWarning(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries.Peek(user)
	if !ok || !st.WrongCode {
		return false
	}
	st.WrongCode = false
	s.entries.Add(user, st)
	return true
}

// Forget drops the entry of user, e.g. on logout.
func (s *StateTracker) Forget(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(user)
}

// Len returns the number of live entries.
func (s *StateTracker) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}
