package typing

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Set aggregates remote typing signals for one conversation. The local
// user is never included.
type Set struct {
	self  string
	mu    sync.Mutex
	users map[string]struct{}
}

func NewSet(selfID string) *Set {
	return &Set{self: selfID, users: make(map[string]struct{})}
}

// Apply records one signal and reports whether the set changed.
func (s *Set) Apply(userID string, isTyping bool) bool {
	if userID == "" || userID == s.self {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, present := s.users[userID]
	switch {
	case isTyping && !present:
		s.users[userID] = struct{}{}
		return true
	case !isTyping && present:
		delete(s.users, userID)
		return true
	}
	return false
}

// Remove drops a user, e.g. once their message arrives.
func (s *Set) Remove(userID string) bool {
	return s.Apply(userID, false)
}

// UserIDs returns the typing users in a stable order.
func (s *Set) UserIDs() []string {
	s.mu.Lock()
	ids := lo.Keys(s.users)
	s.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (s *Set) Clear() {
	s.mu.Lock()
	clear(s.users)
	s.mu.Unlock()
}
