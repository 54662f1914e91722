// Package presence tracks which users currently hold a live connection.
// The store is the only shared mutable state in the server process; it is
// owned exclusively by that process and rebuilt from zero on restart.
package presence

import (
	"sync"
	"time"
)

// Entry is the record that a user identity currently has a live connection.
// At most one Entry exists per user identity: a second connection for the
// same identity replaces the connection handle in place (last writer wins)
// while JoinedAt is preserved from the first join.
type Entry struct {
	UserID      string
	ConnID      string // current transport connection handle
	DisplayName string
	Contact     string
	Avatar      string // empty when no avatar is known
	JoinedAt    time.Time
}

// Store is a goroutine-safe registry of presence entries keyed by user
// identity, with a secondary index by connection handle. Roster order is the
// insertion order of first joins; stable but not semantically significant.
type Store struct {
	mu     sync.RWMutex
	byUser map[string]*Entry
	byConn map[string]*Entry
	order  []string // user IDs in first-join order
}

// NewStore creates an empty presence store.
func NewStore() *Store {
	return &Store{
		byUser: make(map[string]*Entry),
		byConn: make(map[string]*Entry),
	}
}

// Join registers a connection for the given user identity. If the identity
// already has an entry, this is a reconnection: the entry is updated in place
// with the new connection handle, display name, contact and avatar, and
// JoinedAt is preserved. Otherwise a new entry is created with JoinedAt=now.
//
// It returns a copy of the resulting entry and whether this was a
// reconnection of an already-online user.
func (s *Store) Join(userID, displayName, contact, avatar, connID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byUser[userID]; ok {
		// Reconnect: drop the stale handle index before replacing it.
		if e.ConnID != connID {
			delete(s.byConn, e.ConnID)
		}
		e.ConnID = connID
		e.DisplayName = displayName
		e.Contact = contact
		e.Avatar = avatar
		s.byConn[connID] = e
		return *e, true
	}

	e := &Entry{
		UserID:      userID,
		ConnID:      connID,
		DisplayName: displayName,
		Contact:     contact,
		Avatar:      avatar,
		JoinedAt:    time.Now(),
	}
	s.byUser[userID] = e
	s.byConn[connID] = e
	s.order = append(s.order, userID)
	return *e, false
}

// Leave removes the entry whose current connection handle is connID. If the
// handle is stale — the user has already reconnected and the entry now points
// at a newer handle — Leave is a no-op and reports removed=false, so a
// disconnect of the old connection never produces a spurious offline.
func (s *Store) Leave(connID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	// byConn only maps live handles, but guard against an entry that was
	// re-pointed between index lookups.
	if e.ConnID != connID {
		delete(s.byConn, connID)
		return Entry{}, false
	}

	delete(s.byConn, connID)
	delete(s.byUser, e.UserID)
	for i, id := range s.order {
		if id == e.UserID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return *e, true
}

// GetByConn returns the entry for the given connection handle, or false if
// the connection never completed a join handshake.
func (s *Store) GetByConn(connID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetByUser returns the entry for the given user identity, or false if the
// user is not online.
func (s *Store) GetByUser(userID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Roster returns a snapshot of all entries in first-join order.
func (s *Store) Roster() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.byUser[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Count returns the number of currently-online users.
func (s *Store) Count() int {
	s.mu.RLock()
	n := len(s.byUser)
	s.mu.RUnlock()
	return n
}
