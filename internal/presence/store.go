// Package presence tracks which identities are connected to the relay.
package presence

import (
	"sync"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
)

// Store is the relay-side registry of connected identities keyed by connection.
// Every mutation returns the post-mutation roster snapshot.
type Store struct {
	mu      sync.Mutex
	entries []chat.ConnectionEntry
}

// NewStore constructs an empty presence store.
func NewStore() *Store {
	return &Store{}
}

// Register evicts any entry for the same identity id (whichever connection
// holds it) and any entry the connection already owns, then records the
// identity as online for the connection.
func (s *Store) Register(identity chat.Identity, ref chat.ConnectionRef) chat.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()

	retained := s.entries[:0]
	for _, entry := range s.entries {
		if entry.Identity.ID == identity.ID || entry.ConnectionRef == ref {
			continue
		}
		retained = append(retained, entry)
	}
	s.entries = append(retained, chat.ConnectionEntry{
		Identity:      identity.WithStatus(chat.StatusOnline),
		ConnectionRef: ref,
	})
	return s.snapshotLocked()
}

// Release removes the entry owned by the connection. Unknown connections leave
// the roster unchanged.
func (s *Store) Release(ref chat.ConnectionRef) chat.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()

	for index, entry := range s.entries {
		if entry.ConnectionRef == ref {
			s.entries = append(s.entries[:index], s.entries[index+1:]...)
			break
		}
	}
	return s.snapshotLocked()
}

// Roster returns the current snapshot.
func (s *Store) Roster() chat.Roster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Lookup returns the identity announced on the connection.
func (s *Store) Lookup(ref chat.ConnectionRef) (chat.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.ConnectionRef == ref {
			return entry.Identity, true
		}
	}
	return chat.Identity{}, false
}

// Reset drops every entry.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

func (s *Store) snapshotLocked() chat.Roster {
	roster := make(chat.Roster, 0, len(s.entries))
	for _, entry := range s.entries {
		roster = append(roster, entry.Identity)
	}
	return roster
}
