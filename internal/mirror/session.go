package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
)

// SessionIdentityKey is the storage key holding the logged-in identity.
const SessionIdentityKey = "session_identity"

// SessionRecord is the logged-in identity and the token the relay issued for it.
type SessionRecord struct {
	Identity    chat.Identity `json:"identity"`
	AccessToken string        `json:"accessToken,omitempty"`
}

// SessionStore keeps the logged-in identity under its own key. It is cleared on
// logout, unlike the channel logs.
type SessionStore struct {
	storage Storage
}

// NewSessionStore wraps the storage.
func NewSessionStore(storage Storage) (*SessionStore, error) {
	if storage == nil {
		return nil, errMissingStorage
	}
	return &SessionStore{storage: storage}, nil
}

// Save records the logged-in session.
func (s *SessionStore) Save(ctx context.Context, record SessionRecord) error {
	if err := record.Identity.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("mirror: encode session: %w", err)
	}
	return s.storage.Save(ctx, SessionIdentityKey, raw)
}

// Load returns the logged-in session when one exists.
func (s *SessionStore) Load(ctx context.Context) (SessionRecord, bool, error) {
	raw, found, err := s.storage.Load(ctx, SessionIdentityKey)
	if err != nil || !found {
		return SessionRecord{}, false, err
	}
	var record SessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return SessionRecord{}, false, fmt.Errorf("mirror: decode session: %w", err)
	}
	if err := record.Identity.Validate(); err != nil {
		return SessionRecord{}, false, err
	}
	return record, true, nil
}

// Clear forgets the logged-in session.
func (s *SessionStore) Clear(ctx context.Context) error {
	return s.storage.Delete(ctx, SessionIdentityKey)
}
