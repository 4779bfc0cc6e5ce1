package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates presence states.
type Status string

const (
	// StatusOnline is the state the relay assigns on join.
	StatusOnline Status = "online"
	// StatusIdle is a client-local decoration.
	StatusIdle Status = "idle"
	// StatusDoNotDisturb is a client-local decoration.
	StatusDoNotDisturb Status = "dnd"
	// StatusOffline marks a member that is not connected.
	StatusOffline Status = "offline"
)

// MessageKind enumerates supported message payloads.
type MessageKind string

const (
	// MessageKindText carries raw text content.
	MessageKindText MessageKind = "text"
	// MessageKindAudio carries an opaque encoded audio blob reference.
	MessageKindAudio MessageKind = "audio"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidIdentity indicates that an identity lacks a usable identifier.
	ErrInvalidIdentity = errors.New("chat: invalid identity")
	// ErrInvalidMessage indicates that a message is missing required fields.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrInvalidStatus indicates an unknown presence status value.
	ErrInvalidStatus = errors.New("chat: invalid status")
	// ErrInvalidMessageKind indicates an unknown message kind.
	ErrInvalidMessageKind = errors.New("chat: invalid message kind")
)

// ParseStatus normalizes raw input into a Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusOnline:
		return StatusOnline, nil
	case StatusIdle:
		return StatusIdle, nil
	case StatusDoNotDisturb:
		return StatusDoNotDisturb, nil
	case StatusOffline:
		return StatusOffline, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// IsPresent reports whether the status counts as online for member lists.
func (s Status) IsPresent() bool {
	return s == StatusOnline || s == StatusIdle || s == StatusDoNotDisturb
}

// ParseMessageKind normalizes raw input into a MessageKind.
func ParseMessageKind(raw string) (MessageKind, error) {
	switch MessageKind(strings.ToLower(strings.TrimSpace(raw))) {
	case MessageKindText:
		return MessageKindText, nil
	case MessageKindAudio:
		return MessageKindAudio, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageKind, raw)
	}
}

// Identity describes a chat participant.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
	Status      Status `json:"status"`
	AvatarRef   string `json:"avatar,omitempty"`
	ColorTag    string `json:"color,omitempty"`
	IsAutomated bool   `json:"isBot,omitempty"`
}

// Validate ensures the identity carries a stable identifier.
func (i Identity) Validate() error {
	id := strings.TrimSpace(i.ID)
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidIdentity)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidIdentity, maxIdentifierLength)
	}
	return nil
}

// WithStatus returns a copy of the identity carrying the provided status.
func (i Identity) WithStatus(status Status) Identity {
	i.Status = status
	return i
}

// Message is an immutable chat message. The sender assigns ID at emission time.
type Message struct {
	ID        string      `json:"id"`
	ChannelID string      `json:"channelId"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"type"`
	Author    Identity    `json:"author"`
	CreatedAt time.Time   `json:"timestamp"`
}

// Validate checks the fields every relayed message must carry.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.ChannelID) == "" {
		return fmt.Errorf("%w: empty channel id", ErrInvalidMessage)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if _, err := ParseMessageKind(string(m.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Author.Validate(); err != nil {
		return fmt.Errorf("%w: author: %v", ErrInvalidMessage, err)
	}
	return nil
}

// MessageDraft holds the sender-supplied fields of a message before an id is assigned.
type MessageDraft struct {
	ChannelID string
	Content   string
	Kind      MessageKind
	Author    Identity
	CreatedAt time.Time
}

// NewMessage assigns an identifier from the provider and validates the result.
func NewMessage(draft MessageDraft, ids IDProvider) (Message, error) {
	if ids == nil {
		return Message{}, errMissingIDProvider
	}
	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	id, err := ids.NewMessageID(draft.Author.ID, createdAt)
	if err != nil {
		return Message{}, err
	}
	message := Message{
		ID:        id,
		ChannelID: strings.TrimSpace(draft.ChannelID),
		Content:   draft.Content,
		Kind:      draft.Kind,
		Author:    draft.Author,
		CreatedAt: createdAt.UTC(),
	}
	if err := message.Validate(); err != nil {
		return Message{}, err
	}
	return message, nil
}

// ChannelLog is the ordered message sequence of one channel.
type ChannelLog []Message

// Contains reports whether a message with the id is already present.
func (l ChannelLog) Contains(messageID string) bool {
	for _, message := range l {
		if message.ID == messageID {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the log.
func (l ChannelLog) Clone() ChannelLog {
	if l == nil {
		return nil
	}
	cloned := make(ChannelLog, len(l))
	copy(cloned, l)
	return cloned
}

// ChannelLogs maps channel identifiers to their logs.
type ChannelLogs map[string]ChannelLog

// Clone returns a deep copy of the mapping.
func (logs ChannelLogs) Clone() ChannelLogs {
	cloned := make(ChannelLogs, len(logs))
	for channelID, log := range logs {
		cloned[channelID] = log.Clone()
	}
	return cloned
}

// Roster is a full snapshot of connected identities.
type Roster []Identity

// Clone returns an independent copy of the roster.
func (r Roster) Clone() Roster {
	cloned := make(Roster, len(r))
	copy(cloned, r)
	return cloned
}

// Find returns the identity with the provided id.
func (r Roster) Find(identityID string) (Identity, bool) {
	for _, identity := range r {
		if identity.ID == identityID {
			return identity, true
		}
	}
	return Identity{}, false
}

// ConnectionRef identifies one live transport connection on the relay.
type ConnectionRef string

// String returns the underlying reference.
func (ref ConnectionRef) String() string {
	return string(ref)
}

// ConnectionEntry binds an identity to the connection that announced it.
type ConnectionEntry struct {
	Identity      Identity
	ConnectionRef ConnectionRef
}
