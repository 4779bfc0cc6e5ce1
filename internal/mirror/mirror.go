// Package mirror keeps the client's durable copy of every channel log.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"go.uber.org/zap"
)

const (
	// ChannelLogsKey is the storage key holding the channelId → ChannelLog mapping.
	ChannelLogsKey = "channel_logs"
	// WelcomeMessageID identifies the built-in seed message.
	WelcomeMessageID = "welcome-msg"

	welcomeContent = "Welcome to the relaychat space! Connecting to network..."
)

var errMissingStorage = errors.New("mirror: storage is required")

// Config describes the mirror's collaborators.
type Config struct {
	Storage Storage
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Mirror is the client-side cache of per-channel message sequences. It is the
// only durable record of past messages; the relay keeps none.
type Mirror struct {
	mu      sync.Mutex
	logs    chat.ChannelLogs
	storage Storage
	clock   func() time.Time
	logger  *zap.Logger
}

// New constructs an empty mirror. Call Load to seed it.
func New(cfg Config) (*Mirror, error) {
	if cfg.Storage == nil {
		return nil, errMissingStorage
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		logs:    make(chat.ChannelLogs),
		storage: cfg.Storage,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Load seeds the mirror from storage, or from the welcome message when
// storage is empty or unreadable.
func (m *Mirror) Load(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, found, err := m.storage.Load(ctx, ChannelLogsKey)
	if err != nil {
		m.logger.Warn("channel logs unavailable, seeding welcome message", zap.Error(err))
		found = false
	}
	if found {
		logs, decodeErr := decodeLogs(raw)
		if decodeErr == nil {
			m.logs = logs
			return
		}
		m.logger.Warn("channel logs corrupted, seeding welcome message", zap.Error(decodeErr))
	}
	m.logs = WelcomeLogs(m.clock())
}

// Append adds the message to its channel unless a message with the same id is
// already there. The full mapping is persisted after every successful append;
// persistence failures leave the in-memory state authoritative.
func (m *Mirror) Append(ctx context.Context, message chat.Message) (chat.ChannelLog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logs[message.ChannelID]
	if log.Contains(message.ID) {
		return log.Clone(), false
	}
	log = append(log, message)
	m.logs[message.ChannelID] = log
	m.persistLocked(ctx)
	return log.Clone(), true
}

// Log returns a copy of one channel's messages.
func (m *Mirror) Log(channelID string) chat.ChannelLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[channelID].Clone()
}

// Snapshot returns a copy of the full mapping.
func (m *Mirror) Snapshot() chat.ChannelLogs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs.Clone()
}

func (m *Mirror) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(m.logs)
	if err != nil {
		m.logger.Error("channel logs encode failed", zap.Error(err))
		return
	}
	if err := m.storage.Save(ctx, ChannelLogsKey, raw); err != nil {
		m.logger.Error("channel logs persist failed", zap.Error(err))
	}
}

// WelcomeLogs returns the seed mapping used when nothing has been persisted.
func WelcomeLogs(now time.Time) chat.ChannelLogs {
	return chat.ChannelLogs{
		chat.DefaultChannelID: chat.ChannelLog{
			{
				ID:        WelcomeMessageID,
				ChannelID: chat.DefaultChannelID,
				Content:   welcomeContent,
				Kind:      chat.MessageKindText,
				Author:    chat.Identity{ID: "sys", DisplayName: "System", Status: chat.StatusOnline},
				CreatedAt: now.UTC(),
			},
		},
	}
}

func decodeLogs(raw []byte) (chat.ChannelLogs, error) {
	logs := make(chat.ChannelLogs)
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, err
	}
	if logs == nil {
		return nil, errors.New("mirror: empty channel logs")
	}
	return logs, nil
}
