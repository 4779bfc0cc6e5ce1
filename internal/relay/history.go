package relay

import (
	"context"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
)

// HistoryProvider supplies backlog to a connection right after it joins.
// The relay itself keeps no message history.
type HistoryProvider interface {
	Backlog(ctx context.Context, identity chat.Identity) ([]chat.Message, error)
}

// NoBacklog is the default provider: joiners receive nothing until new
// messages are relayed.
type NoBacklog struct{}

// Backlog always returns an empty backlog.
func (NoBacklog) Backlog(context.Context, chat.Identity) ([]chat.Message, error) {
	return nil, nil
}
