// Package projector splits a roster into the online and offline member lists.
package projector

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
)

// Projection is the member list derived from one roster snapshot.
type Projection struct {
	Online  []chat.Identity
	Offline []chat.Identity
}

// Project partitions the roster by status, preserving roster order within each group.
func Project(roster chat.Roster) Projection {
	projection := Projection{
		Online:  make([]chat.Identity, 0, len(roster)),
		Offline: make([]chat.Identity, 0),
	}
	for _, identity := range roster {
		if identity.Status.IsPresent() {
			projection.Online = append(projection.Online, identity)
			continue
		}
		projection.Offline = append(projection.Offline, identity)
	}
	return projection
}

// OnlineCount returns the number of present members.
func (p Projection) OnlineCount() int {
	return len(p.Online)
}

// OfflineCount returns the number of offline members.
func (p Projection) OfflineCount() int {
	return len(p.Offline)
}

// Headers returns the group headings shown above each list.
func (p Projection) Headers() (string, string) {
	return fmt.Sprintf("ONLINE — %d", p.OnlineCount()), fmt.Sprintf("OFFLINE — %d", p.OfflineCount())
}

// ApplyLocalStatus returns a copy of the roster where the self entry carries the
// locally chosen status. The relay never learns about it.
func ApplyLocalStatus(roster chat.Roster, selfID string, status chat.Status) chat.Roster {
	decorated := roster.Clone()
	if status == "" {
		return decorated
	}
	for index := range decorated {
		if decorated[index].ID == selfID {
			decorated[index] = decorated[index].WithStatus(status)
		}
	}
	return decorated
}
