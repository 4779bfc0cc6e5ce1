package projector

import (
	"testing"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
)

func member(id string, status chat.Status) chat.Identity {
	return chat.Identity{ID: id, DisplayName: id, Status: status}
}

func TestProjectSplitsThreeOnlineTwoOffline(t *testing.T) {
	roster := chat.Roster{
		member("a", chat.StatusOnline),
		member("b", chat.StatusIdle),
		member("c", chat.StatusDoNotDisturb),
		member("d", chat.StatusOffline),
		member("e", chat.StatusOffline),
	}

	projection := Project(roster)
	if projection.OnlineCount() != 3 || projection.OfflineCount() != 2 {
		t.Fatalf("expected 3 online and 2 offline, got %d and %d", projection.OnlineCount(), projection.OfflineCount())
	}
	online, offline := projection.Headers()
	if online != "ONLINE — 3" || offline != "OFFLINE — 2" {
		t.Fatalf("unexpected headers %q %q", online, offline)
	}
	if projection.Online[0].ID != "a" || projection.Online[2].ID != "c" || projection.Offline[1].ID != "e" {
		t.Fatalf("expected roster order to be preserved, got %#v", projection)
	}
}

func TestProjectEmptyRoster(t *testing.T) {
	projection := Project(nil)
	if projection.OnlineCount() != 0 || projection.OfflineCount() != 0 {
		t.Fatalf("expected empty projection")
	}
	online, _ := projection.Headers()
	if online != "ONLINE — 0" {
		t.Fatalf("unexpected header %q", online)
	}
}

func TestApplyLocalStatusDecoratesOnlySelf(t *testing.T) {
	roster := chat.Roster{member("a", chat.StatusOnline), member("b", chat.StatusOnline)}

	decorated := ApplyLocalStatus(roster, "a", chat.StatusDoNotDisturb)
	if decorated[0].Status != chat.StatusDoNotDisturb || decorated[1].Status != chat.StatusOnline {
		t.Fatalf("unexpected decoration %#v", decorated)
	}
	if roster[0].Status != chat.StatusOnline {
		t.Fatalf("input roster must not change")
	}
	if Project(decorated).OnlineCount() != 2 {
		t.Fatalf("dnd must still count as online")
	}
}

func TestApplyLocalStatusIgnoresAbsentSelf(t *testing.T) {
	roster := chat.Roster{member("a", chat.StatusOnline)}
	decorated := ApplyLocalStatus(roster, "zzz", chat.StatusIdle)
	if decorated[0].Status != chat.StatusOnline {
		t.Fatalf("unexpected decoration %#v", decorated)
	}
}
