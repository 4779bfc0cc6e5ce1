package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/auth"
	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/presence"
	"github.com/MarcoPoloResearchLab/relaychat/internal/relay"
	"github.com/MarcoPoloResearchLab/relaychat/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

func websocketURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func sendEvent(t *testing.T, conn *websocket.Conn, event wire.EventName, payload any) {
	t.Helper()
	envelope, err := wire.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	frame, err := envelope.Encode()
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn, event wire.EventName) wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed waiting for %s: %v", event, err)
		}
		envelope, err := wire.Decode(frame)
		if err != nil {
			t.Fatalf("relay sent malformed frame: %v", err)
		}
		if envelope.Event == event {
			return envelope
		}
	}
}

func TestWebsocketRequiresTokenWhenValidatorConfigured(t *testing.T) {
	fixture := newTestServer(t, true)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	_, response, err := websocket.DefaultDialer.Dial(websocketURL(server), nil)
	if err == nil {
		t.Fatalf("expected dial without token to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %#v", response)
	}

	identity := chat.Identity{ID: "u-alice", DisplayName: "alice", Status: chat.StatusOnline}
	token, _, err := fixture.tokens.IssueSessionToken(t.Context(), identity)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(websocketURL(server), header)
	if err != nil {
		t.Fatalf("dial with token failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sendEvent(t, conn, wire.EventJoinServer, identity)
	roster, err := readEvent(t, conn, wire.EventUpdateUsers).Roster()
	if err != nil || len(roster) != 1 || roster[0].ID != identity.ID {
		t.Fatalf("unexpected roster %#v err=%v", roster, err)
	}
}

func TestWebsocketRelaysMessagesBetweenClients(t *testing.T) {
	fixture := newTestServer(t, false)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	alice := chat.Identity{ID: "u-alice", DisplayName: "alice", Status: chat.StatusOnline}
	bob := chat.Identity{ID: "u-bob", DisplayName: "bob", Status: chat.StatusOnline}

	aliceConn, _, err := websocket.DefaultDialer.Dial(websocketURL(server), nil)
	if err != nil {
		t.Fatalf("alice dial failed: %v", err)
	}
	t.Cleanup(func() { _ = aliceConn.Close() })
	sendEvent(t, aliceConn, wire.EventJoinServer, alice)
	readEvent(t, aliceConn, wire.EventUpdateUsers)

	bobConn, _, err := websocket.DefaultDialer.Dial(websocketURL(server), nil)
	if err != nil {
		t.Fatalf("bob dial failed: %v", err)
	}
	sendEvent(t, bobConn, wire.EventJoinServer, bob)
	roster, _ := readEvent(t, aliceConn, wire.EventUpdateUsers).Roster()
	if len(roster) != 2 {
		t.Fatalf("expected alice to see two members, got %#v", roster)
	}
	readEvent(t, bobConn, wire.EventUpdateUsers)

	message := chat.Message{
		ID:        "m-1",
		ChannelID: chat.DefaultChannelID,
		Content:   "hi",
		Kind:      chat.MessageKindText,
		Author:    alice,
		CreatedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
	sendEvent(t, aliceConn, wire.EventSendMessage, message)

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		received, err := readEvent(t, conn, wire.EventReceiveMessage).Message()
		if err != nil || received.ID != message.ID || received.Content != "hi" {
			t.Fatalf("unexpected relayed message %#v err=%v", received, err)
		}
	}

	_ = bobConn.Close()
	roster, _ = readEvent(t, aliceConn, wire.EventUpdateUsers).Roster()
	if len(roster) != 1 || roster[0].ID != alice.ID {
		t.Fatalf("expected bob to be released, got %#v", roster)
	}
}

func TestHealthReportsConnections(t *testing.T) {
	fixture := newTestServer(t, false)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if payload.Status != "ok" || payload.Connections != 0 {
		t.Fatalf("unexpected health %#v", payload)
	}
}

func TestMetricsEndpointExposesRelayGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := relay.NewMetrics(registry)
	if err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}
	chatRelay, err := relay.New(relay.Config{Store: presence.NewStore(), Metrics: metrics})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	t.Cleanup(chatRelay.Close)
	fixture := newTestServer(t, false)

	handler, err := NewHTTPHandler(Dependencies{
		Relay:       chatRelay,
		Accounts:    stubAccounts{},
		TokenIssuer: fixture.tokens,
		Gatherer:    registry,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	response, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	for _, name := range []string{"relaychat_connections", "relaychat_roster_size"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

type stubAccounts struct{}

func (stubAccounts) Register(context.Context, string, string) (chat.Identity, error) {
	return chat.Identity{}, auth.ErrUsernameTaken
}

func (stubAccounts) Login(context.Context, string, string) (chat.Identity, error) {
	return chat.Identity{}, auth.ErrInvalidCredentials
}

func TestWebsocketRefusesJoinForAnotherAccount(t *testing.T) {
	fixture := newTestServer(t, true)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	dial := func(identity chat.Identity) *websocket.Conn {
		t.Helper()
		token, _, err := fixture.tokens.IssueSessionToken(t.Context(), identity)
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, _, err := websocket.DefaultDialer.Dial(websocketURL(server), header)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}

	alice := chat.Identity{ID: "u-alice", DisplayName: "alice", Status: chat.StatusOnline}
	mallory := chat.Identity{ID: "u-mallory", DisplayName: "mallory", Status: chat.StatusOnline}

	aliceConn := dial(alice)
	sendEvent(t, aliceConn, wire.EventJoinServer, alice)
	readEvent(t, aliceConn, wire.EventUpdateUsers)

	malloryConn := dial(mallory)
	sendEvent(t, malloryConn, wire.EventJoinServer, chat.Identity{ID: alice.ID, DisplayName: "not-alice", Status: chat.StatusOnline})
	sendEvent(t, malloryConn, wire.EventJoinServer, mallory)

	roster, err := readEvent(t, aliceConn, wire.EventUpdateUsers).Roster()
	if err != nil {
		t.Fatalf("failed to decode roster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("expected alice and mallory, got %#v", roster)
	}
	entry, ok := roster.Find(alice.ID)
	if !ok || entry.DisplayName != "alice" {
		t.Fatalf("expected alice's entry to be untouched, got %#v", roster)
	}
}
