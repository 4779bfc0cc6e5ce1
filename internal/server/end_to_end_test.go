package server_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/auth"
	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"github.com/MarcoPoloResearchLab/relaychat/internal/client"
	"github.com/MarcoPoloResearchLab/relaychat/internal/database"
	"github.com/MarcoPoloResearchLab/relaychat/internal/mirror"
	"github.com/MarcoPoloResearchLab/relaychat/internal/presence"
	"github.com/MarcoPoloResearchLab/relaychat/internal/projector"
	"github.com/MarcoPoloResearchLab/relaychat/internal/relay"
	"github.com/MarcoPoloResearchLab/relaychat/internal/server"
	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionIssuer        = "relaychat-auth"
	sessionAudience      = "relaychat-relay"
	eventTimeout         = 3 * time.Second
)

type participant struct {
	session     *client.Session
	mirror      *mirror.Mirror
	messages    chan chat.Message
	projections chan projector.Projection
}

func startRelay(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	db, err := database.OpenSQLite(dsn, zap.NewNop(), &auth.Account{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	accounts, err := auth.NewAccountService(auth.AccountServiceConfig{
		Database:   db,
		IDProvider: auth.NewUUIDProvider(),
		HashCost:   bcrypt.MinCost,
	})
	if err != nil {
		testContext.Fatalf("failed to build account service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		Audience:      sessionAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	chatRelay, err := relay.New(relay.Config{Store: presence.NewStore()})
	if err != nil {
		testContext.Fatalf("failed to build relay: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Relay:          chatRelay,
		Accounts:       accounts,
		TokenIssuer:    tokens,
		TokenValidator: tokens,
	})
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(func() {
		chatRelay.Close()
		httpServer.Close()
	})
	return httpServer
}

func join(testContext *testing.T, httpServer *httptest.Server, username string, register bool) *participant {
	testContext.Helper()
	ctx := context.Background()

	provider, err := client.NewHTTPAuthProvider(httpServer.URL, httpServer.Client())
	if err != nil {
		testContext.Fatalf("failed to build auth provider: %v", err)
	}
	authenticate := provider.Login
	if register {
		authenticate = provider.Register
	}
	result, err := authenticate(ctx, username, "password")
	if err != nil {
		testContext.Fatalf("%s auth failed: %v", username, err)
	}

	storage := mirror.NewMemoryStorage()
	localMirror, _ := mirror.New(mirror.Config{Storage: storage})
	localMirror.Load(ctx)
	sessions, _ := mirror.NewSessionStore(storage)
	transport, err := client.NewWebsocketTransport(client.WebsocketConfig{
		URL:         "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		AccessToken: result.AccessToken,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
	})
	if err != nil {
		testContext.Fatalf("failed to build transport: %v", err)
	}
	session, err := client.New(client.Config{Transport: transport, Mirror: localMirror, Sessions: sessions})
	if err != nil {
		testContext.Fatalf("failed to build session: %v", err)
	}

	member := &participant{
		session:     session,
		mirror:      localMirror,
		messages:    make(chan chat.Message, 16),
		projections: make(chan projector.Projection, 16),
	}
	session.OnMessage(func(message chat.Message) { member.messages <- message })
	session.OnRoster(func(projection projector.Projection) { member.projections <- projection })

	if err := session.Login(ctx, mirror.SessionRecord{Identity: result.Identity, AccessToken: result.AccessToken}); err != nil {
		testContext.Fatalf("session login failed: %v", err)
	}
	if err := session.Start(ctx); err != nil {
		testContext.Fatalf("session start failed: %v", err)
	}
	testContext.Cleanup(session.Stop)
	return member
}

func (p *participant) awaitOnline(testContext *testing.T, count int) projector.Projection {
	testContext.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case projection := <-p.projections:
			if projection.OnlineCount() == count {
				return projection
			}
		case <-deadline:
			testContext.Fatalf("timed out waiting for %d online members", count)
		}
	}
}

func (p *participant) awaitMessage(testContext *testing.T, messageID string) chat.Message {
	testContext.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case message := <-p.messages:
			if message.ID == messageID {
				return message
			}
		case <-deadline:
			testContext.Fatalf("timed out waiting for message %s", messageID)
		}
	}
}

func TestRegisterConnectAndChat(testContext *testing.T) {
	httpServer := startRelay(testContext)

	alice := join(testContext, httpServer, "alice", true)
	alice.awaitOnline(testContext, 1)
	bob := join(testContext, httpServer, "bob", true)
	alice.awaitOnline(testContext, 2)
	bob.awaitOnline(testContext, 2)

	sent, err := alice.session.Send(context.Background(), "memes", "hi", chat.MessageKindText)
	if err != nil {
		testContext.Fatalf("send failed: %v", err)
	}
	for _, member := range []*participant{alice, bob} {
		received := member.awaitMessage(testContext, sent.ID)
		if received.Content != "hi" || received.Author.DisplayName != "alice" {
			testContext.Fatalf("unexpected message %#v", received)
		}
		if log := member.mirror.Log("memes"); len(log) != 1 {
			testContext.Fatalf("expected one memes entry, got %d", len(log))
		}
	}

	// A mid-session joiner gets no history from the relay.
	carol := join(testContext, httpServer, "carol", true)
	carol.awaitOnline(testContext, 3)
	if log := carol.mirror.Log("memes"); len(log) != 0 {
		testContext.Fatalf("expected no backlog for a late joiner, got %#v", log)
	}

	bob.session.Stop()
	projection := alice.awaitOnline(testContext, 2)
	for _, member := range projection.Online {
		if member.DisplayName == "bob" {
			testContext.Fatalf("bob should have left the roster: %#v", projection.Online)
		}
	}
}

func TestSameAccountOnTwoConnectionsAppearsOnce(testContext *testing.T) {
	httpServer := startRelay(testContext)

	first := join(testContext, httpServer, "dave", true)
	first.awaitOnline(testContext, 1)
	second := join(testContext, httpServer, "dave", false)

	projection := second.awaitOnline(testContext, 1)
	if projection.Online[0].DisplayName != "dave" {
		testContext.Fatalf("unexpected roster %#v", projection.Online)
	}
}
