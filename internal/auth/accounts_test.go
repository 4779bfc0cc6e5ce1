package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type sequenceProvider struct {
	next int
}

func (p *sequenceProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("account-%d", p.next), nil
}

func newAccountService(t *testing.T) *AccountService {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("failed to migrate account schema: %v", err)
	}
	service, err := NewAccountService(AccountServiceConfig{
		Database:   db,
		IDProvider: &sequenceProvider{},
		ColorTag: func() (string, error) {
			return "#abcdef", nil
		},
		HashCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestRegisterThenLogin(t *testing.T) {
	service := newAccountService(t)
	ctx := context.Background()

	registered, err := service.Register(ctx, " alice ", "hunter2")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if registered.ID != "account-1" || registered.DisplayName != "alice" {
		t.Fatalf("unexpected identity %#v", registered)
	}
	if registered.ColorTag != "#abcdef" {
		t.Fatalf("unexpected color tag %q", registered.ColorTag)
	}
	if !strings.Contains(registered.AvatarRef, "name=alice") {
		t.Fatalf("unexpected avatar %q", registered.AvatarRef)
	}

	loggedIn, err := service.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if loggedIn.ID != registered.ID {
		t.Fatalf("expected stable identity id, got %q", loggedIn.ID)
	}
}

func TestRegisterRejectsTakenUsername(t *testing.T) {
	service := newAccountService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, "alice", "one"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := service.Register(ctx, "alice", "two"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestUsernamesDifferingOnlyInCaseNameOneAccount(t *testing.T) {
	service := newAccountService(t)
	ctx := context.Background()

	registered, err := service.Register(ctx, "alice", "one")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := service.Register(ctx, "Alice", "two"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken for case variant, got %v", err)
	}
	loggedIn, err := service.Login(ctx, "ALICE", "one")
	if err != nil {
		t.Fatalf("login with case variant failed: %v", err)
	}
	if loggedIn.ID != registered.ID || loggedIn.DisplayName != "alice" {
		t.Fatalf("expected the original account, got %#v", loggedIn)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	service := newAccountService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, "alice", "right"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := service.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := service.Login(ctx, "bob", "right"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := service.Login(ctx, "", ""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestRandomColorTagFormat(t *testing.T) {
	color, err := RandomColorTag()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(color) != 7 || color[0] != '#' {
		t.Fatalf("unexpected color %q", color)
	}
}
