package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relaychat/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	maxUsernameLength = 64
	avatarURLTemplate = "https://ui-avatars.com/api/?name=%s&background=random"
)

var (
	// ErrMissingCredentials indicates an empty username or password.
	ErrMissingCredentials = errors.New("auth: username and password are required")
	// ErrInvalidCredentials indicates an unknown username or a wrong password.
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	// ErrUsernameTaken indicates that registration collided with an existing account.
	ErrUsernameTaken = errors.New("auth: username already taken")

	errMissingDatabase   = errors.New("auth: database connection required")
	errMissingIDProvider = errors.New("auth: id provider required")
)

// Account is the stored credential record behind an identity.
type Account struct {
	ID           string    `gorm:"column:account_id;primaryKey;size:190;not null"`
	Username     string    `gorm:"column:username;size:64;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:128;not null"`
	AvatarRef    string    `gorm:"column:avatar_ref;size:512"`
	ColorTag     string    `gorm:"column:color_tag;size:16"`
	IsAutomated  bool      `gorm:"column:is_automated;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Identity projects the account into the identity announced on the wire.
func (a Account) Identity() chat.Identity {
	return chat.Identity{
		ID:          a.ID,
		DisplayName: a.Username,
		Status:      chat.StatusOnline,
		AvatarRef:   a.AvatarRef,
		ColorTag:    a.ColorTag,
		IsAutomated: a.IsAutomated,
	}
}

// AccountIDProvider issues account identifiers.
type AccountIDProvider interface {
	NewID() (string, error)
}

// AccountServiceConfig describes the dependencies of the credential store.
type AccountServiceConfig struct {
	Database   *gorm.DB
	IDProvider AccountIDProvider
	ColorTag   func() (string, error)
	HashCost   int
	Logger     *zap.Logger
}

// AccountService registers and authenticates usernames.
type AccountService struct {
	db       *gorm.DB
	ids      AccountIDProvider
	colorTag func() (string, error)
	hashCost int
	logger   *zap.Logger
}

// NewAccountService constructs the credential store.
func NewAccountService(cfg AccountServiceConfig) (*AccountService, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	colorTag := cfg.ColorTag
	if colorTag == nil {
		colorTag = RandomColorTag
	}
	hashCost := cfg.HashCost
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{
		db:       cfg.Database,
		ids:      cfg.IDProvider,
		colorTag: colorTag,
		hashCost: hashCost,
		logger:   logger,
	}, nil
}

// Register creates an account for an unused username and returns its identity.
// Usernames differing only in case name the same account.
func (s *AccountService) Register(ctx context.Context, username, password string) (chat.Identity, error) {
	name, err := normalizeCredentials(username, password)
	if err != nil {
		return chat.Identity{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("auth: hash password: %w", err)
	}
	accountID, err := s.ids.NewID()
	if err != nil {
		return chat.Identity{}, fmt.Errorf("auth: generate account id: %w", err)
	}
	color, err := s.colorTag()
	if err != nil {
		return chat.Identity{}, fmt.Errorf("auth: generate color tag: %w", err)
	}

	account := Account{
		ID:           accountID,
		Username:     name,
		PasswordHash: string(hash),
		AvatarRef:    fmt.Sprintf(avatarURLTemplate, url.QueryEscape(name)),
		ColorTag:     color,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Account{}).Where("username = ? COLLATE NOCASE", name).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrUsernameTaken
		}
		return tx.Create(&account).Error
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrUsernameTaken) {
			s.logger.Error("account registration failed", zap.String("username", name), zap.Error(txErr))
		}
		return chat.Identity{}, txErr
	}

	s.logger.Info("account registered", zap.String("identity_id", account.ID))
	return account.Identity(), nil
}

// Login verifies the password and returns the account identity.
func (s *AccountService) Login(ctx context.Context, username, password string) (chat.Identity, error) {
	name, err := normalizeCredentials(username, password)
	if err != nil {
		return chat.Identity{}, err
	}

	var account Account
	err = s.db.WithContext(ctx).Where("username = ? COLLATE NOCASE", name).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		s.logger.Error("account lookup failed", zap.String("username", name), zap.Error(err))
		return chat.Identity{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return chat.Identity{}, ErrInvalidCredentials
	}
	return account.Identity(), nil
}

// RandomColorTag returns a random #rrggbb color.
func RandomColorTag() (string, error) {
	buffer := make([]byte, 3)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return fmt.Sprintf("#%02x%02x%02x", buffer[0], buffer[1], buffer[2]), nil
}

func normalizeCredentials(username, password string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" || password == "" {
		return "", ErrMissingCredentials
	}
	if len(name) > maxUsernameLength {
		return "", fmt.Errorf("%w: username exceeds %d characters", ErrMissingCredentials, maxUsernameLength)
	}
	return name, nil
}
