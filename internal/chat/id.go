package chat

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const hashEntropyBytes = 16

var errMissingIDProvider = errors.New("chat: id provider is required")

// IDProvider issues sender-side message identifiers.
type IDProvider interface {
	NewMessageID(authorID string, createdAt time.Time) (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewMessageID(_ string, _ time.Time) (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type hashProvider struct {
	entropy io.Reader
}

// NewHashProvider constructs an IDProvider deriving ids from the author, the
// creation time and random bits. A nil entropy source selects crypto/rand.
func NewHashProvider(entropy io.Reader) IDProvider {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &hashProvider{entropy: entropy}
}

func (p *hashProvider) NewMessageID(authorID string, createdAt time.Time) (string, error) {
	nonce := make([]byte, hashEntropyBytes)
	if _, err := io.ReadFull(p.entropy, nonce); err != nil {
		return "", fmt.Errorf("chat: read id entropy: %w", err)
	}
	digest := sha256.New()
	digest.Write([]byte(authorID))
	digest.Write([]byte{0})
	digest.Write([]byte(strconv.FormatInt(createdAt.UnixNano(), 10)))
	digest.Write([]byte{0})
	digest.Write(nonce)
	return hex.EncodeToString(digest.Sum(nil)), nil
}
