package auth

import "github.com/google/uuid"

type uuidProvider struct{}

// NewUUIDProvider constructs an AccountIDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() AccountIDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
