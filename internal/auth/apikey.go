package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHasher hashes and verifies device API keys issued at pairing time.
type APIKeyHasher interface {
	Hash(key string) (string, error)
	Verify(hashedKey, key string) error
}

// BcryptAPIKeyHasher implements APIKeyHasher using bcrypt.
type BcryptAPIKeyHasher struct {
	Cost int
}

// NewBcryptAPIKeyHasher creates a new BcryptAPIKeyHasher.
// Default cost is bcrypt.DefaultCost if cost <= 0.
func NewBcryptAPIKeyHasher(cost int) *BcryptAPIKeyHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptAPIKeyHasher{Cost: cost}
}

// Hash generates a bcrypt hash for the given API key.
func (h *BcryptAPIKeyHasher) Hash(key string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(key), h.Cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash generation failed: %w", err)
	}
	return string(hashedBytes), nil
}

// Verify compares a bcrypt hashed key with its possible plaintext
// equivalent. Returns nil on success.
func (h *BcryptAPIKeyHasher) Verify(hashedKey, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedKey), []byte(key))
}

var _ APIKeyHasher = (*BcryptAPIKeyHasher)(nil)
