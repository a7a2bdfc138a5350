package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashServiceKey hashes a service key with bcrypt
func HashServiceKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash service key: %w", err)
	}
	return string(hash), nil
}

// CheckServiceKey reports whether key matches a bcrypt hash. A malformed
// hash is an error; a mismatch is not.
func CheckServiceKey(hash, key string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}
