// Package auth implements password hashing and bearer-token identity for the gateway.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	gateway "github.com/eugener/elrond/internal"
)

const minPasswordLen = 8

// HashPassword returns the bcrypt hash of a password.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", fmt.Errorf("%w: password must be at least %d characters", gateway.ErrBadRequest, minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash.
func CheckPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return gateway.ErrUnauthorized
	}
	return err
}
