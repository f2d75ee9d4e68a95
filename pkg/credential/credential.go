// Package credential derives and verifies password hashes.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"golang.org/x/crypto/scrypt"
)

const (
	// SaltLength is the number of random bytes in a password salt.
	SaltLength = 32

	// KeyLength is the length of a derived password hash.
	KeyLength = 64

	// GeneratedPasswordLength is the length of passwords from GeneratePassword.
	GeneratedPasswordLength = 32

	// Default scrypt CPU/memory cost and block size with increased
	// parallelization.
	scryptN = 16384
	scryptR = 8
	scryptP = 4

	passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	return salt, nil
}

// Hash derives the password hash for the given salt.
func Hash(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, KeyLength)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// Verify reports whether password hashes to expected under salt.
func Verify(password string, salt, expected []byte) (bool, error) {
	key, err := Hash(password, salt)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

// GeneratePassword returns a random alphanumeric password.
func GeneratePassword() (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, GeneratedPasswordLength)

	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating password: %w", err)
		}

		b[i] = passwordAlphabet[n.Int64()]
	}

	return string(b), nil
}
