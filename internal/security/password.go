package security

import (
	"crypto/rand"
	"fmt"
)

const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// GenerateSecurePassword returns a random password of length characters
// drawn from an alphanumeric alphabet that excludes visually ambiguous
// characters (0/O, 1/l/I), matching generate_secure_password's intent:
// a password a human may occasionally need to read off a screen.
func GenerateSecurePassword(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("security: password length must be positive")
	}
	out := make([]byte, length)
	idx := make([]byte, length)
	if _, err := rand.Read(idx); err != nil {
		return "", fmt.Errorf("security: generating password: %w", err)
	}
	for i, b := range idx {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out), nil
}
