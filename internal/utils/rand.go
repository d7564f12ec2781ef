package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TokenHex returns n random bytes, hex encoded
func TokenHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never fails on supported platforms
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// base34 leaves out I and O, which read like 1 and 0
const base34Alphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// RandBase34 returns a random string of length characters from the base34
// alphabet, suitable for tokens people have to type
func RandBase34(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid token length %d", length)
	}

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, v := range b {
		b[i] = base34Alphabet[int(v)%len(base34Alphabet)]
	}
	return string(b), nil
}
