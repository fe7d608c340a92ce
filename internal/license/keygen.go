package license

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// Key strings are PREFIX-XXXX-XXXX-XXXX-XXXX: an operator-chosen uppercase
// prefix followed by random uppercase alphanumeric groups. Four groups of
// four from a 36-character alphabet give ~82 bits of entropy, enough that
// a collision on creation is vanishingly unlikely (the store's uniqueness
// check covers the remainder).
const (
	keyAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroupSize  = 4
	keyGroupCount = 4
	DefaultPrefix = "KEY"
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]+(-[A-Z0-9]{4}){4}$`)

// GenerateKey returns a fresh random key string with the given prefix.
// The prefix is uppercased and stripped of whitespace; an empty prefix
// falls back to DefaultPrefix.
func GenerateKey(prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	prefix = strings.Trim(prefix, "-")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	suffix, err := randomAlphanumeric(keyGroupSize * keyGroupCount)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	parts := make([]string, 0, keyGroupCount+1)
	parts = append(parts, prefix)
	for i := 0; i < len(suffix); i += keyGroupSize {
		parts = append(parts, suffix[i:i+keyGroupSize])
	}
	return strings.Join(parts, "-"), nil
}

// NormalizeKey canonicalizes a presented key: trimmed and uppercased.
// Lookup is always against the canonical form.
func NormalizeKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidKeyFormat reports whether s looks like a generated key string.
func ValidKeyFormat(s string) bool {
	return keyPattern.MatchString(s)
}

// randomAlphanumeric draws n characters from keyAlphabet using rejection
// sampling so every character is uniformly distributed.
func randomAlphanumeric(n int) (string, error) {
	const max = byte(len(keyAlphabet)) // 36; rejection bound below keeps it unbiased
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// 252 is the largest multiple of 36 below 256.
			if b >= 252 {
				continue
			}
			out = append(out, keyAlphabet[b%max])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
