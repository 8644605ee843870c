package license

import (
	"crypto/rand"
	"regexp"
	"strings"

	"omnifm/internal/types"
)

// keyAlphabet is the restricted character set for license key groups. It
// omits 0/O, 1/I and L so keys survive being read aloud or retyped.
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// DefaultKeyPrefix is the prefix for newly minted license keys.
const DefaultKeyPrefix = "OMNI"

const (
	keyGroups    = 3
	keyGroupSize = 4
)

// keyPattern matches a distributable license key: an uppercase prefix
// followed by three 4-character groups from the restricted alphabet.
var keyPattern = regexp.MustCompile(`^[A-Z0-9]{2,8}(-[` + keyAlphabet + `]{4}){3}$`)

// IsLicenseKey reports whether s has the distributable key format.
func IsLicenseKey(s string) bool {
	return keyPattern.MatchString(s)
}

// NormalizeKey upper-cases and trims a user-supplied key so lookups are
// forgiving about how the key was pasted.
func NormalizeKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// generateKey produces a fresh random key with the given prefix, e.g.
// OMNI-7K2M-QX9A-H4DW. Uniqueness is the caller's problem; the lifecycle
// manager retries against the store's id space on collision.
func generateKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	buf := make([]byte, keyGroups*keyGroupSize)
	if _, err := rand.Read(buf); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"reading random bytes for license key", err)
	}

	var b strings.Builder
	b.WriteString(prefix)
	for g := 0; g < keyGroups; g++ {
		b.WriteByte('-')
		for i := 0; i < keyGroupSize; i++ {
			b.WriteByte(keyAlphabet[int(buf[g*keyGroupSize+i])%len(keyAlphabet)])
		}
	}
	return b.String(), nil
}
