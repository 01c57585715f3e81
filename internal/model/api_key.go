package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keyPrefixLen    = 4  // random bytes in the public prefix (8 hex chars)
	keySecretLen    = 16 // random bytes in the secret (32 hex chars)
	keyFormatPrefix = "hk_"
)

// GenerateRawKey produces a client API key of the form hk_<prefix>_<secret>.
// The prefix identifies the key in logs; only its Argon2id hash is configured.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}
	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	return keyFormatPrefix + prefix + "_" + hex.EncodeToString(secretBytes), prefix, nil
}

// KeyPrefix returns the public prefix of a generated key. Keys not produced
// by GenerateRawKey have no prefix.
func KeyPrefix(rawKey string) (string, bool) {
	rest, ok := strings.CutPrefix(rawKey, keyFormatPrefix)
	if !ok {
		return "", false
	}
	i := strings.IndexByte(rest, '_')
	if i < 1 || i == len(rest)-1 {
		return "", false
	}
	return rest[:i], true
}
