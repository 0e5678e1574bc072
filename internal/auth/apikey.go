// Package auth guards the operator API with static API keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashAPIKey returns the hex-encoded SHA-256 of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeySet holds the hashes of the accepted operator keys.
type KeySet struct {
	hashes []string
}

// NewKeySet builds a KeySet from raw keys, ignoring blanks.
func NewKeySet(raw []string) *KeySet {
	ks := &KeySet{}
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		ks.hashes = append(ks.hashes, HashAPIKey(k))
	}
	return ks
}

// Empty reports whether no key is configured.
func (ks *KeySet) Empty() bool {
	return len(ks.hashes) == 0
}

// Valid reports whether raw matches a configured key. Every configured
// hash is compared so timing does not depend on which key matched.
func (ks *KeySet) Valid(raw string) bool {
	if raw == "" {
		return false
	}
	sum := []byte(HashAPIKey(raw))
	ok := 0
	for _, h := range ks.hashes {
		ok |= subtle.ConstantTimeCompare(sum, []byte(h))
	}
	return ok == 1
}
