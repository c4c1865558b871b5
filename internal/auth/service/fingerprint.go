package service

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// FingerprintBinder hashes raw device fingerprints with keyed BLAKE2b-256.
// Only the hash is ever persisted.
type FingerprintBinder struct {
	key []byte
}

func NewFingerprintBinder(pepper string) *FingerprintBinder {
	key := []byte(pepper)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &FingerprintBinder{key: key}
}

func (b *FingerprintBinder) Hash(raw string) string {
	if raw == "" {
		return ""
	}
	h, err := blake2b.New256(b.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes, which the
		// constructor rules out.
		panic(err)
	}
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// Matches reports whether raw hashes to stored. An empty stored hash means
// the record was never bound and matches anything.
func (b *FingerprintBinder) Matches(raw, stored string) bool {
	if stored == "" {
		return true
	}
	if raw == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(b.Hash(raw)), []byte(stored)) == 1
}
